package stcp

import (
	"fmt"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
)

// Flags is the control-bit byte of a segment header.
// Bit positions follow the TCP header so captures decode with stock tools.
type Flags uint8

const (
	// FlagFIN marks the end of the sender's byte stream. Reserved, not emitted.
	FlagFIN Flags = header.TCPFlagFin
	// FlagSYN synchronizes sequence numbers during the handshake.
	FlagSYN Flags = header.TCPFlagSyn
	// FlagRST aborts the connection.
	FlagRST Flags = header.TCPFlagRst
	// FlagACK indicates the acknowledgment number is significant.
	FlagACK Flags = header.TCPFlagAck

	synAck = FlagSYN | FlagACK
)

// HasAll reports whether every bit in mask is set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether at least one bit in mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// String renders the flags as "[SYN,ACK]". Unknown bits are ignored.
func (f Flags) String() string {
	names := make([]string, 0, 4)
	if f.HasAny(FlagFIN) {
		names = append(names, "FIN")
	}
	if f.HasAny(FlagSYN) {
		names = append(names, "SYN")
	}
	if f.HasAny(FlagRST) {
		names = append(names, "RST")
	}
	if f.HasAny(FlagACK) {
		names = append(names, "ACK")
	}
	return "[" + strings.Join(names, ",") + "]"
}

const (
	// HeaderLen is the size of the fixed segment header in bytes.
	HeaderLen = header.TCPMinimumSize

	// headerWords is HeaderLen expressed in 32-bit words, as stored in the
	// data offset nibble.
	headerWords = HeaderLen / 4

	// MaxSegmentSize is the largest payload carried by a single segment.
	MaxSegmentSize = 536

	// MaxPacketSize is the largest datagram a connection sends or accepts.
	MaxPacketSize = HeaderLen + MaxSegmentSize
)

// Header is the host-order view of a segment header.
type Header struct {
	Seq        seqnum.Value // sequence number of the first payload byte (or ISN on SYN)
	Ack        seqnum.Value // next sequence number the sender expects
	DataOffset uint8        // header length in 32-bit words
	Flags      Flags
	Window     uint16 // receive window advertised by the sender
}

// Segment is one header plus its optional payload.
//
// Wire layout (network byte order), identical to a TCP header with the port,
// checksum and urgent fields left zero:
//
//	 0                   1                   2                   3
//	+-------------------------------+-------------------------------+
//	|          (port, 0)            |          (port, 0)            |
//	+-------------------------------+-------------------------------+
//	|                        Sequence Number                        |
//	+---------------------------------------------------------------+
//	|                     Acknowledgment Number                     |
//	+-------+-------+---------------+-------------------------------+
//	|  Off  |  Rsv  |     Flags     |            Window             |
//	+-------+-------+---------------+-------------------------------+
//	|        (checksum, 0)          |         (urgent, 0)           |
//	+-------------------------------+-------------------------------+
type Segment struct {
	Header
	Payload []byte
}

// Marshal serializes the segment into a freshly allocated buffer.
// DataOffset is always written as the fixed header length; STCP emits no options.
func (s *Segment) Marshal() ([]byte, error) {
	buf := make([]byte, HeaderLen+len(s.Payload))
	n, err := s.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// MarshalTo serializes the segment into buf and returns the number of bytes
// written. buf must hold at least HeaderLen+len(Payload) bytes.
func (s *Segment) MarshalTo(buf []byte) (int, error) {
	if len(s.Payload) > MaxSegmentSize {
		return 0, fmt.Errorf("payload too large: got %d bytes, max %d", len(s.Payload), MaxSegmentSize)
	}
	total := HeaderLen + len(s.Payload)
	if len(buf) < total {
		return 0, fmt.Errorf("buffer too small: got %d bytes, need %d", len(buf), total)
	}

	s.DataOffset = headerWords
	header.TCP(buf[:HeaderLen]).Encode(&header.TCPFields{
		SeqNum:     uint32(s.Seq),
		AckNum:     uint32(s.Ack),
		DataOffset: HeaderLen,
		Flags:      uint8(s.Flags),
		WindowSize: s.Window,
	})
	copy(buf[HeaderLen:], s.Payload)
	return total, nil
}

// Unmarshal parses data into the segment. The payload aliases data.
//
// The data offset is honoured when splitting header from payload, so a peer
// that appends header options is still understood; the options are skipped.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < HeaderLen {
		return fmt.Errorf("segment too short: got %d bytes, need at least %d", len(data), HeaderLen)
	}

	tcp := header.TCP(data)
	off := int(tcp.DataOffset())
	if off < HeaderLen {
		return fmt.Errorf("invalid data offset: %d bytes is below header length %d", off, HeaderLen)
	}
	if off > len(data) {
		return fmt.Errorf("invalid data offset: %d bytes exceeds segment length %d", off, len(data))
	}
	if len(data)-off > MaxSegmentSize {
		return fmt.Errorf("payload too large: got %d bytes, max %d", len(data)-off, MaxSegmentSize)
	}

	s.Seq = seqnum.Value(tcp.SequenceNumber())
	s.Ack = seqnum.Value(tcp.AckNumber())
	s.DataOffset = uint8(off / 4)
	s.Flags = Flags(tcp.Flags())
	s.Window = tcp.WindowSize()
	s.Payload = nil
	if off < len(data) {
		s.Payload = data[off:]
	}
	return nil
}

