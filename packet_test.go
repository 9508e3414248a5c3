package stcp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSegmentMarshal verifies the wire layout written by Marshal.
func TestSegmentMarshal(t *testing.T) {
	tests := []struct {
		name    string
		seg     *Segment
		wantLen int
		check   func(*testing.T, []byte)
	}{
		{
			name:    "SYN without payload",
			seg:     &Segment{Header: Header{Seq: 1, Flags: FlagSYN, Window: 3072}},
			wantLen: 20,
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, uint32(0), binary.BigEndian.Uint32(data[0:4]), "ports")
				assert.Equal(t, uint32(1), binary.BigEndian.Uint32(data[4:8]), "seq")
				assert.Equal(t, uint32(0), binary.BigEndian.Uint32(data[8:12]), "ack")
				assert.Equal(t, byte(5<<4), data[12], "data offset")
				assert.Equal(t, byte(FlagSYN), data[13], "flags")
				assert.Equal(t, uint16(3072), binary.BigEndian.Uint16(data[14:16]), "window")
				assert.Equal(t, uint32(0), binary.BigEndian.Uint32(data[16:20]), "checksum and urgent")
			},
		},
		{
			name:    "SYN-ACK",
			seg:     &Segment{Header: Header{Seq: 0xdeadbeef, Ack: 2, Flags: synAck, Window: 1024}},
			wantLen: 20,
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(data[4:8]), "seq")
				assert.Equal(t, uint32(2), binary.BigEndian.Uint32(data[8:12]), "ack")
				assert.Equal(t, byte(FlagSYN|FlagACK), data[13], "flags")
			},
		},
		{
			name:    "data segment",
			seg:     &Segment{Header: Header{Seq: 2, Ack: 2, Window: 3072}, Payload: []byte("hello")},
			wantLen: 25,
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, byte(0), data[13], "flags")
				assert.Equal(t, []byte("hello"), data[20:], "payload")
			},
		},
		{
			name:    "full MSS payload",
			seg:     &Segment{Header: Header{Seq: 2, Ack: 2}, Payload: bytes.Repeat([]byte{0xab}, MaxSegmentSize)},
			wantLen: MaxPacketSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.seg.Marshal()
			require.NoError(t, err)
			assert.Len(t, data, tt.wantLen)
			assert.Equal(t, uint8(headerWords), tt.seg.DataOffset, "DataOffset is stamped")
			if tt.check != nil {
				tt.check(t, data)
			}
		})
	}
}

func TestSegmentMarshalErrors(t *testing.T) {
	t.Run("payload above MSS", func(t *testing.T) {
		seg := &Segment{Payload: make([]byte, MaxSegmentSize+1)}
		_, err := seg.Marshal()
		assert.ErrorContains(t, err, "payload too large")
	})

	t.Run("buffer too small", func(t *testing.T) {
		seg := &Segment{Payload: []byte("abc")}
		_, err := seg.MarshalTo(make([]byte, HeaderLen+2))
		assert.ErrorContains(t, err, "buffer too small")
	})
}

// TestSegmentUnmarshal verifies parsing, including a header with options.
func TestSegmentUnmarshal(t *testing.T) {
	orig := &Segment{
		Header:  Header{Seq: 4000000000, Ack: 77, Flags: FlagACK, Window: 512},
		Payload: []byte("payload"),
	}
	data, err := orig.Marshal()
	require.NoError(t, err)

	var got Segment
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, seqnum.Value(4000000000), got.Seq)
	assert.Equal(t, seqnum.Value(77), got.Ack)
	assert.Equal(t, FlagACK, got.Flags)
	assert.Equal(t, uint16(512), got.Window)
	assert.Equal(t, uint8(5), got.DataOffset)
	assert.Equal(t, []byte("payload"), got.Payload)

	t.Run("options are skipped", func(t *testing.T) {
		withOpts := make([]byte, 0, 24+3)
		withOpts = append(withOpts, data[:HeaderLen]...)
		withOpts[12] = 6 << 4
		withOpts = append(withOpts, 1, 1, 1, 1) // NOPs
		withOpts = append(withOpts, "abc"...)

		var seg Segment
		require.NoError(t, seg.Unmarshal(withOpts))
		assert.Equal(t, uint8(6), seg.DataOffset)
		assert.Equal(t, []byte("abc"), seg.Payload)
	})

	t.Run("header only has nil payload", func(t *testing.T) {
		var seg Segment
		require.NoError(t, seg.Unmarshal(data[:HeaderLen]))
		assert.Nil(t, seg.Payload)
	})
}

func TestSegmentUnmarshalErrors(t *testing.T) {
	valid, err := (&Segment{Header: Header{Seq: 1}}).Marshal()
	require.NoError(t, err)

	withOffset := func(words byte, extra int) []byte {
		b := append([]byte(nil), valid...)
		b = append(b, make([]byte, extra)...)
		b[12] = words << 4
		return b
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"empty", nil, "segment too short"},
		{"19 bytes", valid[:19], "segment too short"},
		{"offset below header", withOffset(4, 0), "below header length"},
		{"offset past end", withOffset(7, 4), "exceeds segment length"},
		{"oversized payload", append(append([]byte(nil), valid...), make([]byte, MaxSegmentSize+1)...), "payload too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seg Segment
			assert.ErrorContains(t, seg.Unmarshal(tt.data), tt.wantErr)
		})
	}
}

// TestSegmentDecodesAsTCP checks that gopacket's TCP decoder reads our
// header fields the same way we do.
func TestSegmentDecodesAsTCP(t *testing.T) {
	seg := &Segment{
		Header:  Header{Seq: 123456, Ack: 654321, Flags: synAck, Window: 3072},
		Payload: []byte("xyz"),
	}
	data, err := seg.Marshal()
	require.NoError(t, err)

	var tcp layers.TCP
	require.NoError(t, tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback))
	assert.Equal(t, uint32(123456), tcp.Seq)
	assert.Equal(t, uint32(654321), tcp.Ack)
	assert.Equal(t, uint8(5), tcp.DataOffset)
	assert.True(t, tcp.SYN)
	assert.True(t, tcp.ACK)
	assert.False(t, tcp.RST)
	assert.False(t, tcp.FIN)
	assert.Equal(t, uint16(3072), tcp.Window)
	assert.Equal(t, []byte("xyz"), tcp.Payload)
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, "[]"},
		{FlagSYN, "[SYN]"},
		{synAck, "[SYN,ACK]"},
		{FlagRST | FlagACK, "[RST,ACK]"},
		{FlagFIN | FlagSYN | FlagRST | FlagACK, "[FIN,SYN,RST,ACK]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.flags.String())
	}
}

func TestFlagsHas(t *testing.T) {
	assert.True(t, synAck.HasAll(FlagSYN))
	assert.True(t, synAck.HasAll(synAck))
	assert.False(t, FlagSYN.HasAll(synAck))
	assert.True(t, FlagSYN.HasAny(synAck))
	assert.False(t, Flags(0).HasAny(FlagACK))
}
