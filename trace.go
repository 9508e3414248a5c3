package stcp

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
)

// describeSegment renders raw segment bytes with gopacket's TCP decoder, so
// trace output matches what a packet capture of the same bytes shows.
func describeSegment(data []byte) string {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Sprintf("undecodable (%d bytes): %v", len(data), err)
	}

	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.FIN, "FIN"},
		{tcp.SYN, "SYN"},
		{tcp.RST, "RST"},
		{tcp.PSH, "PSH"},
		{tcp.ACK, "ACK"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}

	return fmt.Sprintf("seq=%d ack=%d win=%d flags=[%s] len=%d",
		tcp.Seq, tcp.Ack, tcp.Window, strings.Join(flags, ","), len(tcp.Payload))
}

// traceSegment logs a segment at trace level. Decoding only happens when
// trace logging is enabled.
func traceSegment(dir string, data []byte) {
	if e := log.Trace(); e.Enabled() {
		e.Str("dir", dir).
			Str("segment", describeSegment(data)).
			Msg("segment")
	}
}
