package stcp

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// updateWindow learns the peer's advertised window, clamped to the
// congestion window. Called for every inbound segment.
func (cb *controlBlock) updateWindow(peerWindow uint16) {
	w := seqnum.Size(peerWindow)
	if w > cb.congestionWindow {
		w = cb.congestionWindow
	}
	cb.advertisedWindow = w
}

// processAck updates acknowledgment accounting from an ACK-flagged header.
//
// lastByteAcked only moves forward. An acknowledgment outside (sndUna, sndNxt]
// is stale or acknowledges bytes never sent, and leaves bytesInFlight alone,
// so bytesInFlight == sndNxt - sndUna holds afterwards.
func (cb *controlBlock) processAck(h *Header) {
	if !h.Flags.HasAny(FlagACK) {
		return
	}

	if confirmed := h.Seq - 1; cb.lastByteAcked.LessThan(confirmed) {
		cb.lastByteAcked = confirmed
	}

	if !h.Ack.InRange(cb.sndUna.Add(1), cb.sndNxt.Add(1)) {
		log.Trace().
			Uint32("ack", uint32(h.Ack)).
			Uint32("sndUna", uint32(cb.sndUna)).
			Uint32("sndNxt", uint32(cb.sndNxt)).
			Msg("ignoring acknowledgment outside send window")
		return
	}

	cb.sndUna = h.Ack
	cb.bytesInFlight = h.Ack.Size(cb.sndNxt)

	log.Debug().
		Uint32("ack", uint32(h.Ack)).
		Uint32("inFlight", uint32(cb.bytesInFlight)).
		Msg("updated acknowledgment")
}

// canSend is the admission policy for new application data: a full segment
// must fit strictly inside the advertised window.
func (cb *controlBlock) canSend() bool {
	return cb.bytesInFlight+cb.mss < cb.advertisedWindow
}

// onSend accounts for n payload bytes handed to the network.
func (cb *controlBlock) onSend(n int) {
	cb.sndNxt.UpdateForward(seqnum.Size(n))
	cb.bytesInFlight += seqnum.Size(n)
}

// onReceive advances the receive cursor past n in-order payload bytes.
func (cb *controlBlock) onReceive(n int) {
	cb.rcvNxt.UpdateForward(seqnum.Size(n))
}
