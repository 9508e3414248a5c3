package stcp

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// controlBlock is the mutable state of one connection.
//
// A controlBlock is owned by the goroutine driving the connection; nothing
// else reads or writes it. Observers get copies through snapshot.
type controlBlock struct {
	done  bool // set once the connection is torn down, never cleared
	state ConnState
	err   error // why the connection ended; nil for a local close

	iss seqnum.Value // initial send sequence number
	irs seqnum.Value // initial receive sequence number, learned from the peer's SYN

	sndNxt        seqnum.Value // next sequence number for new outgoing payload
	sndUna        seqnum.Value // highest acknowledgment received from the peer
	rcvNxt        seqnum.Value // next sequence number expected from the peer
	lastByteAcked seqnum.Value // highest peer sequence number implicitly confirmed

	advertisedWindow seqnum.Size // peer window clamped to congestionWindow
	congestionWindow seqnum.Size // static send ceiling
	bytesInFlight    seqnum.Size // sent but not yet acknowledged
	mss              seqnum.Size
}

func newControlBlock(iss seqnum.Value, cwnd uint16, mss int) *controlBlock {
	return &controlBlock{
		state:            StateClosed,
		iss:              iss,
		sndNxt:           iss,
		sndUna:           iss,
		congestionWindow: seqnum.Size(cwnd),
		advertisedWindow: seqnum.Size(cwnd),
		mss:              seqnum.Size(mss),
	}
}

// setState transitions the connection to a new state with logging.
func (cb *controlBlock) setState(newState ConnState) {
	oldState := cb.state
	cb.state = newState

	log.Info().
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("state transition")
}

// markDone tears the connection down. Only the first cause is kept.
func (cb *controlBlock) markDone(cause error) {
	if cb.done {
		return
	}
	cb.done = true
	cb.err = cause
	cb.setState(StateClosedFinal)
}

// synchronize records the peer's initial sequence number.
func (cb *controlBlock) synchronize(irs seqnum.Value) {
	cb.irs = irs
	cb.rcvNxt = irs.Add(1)
	cb.lastByteAcked = irs
}

// window is the value stamped into the window field of outgoing headers.
func (cb *controlBlock) window() uint16 {
	return uint16(cb.congestionWindow)
}

// Snapshot is a point-in-time copy of a connection's bookkeeping.
type Snapshot struct {
	State            ConnState
	Done             bool
	ISS              seqnum.Value
	IRS              seqnum.Value
	SndNxt           seqnum.Value
	SndUna           seqnum.Value
	RcvNxt           seqnum.Value
	LastByteAcked    seqnum.Value
	AdvertisedWindow seqnum.Size
	CongestionWindow seqnum.Size
	BytesInFlight    seqnum.Size
}

func (cb *controlBlock) snapshot() Snapshot {
	return Snapshot{
		State:            cb.state,
		Done:             cb.done,
		ISS:              cb.iss,
		IRS:              cb.irs,
		SndNxt:           cb.sndNxt,
		SndUna:           cb.sndUna,
		RcvNxt:           cb.rcvNxt,
		LastByteAcked:    cb.lastByteAcked,
		AdvertisedWindow: cb.advertisedWindow,
		CongestionWindow: cb.congestionWindow,
		BytesInFlight:    cb.bytesInFlight,
	}
}
