package stcp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// errAttemptTimeout ends one handshake attempt; the caller decides whether to retry.
var errAttemptTimeout = errors.New("handshake attempt timed out")

// handshake establishes the connection. On success the state is
// ESTABLISHED, sndNxt is ISS+1 and rcvNxt is IRS+1.
func (e *endpoint) handshake(active bool) error {
	if active {
		return e.activeOpen()
	}
	return e.passiveOpen()
}

// activeOpen sends SYN, waits for a matching SYN-ACK and completes with ACK.
func (e *endpoint) activeOpen() error {
	cb := e.cb
	syn := &Segment{Header: Header{Seq: cb.iss, Flags: FlagSYN, Window: cb.window()}}
	cb.sndNxt = cb.iss.Add(1)
	cb.setState(StateSynSent)

	var reply *Segment
	for attempt := 0; reply == nil; attempt++ {
		log.Debug().
			Uint32("iss", uint32(cb.iss)).
			Int("attempt", attempt+1).
			Msg("sending SYN")
		e.send(syn)

		seg, err := e.awaitSegment(e.cfg.HandshakeTimeout)
		if errors.Is(err, errAttemptTimeout) {
			if attempt >= e.cfg.HandshakeRetries {
				return fmt.Errorf("%w: no SYN-ACK after %d attempts", ErrHandshakeTimeout, attempt+1)
			}
			continue
		}
		if err != nil {
			return err
		}

		switch {
		case seg.Flags.HasAny(FlagRST):
			return fmt.Errorf("%w: peer sent RST", ErrConnectionRefused)
		case seg.Flags&(synAck|FlagRST|FlagFIN) != synAck:
			return fmt.Errorf("%w: expected [SYN,ACK], got %s", ErrConnectionRefused, seg.Flags)
		case seg.Ack != cb.sndNxt:
			return fmt.Errorf("%w: SYN-ACK acknowledges %d, expected %d", ErrConnectionRefused, seg.Ack, cb.sndNxt)
		}
		reply = seg
	}

	cb.synchronize(reply.Seq)
	cb.sndUna = reply.Ack
	cb.updateWindow(reply.Window)

	e.sendAck()
	cb.setState(StateEstablished)
	return nil
}

// passiveOpen waits for SYN, answers with SYN-ACK and waits for the final ACK.
//
// The wait for the first SYN is unbounded; only a close request aborts it.
// A duplicate SYN or an attempt timeout re-sends the SYN-ACK. A flagless
// segment acknowledging our SYN means the final ACK was lost: the connection
// is established implicitly and the segment is kept for the event loop.
func (e *endpoint) passiveOpen() error {
	cb := e.cb

	syn, err := e.awaitSegment(0)
	if err != nil {
		return err
	}
	if syn.Flags.HasAny(FlagRST) {
		return fmt.Errorf("%w: peer sent RST", ErrConnectionRefused)
	}
	if syn.Flags&(synAck|FlagRST|FlagFIN) != FlagSYN {
		return fmt.Errorf("%w: expected [SYN], got %s", ErrConnectionRefused, syn.Flags)
	}

	cb.synchronize(syn.Seq)
	cb.updateWindow(syn.Window)
	cb.setState(StateSynReceived)

	synack := &Segment{Header: Header{Seq: cb.iss, Ack: cb.rcvNxt, Flags: synAck, Window: cb.window()}}
	cb.sndNxt = cb.iss.Add(1)

	for attempt := 0; ; attempt++ {
		log.Debug().
			Uint32("iss", uint32(cb.iss)).
			Uint32("irs", uint32(cb.irs)).
			Int("attempt", attempt+1).
			Msg("sending SYN-ACK")
		e.send(synack)

		seg, err := e.awaitSegment(e.cfg.HandshakeTimeout)
		if errors.Is(err, errAttemptTimeout) {
			if attempt >= e.cfg.HandshakeRetries {
				return fmt.Errorf("%w: no ACK after %d attempts", ErrHandshakeTimeout, attempt+1)
			}
			continue
		}
		if err != nil {
			return err
		}

		switch {
		case seg.Flags.HasAny(FlagRST):
			return fmt.Errorf("%w: peer sent RST", ErrConnectionRefused)

		case seg.Flags == FlagSYN && seg.Seq == cb.irs:
			log.Debug().Msg("duplicate SYN, SYN-ACK was lost")
			if attempt >= e.cfg.HandshakeRetries {
				return fmt.Errorf("%w: peer kept retransmitting SYN", ErrHandshakeTimeout)
			}
			continue

		case seg.Flags == FlagACK, seg.Flags == 0:
			if seg.Ack != cb.sndNxt {
				return fmt.Errorf("%w: ACK acknowledges %d, expected %d", ErrConnectionRefused, seg.Ack, cb.sndNxt)
			}
			cb.sndUna = seg.Ack
			cb.updateWindow(seg.Window)
			if len(seg.Payload) > 0 {
				log.Debug().
					Int("bytes", len(seg.Payload)).
					Msg("final ACK lost, establishing from first data segment")
				e.pending = seg
			}
			cb.setState(StateEstablished)
			return nil

		default:
			return fmt.Errorf("%w: expected [ACK], got %s", ErrConnectionRefused, seg.Flags)
		}
	}
}

// awaitSegment waits up to timeout for the next decodable segment; a zero
// timeout waits forever. Malformed segments do not extend the wait. The
// returned segment owns its payload.
func (e *endpoint) awaitSegment(timeout time.Duration) (*Segment, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := timeout
		if !deadline.IsZero() {
			if wait = time.Until(deadline); wait <= 0 {
				return nil, errAttemptTimeout
			}
		}

		ev := e.events.WaitForEvent(EventNetworkData|EventClose, wait)
		if ev.Has(EventClose) {
			return nil, fmt.Errorf("handshake aborted: %w", net.ErrClosed)
		}
		if !ev.Has(EventNetworkData) {
			return nil, errAttemptTimeout
		}

		seg, err := e.receive()
		if err != nil {
			return nil, err
		}
		if seg == nil {
			continue
		}
		seg.Payload = append([]byte(nil), seg.Payload...)
		return seg, nil
	}
}

// sendAck acknowledges everything received so far.
func (e *endpoint) sendAck() {
	e.send(&Segment{Header: Header{
		Seq:    e.cb.sndNxt,
		Ack:    e.cb.rcvNxt,
		Flags:  FlagACK,
		Window: e.cb.window(),
	}})
}

// isHandshakeRetransmit reports whether seg is the peer re-sending its
// SYN-ACK because our final ACK was lost.
func (e *endpoint) isHandshakeRetransmit(seg *Segment) bool {
	return seg.Flags&(synAck|FlagRST) == synAck && seg.Seq == e.cb.irs && seg.Ack == e.cb.iss.Add(1)
}
