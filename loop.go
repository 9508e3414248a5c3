package stcp

import (
	"errors"
	"fmt"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// endpoint drives one connection: the handshake followed by the event loop.
// All of its state is confined to the goroutine calling run.
type endpoint struct {
	cfg    *Config
	cb     *controlBlock
	io     SegmentIO
	app    Application
	events EventSource

	// pending is a segment consumed by the handshake that the loop must
	// process before waiting for events.
	pending *Segment

	recvBuf []byte
	sendBuf []byte

	// observe, when set, receives a snapshot after every state change.
	observe func(Snapshot)
}

func newEndpoint(cfg *Config, iss seqnum.Value, io SegmentIO, app Application, events EventSource) *endpoint {
	return &endpoint{
		cfg:     cfg,
		cb:      newControlBlock(iss, cfg.CongestionWindow, cfg.MSS),
		io:      io,
		app:     app,
		events:  events,
		recvBuf: make([]byte, MaxPacketSize+1),
		sendBuf: make([]byte, cfg.MSS),
	}
}

// RunTransport performs the handshake and then drives the connection until
// it ends. active selects which side opens the connection.
//
// The application is released through SignalReady once the handshake has
// either succeeded or failed. RunTransport returns nil when the connection
// ends through a local close or the idle timeout, and an error when the
// handshake fails or the peer resets the connection.
func RunTransport(cfg *Config, active bool, io SegmentIO, app Application, events EventSource) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	isn, err := newISNGenerator(cfg.FixedISN, cfg.ISNSeed)
	if err != nil {
		return err
	}
	return newEndpoint(cfg, isn.Next(), io, app, events).run(active)
}

func (e *endpoint) run(active bool) error {
	if err := e.handshake(active); err != nil {
		log.Warn().
			Err(err).
			Bool("active", active).
			Msg("handshake failed")
		e.cb.markDone(err)
		e.publish()
		e.app.SignalReady(err)
		return err
	}

	log.Info().
		Bool("active", active).
		Uint32("iss", uint32(e.cb.iss)).
		Uint32("irs", uint32(e.cb.irs)).
		Msg("connection established")
	e.publish()
	e.app.SignalReady(nil)

	e.controlLoop()

	if errors.Is(e.cb.err, ErrIdleTimeout) {
		return nil
	}
	return e.cb.err
}

// controlLoop runs until the connection is done.
//
// Each iteration waits for network data and close requests, plus application
// data while the window admits another segment. Ready conditions are handled
// in a fixed order: application, peer, close, timeout.
func (e *endpoint) controlLoop() {
	cb := e.cb

	if seg := e.pending; seg != nil {
		e.pending = nil
		e.handleSegment(seg)
		e.publish()
	}

	for !cb.done {
		mask := EventNetworkData | EventClose
		if cb.canSend() {
			mask |= EventAppData
		}

		ev := e.events.WaitForEvent(mask, e.cfg.IdleTimeout)

		if ev.Has(EventAppData) && cb.canSend() {
			e.sendAppData()
		}

		if ev.Has(EventNetworkData) && !cb.done {
			if seg, err := e.receive(); err != nil {
				cb.markDone(err)
			} else if seg != nil {
				e.handleSegment(seg)
			}
		}

		if ev.Has(EventClose) {
			if !cb.done {
				cb.setState(StateClosing)
			}
			cb.markDone(nil)
		}

		if ev.Has(EventTimeout) {
			log.Info().
				Dur("idleTimeout", e.cfg.IdleTimeout).
				Msg("connection idle, closing")
			cb.markDone(ErrIdleTimeout)
		}

		e.publish()
	}
}

// sendAppData moves up to one MSS of application bytes into a segment.
func (e *endpoint) sendAppData() {
	n := e.app.AppRead(e.sendBuf)
	if n == 0 {
		return
	}

	cb := e.cb
	seg := &Segment{
		Header:  Header{Seq: cb.sndNxt, Ack: cb.rcvNxt, Window: cb.window()},
		Payload: e.sendBuf[:n],
	}
	e.send(seg)
	cb.onSend(n)

	log.Debug().
		Int("bytes", n).
		Uint32("seq", uint32(seg.Seq)).
		Uint32("inFlight", uint32(cb.bytesInFlight)).
		Msg("sent data")
}

// handleSegment applies one decoded peer segment.
func (e *endpoint) handleSegment(seg *Segment) {
	cb := e.cb

	if seg.Flags.HasAny(FlagRST) {
		log.Warn().Msg("connection reset by peer")
		cb.markDone(ErrConnectionReset)
		return
	}

	cb.updateWindow(seg.Window)
	cb.processAck(&seg.Header)

	if len(seg.Payload) == 0 {
		if e.isHandshakeRetransmit(seg) {
			log.Debug().Msg("peer retransmitted SYN-ACK, repeating final ACK")
			e.sendAck()
		}
		return
	}

	if seg.Seq != cb.rcvNxt {
		log.Debug().
			Uint32("seq", uint32(seg.Seq)).
			Uint32("expected", uint32(cb.rcvNxt)).
			Int("bytes", len(seg.Payload)).
			Msg("discarding out-of-order segment")
		e.sendAck()
		return
	}

	if err := e.app.AppWrite(seg.Payload); err != nil {
		log.Warn().
			Err(err).
			Uint32("seq", uint32(seg.Seq)).
			Int("bytes", len(seg.Payload)).
			Msg("application did not accept payload, dropping")
		return
	}

	cb.onReceive(len(seg.Payload))
	e.sendAck()

	log.Debug().
		Int("bytes", len(seg.Payload)).
		Uint32("rcvNxt", uint32(cb.rcvNxt)).
		Msg("delivered data")
}

// receive pulls one segment from the network. A segment that fails to
// decode is logged and dropped, reported as a nil segment. The returned
// payload aliases the endpoint's receive buffer.
func (e *endpoint) receive() (*Segment, error) {
	n, err := e.io.RecvSegment(e.recvBuf)
	if err != nil {
		return nil, fmt.Errorf("receive segment: %w", err)
	}

	seg := new(Segment)
	if err := seg.Unmarshal(e.recvBuf[:n]); err != nil {
		log.Warn().
			Err(err).
			Int("bytes", n).
			Msg("dropping malformed segment")
		return nil, nil
	}
	traceSegment("recv", e.recvBuf[:n])
	return seg, nil
}

// send hands a segment to the network. Delivery is best effort; failures
// are logged and otherwise ignored.
func (e *endpoint) send(seg *Segment) {
	if err := e.io.SendSegment(seg); err != nil {
		log.Warn().
			Err(err).
			Str("flags", seg.Flags.String()).
			Uint32("seq", uint32(seg.Seq)).
			Msg("failed to send segment")
	}
}

func (e *endpoint) publish() {
	if e.observe != nil {
		e.observe(e.cb.snapshot())
	}
}
