package stcp

import (
	"sync"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"

	"github.com/go-stcp/go-stcp/transport"
)

// testConfig returns a config with short timeouts and a fixed ISN of 1.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.FixedISN = true
	cfg.IdleTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.HandshakeRetries = 2
	return cfg
}

// fakeHost is a scripted SegmentIO, Application and EventSource for
// driving an endpoint without goroutines.
//
// WaitForEvent pops scripted events first; once the script is empty it
// reports whatever is ready (queued inbound segments, queued app bytes,
// a close request) and EventTimeout otherwise.
type fakeHost struct {
	t *testing.T

	script []Event
	masks  []Event

	inbound [][]byte
	sent    []Segment

	// respond, when set, is called for every sent segment and may queue replies.
	respond func(seg Segment) [][]byte

	appOut    []byte
	delivered []byte
	writeErr  error
	closeReq  bool

	readyCalls int
	readyErr   error
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{t: t}
}

func (h *fakeHost) WaitForEvent(mask Event, timeout time.Duration) Event {
	h.masks = append(h.masks, mask)
	if len(h.script) > 0 {
		ev := h.script[0]
		h.script = h.script[1:]
		return ev
	}

	var ev Event
	if mask.Has(EventAppData) && len(h.appOut) > 0 {
		ev |= EventAppData
	}
	if mask.Has(EventNetworkData) && len(h.inbound) > 0 {
		ev |= EventNetworkData
	}
	if mask.Has(EventClose) && h.closeReq {
		ev |= EventClose
	}
	if ev == 0 {
		return EventTimeout
	}
	return ev
}

func (h *fakeHost) SendSegment(seg *Segment) error {
	raw, err := seg.Marshal()
	require.NoError(h.t, err)

	var copied Segment
	require.NoError(h.t, copied.Unmarshal(raw))
	h.sent = append(h.sent, copied)

	if h.respond != nil {
		h.inbound = append(h.inbound, h.respond(copied)...)
	}
	return nil
}

func (h *fakeHost) RecvSegment(buf []byte) (int, error) {
	require.NotEmpty(h.t, h.inbound, "RecvSegment called with nothing queued")
	pkt := h.inbound[0]
	h.inbound = h.inbound[1:]
	return copy(buf, pkt), nil
}

func (h *fakeHost) AppRead(buf []byte) int {
	n := copy(buf, h.appOut)
	h.appOut = h.appOut[n:]
	return n
}

func (h *fakeHost) AppWrite(p []byte) error {
	if h.writeErr != nil {
		return h.writeErr
	}
	h.delivered = append(h.delivered, p...)
	return nil
}

func (h *fakeHost) SignalReady(err error) {
	h.readyCalls++
	h.readyErr = err
}

// queue adds an encoded inbound segment.
func (h *fakeHost) queue(seg Segment) {
	raw, err := seg.Marshal()
	require.NoError(h.t, err)
	h.inbound = append(h.inbound, raw)
}

// newTestEndpoint builds an endpoint over h with the given ISN.
func newTestEndpoint(h *fakeHost, cfg *Config, iss seqnum.Value) *endpoint {
	if cfg == nil {
		cfg = testConfig()
	}
	return newEndpoint(cfg, iss, h, h, h)
}

// establishedEndpoint returns an endpoint that completed an active
// handshake with ISS 1 against a peer with IRS 1 and the given window.
func establishedEndpoint(t *testing.T, h *fakeHost, peerWindow uint16) *endpoint {
	t.Helper()
	e := newTestEndpoint(h, nil, 1)
	h.queue(Segment{Header: Header{Seq: 1, Ack: 2, Flags: synAck, Window: peerWindow}})
	require.NoError(t, e.handshake(true))
	h.sent = nil
	h.masks = nil
	return e
}

// pipePair dials and accepts over an in-memory pipe and returns both ends.
func pipePair(t *testing.T, cfg *Config, opts ...transport.PipeOption) (client, server *Conn) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	a, b := transport.Pipe(opts...)

	var (
		wg        sync.WaitGroup
		acceptErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, acceptErr = Accept(b, cfg)
	}()

	client, err := Dial(a, cfg)
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, acceptErr)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}
