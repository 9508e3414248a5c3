package stcp

import (
	"strings"
	"time"
)

// Event is a set of ready conditions reported by an EventSource.
type Event uint8

const (
	// EventAppData means the application has queued bytes to send.
	EventAppData Event = 1 << iota
	// EventNetworkData means a segment from the peer is ready to be received.
	// A source may hold it back while the application cannot take its payload.
	EventNetworkData
	// EventClose means the application asked to close the connection.
	EventClose
	// EventTimeout means no requested condition became ready in time.
	// It is never combined with other bits.
	EventTimeout

	// AnyEvent requests every condition.
	AnyEvent = EventAppData | EventNetworkData | EventClose
)

// Has reports whether any bit of mask is set in e.
func (e Event) Has(mask Event) bool { return e&mask != 0 }

func (e Event) String() string {
	if e == 0 {
		return "NONE"
	}
	var parts []string
	if e.Has(EventAppData) {
		parts = append(parts, "APP_DATA")
	}
	if e.Has(EventNetworkData) {
		parts = append(parts, "NETWORK_DATA")
	}
	if e.Has(EventClose) {
		parts = append(parts, "CLOSE")
	}
	if e.Has(EventTimeout) {
		parts = append(parts, "TIMEOUT")
	}
	return strings.Join(parts, "|")
}

// SegmentIO is the unreliable packet layer underneath one connection.
type SegmentIO interface {
	// SendSegment hands a fully stamped segment to the network.
	// Delivery is not confirmed.
	SendSegment(seg *Segment) error
	// RecvSegment blocks until the next inbound segment, header included,
	// has been copied into buf, and returns its length.
	RecvSegment(buf []byte) (int, error)
}

// Application is the byte-stream side of one connection.
type Application interface {
	// AppRead pulls up to len(buf) queued application bytes for sending.
	// It never blocks and may return fewer bytes than requested, or zero.
	AppRead(buf []byte) int
	// AppWrite delivers in-order payload to the application. An error means
	// the payload was not accepted.
	AppWrite(p []byte) error
	// SignalReady unblocks the application once the handshake has finished.
	// A non-nil err reports why the connection could not be established.
	SignalReady(err error)
}

// EventSource multiplexes the conditions a connection waits on.
type EventSource interface {
	// WaitForEvent blocks until at least one condition in mask is ready and
	// returns every ready condition in mask, or EventTimeout once timeout
	// elapses. A zero timeout waits indefinitely.
	WaitForEvent(mask Event, timeout time.Duration) Event
}
