// Package stcp implements STCP, a simplified reliable transport that carries
// an application byte stream over an unreliable packet network.
//
// A connection performs a three-way handshake, then a single goroutine drives
// an event loop that moves application bytes into sequenced segments and
// delivers in-order peer payload back to the application. Flow control is a
// fixed congestion window clamping the peer's advertised window; there is no
// retransmission, reassembly or graceful FIN teardown. An idle timeout ends
// the connection.
//
// Architecture:
//   - Segments use the 20-byte TCP header layout with a 536 byte MSS
//   - One control block per connection, owned by its loop goroutine
//   - Conn adapts any PacketConn (UDP, in-memory pipe, shared UDP mux) to net.Conn
package stcp

// ConnState is the phase of a connection.
type ConnState int

const (
	// StateClosed is the initial state before any handshake segment.
	StateClosed ConnState = iota
	// StateSynSent indicates SYN sent, waiting for SYN-ACK.
	StateSynSent
	// StateSynReceived indicates SYN received, SYN-ACK sent, waiting for ACK.
	StateSynReceived
	// StateEstablished indicates the connection is ready for data.
	StateEstablished
	// StateClosing indicates a local close was requested and the loop is winding down.
	StateClosing
	// StateClosedFinal indicates the connection is torn down.
	StateClosedFinal
)

// String returns a human-readable representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosedFinal:
		return "CLOSED_FINAL"
	default:
		return "UNKNOWN"
	}
}
