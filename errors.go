package stcp

import "errors"

var (
	// ErrConnectionRefused is returned when the peer answers the handshake
	// with an unexpected flag combination, a wrong acknowledgment or a reset.
	ErrConnectionRefused = errors.New("stcp: connection refused")

	// ErrHandshakeTimeout is returned when the handshake exhausts its retries.
	ErrHandshakeTimeout = errors.New("stcp: handshake timed out")

	// ErrConnectionReset is recorded when the peer resets an established connection.
	ErrConnectionReset = errors.New("stcp: connection reset by peer")

	// ErrIdleTimeout is recorded when no event arrives within the idle timeout.
	// It ends the connection but is not treated as a failure of the transport.
	ErrIdleTimeout = errors.New("stcp: idle timeout")

	// errRecvBufferFull is returned by AppWrite when the application has not
	// drained enough of the receive buffer to take a payload.
	errRecvBufferFull = errors.New("receive buffer full")
)

// timeoutError implements net.Error for deadline expiry.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
