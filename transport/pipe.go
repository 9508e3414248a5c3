package transport

import (
	"net"
	"sync"
)

// DefaultPipeCapacity is the number of datagrams a pipe direction buffers.
const DefaultPipeCapacity = 256

// PipeOption configures a Pipe.
type PipeOption func(*pipeConfig)

type pipeConfig struct {
	capacity int
	drop     func(b []byte) bool
}

// WithCapacity sets how many datagrams each direction buffers before new
// ones are dropped.
func WithCapacity(n int) PipeOption {
	return func(c *pipeConfig) { c.capacity = n }
}

// WithDropFunc installs a loss hook. Every datagram written on either end
// is passed to drop first; returning true discards it.
func WithDropFunc(drop func(b []byte) bool) PipeOption {
	return func(c *pipeConfig) { c.drop = drop }
}

// PipeConn is one end of an in-memory datagram pipe.
type PipeConn struct {
	name string
	in   chan []byte
	peer *PipeConn
	drop func(b []byte) bool

	closeOnce sync.Once
	closed    chan struct{}
}

var _ PacketConn = (*PipeConn)(nil)

// Pipe returns two connected in-memory PacketConns. Like UDP, a write to a
// full or closed peer succeeds and the datagram is lost.
func Pipe(opts ...PipeOption) (*PipeConn, *PipeConn) {
	cfg := pipeConfig{capacity: DefaultPipeCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &PipeConn{name: "pipe-a", in: make(chan []byte, cfg.capacity), drop: cfg.drop, closed: make(chan struct{})}
	b := &PipeConn{name: "pipe-b", in: make(chan []byte, cfg.capacity), drop: cfg.drop, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeConn) WritePacket(b []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	if p.drop != nil && p.drop(b) {
		return nil
	}

	pkt := append([]byte(nil), b...)
	select {
	case <-p.peer.closed:
	case p.peer.in <- pkt:
	default:
	}
	return nil
}

func (p *PipeConn) ReadPacket(b []byte) (int, error) {
	select {
	case pkt := <-p.in:
		return copy(b, pkt), nil
	case <-p.closed:
		return 0, ErrClosed
	}
}

func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *PipeConn) LocalAddr() net.Addr  { return pipeAddr(p.name) }
func (p *PipeConn) RemoteAddr() net.Addr { return pipeAddr(p.peer.name) }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
