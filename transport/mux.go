package transport

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AdmitFunc decides whether a datagram from an unknown peer opens a new
// MuxConn. It runs on the mux's read goroutine and must not block.
type AdmitFunc func(peer netip.AddrPort, first []byte) bool

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithAbandonFunc installs a hook called for a peer that AdmitFunc accepted
// but that never reached Accept, because the accept queue was full or the
// mux closed first. Admission side effects can be undone there.
func WithAbandonFunc(abandon func(peer netip.AddrPort)) MuxOption {
	return func(m *Mux) { m.abandon = abandon }
}

// Mux shares one unconnected UDP socket between many peers. Datagrams are
// routed by source address to a per-peer MuxConn; datagrams from unknown
// peers go through AdmitFunc and, when admitted, surface through Accept.
type Mux struct {
	conn    *net.UDPConn
	admit   AdmitFunc
	abandon func(peer netip.AddrPort)
	queue   int
	maxSize int

	mu     sync.Mutex
	conns  map[netip.AddrPort]*MuxConn
	closed bool

	accepted  chan *MuxConn
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenMux binds laddr and starts routing datagrams. queue is the number of
// datagrams buffered per peer; maxSize is the largest datagram read.
func ListenMux(laddr string, queue, maxSize int, admit AdmitFunc, opts ...MuxOption) (*Mux, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", laddr)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", laddr)
	}

	m := &Mux{
		conn:     conn,
		admit:    admit,
		queue:    queue,
		maxSize:  maxSize,
		conns:    make(map[netip.AddrPort]*MuxConn),
		accepted: make(chan *MuxConn, queue),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.readLoop()
	return m, nil
}

// Addr returns the bound local address.
func (m *Mux) Addr() net.Addr { return m.conn.LocalAddr() }

// Accept blocks until a new peer has been admitted.
func (m *Mux) Accept() (*MuxConn, error) {
	select {
	case c := <-m.accepted:
		return c, nil
	case <-m.done:
		return nil, ErrClosed
	}
}

// Close stops routing, closes every MuxConn and the socket.
func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.conn.Close()

		m.mu.Lock()
		m.closed = true
		conns := make([]*MuxConn, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
		m.wg.Wait()

		for drained := false; !drained; {
			select {
			case c := <-m.accepted:
				m.release(c.peer)
			default:
				drained = true
			}
		}
	})
	return errors.Wrap(err, "close mux socket")
}

func (m *Mux) readLoop() {
	defer m.wg.Done()
	buf := make([]byte, m.maxSize+1)

	for {
		n, peer, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-m.done:
			default:
				log.Error().Err(err).Msg("mux read failed, stopping")
			}
			return
		}
		peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
		m.route(peer, append([]byte(nil), buf[:n]...))
	}
}

func (m *Mux) route(peer netip.AddrPort, pkt []byte) {
	m.mu.Lock()
	c, ok := m.conns[peer]
	m.mu.Unlock()

	if !ok {
		if m.admit != nil && !m.admit(peer, pkt) {
			return
		}
		c = m.register(peer)
		if c == nil {
			m.release(peer)
			return
		}
		select {
		case m.accepted <- c:
		default:
			log.Warn().
				Str("peer", peer.String()).
				Msg("accept queue full, dropping new peer")
			c.Close()
			m.release(peer)
			return
		}
	}

	c.deliver(pkt)
}

func (m *Mux) release(peer netip.AddrPort) {
	if m.abandon != nil {
		m.abandon(peer)
	}
}

func (m *Mux) register(peer netip.AddrPort) *MuxConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	c := &MuxConn{
		mux:    m,
		peer:   peer,
		in:     make(chan []byte, m.queue),
		closed: make(chan struct{}),
	}
	m.conns[peer] = c
	log.Debug().
		Str("peer", peer.String()).
		Int("peers", len(m.conns)).
		Msg("registered peer")
	return c
}

func (m *Mux) unregister(c *MuxConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.peer] == c {
		delete(m.conns, c.peer)
	}
}

// Peers returns the number of routed peers.
func (m *Mux) Peers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Reject sends a datagram to a peer that has no MuxConn, such as a reset
// answering a refused connection attempt.
func (m *Mux) Reject(peer netip.AddrPort, b []byte) error {
	if _, err := m.conn.WriteToUDPAddrPort(b, peer); err != nil {
		return errors.Wrapf(err, "write to %s", peer)
	}
	return nil
}

// MuxConn is the PacketConn for one peer of a Mux.
type MuxConn struct {
	mux  *Mux
	peer netip.AddrPort
	in   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ PacketConn = (*MuxConn)(nil)

func (c *MuxConn) deliver(pkt []byte) {
	select {
	case <-c.closed:
	case c.in <- pkt:
	default:
		log.Warn().
			Str("peer", c.peer.String()).
			Msg("peer queue full, dropping datagram")
	}
}

func (c *MuxConn) WritePacket(b []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if _, err := c.mux.conn.WriteToUDPAddrPort(b, c.peer); err != nil {
		return errors.Wrapf(err, "write to %s", c.peer)
	}
	return nil
}

func (c *MuxConn) ReadPacket(b []byte) (int, error) {
	select {
	case pkt := <-c.in:
		return copy(b, pkt), nil
	case <-c.closed:
		return 0, ErrClosed
	}
}

// Close unregisters the peer. Later datagrams from it go through admission again.
func (c *MuxConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mux.unregister(c)
	})
	return nil
}

// Peer returns the peer's address.
func (c *MuxConn) Peer() netip.AddrPort { return c.peer }

func (c *MuxConn) LocalAddr() net.Addr { return c.mux.conn.LocalAddr() }

func (c *MuxConn) RemoteAddr() net.Addr { return net.UDPAddrFromAddrPort(c.peer) }
