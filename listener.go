package stcp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-stcp/go-stcp/transport"
)

// historyCleanupInterval is how often stale per-peer rate history is pruned.
const historyCleanupInterval = time.Hour

// Listener accepts STCP connections on one UDP socket.
//
// Architecture:
//   - A transport.Mux routes datagrams to per-peer PacketConns by source address
//   - Datagrams from unknown peers must be a SYN and pass the access list and
//     connection limits, otherwise they are dropped or answered with RST
//   - Each admitted peer gets a passive Conn; it is queued for Accept once
//     the handshake completes
type Listener struct {
	cfg     *Config
	mux     *transport.Mux
	started atomic.Bool // set once mux is assigned
	isn     *isnGenerator
	limiter *connectionLimiter
	access  *accessFilter

	acceptChan chan *Conn
	conns      sync.Map // netip.AddrPort -> *Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ net.Listener = (*Listener)(nil)

// ListenUDP binds laddr and starts accepting connections.
func ListenUDP(laddr string, cfg *Config) (*Listener, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	isn, err := newISNGenerator(cfg.FixedISN, cfg.ISNSeed)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:        cfg,
		isn:        isn,
		limiter:    newConnectionLimiter(cfg.Limits),
		access:     newAccessFilter(cfg.AccessList),
		acceptChan: make(chan *Conn, cfg.InboundQueue),
		ctx:        ctx,
		cancel:     cancel,
	}

	mux, err := transport.ListenMux(laddr, cfg.InboundQueue, MaxPacketSize, l.admit,
		transport.WithAbandonFunc(l.abandon))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen: %w", err)
	}
	l.mux = mux
	l.started.Store(true)

	l.wg.Add(2)
	go l.acceptLoop()
	go l.cleanupLoop()

	log.Info().
		Str("addr", mux.Addr().String()).
		Msg("listening")
	return l, nil
}

// admit filters datagrams from unknown peers. Runs on the mux read goroutine.
// A SYN arriving before ListenUDP returns is dropped; the dialer retries.
func (l *Listener) admit(peer netip.AddrPort, first []byte) bool {
	if !l.started.Load() {
		return false
	}
	var seg Segment
	if err := seg.Unmarshal(first); err != nil {
		log.Debug().
			Err(err).
			Str("peer", peer.String()).
			Msg("dropping malformed datagram from unknown peer")
		return false
	}
	if seg.Flags&(synAck|FlagRST) != FlagSYN {
		log.Debug().
			Str("peer", peer.String()).
			Str("flags", seg.Flags.String()).
			Msg("dropping non-SYN segment from unknown peer")
		return false
	}

	if err := l.access.CheckAndLog(peer.Addr()); err != nil {
		return false
	}

	if err := l.limiter.CheckAndRecordConnection(peer.Addr()); err != nil {
		limits := l.limiter.GetConfig()
		logLimitExceeded(limits, peer, err.Error())
		if limits.LimitAction == LimitActionReset {
			l.sendReset(peer, &seg)
		}
		return false
	}
	return true
}

// abandon releases the limiter slot of an admitted peer that never got a
// connection.
func (l *Listener) abandon(peer netip.AddrPort) {
	log.Debug().
		Str("peer", peer.String()).
		Msg("admitted peer abandoned before accept")
	l.limiter.ConnectionClosed()
}

// sendReset refuses a SYN.
func (l *Listener) sendReset(peer netip.AddrPort, syn *Segment) {
	rst := &Segment{Header: Header{
		Ack:   syn.Seq.Add(1),
		Flags: FlagRST | FlagACK,
	}}
	buf, err := rst.Marshal()
	if err != nil {
		log.Warn().Err(err).Msg("marshal RST")
		return
	}
	if err := l.mux.Reject(peer, buf); err != nil {
		log.Warn().
			Err(err).
			Str("peer", peer.String()).
			Msg("failed to send RST")
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		mc, err := l.mux.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.handshakePeer(mc)
	}
}

// handshakePeer runs the passive handshake for one admitted peer.
func (l *Listener) handshakePeer(mc *transport.MuxConn) {
	defer l.wg.Done()
	peer := mc.Peer()

	c, err := newConn(mc, l.cfg, l.isn.Next())
	if err != nil {
		log.Error().Err(err).Msg("create connection")
		mc.Close()
		l.limiter.ConnectionClosed()
		return
	}
	c.onFinish = func(*Conn) {
		l.conns.Delete(peer)
		l.limiter.ConnectionClosed()
	}
	l.conns.Store(peer, c)
	c.start(false)

	if err := c.waitReady(); err != nil {
		log.Warn().
			Err(err).
			Str("peer", peer.String()).
			Msg("incoming handshake failed")
		return
	}

	select {
	case l.acceptChan <- c:
	case <-l.ctx.Done():
		c.Close()
	}
}

func (l *Listener) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(historyCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.limiter.CleanupStaleHistory()
		}
	}
}

// Accept waits for and returns the next established connection.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptSTCP()
}

// AcceptSTCP is Accept returning the concrete type.
func (l *Listener) AcceptSTCP() (*Conn, error) {
	select {
	case c := <-l.acceptChan:
		log.Info().
			Str("state", c.State().String()).
			Str("remote", c.RemoteAddr().String()).
			Msg("accepted connection")
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Close stops accepting and closes every connection of this listener,
// including accepted ones.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.closeAllConnections()
	err := l.mux.Close()
	l.wg.Wait()

	log.Info().
		Str("addr", l.mux.Addr().String()).
		Msg("closed listener")
	return err
}

func (l *Listener) closeAllConnections() {
	var conns []*Conn
	l.conns.Range(func(_, value any) bool {
		conns = append(conns, value.(*Conn))
		return true
	})
	for _, c := range conns {
		c.Close()
	}
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.mux.Addr() }

// ActiveConns returns the number of admitted connections still running.
func (l *Listener) ActiveConns() int { return l.limiter.ActiveConns() }

// SetConnectionLimits replaces the connection limits.
func (l *Listener) SetConnectionLimits(config *ConnectionLimitsConfig) {
	l.limiter.SetConfig(config)
}

// GetConnectionLimits returns a copy of the connection limits.
func (l *Listener) GetConnectionLimits() *ConnectionLimitsConfig {
	return l.limiter.GetConfig()
}

// SetAccessFilter replaces the access list.
func (l *Listener) SetAccessFilter(config *AccessListConfig) {
	l.access.SetConfig(config)
}

// GetAccessFilter returns a copy of the access list configuration.
func (l *Listener) GetAccessFilter() *AccessListConfig {
	return l.access.GetConfig()
}
