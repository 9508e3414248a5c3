package stcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"

	"github.com/go-stcp/go-stcp/transport"
)

// PacketConn is the datagram layer a Conn runs over.
type PacketConn = transport.PacketConn

// Conn is an STCP connection. It implements net.Conn.
//
// A Conn owns three goroutines' worth of roles: the caller's Read and Write,
// a read pump moving datagrams from the PacketConn into a bounded queue, and
// the event loop that owns the control block. Conn itself is the loop's
// SegmentIO, Application and EventSource.
type Conn struct {
	pc  PacketConn
	cfg *Config

	// Inbound datagrams, filled by readPump. Closed when the pump stops.
	inbound chan []byte
	pumpErr error // set before inbound is closed

	// Loop-goroutine state.
	pendingPkt    []byte // datagram taken off inbound by WaitForEvent
	inboundClosed bool
	wbuf          []byte

	// appSignal carries a wakeup token from Write to WaitForEvent.
	appSignal chan struct{}
	// spaceSignal carries a wakeup token from Read when the receive
	// buffer drains.
	spaceSignal chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once

	ready      chan struct{}
	readyErr   error
	readyOnce  sync.Once
	done       chan struct{}
	onFinish   func(*Conn)
	stats      atomic.Pointer[Snapshot]
	iss        seqnum.Value

	// Application-side state, guarded by mu.
	mu            sync.Mutex
	sendCond      *sync.Cond
	recvCond      *sync.Cond
	sendBuf       *ringbuffer.RingBuffer
	recvBuf       *circbuf.Buffer
	closed        bool  // Close was called
	finished      bool  // event loop has ended
	err           error // why the connection ended
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

func newConn(pc PacketConn, cfg *Config, iss seqnum.Value) (*Conn, error) {
	recvBuf, err := circbuf.NewBuffer(int64(cfg.RecvBufferSize))
	if err != nil {
		return nil, fmt.Errorf("create receive buffer: %w", err)
	}

	c := &Conn{
		pc:        pc,
		cfg:       cfg,
		inbound:   make(chan []byte, cfg.InboundQueue),
		wbuf:      make([]byte, MaxPacketSize),
		appSignal:   make(chan struct{}, 1),
		spaceSignal: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		iss:         iss,
		sendBuf:     ringbuffer.New(cfg.SendBufferSize),
		recvBuf:     recvBuf,
	}
	c.sendCond = sync.NewCond(&c.mu)
	c.recvCond = sync.NewCond(&c.mu)
	return c, nil
}

// Dial opens a connection over pc as the active side and blocks until the
// handshake completes. The Conn takes ownership of pc.
func Dial(pc PacketConn, cfg *Config) (*Conn, error) {
	return open(pc, cfg, true)
}

// Accept waits on pc for a peer's SYN and blocks until the handshake
// completes. The Conn takes ownership of pc.
func Accept(pc PacketConn, cfg *Config) (*Conn, error) {
	return open(pc, cfg, false)
}

// DialUDP dials raddr over a connected UDP socket.
func DialUDP(raddr string, cfg *Config) (*Conn, error) {
	pc, err := transport.DialUDP(raddr)
	if err != nil {
		return nil, err
	}
	return Dial(pc, cfg)
}

func open(pc PacketConn, cfg *Config, active bool) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		pc.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	isn, err := newISNGenerator(cfg.FixedISN, cfg.ISNSeed)
	if err != nil {
		pc.Close()
		return nil, err
	}

	c, err := newConn(pc, cfg, isn.Next())
	if err != nil {
		pc.Close()
		return nil, err
	}
	c.start(active)
	if err := c.waitReady(); err != nil {
		return nil, err
	}
	return c, nil
}

// start launches the read pump and the event loop.
func (c *Conn) start(active bool) {
	ep := newEndpoint(c.cfg, c.iss, c, c, c)
	ep.observe = func(s Snapshot) { c.stats.Store(&s) }
	ep.publish()

	go c.readPump()
	go func() {
		err := ep.run(active)
		if err == nil {
			err = ep.cb.err
		}
		c.finish(err)
	}()
}

// waitReady blocks until the handshake finishes. On failure it also waits
// for the loop to release its resources.
func (c *Conn) waitReady() error {
	<-c.ready
	if c.readyErr != nil {
		<-c.done
		return c.readyErr
	}
	return nil
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	c.finished = true
	c.err = err
	c.sendCond.Broadcast()
	c.recvCond.Broadcast()
	c.mu.Unlock()

	c.SignalReady(err)
	if cerr := c.pc.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("close packet conn")
	}
	if c.onFinish != nil {
		c.onFinish(c)
	}

	log.Debug().
		AnErr("cause", err).
		Str("remote", c.RemoteAddr().String()).
		Msg("connection finished")
	close(c.done)
}

// readPump moves datagrams from the PacketConn into the inbound queue.
// When the queue is full the datagram is dropped, as the network would.
func (c *Conn) readPump() {
	defer close(c.inbound)
	buf := make([]byte, MaxPacketSize+1)

	for {
		n, err := c.pc.ReadPacket(buf)
		if err != nil {
			c.pumpErr = err
			return
		}

		pkt := append([]byte(nil), buf[:n]...)
		select {
		case c.inbound <- pkt:
		case <-c.done:
			return
		default:
			log.Warn().
				Int("bytes", n).
				Msg("inbound queue full, dropping datagram")
		}
	}
}

// WaitForEvent implements EventSource.
//
// Application data is level-triggered on the send buffer; the appSignal
// token only wakes the wait. Network data is reported only once the receive
// buffer can take the next segment's payload, so a slow reader leaves
// segments queued instead of losing them. EventTimeout is reported only
// when nothing in mask became ready before timeout.
func (c *Conn) WaitForEvent(mask Event, timeout time.Duration) Event {
	if ev := c.readyEvents(mask); ev != 0 {
		return ev
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var appC <-chan struct{}
	if mask.Has(EventAppData) {
		appC = c.appSignal
	}
	var closeC <-chan struct{}
	if mask.Has(EventClose) {
		closeC = c.closeCh
	}

	for {
		var netC <-chan []byte
		var spaceC <-chan struct{}
		if mask.Has(EventNetworkData) {
			switch {
			case c.pendingPkt != nil:
				spaceC = c.spaceSignal
			case !c.inboundClosed:
				netC = c.inbound
			}
		}

		select {
		case <-appC:
		case <-spaceC:
		case pkt, ok := <-netC:
			if ok {
				c.pendingPkt = pkt
			} else {
				c.inboundClosed = true
			}
		case <-closeC:
		case <-timerC:
			if ev := c.readyEvents(mask); ev != 0 {
				return ev
			}
			return EventTimeout
		}

		if ev := c.readyEvents(mask); ev != 0 {
			return ev
		}
	}
}

func (c *Conn) readyEvents(mask Event) Event {
	var ev Event
	if mask.Has(EventAppData) {
		c.mu.Lock()
		if !c.sendBuf.IsEmpty() {
			ev |= EventAppData
		}
		c.mu.Unlock()
	}
	if mask.Has(EventNetworkData) && c.networkReady() {
		ev |= EventNetworkData
	}
	if mask.Has(EventClose) {
		select {
		case <-c.closeCh:
			ev |= EventClose
		default:
		}
	}
	return ev
}

// networkReady takes the next datagram off the inbound queue if none is
// pending and reports whether it can be received now. A segment whose
// payload does not fit the receive buffer stays pending until Read makes
// room. Loop goroutine only.
func (c *Conn) networkReady() bool {
	if c.pendingPkt == nil && !c.inboundClosed {
		select {
		case pkt, ok := <-c.inbound:
			if ok {
				c.pendingPkt = pkt
			} else {
				c.inboundClosed = true
			}
		default:
		}
	}
	if c.pendingPkt == nil {
		return c.inboundClosed
	}
	return c.recvFits(len(c.pendingPkt) - HeaderLen)
}

// recvFits reports whether n more payload bytes fit the receive buffer.
func (c *Conn) recvFits(n int) bool {
	if n <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvBuf.TotalWritten()+int64(n) <= c.recvBuf.Size()
}

// RecvSegment implements SegmentIO.
func (c *Conn) RecvSegment(buf []byte) (int, error) {
	pkt := c.pendingPkt
	c.pendingPkt = nil

	if pkt == nil && !c.inboundClosed {
		select {
		case p, ok := <-c.inbound:
			if ok {
				pkt = p
			} else {
				c.inboundClosed = true
			}
		case <-c.closeCh:
			return 0, net.ErrClosed
		}
	}
	if pkt == nil {
		if c.pumpErr != nil {
			return 0, c.pumpErr
		}
		return 0, net.ErrClosed
	}
	return copy(buf, pkt), nil
}

// SendSegment implements SegmentIO.
func (c *Conn) SendSegment(seg *Segment) error {
	n, err := seg.MarshalTo(c.wbuf)
	if err != nil {
		return fmt.Errorf("marshal segment: %w", err)
	}
	traceSegment("send", c.wbuf[:n])
	return c.pc.WritePacket(c.wbuf[:n])
}

// AppRead implements Application.
func (c *Conn) AppRead(buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendBuf.IsEmpty() {
		return 0
	}
	n, err := c.sendBuf.Read(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		log.Warn().Err(err).Msg("read send buffer")
	}
	if n > 0 {
		c.sendCond.Broadcast()
	}
	return n
}

// AppWrite implements Application. WaitForEvent holds back segments that
// would not fit, so the refusal below only guards the buffer bound.
func (c *Conn) AppWrite(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recvBuf.TotalWritten()+int64(len(p)) > c.recvBuf.Size() {
		return errRecvBufferFull
	}
	if _, err := c.recvBuf.Write(p); err != nil {
		return fmt.Errorf("write receive buffer: %w", err)
	}
	c.recvCond.Broadcast()
	return nil
}

// SignalReady implements Application.
func (c *Conn) SignalReady(err error) {
	c.readyOnce.Do(func() {
		c.readyErr = err
		close(c.ready)
	})
}

// Read reads in-order data from the peer. It returns io.EOF once the
// connection has ended and all buffered data has been read.
func (c *Conn) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.recvBuf.TotalWritten() == 0 {
		if c.closed {
			return 0, net.ErrClosed
		}
		if c.finished {
			if errors.Is(c.err, ErrConnectionReset) {
				return 0, c.err
			}
			return 0, io.EOF
		}
		if err := waitLocked(c.recvCond, c.readDeadline); err != nil {
			return 0, err
		}
	}

	data := c.recvBuf.Bytes()
	n := copy(buf, data)

	c.recvBuf.Reset()
	if n < len(data) {
		if _, err := c.recvBuf.Write(data[n:]); err != nil {
			return n, fmt.Errorf("write remaining data: %w", err)
		}
	}
	c.notifySpace()

	log.Debug().
		Int("bytes", n).
		Msg("read data")
	return n, nil
}

// Write queues data for sending. It blocks while the send buffer is full.
// A nil error means the data was queued, not that the peer received it.
func (c *Conn) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for written < len(data) {
		if err := c.writableLocked(); err != nil {
			return written, err
		}

		free := c.sendBuf.Free()
		if free == 0 {
			if err := waitLocked(c.sendCond, c.writeDeadline); err != nil {
				return written, err
			}
			continue
		}

		chunk := data[written:]
		if len(chunk) > free {
			chunk = chunk[:free]
		}
		n, err := c.sendBuf.Write(chunk)
		written += n
		if n > 0 {
			c.notifyApp()
		}
		if err != nil && n == 0 {
			return written, fmt.Errorf("write send buffer: %w", err)
		}
	}
	return written, nil
}

// writableLocked must be called with c.mu held.
func (c *Conn) writableLocked() error {
	switch {
	case c.closed:
		return net.ErrClosed
	case c.finished:
		if c.err != nil {
			return fmt.Errorf("connection ended: %w", c.err)
		}
		return net.ErrClosed
	case !c.writeDeadline.IsZero() && !time.Now().Before(c.writeDeadline):
		return &timeoutError{}
	}
	return nil
}

func (c *Conn) notifyApp() {
	select {
	case c.appSignal <- struct{}{}:
	default:
	}
}

func (c *Conn) notifySpace() {
	select {
	case c.spaceSignal <- struct{}{}:
	default:
	}
}

// waitLocked waits on cond until it is signalled or deadline passes.
// A goroutine broadcasts on cond when the deadline timer fires.
// Must be called with cond.L held.
func waitLocked(cond *sync.Cond, deadline time.Time) error {
	if deadline.IsZero() {
		cond.Wait()
		return nil
	}

	timeout := time.Until(deadline)
	if timeout <= 0 {
		return &timeoutError{}
	}

	timer := time.NewTimer(timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-timer.C:
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-done:
		}
	}()

	cond.Wait()
	timer.Stop()
	close(done)

	if !time.Now().Before(deadline) {
		return &timeoutError{}
	}
	return nil
}

// Close ends the connection immediately. Queued data that has not been
// sent is discarded and no FIN is exchanged. Close waits for the event loop
// to stop.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.sendCond.Broadcast()
		c.recvCond.Broadcast()
		c.mu.Unlock()
		close(c.closeCh)
	})
	<-c.done
	return nil
}

// Done is closed once the event loop has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: nil while it is running or after a
// local Close, ErrIdleTimeout, ErrConnectionReset, or a handshake or
// network error.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns the most recent snapshot of the control block.
func (c *Conn) Stats() Snapshot {
	if s := c.stats.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// State returns the current connection state.
func (c *Conn) State() ConnState { return c.Stats().State }

func (c *Conn) LocalAddr() net.Addr  { return c.pc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.pc.RemoteAddr() }

// SetDeadline sets both read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	c.recvCond.Broadcast()
	c.sendCond.Broadcast()
	return nil
}

// SetReadDeadline sets the deadline for future Read calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.recvCond.Broadcast()
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	c.sendCond.Broadcast()
	return nil
}
