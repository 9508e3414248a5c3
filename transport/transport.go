// Package transport provides the unreliable datagram layers an STCP
// connection runs over: a connected UDP socket, a UDP socket shared by many
// peers, and an in-memory pipe for tests.
package transport

import (
	"net"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a closed PacketConn.
var ErrClosed = net.ErrClosed

// PacketConn carries whole datagrams to and from a single peer.
// Delivery is unreliable: packets may be lost, but never split or merged.
type PacketConn interface {
	// WritePacket sends one datagram to the peer.
	WritePacket(b []byte) error
	// ReadPacket blocks until the next datagram arrives and copies it into b.
	// A datagram longer than b is truncated.
	ReadPacket(b []byte) (int, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// UDPConn is a PacketConn over a connected UDP socket.
type UDPConn struct {
	conn *net.UDPConn
}

var _ PacketConn = (*UDPConn)(nil)

// DialUDP connects a UDP socket to raddr.
func DialUDP(raddr string) (*UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", raddr)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", raddr)
	}
	return &UDPConn{conn: conn}, nil
}

// NewUDPConn wraps an already connected UDP socket.
func NewUDPConn(conn *net.UDPConn) *UDPConn {
	return &UDPConn{conn: conn}
}

func (c *UDPConn) WritePacket(b []byte) error {
	if _, err := c.conn.Write(b); err != nil {
		return errors.Wrap(err, "write packet")
	}
	return nil
}

func (c *UDPConn) ReadPacket(b []byte) (int, error) {
	n, err := c.conn.Read(b)
	if err != nil {
		return 0, errors.Wrap(err, "read packet")
	}
	return n, nil
}

func (c *UDPConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *UDPConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *UDPConn) Close() error         { return c.conn.Close() }
