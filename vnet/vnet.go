// Package vnet abstracts the network a sandboxed guest sees. A Provider
// hands out TCP and UDP endpoints; the host provider forwards to the real
// network, the loopback provider keeps all traffic in memory, and the
// denied provider refuses everything.
package vnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pgavlin/wharf/wasi"
)

// ErrDenied is returned by a provider that does not permit the requested
// network operation. It wraps ErrnoNotsup: unsupported networking is how
// a no-network environment presents to the guest.
var ErrDenied = fmt.Errorf("network access denied: %w", wasi.ErrnoNotsup)

// Provider is the set of network capabilities granted to a guest.
type Provider interface {
	// ListenTCP binds a passive stream socket.
	ListenTCP(ctx context.Context, addr *net.TCPAddr) (TCPListener, error)
	// ConnectTCP opens an active stream connection. local may be nil.
	ConnectTCP(ctx context.Context, local, remote *net.TCPAddr) (TCPSocket, error)
	// BindUDP binds a datagram socket.
	BindUDP(ctx context.Context, addr *net.UDPAddr) (UDPSocket, error)
}

// TCPSocket is one end of an established stream connection.
type TCPSocket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	CloseRead() error
	CloseWrite() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetNoDelay(v bool) error
	SetKeepAlive(v bool) error
}

// TCPListener accepts inbound stream connections.
type TCPListener interface {
	Accept(ctx context.Context) (TCPSocket, error)
	Close() error
	Addr() net.Addr
}

// UDPSocket is a bound datagram endpoint. Datagram boundaries are
// preserved end to end.
type UDPSocket interface {
	RecvFrom(p []byte) (int, net.Addr, error)
	SendTo(p []byte, addr net.Addr) (int, error)
	Close() error
	LocalAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Host returns a provider backed by the host network stack.
func Host() Provider {
	return hostProvider{}
}

type hostProvider struct{}

func (hostProvider) ListenTCP(ctx context.Context, addr *net.TCPAddr) (TCPListener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return &hostListener{l: l.(*net.TCPListener)}, nil
}

func (hostProvider) ConnectTCP(ctx context.Context, local, remote *net.TCPAddr) (TCPSocket, error) {
	d := net.Dialer{}
	if local != nil {
		d.LocalAddr = local
	}
	conn, err := d.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, err
	}
	return &hostTCP{conn: conn.(*net.TCPConn)}, nil
}

func (hostProvider) BindUDP(ctx context.Context, addr *net.UDPAddr) (UDPSocket, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, err
	}
	return &hostUDP{conn: pc.(*net.UDPConn)}, nil
}

type hostTCP struct {
	conn *net.TCPConn
}

func (s *hostTCP) Read(p []byte) (int, error)         { return s.conn.Read(p) }
func (s *hostTCP) Write(p []byte) (int, error)        { return s.conn.Write(p) }
func (s *hostTCP) Close() error                       { return s.conn.Close() }
func (s *hostTCP) CloseRead() error                   { return s.conn.CloseRead() }
func (s *hostTCP) CloseWrite() error                  { return s.conn.CloseWrite() }
func (s *hostTCP) LocalAddr() net.Addr                { return s.conn.LocalAddr() }
func (s *hostTCP) RemoteAddr() net.Addr               { return s.conn.RemoteAddr() }
func (s *hostTCP) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *hostTCP) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
func (s *hostTCP) SetNoDelay(v bool) error            { return s.conn.SetNoDelay(v) }
func (s *hostTCP) SetKeepAlive(v bool) error          { return s.conn.SetKeepAlive(v) }

type hostListener struct {
	l *net.TCPListener
}

func (h *hostListener) Accept(ctx context.Context) (TCPSocket, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := h.l.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer h.l.SetDeadline(time.Time{})
	}
	conn, err := h.l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return &hostTCP{conn: conn}, nil
}

func (h *hostListener) Close() error   { return h.l.Close() }
func (h *hostListener) Addr() net.Addr { return h.l.Addr() }

type hostUDP struct {
	conn *net.UDPConn
}

func (u *hostUDP) RecvFrom(p []byte) (int, net.Addr, error) {
	return u.conn.ReadFrom(p)
}

func (u *hostUDP) SendTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return 0, err
	}
	return u.conn.WriteToUDP(p, udpAddr)
}

func (u *hostUDP) Close() error                       { return u.conn.Close() }
func (u *hostUDP) LocalAddr() net.Addr                { return u.conn.LocalAddr() }
func (u *hostUDP) SetReadDeadline(t time.Time) error  { return u.conn.SetReadDeadline(t) }
func (u *hostUDP) SetWriteDeadline(t time.Time) error { return u.conn.SetWriteDeadline(t) }

// Denied returns a provider that refuses every operation. It is the
// default capability for guests that were not granted network access.
func Denied() Provider {
	return deniedProvider{}
}

type deniedProvider struct{}

func (deniedProvider) ListenTCP(context.Context, *net.TCPAddr) (TCPListener, error) {
	return nil, ErrDenied
}

func (deniedProvider) ConnectTCP(context.Context, *net.TCPAddr, *net.TCPAddr) (TCPSocket, error) {
	return nil, ErrDenied
}

func (deniedProvider) BindUDP(context.Context, *net.UDPAddr) (UDPSocket, error) {
	return nil, ErrDenied
}
