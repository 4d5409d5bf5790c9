package vnet

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pgavlin/wharf/wasi"
)

// Loopback failures wrap their errno so the syscall layer reports the
// same codes a real network stack would.
var (
	errAddrInUse   = fmt.Errorf("address already in use: %w", wasi.ErrnoAddrinuse)
	errConnRefused = fmt.Errorf("connection refused: %w", wasi.ErrnoConnrefused)
)

// NewLoopback returns an in-memory provider. Every endpoint lives on
// 127.0.0.1 inside the process; nothing touches the host network. It is
// the provider of choice for tests and for guests granted only
// self-contained networking.
func NewLoopback() *Loopback {
	return &Loopback{
		tcp:      make(map[int]*loopListener),
		udp:      make(map[int]*loopUDP),
		nextPort: 49152,
	}
}

// Loopback is an in-memory network. It implements Provider.
type Loopback struct {
	mu       sync.Mutex
	tcp      map[int]*loopListener
	udp      map[int]*loopUDP
	nextPort int
}

func (lb *Loopback) allocPortLocked() int {
	for {
		port := lb.nextPort
		lb.nextPort++
		if lb.nextPort > 65535 {
			lb.nextPort = 49152
		}
		if _, tcpUsed := lb.tcp[port]; tcpUsed {
			continue
		}
		if _, udpUsed := lb.udp[port]; udpUsed {
			continue
		}
		return port
	}
}

func loopAddr(port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// ListenTCP binds an in-memory listener. Port 0 allocates an ephemeral
// port.
func (lb *Loopback) ListenTCP(_ context.Context, addr *net.TCPAddr) (TCPListener, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	port := addr.Port
	if port == 0 {
		port = lb.allocPortLocked()
	} else if _, used := lb.tcp[port]; used {
		return nil, errAddrInUse
	}

	l := &loopListener{
		lb:      lb,
		addr:    loopAddr(port),
		backlog: make(chan *loopTCP, 128),
		done:    make(chan struct{}),
	}
	lb.tcp[port] = l
	return l, nil
}

// ConnectTCP connects to an in-memory listener. There is no route to
// anything outside the loopback network.
func (lb *Loopback) ConnectTCP(ctx context.Context, local, remote *net.TCPAddr) (TCPSocket, error) {
	lb.mu.Lock()
	l, ok := lb.tcp[remote.Port]
	if !ok {
		lb.mu.Unlock()
		return nil, errConnRefused
	}
	localPort := lb.allocPortLocked()
	lb.mu.Unlock()

	clientToServer := newStreamBuffer()
	serverToClient := newStreamBuffer()
	clientAddr := loopAddr(localPort)
	client := &loopTCP{
		recv: serverToClient, send: clientToServer,
		local: clientAddr, remote: l.addr,
	}
	server := &loopTCP{
		recv: clientToServer, send: serverToClient,
		local: l.addr, remote: clientAddr,
	}

	select {
	case l.backlog <- server:
		return client, nil
	case <-l.done:
		return nil, errConnRefused
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BindUDP binds an in-memory datagram endpoint.
func (lb *Loopback) BindUDP(_ context.Context, addr *net.UDPAddr) (UDPSocket, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	port := addr.Port
	if port == 0 {
		port = lb.allocPortLocked()
	} else if _, used := lb.udp[port]; used {
		return nil, errAddrInUse
	}

	u := &loopUDP{
		lb:   lb,
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		box:  newDatagramBox(),
	}
	lb.udp[port] = u
	return u, nil
}

type loopListener struct {
	lb      *Loopback
	addr    *net.TCPAddr
	backlog chan *loopTCP
	done    chan struct{}
	once    sync.Once
}

func (l *loopListener) Accept(ctx context.Context) (TCPSocket, error) {
	select {
	case conn := <-l.backlog:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.lb.mu.Lock()
		delete(l.lb.tcp, l.addr.Port)
		l.lb.mu.Unlock()
	})
	return nil
}

func (l *loopListener) Addr() net.Addr { return l.addr }

type loopTCP struct {
	recv, send    *streamBuffer
	local, remote net.Addr
}

func (c *loopTCP) Read(p []byte) (int, error)  { return c.recv.read(p) }
func (c *loopTCP) Write(p []byte) (int, error) { return c.send.write(p) }

func (c *loopTCP) Close() error {
	c.send.closeWrite()
	c.recv.closeRead()
	return nil
}

func (c *loopTCP) CloseRead() error  { c.recv.closeRead(); return nil }
func (c *loopTCP) CloseWrite() error { c.send.closeWrite(); return nil }

func (c *loopTCP) LocalAddr() net.Addr  { return c.local }
func (c *loopTCP) RemoteAddr() net.Addr { return c.remote }

func (c *loopTCP) SetReadDeadline(t time.Time) error  { c.recv.setDeadline(t); return nil }
func (c *loopTCP) SetWriteDeadline(t time.Time) error { c.send.setDeadline(t); return nil }
func (c *loopTCP) SetNoDelay(bool) error              { return nil }
func (c *loopTCP) SetKeepAlive(bool) error            { return nil }

type loopUDP struct {
	lb   *Loopback
	addr *net.UDPAddr
	box  *datagramBox
	once sync.Once
}

func (u *loopUDP) RecvFrom(p []byte) (int, net.Addr, error) {
	return u.box.recv(p)
}

func (u *loopUDP) SendTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return 0, err
	}
	u.lb.mu.Lock()
	peer, ok := u.lb.udp[udpAddr.Port]
	u.lb.mu.Unlock()
	if !ok {
		// Datagrams to nowhere vanish, as on a real network.
		return len(p), nil
	}
	peer.box.send(p, u.addr)
	return len(p), nil
}

func (u *loopUDP) Close() error {
	u.once.Do(func() {
		u.lb.mu.Lock()
		delete(u.lb.udp, u.addr.Port)
		u.lb.mu.Unlock()
		u.box.close()
	})
	return nil
}

func (u *loopUDP) LocalAddr() net.Addr               { return u.addr }
func (u *loopUDP) SetReadDeadline(t time.Time) error { u.box.setDeadline(t); return nil }
func (u *loopUDP) SetWriteDeadline(time.Time) error  { return nil }

// streamBuffer is one direction of an in-memory stream: an elastic byte
// queue with EOF-on-writer-close and read deadlines.
type streamBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	eof      bool
	closed   bool
	deadline time.Time
}

func newStreamBuffer() *streamBuffer {
	b := &streamBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *streamBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) == 0 {
		if b.closed {
			return 0, net.ErrClosed
		}
		if b.eof {
			return 0, io.EOF
		}
		if !b.deadline.IsZero() && !time.Now().Before(b.deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		b.cond.Wait()
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *streamBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof || b.closed {
		return 0, net.ErrClosed
	}
	b.buf = append(b.buf, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *streamBuffer) closeWrite() {
	b.mu.Lock()
	b.eof = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *streamBuffer) closeRead() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *streamBuffer) setDeadline(t time.Time) {
	b.mu.Lock()
	b.deadline = t
	b.mu.Unlock()
	if !t.IsZero() {
		time.AfterFunc(time.Until(t), b.cond.Broadcast)
	}
	b.cond.Broadcast()
}

type datagram struct {
	payload []byte
	from    net.Addr
}

// datagramBox is a datagram mailbox. Boundaries are preserved; a short
// read drops the datagram's tail exactly as a kernel UDP socket does.
type datagramBox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []datagram
	closed   bool
	deadline time.Time
}

func newDatagramBox() *datagramBox {
	b := &datagramBox{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *datagramBox) send(p []byte, from net.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	b.queue = append(b.queue, datagram{payload: payload, from: from})
	b.cond.Broadcast()
}

func (b *datagramBox) recv(p []byte) (int, net.Addr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 {
		if b.closed {
			return 0, nil, net.ErrClosed
		}
		if !b.deadline.IsZero() && !time.Now().Before(b.deadline) {
			return 0, nil, os.ErrDeadlineExceeded
		}
		b.cond.Wait()
	}
	dg := b.queue[0]
	b.queue = b.queue[1:]
	n := copy(p, dg.payload)
	return n, dg.from, nil
}

func (b *datagramBox) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *datagramBox) setDeadline(t time.Time) {
	b.mu.Lock()
	b.deadline = t
	b.mu.Unlock()
	if !t.IsZero() {
		time.AfterFunc(time.Until(t), b.cond.Broadcast)
	}
	b.cond.Broadcast()
}
