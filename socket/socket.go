// Package socket implements the virtual socket layer. A socket is born as
// a pre-socket carrying only its declared family, type, and protocol;
// bind, listen, and connect move it one-directionally into a concrete
// transport kind, and close moves it into a terminal closed state.
package socket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pgavlin/wharf/vnet"
	"github.com/pgavlin/wharf/wasi"
)

// readScratch bounds a single underlying datagram read. Larger datagrams
// do not occur on the virtual transports.
const readScratch = 64 * 1024

// kind is the closed set of socket states. Transitions are centralized in
// the InodeSocket methods; no state is ever re-entered once left.
type kind interface {
	isKind()
}

// preSocket is the initial state: nothing bound, nothing connected.
// Options set in this state are staged and applied at transition time.
type preSocket struct {
	family wasi.AddressFamily
	ty     wasi.SocketType
	proto  wasi.Protocol

	addr *net.TCPAddr // bound address, nil until bind

	recvTimeout    *time.Duration
	sendTimeout    *time.Duration
	connectTimeout *time.Duration
	acceptTimeout  *time.Duration
	linger         *time.Duration

	noDelay   bool
	keepAlive bool
	reuseAddr bool
	reusePort bool
	onlyV6    bool
}

type tcpStream struct {
	conn        vnet.TCPSocket
	recvTimeout *time.Duration
	sendTimeout *time.Duration
	linger      *time.Duration
	noDelay     bool
	keepAlive   bool
}

type tcpListener struct {
	listener      vnet.TCPListener
	acceptTimeout *time.Duration
	backlog       int
}

type udpSocket struct {
	sock        vnet.UDPSocket
	peer        net.Addr // default peer fixed by connect, nil otherwise
	recvTimeout *time.Duration
	sendTimeout *time.Duration
}

// rawSocket and icmpSocket are datagram-shaped kinds carried over the
// provider's datagram transport.
type rawSocket struct {
	sock        vnet.UDPSocket
	promiscuous bool
}

type icmpSocket struct {
	sock vnet.UDPSocket
}

type closedSocket struct{}

func (*preSocket) isKind()    {}
func (*tcpStream) isKind()    {}
func (*tcpListener) isKind()  {}
func (*udpSocket) isKind()    {}
func (*rawSocket) isKind()    {}
func (*icmpSocket) isKind()   {}
func (*closedSocket) isKind() {}

// InodeSocket is one guest-visible socket. It is shared between the
// syscall layer and background tasks, so all state lives behind the lock.
type InodeSocket struct {
	mu sync.RWMutex

	kind kind

	// readBuffer holds bytes already read from the transport but not yet
	// consumed by the guest. For stream kinds it is a cursor; for datagram
	// kinds it holds at most one message and a short read discards the
	// rest of that message.
	readBuffer []byte
	readAddr   net.Addr

	// silenceWriteReady suppresses repeated write-ready edges until the
	// guest acts on the socket again.
	silenceWriteReady bool
}

// New creates a socket in the pre-socket state.
func New(family wasi.AddressFamily, ty wasi.SocketType, proto wasi.Protocol) *InodeSocket {
	return &InodeSocket{
		kind: &preSocket{family: family, ty: ty, proto: proto},
	}
}

// Filetype implements vfs.SocketResource.
func (s *InodeSocket) Filetype() wasi.Filetype {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch k := s.kind.(type) {
	case *preSocket:
		if k.ty == wasi.SocketTypeDgram {
			return wasi.FiletypeSocketDgram
		}
		return wasi.FiletypeSocketStream
	case *udpSocket, *rawSocket, *icmpSocket:
		return wasi.FiletypeSocketDgram
	default:
		return wasi.FiletypeSocketStream
	}
}

// Close tears the socket down and enters the terminal state. Closing an
// already-closed socket is a no-op.
func (s *InodeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch k := s.kind.(type) {
	case *tcpStream:
		_ = k.conn.Close()
	case *tcpListener:
		_ = k.listener.Close()
	case *udpSocket:
		_ = k.sock.Close()
	case *rawSocket:
		_ = k.sock.Close()
	case *icmpSocket:
		_ = k.sock.Close()
	case *webSocket:
		_ = k.conn.Close()
	case *httpSocket:
		k.teardown()
	}
	s.kind = &closedSocket{}
	s.readBuffer = nil
	s.readAddr = nil
	return nil
}

func zeroTCPAddr(family wasi.AddressFamily) *net.TCPAddr {
	if family == wasi.AddressFamilyInet6 {
		return &net.TCPAddr{IP: net.IPv6unspecified}
	}
	return &net.TCPAddr{IP: net.IPv4zero}
}

func familyMatches(family wasi.AddressFamily, ip net.IP) wasi.Errno {
	switch family {
	case wasi.AddressFamilyInet4:
		if ip.To4() == nil {
			return wasi.ErrnoInval
		}
	case wasi.AddressFamilyInet6:
		if ip.To4() != nil || ip.To16() == nil {
			return wasi.ErrnoInval
		}
	default:
		return wasi.ErrnoNotsup
	}
	return wasi.ErrnoSuccess
}

// Bind attaches a local address. Stream sockets only record it; listen or
// connect performs the concrete transition. Datagram sockets bind through
// the provider immediately.
func (s *InodeSocket) Bind(ctx context.Context, provider vnet.Provider, ip net.IP, port uint16) wasi.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	pre, ok := s.kind.(*preSocket)
	if !ok {
		if _, closed := s.kind.(*closedSocket); closed {
			return wasi.ErrnoIo
		}
		return wasi.ErrnoInval
	}
	if errno := familyMatches(pre.family, ip); errno != wasi.ErrnoSuccess {
		return errno
	}

	addr := &net.TCPAddr{IP: ip, Port: int(port)}
	switch pre.ty {
	case wasi.SocketTypeStream:
		pre.addr = addr
		return wasi.ErrnoSuccess
	case wasi.SocketTypeDgram:
		sock, err := provider.BindUDP(ctx, &net.UDPAddr{IP: ip, Port: int(port)})
		if err != nil {
			return wasi.NetErrno(err)
		}
		s.kind = &udpSocket{
			sock:        sock,
			recvTimeout: pre.recvTimeout,
			sendTimeout: pre.sendTimeout,
		}
		return wasi.ErrnoSuccess
	case wasi.SocketTypeRaw:
		sock, err := provider.BindUDP(ctx, &net.UDPAddr{IP: ip, Port: int(port)})
		if err != nil {
			return wasi.NetErrno(err)
		}
		if pre.proto == wasi.ProtocolICMP {
			s.kind = &icmpSocket{sock: sock}
		} else {
			s.kind = &rawSocket{sock: sock}
		}
		return wasi.ErrnoSuccess
	default:
		return wasi.ErrnoNotsup
	}
}

// Listen transitions a bound stream pre-socket into a listener. The staged
// accept timeout is applied to the new listener here, not retroactively.
func (s *InodeSocket) Listen(ctx context.Context, provider vnet.Provider, backlog int) wasi.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	pre, ok := s.kind.(*preSocket)
	if !ok {
		if _, closed := s.kind.(*closedSocket); closed {
			return wasi.ErrnoIo
		}
		return wasi.ErrnoInval
	}
	if pre.ty != wasi.SocketTypeStream {
		return wasi.ErrnoNotsup
	}
	if pre.addr == nil {
		return wasi.ErrnoInval
	}

	listener, err := provider.ListenTCP(ctx, pre.addr)
	if err != nil {
		return wasi.NetErrno(err)
	}
	s.kind = &tcpListener{
		listener:      listener,
		acceptTimeout: pre.acceptTimeout,
		backlog:       backlog,
	}
	return wasi.ErrnoSuccess
}

// Connect transitions a stream pre-socket into a connected stream,
// synthesizing an unspecified local address if bind was never called. On
// an already-bound datagram socket it only fixes the default peer.
func (s *InodeSocket) Connect(ctx context.Context, provider vnet.Provider, ip net.IP, port uint16) wasi.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch k := s.kind.(type) {
	case *preSocket:
		if errno := familyMatches(k.family, ip); errno != wasi.ErrnoSuccess {
			return errno
		}
		if k.ty != wasi.SocketTypeStream {
			return wasi.ErrnoNotsup
		}
		local := k.addr
		if local == nil {
			local = zeroTCPAddr(k.family)
		}
		if k.connectTimeout != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *k.connectTimeout)
			defer cancel()
		}
		conn, err := provider.ConnectTCP(ctx, local, &net.TCPAddr{IP: ip, Port: int(port)})
		if err != nil {
			return wasi.NetErrno(err)
		}
		stream := &tcpStream{
			conn:        conn,
			recvTimeout: k.recvTimeout,
			sendTimeout: k.sendTimeout,
			linger:      k.linger,
			noDelay:     k.noDelay,
			keepAlive:   k.keepAlive,
		}
		_ = conn.SetNoDelay(k.noDelay)
		_ = conn.SetKeepAlive(k.keepAlive)
		s.kind = stream
		s.silenceWriteReady = false
		return wasi.ErrnoSuccess

	case *udpSocket:
		k.peer = &net.UDPAddr{IP: ip, Port: int(port)}
		return wasi.ErrnoSuccess

	case *closedSocket:
		return wasi.ErrnoIo
	default:
		return wasi.ErrnoNotsup
	}
}

// Accept takes one pending connection off a listener and wraps it as a
// fresh, independent stream socket. The listener's own state is untouched.
func (s *InodeSocket) Accept(ctx context.Context) (*InodeSocket, net.Addr, wasi.Errno) {
	s.mu.RLock()
	listener, ok := s.kind.(*tcpListener)
	if !ok {
		_, closed := s.kind.(*closedSocket)
		s.mu.RUnlock()
		if closed {
			return nil, nil, wasi.ErrnoIo
		}
		return nil, nil, wasi.ErrnoNotsup
	}
	timeout := listener.acceptTimeout
	l := listener.listener
	s.mu.RUnlock()

	if timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	conn, err := l.Accept(ctx)
	if err != nil {
		return nil, nil, wasi.NetErrno(err)
	}
	peer := &InodeSocket{kind: &tcpStream{conn: conn}}
	return peer, conn.RemoteAddr(), wasi.ErrnoSuccess
}

// Send writes data. Pre-sockets are not connected; listeners cannot carry
// data at all; closed sockets fail with an I/O error.
func (s *InodeSocket) Send(ctx context.Context, data []byte) (int, wasi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceWriteReady = false

	switch k := s.kind.(type) {
	case *preSocket:
		return 0, wasi.ErrnoNotconn
	case *tcpStream:
		applyDeadline := k.sendTimeout != nil
		if applyDeadline {
			_ = k.conn.SetWriteDeadline(time.Now().Add(*k.sendTimeout))
		}
		n, err := k.conn.Write(data)
		if applyDeadline {
			_ = k.conn.SetWriteDeadline(time.Time{})
		}
		if err != nil {
			return n, wasi.NetErrno(err)
		}
		return n, wasi.ErrnoSuccess
	case *udpSocket:
		if k.peer == nil {
			return 0, wasi.ErrnoNotconn
		}
		n, err := k.sock.SendTo(data, k.peer)
		if err != nil {
			return n, wasi.NetErrno(err)
		}
		return n, wasi.ErrnoSuccess
	case *webSocket:
		return k.send(data)
	case *httpSocket:
		return k.send(data)
	case *closedSocket:
		return 0, wasi.ErrnoIo
	default:
		return 0, wasi.ErrnoNotsup
	}
}

// SendTo writes one datagram to an explicit peer.
func (s *InodeSocket) SendTo(ctx context.Context, data []byte, ip net.IP, port uint16) (int, wasi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceWriteReady = false

	addr := &net.UDPAddr{IP: ip, Port: int(port)}
	switch k := s.kind.(type) {
	case *preSocket:
		return 0, wasi.ErrnoNotconn
	case *udpSocket:
		n, err := k.sock.SendTo(data, addr)
		if err != nil {
			return n, wasi.NetErrno(err)
		}
		return n, wasi.ErrnoSuccess
	case *rawSocket:
		n, err := k.sock.SendTo(data, addr)
		if err != nil {
			return n, wasi.NetErrno(err)
		}
		return n, wasi.ErrnoSuccess
	case *icmpSocket:
		n, err := k.sock.SendTo(data, addr)
		if err != nil {
			return n, wasi.NetErrno(err)
		}
		return n, wasi.ErrnoSuccess
	case *closedSocket:
		return 0, wasi.ErrnoIo
	default:
		return 0, wasi.ErrnoNotsup
	}
}

// fill loads the read buffer from the transport if it is empty. Caller
// holds the write lock.
func (s *InodeSocket) fill(ctx context.Context) wasi.Errno {
	if len(s.readBuffer) > 0 {
		return wasi.ErrnoSuccess
	}

	scratch := make([]byte, readScratch)
	switch k := s.kind.(type) {
	case *preSocket:
		return wasi.ErrnoNotconn
	case *tcpStream:
		applyDeadline := k.recvTimeout != nil
		if applyDeadline {
			_ = k.conn.SetReadDeadline(time.Now().Add(*k.recvTimeout))
		}
		n, err := k.conn.Read(scratch)
		if applyDeadline {
			_ = k.conn.SetReadDeadline(time.Time{})
		}
		if err != nil {
			return wasi.NetErrno(err)
		}
		s.readBuffer = scratch[:n]
		s.readAddr = k.conn.RemoteAddr()
		return wasi.ErrnoSuccess
	case *udpSocket:
		applyDeadline := k.recvTimeout != nil
		if applyDeadline {
			_ = k.sock.SetReadDeadline(time.Now().Add(*k.recvTimeout))
		}
		n, from, err := k.sock.RecvFrom(scratch)
		if applyDeadline {
			_ = k.sock.SetReadDeadline(time.Time{})
		}
		if err != nil {
			return wasi.NetErrno(err)
		}
		s.readBuffer = scratch[:n]
		s.readAddr = from
		return wasi.ErrnoSuccess
	case *rawSocket:
		n, from, err := k.sock.RecvFrom(scratch)
		if err != nil {
			return wasi.NetErrno(err)
		}
		s.readBuffer = scratch[:n]
		s.readAddr = from
		return wasi.ErrnoSuccess
	case *icmpSocket:
		n, from, err := k.sock.RecvFrom(scratch)
		if err != nil {
			return wasi.NetErrno(err)
		}
		s.readBuffer = scratch[:n]
		s.readAddr = from
		return wasi.ErrnoSuccess
	case *webSocket:
		data, errno := k.fill()
		if errno != wasi.ErrnoSuccess {
			return errno
		}
		s.readBuffer = data
		return wasi.ErrnoSuccess
	case *httpSocket:
		data, errno := k.fill()
		if errno != wasi.ErrnoSuccess {
			return errno
		}
		s.readBuffer = data
		return wasi.ErrnoSuccess
	case *closedSocket:
		return wasi.ErrnoIo
	default:
		return wasi.ErrnoNotsup
	}
}

// datagramShaped reports whether a short read must discard the rest of
// the pending message. Streams keep a byte cursor instead.
func (s *InodeSocket) datagramShaped() bool {
	switch k := s.kind.(type) {
	case *udpSocket, *rawSocket, *icmpSocket, *webSocket:
		return true
	case *httpSocket:
		return k.ch == HTTPChannelHeaders
	default:
		return false
	}
}

func (s *InodeSocket) drain(buf []byte) int {
	n := copy(buf, s.readBuffer)
	if s.datagramShaped() {
		// A message is consumed whole. A short read truncates: the tail of
		// the datagram is gone, the next read starts a new message.
		s.readBuffer = nil
	} else {
		s.readBuffer = s.readBuffer[n:]
	}
	return n
}

// Recv reads from the socket into buf.
func (s *InodeSocket) Recv(ctx context.Context, buf []byte) (int, wasi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceWriteReady = false

	if errno := s.fill(ctx); errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	return s.drain(buf), wasi.ErrnoSuccess
}

// RecvFrom reads one message and reports its source address.
func (s *InodeSocket) RecvFrom(ctx context.Context, buf []byte) (int, net.Addr, wasi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceWriteReady = false

	if errno := s.fill(ctx); errno != wasi.ErrnoSuccess {
		return 0, nil, errno
	}
	addr := s.readAddr
	return s.drain(buf), addr, wasi.ErrnoSuccess
}

// Peek fills the read buffer if needed and copies without consuming.
func (s *InodeSocket) Peek(ctx context.Context, buf []byte) (int, wasi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errno := s.fill(ctx); errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	return copy(buf, s.readBuffer), wasi.ErrnoSuccess
}

// Shutdown tears down one or both directions of a connected stream.
func (s *InodeSocket) Shutdown(how wasi.Shutdown) wasi.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch k := s.kind.(type) {
	case *preSocket:
		return wasi.ErrnoNotconn
	case *tcpStream:
		if how&wasi.ShutdownRead != 0 {
			if err := k.conn.CloseRead(); err != nil {
				return wasi.NetErrno(err)
			}
		}
		if how&wasi.ShutdownWrite != 0 {
			if err := k.conn.CloseWrite(); err != nil {
				return wasi.NetErrno(err)
			}
		}
		return wasi.ErrnoSuccess
	case *httpSocket:
		return k.shutdown(how)
	case *closedSocket:
		return wasi.ErrnoIo
	default:
		return wasi.ErrnoNotsup
	}
}

// AddrLocal reports the bound local address.
func (s *InodeSocket) AddrLocal() (net.Addr, wasi.Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch k := s.kind.(type) {
	case *preSocket:
		if k.addr == nil {
			return nil, wasi.ErrnoNotconn
		}
		return k.addr, wasi.ErrnoSuccess
	case *tcpStream:
		return k.conn.LocalAddr(), wasi.ErrnoSuccess
	case *tcpListener:
		return k.listener.Addr(), wasi.ErrnoSuccess
	case *udpSocket:
		return k.sock.LocalAddr(), wasi.ErrnoSuccess
	case *rawSocket:
		return k.sock.LocalAddr(), wasi.ErrnoSuccess
	case *icmpSocket:
		return k.sock.LocalAddr(), wasi.ErrnoSuccess
	case *closedSocket:
		return nil, wasi.ErrnoIo
	default:
		return nil, wasi.ErrnoNotsup
	}
}

// AddrPeer reports the connected peer address.
func (s *InodeSocket) AddrPeer() (net.Addr, wasi.Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch k := s.kind.(type) {
	case *tcpStream:
		return k.conn.RemoteAddr(), wasi.ErrnoSuccess
	case *udpSocket:
		if k.peer == nil {
			return nil, wasi.ErrnoNotconn
		}
		return k.peer, wasi.ErrnoSuccess
	case *closedSocket:
		return nil, wasi.ErrnoIo
	case *preSocket:
		return nil, wasi.ErrnoNotconn
	default:
		return nil, wasi.ErrnoNotsup
	}
}

// PollWriteReady reports write readiness at most once per edge: after it
// reports ready, it stays quiet until another operation touches the
// socket. This keeps a polling guest from spinning on one edge.
func (s *InodeSocket) PollWriteReady() (bool, wasi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.kind.(type) {
	case *preSocket:
		return false, wasi.ErrnoNotconn
	case *closedSocket:
		return false, wasi.ErrnoIo
	case *tcpListener:
		return false, wasi.ErrnoNotsup
	}
	if s.silenceWriteReady {
		return false, wasi.ErrnoSuccess
	}
	s.silenceWriteReady = true
	return true, wasi.ErrnoSuccess
}

// PollReadReady reports whether buffered data is already available.
func (s *InodeSocket) PollReadReady() (bool, wasi.Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.kind.(type) {
	case *preSocket:
		return false, wasi.ErrnoNotconn
	case *closedSocket:
		return false, wasi.ErrnoIo
	}
	return len(s.readBuffer) > 0, wasi.ErrnoSuccess
}
