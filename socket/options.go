package socket

import (
	"time"

	"github.com/pgavlin/wharf/wasi"
)

// SetOptFlag sets a boolean socket option. Options set on a pre-socket
// are staged and applied when the socket commits to a concrete kind;
// options meaningless for the current kind fail Inval and options no kind
// supports fail Notsup.
func (s *InodeSocket) SetOptFlag(opt wasi.SockOption, v bool) wasi.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch k := s.kind.(type) {
	case *preSocket:
		switch opt {
		case wasi.SockOptionNoDelay:
			k.noDelay = v
		case wasi.SockOptionKeepAlive:
			k.keepAlive = v
		case wasi.SockOptionReuseAddr:
			k.reuseAddr = v
		case wasi.SockOptionReusePort:
			k.reusePort = v
		case wasi.SockOptionOnlyV6:
			k.onlyV6 = v
		case wasi.SockOptionNoop:
			// nothing
		default:
			return wasi.ErrnoNotsup
		}
		return wasi.ErrnoSuccess

	case *tcpStream:
		switch opt {
		case wasi.SockOptionNoDelay:
			k.noDelay = v
			if err := k.conn.SetNoDelay(v); err != nil {
				return wasi.ErrnoIo
			}
		case wasi.SockOptionKeepAlive:
			k.keepAlive = v
			if err := k.conn.SetKeepAlive(v); err != nil {
				return wasi.ErrnoIo
			}
		case wasi.SockOptionPromiscuous:
			return wasi.ErrnoInval
		case wasi.SockOptionNoop:
		default:
			return wasi.ErrnoNotsup
		}
		return wasi.ErrnoSuccess

	case *rawSocket:
		switch opt {
		case wasi.SockOptionPromiscuous:
			k.promiscuous = v
			return wasi.ErrnoSuccess
		case wasi.SockOptionNoop:
			return wasi.ErrnoSuccess
		default:
			return wasi.ErrnoNotsup
		}

	case *closedSocket:
		return wasi.ErrnoIo
	default:
		switch opt {
		case wasi.SockOptionNoop:
			return wasi.ErrnoSuccess
		case wasi.SockOptionNoDelay, wasi.SockOptionKeepAlive, wasi.SockOptionPromiscuous:
			return wasi.ErrnoInval
		default:
			return wasi.ErrnoNotsup
		}
	}
}

// GetOptFlag reads a boolean socket option.
func (s *InodeSocket) GetOptFlag(opt wasi.SockOption) (bool, wasi.Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch k := s.kind.(type) {
	case *preSocket:
		switch opt {
		case wasi.SockOptionNoDelay:
			return k.noDelay, wasi.ErrnoSuccess
		case wasi.SockOptionKeepAlive:
			return k.keepAlive, wasi.ErrnoSuccess
		case wasi.SockOptionReuseAddr:
			return k.reuseAddr, wasi.ErrnoSuccess
		case wasi.SockOptionReusePort:
			return k.reusePort, wasi.ErrnoSuccess
		case wasi.SockOptionOnlyV6:
			return k.onlyV6, wasi.ErrnoSuccess
		case wasi.SockOptionListening:
			return false, wasi.ErrnoSuccess
		default:
			return false, wasi.ErrnoNotsup
		}
	case *tcpStream:
		switch opt {
		case wasi.SockOptionNoDelay:
			return k.noDelay, wasi.ErrnoSuccess
		case wasi.SockOptionKeepAlive:
			return k.keepAlive, wasi.ErrnoSuccess
		case wasi.SockOptionListening:
			return false, wasi.ErrnoSuccess
		case wasi.SockOptionPromiscuous:
			return false, wasi.ErrnoInval
		default:
			return false, wasi.ErrnoNotsup
		}
	case *tcpListener:
		switch opt {
		case wasi.SockOptionListening:
			return true, wasi.ErrnoSuccess
		default:
			return false, wasi.ErrnoNotsup
		}
	case *rawSocket:
		switch opt {
		case wasi.SockOptionPromiscuous:
			return k.promiscuous, wasi.ErrnoSuccess
		case wasi.SockOptionListening:
			return false, wasi.ErrnoSuccess
		default:
			return false, wasi.ErrnoNotsup
		}
	case *closedSocket:
		return false, wasi.ErrnoIo
	default:
		switch opt {
		case wasi.SockOptionListening:
			return false, wasi.ErrnoSuccess
		default:
			return false, wasi.ErrnoNotsup
		}
	}
}

// SetOptTime sets a timeout-valued option. A nil duration clears the
// timeout; a zero duration means non-blocking.
func (s *InodeSocket) SetOptTime(ty wasi.TimeType, d *time.Duration) wasi.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch k := s.kind.(type) {
	case *preSocket:
		switch ty {
		case wasi.TimeTypeReadTimeout:
			k.recvTimeout = d
		case wasi.TimeTypeWriteTimeout:
			k.sendTimeout = d
		case wasi.TimeTypeConnectTimeout:
			k.connectTimeout = d
		case wasi.TimeTypeAcceptTimeout:
			k.acceptTimeout = d
		case wasi.TimeTypeLinger:
			k.linger = d
		default:
			return wasi.ErrnoInval
		}
		return wasi.ErrnoSuccess
	case *tcpStream:
		switch ty {
		case wasi.TimeTypeReadTimeout:
			k.recvTimeout = d
		case wasi.TimeTypeWriteTimeout:
			k.sendTimeout = d
		case wasi.TimeTypeLinger:
			k.linger = d
		default:
			return wasi.ErrnoInval
		}
		return wasi.ErrnoSuccess
	case *tcpListener:
		if ty != wasi.TimeTypeAcceptTimeout {
			return wasi.ErrnoInval
		}
		k.acceptTimeout = d
		return wasi.ErrnoSuccess
	case *udpSocket:
		switch ty {
		case wasi.TimeTypeReadTimeout:
			k.recvTimeout = d
		case wasi.TimeTypeWriteTimeout:
			k.sendTimeout = d
		default:
			return wasi.ErrnoInval
		}
		return wasi.ErrnoSuccess
	case *closedSocket:
		return wasi.ErrnoIo
	default:
		return wasi.ErrnoNotsup
	}
}

// GetOptTime reads a timeout-valued option. A nil result means the
// timeout is unset.
func (s *InodeSocket) GetOptTime(ty wasi.TimeType) (*time.Duration, wasi.Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch k := s.kind.(type) {
	case *preSocket:
		switch ty {
		case wasi.TimeTypeReadTimeout:
			return k.recvTimeout, wasi.ErrnoSuccess
		case wasi.TimeTypeWriteTimeout:
			return k.sendTimeout, wasi.ErrnoSuccess
		case wasi.TimeTypeConnectTimeout:
			return k.connectTimeout, wasi.ErrnoSuccess
		case wasi.TimeTypeAcceptTimeout:
			return k.acceptTimeout, wasi.ErrnoSuccess
		case wasi.TimeTypeLinger:
			return k.linger, wasi.ErrnoSuccess
		default:
			return nil, wasi.ErrnoInval
		}
	case *tcpStream:
		switch ty {
		case wasi.TimeTypeReadTimeout:
			return k.recvTimeout, wasi.ErrnoSuccess
		case wasi.TimeTypeWriteTimeout:
			return k.sendTimeout, wasi.ErrnoSuccess
		case wasi.TimeTypeLinger:
			return k.linger, wasi.ErrnoSuccess
		default:
			return nil, wasi.ErrnoInval
		}
	case *tcpListener:
		if ty != wasi.TimeTypeAcceptTimeout {
			return nil, wasi.ErrnoInval
		}
		return k.acceptTimeout, wasi.ErrnoSuccess
	case *udpSocket:
		switch ty {
		case wasi.TimeTypeReadTimeout:
			return k.recvTimeout, wasi.ErrnoSuccess
		case wasi.TimeTypeWriteTimeout:
			return k.sendTimeout, wasi.ErrnoSuccess
		default:
			return nil, wasi.ErrnoInval
		}
	case *closedSocket:
		return nil, wasi.ErrnoIo
	default:
		return nil, wasi.ErrnoNotsup
	}
}
