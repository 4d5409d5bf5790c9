package wasi

// AddressFamily is the protocol family of a socket.
type AddressFamily uint8

const (
	AddressFamilyUnspec AddressFamily = iota
	AddressFamilyInet4
	AddressFamilyInet6
	AddressFamilyUnix
)

func (f AddressFamily) String() string {
	switch f {
	case AddressFamilyInet4:
		return "inet4"
	case AddressFamilyInet6:
		return "inet6"
	case AddressFamilyUnix:
		return "unix"
	default:
		return "unspec"
	}
}

// SocketType is the shape of a socket's data flow.
type SocketType uint8

const (
	SocketTypeUnknown SocketType = iota
	SocketTypeStream
	SocketTypeDgram
	SocketTypeRaw
	SocketTypeSeqpacket
)

func (t SocketType) String() string {
	switch t {
	case SocketTypeStream:
		return "stream"
	case SocketTypeDgram:
		return "dgram"
	case SocketTypeRaw:
		return "raw"
	case SocketTypeSeqpacket:
		return "seqpacket"
	default:
		return "unknown"
	}
}

// Protocol is the transport protocol of a socket.
type Protocol uint16

const (
	ProtocolIP Protocol = iota
	ProtocolICMP
	ProtocolTCP
	ProtocolUDP
)

// Shutdown selects which directions of a socket to tear down.
type Shutdown uint8

const (
	ShutdownRead  Shutdown = 1 << 0
	ShutdownWrite Shutdown = 1 << 1
	ShutdownBoth           = ShutdownRead | ShutdownWrite
)

// SockOption identifies a socket option for sock_get_opt/sock_set_opt.
type SockOption uint16

const (
	SockOptionNoop SockOption = iota
	SockOptionReusePort
	SockOptionReuseAddr
	SockOptionNoDelay
	SockOptionDontRoute
	SockOptionOnlyV6
	SockOptionBroadcast
	SockOptionMulticastLoopV4
	SockOptionMulticastLoopV6
	SockOptionPromiscuous
	SockOptionListening
	SockOptionLastError
	SockOptionKeepAlive
	SockOptionLinger
	SockOptionOobInline
	SockOptionRecvBufSize
	SockOptionSendBufSize
	SockOptionRecvLowat
	SockOptionSendLowat
	SockOptionRecvTimeout
	SockOptionSendTimeout
	SockOptionConnectTimeout
	SockOptionAcceptTimeout
	SockOptionTTL
	SockOptionMulticastTTLV4
	SockOptionType
	SockOptionProto
)

// TimeType names which timeout a time-valued socket option addresses.
type TimeType uint8

const (
	TimeTypeReadTimeout TimeType = iota
	TimeTypeWriteTimeout
	TimeTypeAcceptTimeout
	TimeTypeConnectTimeout
	TimeTypeLinger
)

func (t TimeType) String() string {
	switch t {
	case TimeTypeReadTimeout:
		return "read-timeout"
	case TimeTypeWriteTimeout:
		return "write-timeout"
	case TimeTypeAcceptTimeout:
		return "accept-timeout"
	case TimeTypeConnectTimeout:
		return "connect-timeout"
	case TimeTypeLinger:
		return "linger"
	default:
		return "unknown"
	}
}
