package journal

import "github.com/pgavlin/wharf/wasi"

// The on-wire form of every journal-visible enum is a hand-maintained V1
// mirror with an explicit Unknown fallback. The live enums may grow new
// cases; old logs stay readable because unknown wire values decode to the
// fallback instead of failing, and known values map exactly.

const v1Unknown = 0xff

// WhenceV1 mirrors wasi.Whence.
type WhenceV1 uint8

const (
	WhenceV1Set WhenceV1 = iota
	WhenceV1Cur
	WhenceV1End
	WhenceV1Unknown WhenceV1 = v1Unknown
)

func whenceToV1(w wasi.Whence) WhenceV1 {
	switch w {
	case wasi.WhenceSet:
		return WhenceV1Set
	case wasi.WhenceCur:
		return WhenceV1Cur
	case wasi.WhenceEnd:
		return WhenceV1End
	default:
		return WhenceV1Unknown
	}
}

func whenceFromV1(v WhenceV1) wasi.Whence {
	switch v {
	case WhenceV1Set:
		return wasi.WhenceSet
	case WhenceV1Cur:
		return wasi.WhenceCur
	case WhenceV1End:
		return wasi.WhenceEnd
	default:
		return wasi.WhenceSet
	}
}

// ClockidV1 mirrors wasi.Clockid.
type ClockidV1 uint8

const (
	ClockidV1Realtime ClockidV1 = iota
	ClockidV1Monotonic
	ClockidV1ProcessCputimeID
	ClockidV1ThreadCputimeID
	ClockidV1Unknown ClockidV1 = v1Unknown
)

func clockidToV1(c wasi.Clockid) ClockidV1 {
	switch c {
	case wasi.ClockRealtime:
		return ClockidV1Realtime
	case wasi.ClockMonotonic:
		return ClockidV1Monotonic
	case wasi.ClockProcessCputimeID:
		return ClockidV1ProcessCputimeID
	case wasi.ClockThreadCputimeID:
		return ClockidV1ThreadCputimeID
	default:
		return ClockidV1Unknown
	}
}

func clockidFromV1(v ClockidV1) wasi.Clockid {
	switch v {
	case ClockidV1Realtime:
		return wasi.ClockRealtime
	case ClockidV1Monotonic:
		return wasi.ClockMonotonic
	case ClockidV1ProcessCputimeID:
		return wasi.ClockProcessCputimeID
	case ClockidV1ThreadCputimeID:
		return wasi.ClockThreadCputimeID
	default:
		return wasi.ClockRealtime
	}
}

// AdviceV1 mirrors wasi.Advice.
type AdviceV1 uint8

const (
	AdviceV1Normal AdviceV1 = iota
	AdviceV1Sequential
	AdviceV1Random
	AdviceV1Willneed
	AdviceV1Dontneed
	AdviceV1Noreuse
	AdviceV1Unknown AdviceV1 = v1Unknown
)

func adviceToV1(a wasi.Advice) AdviceV1 {
	switch a {
	case wasi.AdviceNormal:
		return AdviceV1Normal
	case wasi.AdviceSequential:
		return AdviceV1Sequential
	case wasi.AdviceRandom:
		return AdviceV1Random
	case wasi.AdviceWillneed:
		return AdviceV1Willneed
	case wasi.AdviceDontneed:
		return AdviceV1Dontneed
	case wasi.AdviceNoreuse:
		return AdviceV1Noreuse
	default:
		return AdviceV1Unknown
	}
}

func adviceFromV1(v AdviceV1) wasi.Advice {
	switch v {
	case AdviceV1Sequential:
		return wasi.AdviceSequential
	case AdviceV1Random:
		return wasi.AdviceRandom
	case AdviceV1Willneed:
		return wasi.AdviceWillneed
	case AdviceV1Dontneed:
		return wasi.AdviceDontneed
	case AdviceV1Noreuse:
		return wasi.AdviceNoreuse
	default:
		return wasi.AdviceNormal
	}
}

// AddressFamilyV1 mirrors wasi.AddressFamily.
type AddressFamilyV1 uint8

const (
	AddressFamilyV1Unspec AddressFamilyV1 = iota
	AddressFamilyV1Inet4
	AddressFamilyV1Inet6
	AddressFamilyV1Unix
	AddressFamilyV1Unknown AddressFamilyV1 = v1Unknown
)

func addressFamilyToV1(f wasi.AddressFamily) AddressFamilyV1 {
	switch f {
	case wasi.AddressFamilyUnspec:
		return AddressFamilyV1Unspec
	case wasi.AddressFamilyInet4:
		return AddressFamilyV1Inet4
	case wasi.AddressFamilyInet6:
		return AddressFamilyV1Inet6
	case wasi.AddressFamilyUnix:
		return AddressFamilyV1Unix
	default:
		return AddressFamilyV1Unknown
	}
}

func addressFamilyFromV1(v AddressFamilyV1) wasi.AddressFamily {
	switch v {
	case AddressFamilyV1Inet4:
		return wasi.AddressFamilyInet4
	case AddressFamilyV1Inet6:
		return wasi.AddressFamilyInet6
	case AddressFamilyV1Unix:
		return wasi.AddressFamilyUnix
	default:
		return wasi.AddressFamilyUnspec
	}
}

// SocketTypeV1 mirrors wasi.SocketType.
type SocketTypeV1 uint8

const (
	SocketTypeV1Unknown SocketTypeV1 = iota
	SocketTypeV1Stream
	SocketTypeV1Dgram
	SocketTypeV1Raw
	SocketTypeV1Seqpacket
)

func socketTypeToV1(t wasi.SocketType) SocketTypeV1 {
	switch t {
	case wasi.SocketTypeStream:
		return SocketTypeV1Stream
	case wasi.SocketTypeDgram:
		return SocketTypeV1Dgram
	case wasi.SocketTypeRaw:
		return SocketTypeV1Raw
	case wasi.SocketTypeSeqpacket:
		return SocketTypeV1Seqpacket
	default:
		return SocketTypeV1Unknown
	}
}

func socketTypeFromV1(v SocketTypeV1) wasi.SocketType {
	switch v {
	case SocketTypeV1Stream:
		return wasi.SocketTypeStream
	case SocketTypeV1Dgram:
		return wasi.SocketTypeDgram
	case SocketTypeV1Raw:
		return wasi.SocketTypeRaw
	case SocketTypeV1Seqpacket:
		return wasi.SocketTypeSeqpacket
	default:
		return wasi.SocketTypeUnknown
	}
}

// ShutdownV1 mirrors wasi.Shutdown.
type ShutdownV1 uint8

const (
	ShutdownV1Read ShutdownV1 = iota + 1
	ShutdownV1Write
	ShutdownV1Both
	ShutdownV1Unknown ShutdownV1 = v1Unknown
)

func shutdownToV1(h wasi.Shutdown) ShutdownV1 {
	switch h {
	case wasi.ShutdownRead:
		return ShutdownV1Read
	case wasi.ShutdownWrite:
		return ShutdownV1Write
	case wasi.ShutdownBoth:
		return ShutdownV1Both
	default:
		return ShutdownV1Unknown
	}
}

func shutdownFromV1(v ShutdownV1) wasi.Shutdown {
	switch v {
	case ShutdownV1Read:
		return wasi.ShutdownRead
	case ShutdownV1Write:
		return wasi.ShutdownWrite
	default:
		return wasi.ShutdownBoth
	}
}

// SockOptionV1 mirrors wasi.SockOption.
type SockOptionV1 uint16

const SockOptionV1Unknown SockOptionV1 = 0xffff

func sockOptionToV1(o wasi.SockOption) SockOptionV1 {
	if o > wasi.SockOptionProto {
		return SockOptionV1Unknown
	}
	return SockOptionV1(o)
}

func sockOptionFromV1(v SockOptionV1) wasi.SockOption {
	if v == SockOptionV1Unknown || wasi.SockOption(v) > wasi.SockOptionProto {
		return wasi.SockOptionNoop
	}
	return wasi.SockOption(v)
}

// TimeTypeV1 mirrors wasi.TimeType.
type TimeTypeV1 uint8

const (
	TimeTypeV1ReadTimeout TimeTypeV1 = iota
	TimeTypeV1WriteTimeout
	TimeTypeV1AcceptTimeout
	TimeTypeV1ConnectTimeout
	TimeTypeV1Linger
	TimeTypeV1Unknown TimeTypeV1 = v1Unknown
)

func timeTypeToV1(t wasi.TimeType) TimeTypeV1 {
	switch t {
	case wasi.TimeTypeReadTimeout:
		return TimeTypeV1ReadTimeout
	case wasi.TimeTypeWriteTimeout:
		return TimeTypeV1WriteTimeout
	case wasi.TimeTypeAcceptTimeout:
		return TimeTypeV1AcceptTimeout
	case wasi.TimeTypeConnectTimeout:
		return TimeTypeV1ConnectTimeout
	case wasi.TimeTypeLinger:
		return TimeTypeV1Linger
	default:
		return TimeTypeV1Unknown
	}
}

func timeTypeFromV1(v TimeTypeV1) wasi.TimeType {
	switch v {
	case TimeTypeV1WriteTimeout:
		return wasi.TimeTypeWriteTimeout
	case TimeTypeV1AcceptTimeout:
		return wasi.TimeTypeAcceptTimeout
	case TimeTypeV1ConnectTimeout:
		return wasi.TimeTypeConnectTimeout
	case TimeTypeV1Linger:
		return wasi.TimeTypeLinger
	default:
		return wasi.TimeTypeReadTimeout
	}
}

// SnapshotTriggerV1 mirrors SnapshotTrigger.
type SnapshotTriggerV1 uint8

const SnapshotTriggerV1Unknown SnapshotTriggerV1 = v1Unknown

func snapshotTriggerToV1(t SnapshotTrigger) SnapshotTriggerV1 {
	if t > TriggerTransaction {
		return SnapshotTriggerV1Unknown
	}
	return SnapshotTriggerV1(t)
}

func snapshotTriggerFromV1(v SnapshotTriggerV1) SnapshotTrigger {
	if v == SnapshotTriggerV1Unknown || SnapshotTrigger(v) > TriggerTransaction {
		return TriggerExplicit
	}
	return SnapshotTrigger(v)
}

// ThreadStartTypeV1 mirrors ThreadStartType.
type ThreadStartTypeV1 uint8

const (
	ThreadStartTypeV1Main ThreadStartTypeV1 = iota
	ThreadStartTypeV1Spawn
	ThreadStartTypeV1Unknown ThreadStartTypeV1 = v1Unknown
)

func threadStartToV1(t ThreadStartType) ThreadStartTypeV1 {
	switch t {
	case ThreadStartMain:
		return ThreadStartTypeV1Main
	case ThreadStartSpawn:
		return ThreadStartTypeV1Spawn
	default:
		return ThreadStartTypeV1Unknown
	}
}

func threadStartFromV1(v ThreadStartTypeV1) ThreadStartType {
	if v == ThreadStartTypeV1Spawn {
		return ThreadStartSpawn
	}
	return ThreadStartMain
}

// EpollCtlOpV1 mirrors EpollCtlOp.
type EpollCtlOpV1 uint8

const (
	EpollCtlOpV1Add EpollCtlOpV1 = iota + 1
	EpollCtlOpV1Mod
	EpollCtlOpV1Del
	EpollCtlOpV1Unknown EpollCtlOpV1 = v1Unknown
)

func epollCtlOpToV1(op EpollCtlOp) EpollCtlOpV1 {
	switch op {
	case EpollCtlAdd:
		return EpollCtlOpV1Add
	case EpollCtlMod:
		return EpollCtlOpV1Mod
	case EpollCtlDel:
		return EpollCtlOpV1Del
	default:
		return EpollCtlOpV1Unknown
	}
}

func epollCtlOpFromV1(v EpollCtlOpV1) EpollCtlOp {
	switch v {
	case EpollCtlOpV1Mod:
		return EpollCtlMod
	case EpollCtlOpV1Del:
		return EpollCtlDel
	default:
		return EpollCtlAdd
	}
}
