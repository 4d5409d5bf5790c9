// Package journal records every state-mutating operation of a guest as an
// append-only sequence of versioned entries. Replaying the sequence in
// order reconstructs the filesystem, socket, and thread state
// deterministically.
package journal

import (
	"net"
	"time"

	"github.com/pgavlin/wharf/wasi"
)

// EntryType tags the wire form of an entry. Values are part of the log
// format and must never be renumbered.
type EntryType uint16

const (
	TypeInitModule EntryType = iota + 1
	TypeClearEthereal
	TypeProcessExit
	TypeSetThread
	TypeCloseThread
	TypeFileDescriptorSeek
	TypeFileDescriptorWrite
	TypeUpdateMemoryRegion
	TypeSetClockTime
	TypeOpenFileDescriptor
	TypeCloseFileDescriptor
	TypeRenumberFileDescriptor
	TypeDuplicateFileDescriptor
	TypeCreateDirectory
	TypeRemoveDirectory
	TypePathSetTimes
	TypeFileDescriptorSetFlags
	TypeFileDescriptorSetRights
	TypeFileDescriptorSetTimes
	TypeFileDescriptorSetSize
	TypeFileDescriptorAdvise
	TypeFileDescriptorAllocate
	TypeCreateHardLink
	TypeCreateSymbolicLink
	TypeUnlinkFile
	TypePathRename
	TypeChangeDirectory
	TypeEpollCreate
	TypeEpollCtl
	TypeTtySet
	TypeCreatePipe
	TypeCreateEvent
	TypeSnapshot
	TypeSocketOpen
	TypeSocketListen
	TypeSocketBind
	TypeSocketConnected
	TypeSocketAccepted
	TypeSocketJoinIPv4Multicast
	TypeSocketJoinIPv6Multicast
	TypeSocketLeaveIPv4Multicast
	TypeSocketLeaveIPv6Multicast
	TypeSocketSendFile
	TypeSocketSendTo
	TypeSocketSend
	TypeSocketSetOptFlag
	TypeSocketSetOptSize
	TypeSocketSetOptTime
	TypeSocketShutdown
	TypeSocketPair
	TypePortAddAddr
	TypePortDelAddr
	TypePortAddrClear
	TypePortBridge
	TypePortUnbridge
	TypePortRouteAdd
	TypePortRouteDel
	TypePortRouteClear
	TypePortGatewaySet
)

// Entry is one journal record. Implementations are the variant structs in
// this file; the set is closed.
type Entry interface {
	Type() EntryType
}

// SnapshotTrigger names the condition that caused a snapshot entry.
type SnapshotTrigger uint8

const (
	// TriggerIdle fires only when every thread of the process is
	// simultaneously deep-sleeping.
	TriggerIdle SnapshotTrigger = iota
	TriggerFirstListen
	TriggerFirstEnviron
	TriggerFirstStdin
	TriggerPeriodicInterval
	TriggerSigint
	TriggerSigalrm
	TriggerSigtstp
	TriggerSigstop
	TriggerNonDeterministicCall
	TriggerExplicit
	TriggerBootstrap
	TriggerTransaction
)

func (t SnapshotTrigger) String() string {
	switch t {
	case TriggerIdle:
		return "idle"
	case TriggerFirstListen:
		return "first-listen"
	case TriggerFirstEnviron:
		return "first-environ"
	case TriggerFirstStdin:
		return "first-stdin"
	case TriggerPeriodicInterval:
		return "periodic"
	case TriggerSigint:
		return "sigint"
	case TriggerSigalrm:
		return "sigalrm"
	case TriggerSigtstp:
		return "sigtstp"
	case TriggerSigstop:
		return "sigstop"
	case TriggerNonDeterministicCall:
		return "non-deterministic-call"
	case TriggerExplicit:
		return "explicit"
	case TriggerBootstrap:
		return "bootstrap"
	case TriggerTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// ThreadStartType records how a guest thread began execution.
type ThreadStartType uint8

const (
	ThreadStartMain ThreadStartType = iota
	ThreadStartSpawn
)

// MemoryLayout describes the guest stack region of a thread snapshot.
type MemoryLayout struct {
	StackUpper uint64
	StackLower uint64
	GuardSize  uint64
	StackSize  uint64
}

// EpollCtlOp is the operation of an epoll_ctl call.
type EpollCtlOp uint8

const (
	EpollCtlAdd EpollCtlOp = iota + 1
	EpollCtlMod
	EpollCtlDel
)

// InitModule marks the start of a journal for one guest module.
type InitModule struct {
	WasmHash []byte
}

// ClearEthereal marks that all ephemeral (non-persisted) state was reset.
type ClearEthereal struct{}

// ProcessExit records guest process termination.
type ProcessExit struct {
	HasCode bool
	Code    wasi.ExitCode
}

// SetThread captures a full thread execution snapshot: enough to resume
// the thread exactly where it suspended.
type SetThread struct {
	ID          uint32
	CallStack   []byte
	MemoryStack []byte
	StoreData   []byte
	Start       ThreadStartType
	StartPtr    uint64
	Layout      MemoryLayout
	Is64Bit     bool
}

// CloseThread records guest thread exit.
type CloseThread struct {
	ID      uint32
	HasCode bool
	Code    wasi.ExitCode
}

type FileDescriptorSeek struct {
	Fd     int32
	Offset int64
	Whence wasi.Whence
}

type FileDescriptorWrite struct {
	Fd     int32
	Offset uint64
	Data   []byte
}

// UpdateMemoryRegion records a mutated guest memory range. The payload is
// compressed on the wire.
type UpdateMemoryRegion struct {
	Start uint64
	End   uint64
	Data  []byte
}

type SetClockTime struct {
	Clock wasi.Clockid
	Time  int64
}

type OpenFileDescriptor struct {
	Fd               int32
	DirFd            int32
	Dirflags         wasi.Lookupflags
	Path             string
	OFlags           wasi.Oflags
	Rights           wasi.Rights
	RightsInheriting wasi.Rights
	Fdflags          wasi.Fdflags
}

type CloseFileDescriptor struct {
	Fd int32
}

type RenumberFileDescriptor struct {
	OldFd int32
	NewFd int32
}

type DuplicateFileDescriptor struct {
	OriginalFd int32
	CopiedFd   int32
}

type CreateDirectory struct {
	Fd   int32
	Path string
}

type RemoveDirectory struct {
	Fd   int32
	Path string
}

type PathSetTimes struct {
	Fd       int32
	Dirflags wasi.Lookupflags
	Path     string
	Atime    wasi.Timestamp
	Mtime    wasi.Timestamp
	Flags    wasi.Fstflags
}

type FileDescriptorSetFlags struct {
	Fd    int32
	Flags wasi.Fdflags
}

type FileDescriptorSetRights struct {
	Fd               int32
	Rights           wasi.Rights
	RightsInheriting wasi.Rights
}

type FileDescriptorSetTimes struct {
	Fd    int32
	Atime wasi.Timestamp
	Mtime wasi.Timestamp
	Flags wasi.Fstflags
}

type FileDescriptorSetSize struct {
	Fd   int32
	Size uint64
}

type FileDescriptorAdvise struct {
	Fd     int32
	Offset uint64
	Len    uint64
	Advice wasi.Advice
}

type FileDescriptorAllocate struct {
	Fd     int32
	Offset uint64
	Len    uint64
}

type CreateHardLink struct {
	OldFd    int32
	OldPath  string
	OldFlags wasi.Lookupflags
	NewFd    int32
	NewPath  string
}

type CreateSymbolicLink struct {
	OldPath string
	Fd      int32
	NewPath string
}

type UnlinkFile struct {
	Fd   int32
	Path string
}

type PathRename struct {
	OldFd   int32
	OldPath string
	NewFd   int32
	NewPath string
}

type ChangeDirectory struct {
	Path string
}

type EpollCreate struct {
	Fd int32
}

type EpollCtl struct {
	EpFd   int32
	Op     EpollCtlOp
	Fd     int32
	Events uint32
}

// TtySet records a terminal-state change.
type TtySet struct {
	Cols         uint32
	Rows         uint32
	StdinTty     bool
	StdoutTty    bool
	StderrTty    bool
	Echo         bool
	LineBuffered bool
	LineFeeds    bool
}

type CreatePipe struct {
	ReadFd  int32
	WriteFd int32
}

type CreateEvent struct {
	InitialVal uint64
	Flags      uint16
	Fd         int32
}

// Snapshot marks a consistency point in the journal.
type Snapshot struct {
	When    time.Time
	Trigger SnapshotTrigger
}

type SocketOpen struct {
	Family wasi.AddressFamily
	Ty     wasi.SocketType
	Proto  wasi.Protocol
	Fd     int32
}

type SocketListen struct {
	Fd      int32
	Backlog uint32
}

type SocketBind struct {
	Fd   int32
	IP   net.IP
	Port uint16
}

type SocketConnected struct {
	Fd        int32
	LocalIP   net.IP
	LocalPort uint16
	PeerIP    net.IP
	PeerPort  uint16
}

type SocketAccepted struct {
	ListenFd    int32
	Fd          int32
	PeerIP      net.IP
	PeerPort    uint16
	Fdflags     wasi.Fdflags
	NonBlocking bool
}

type SocketJoinIPv4Multicast struct {
	Fd        int32
	Multiaddr net.IP
	Iface     net.IP
}

type SocketJoinIPv6Multicast struct {
	Fd        int32
	Multiaddr net.IP
	Iface     uint32
}

type SocketLeaveIPv4Multicast struct {
	Fd        int32
	Multiaddr net.IP
	Iface     net.IP
}

type SocketLeaveIPv6Multicast struct {
	Fd        int32
	Multiaddr net.IP
	Iface     uint32
}

type SocketSendFile struct {
	SocketFd int32
	FileFd   int32
	Offset   uint64
	Count    uint64
	Sent     uint64
}

type SocketSendTo struct {
	Fd    int32
	Data  []byte
	Flags uint16
	IP    net.IP
	Port  uint16
}

type SocketSend struct {
	Fd    int32
	Data  []byte
	Flags uint16
}

type SocketSetOptFlag struct {
	Fd   int32
	Opt  wasi.SockOption
	Flag bool
}

type SocketSetOptSize struct {
	Fd   int32
	Opt  wasi.SockOption
	Size uint64
}

type SocketSetOptTime struct {
	Fd      int32
	Ty      wasi.TimeType
	HasTime bool
	Time    time.Duration
}

type SocketShutdown struct {
	Fd  int32
	How wasi.Shutdown
}

type SocketPair struct {
	Fd1 int32
	Fd2 int32
}

type PortAddAddr struct {
	IP        net.IP
	PrefixLen uint8
}

type PortDelAddr struct {
	IP net.IP
}

type PortAddrClear struct{}

type PortBridge struct {
	Network  string
	Token    string
	Security uint8
}

type PortUnbridge struct{}

type PortRouteAdd struct {
	IP             net.IP
	PrefixLen      uint8
	ViaRouter      net.IP
	HasPreferred   bool
	PreferredUntil time.Duration
	HasExpires     bool
	ExpiresAt      time.Duration
}

type PortRouteDel struct {
	IP net.IP
}

type PortRouteClear struct{}

type PortGatewaySet struct {
	IP net.IP
}

// Unknown preserves a record whose type this build does not recognize.
// It round-trips losslessly so newer logs survive re-encoding by older
// tools.
type Unknown struct {
	Tag     uint16
	Payload []byte
}

// TypeUnknown is never written by this build; it tags records preserved
// from a future format revision.
const TypeUnknown EntryType = 0

func (*Unknown) Type() EntryType { return TypeUnknown }

func (*InitModule) Type() EntryType               { return TypeInitModule }
func (*ClearEthereal) Type() EntryType            { return TypeClearEthereal }
func (*ProcessExit) Type() EntryType              { return TypeProcessExit }
func (*SetThread) Type() EntryType                { return TypeSetThread }
func (*CloseThread) Type() EntryType              { return TypeCloseThread }
func (*FileDescriptorSeek) Type() EntryType       { return TypeFileDescriptorSeek }
func (*FileDescriptorWrite) Type() EntryType      { return TypeFileDescriptorWrite }
func (*UpdateMemoryRegion) Type() EntryType       { return TypeUpdateMemoryRegion }
func (*SetClockTime) Type() EntryType             { return TypeSetClockTime }
func (*OpenFileDescriptor) Type() EntryType       { return TypeOpenFileDescriptor }
func (*CloseFileDescriptor) Type() EntryType      { return TypeCloseFileDescriptor }
func (*RenumberFileDescriptor) Type() EntryType   { return TypeRenumberFileDescriptor }
func (*DuplicateFileDescriptor) Type() EntryType  { return TypeDuplicateFileDescriptor }
func (*CreateDirectory) Type() EntryType          { return TypeCreateDirectory }
func (*RemoveDirectory) Type() EntryType          { return TypeRemoveDirectory }
func (*PathSetTimes) Type() EntryType             { return TypePathSetTimes }
func (*FileDescriptorSetFlags) Type() EntryType   { return TypeFileDescriptorSetFlags }
func (*FileDescriptorSetRights) Type() EntryType  { return TypeFileDescriptorSetRights }
func (*FileDescriptorSetTimes) Type() EntryType   { return TypeFileDescriptorSetTimes }
func (*FileDescriptorSetSize) Type() EntryType    { return TypeFileDescriptorSetSize }
func (*FileDescriptorAdvise) Type() EntryType     { return TypeFileDescriptorAdvise }
func (*FileDescriptorAllocate) Type() EntryType   { return TypeFileDescriptorAllocate }
func (*CreateHardLink) Type() EntryType           { return TypeCreateHardLink }
func (*CreateSymbolicLink) Type() EntryType       { return TypeCreateSymbolicLink }
func (*UnlinkFile) Type() EntryType               { return TypeUnlinkFile }
func (*PathRename) Type() EntryType               { return TypePathRename }
func (*ChangeDirectory) Type() EntryType          { return TypeChangeDirectory }
func (*EpollCreate) Type() EntryType              { return TypeEpollCreate }
func (*EpollCtl) Type() EntryType                 { return TypeEpollCtl }
func (*TtySet) Type() EntryType                   { return TypeTtySet }
func (*CreatePipe) Type() EntryType               { return TypeCreatePipe }
func (*CreateEvent) Type() EntryType              { return TypeCreateEvent }
func (*Snapshot) Type() EntryType                 { return TypeSnapshot }
func (*SocketOpen) Type() EntryType               { return TypeSocketOpen }
func (*SocketListen) Type() EntryType             { return TypeSocketListen }
func (*SocketBind) Type() EntryType               { return TypeSocketBind }
func (*SocketConnected) Type() EntryType          { return TypeSocketConnected }
func (*SocketAccepted) Type() EntryType           { return TypeSocketAccepted }
func (*SocketJoinIPv4Multicast) Type() EntryType  { return TypeSocketJoinIPv4Multicast }
func (*SocketJoinIPv6Multicast) Type() EntryType  { return TypeSocketJoinIPv6Multicast }
func (*SocketLeaveIPv4Multicast) Type() EntryType { return TypeSocketLeaveIPv4Multicast }
func (*SocketLeaveIPv6Multicast) Type() EntryType { return TypeSocketLeaveIPv6Multicast }
func (*SocketSendFile) Type() EntryType           { return TypeSocketSendFile }
func (*SocketSendTo) Type() EntryType             { return TypeSocketSendTo }
func (*SocketSend) Type() EntryType               { return TypeSocketSend }
func (*SocketSetOptFlag) Type() EntryType         { return TypeSocketSetOptFlag }
func (*SocketSetOptSize) Type() EntryType         { return TypeSocketSetOptSize }
func (*SocketSetOptTime) Type() EntryType         { return TypeSocketSetOptTime }
func (*SocketShutdown) Type() EntryType           { return TypeSocketShutdown }
func (*SocketPair) Type() EntryType               { return TypeSocketPair }
func (*PortAddAddr) Type() EntryType              { return TypePortAddAddr }
func (*PortDelAddr) Type() EntryType              { return TypePortDelAddr }
func (*PortAddrClear) Type() EntryType            { return TypePortAddrClear }
func (*PortBridge) Type() EntryType               { return TypePortBridge }
func (*PortUnbridge) Type() EntryType             { return TypePortUnbridge }
func (*PortRouteAdd) Type() EntryType             { return TypePortRouteAdd }
func (*PortRouteDel) Type() EntryType             { return TypePortRouteDel }
func (*PortRouteClear) Type() EntryType           { return TypePortRouteClear }
func (*PortGatewaySet) Type() EntryType           { return TypePortGatewaySet }

// Name returns a stable human-readable name for an entry type.
func (t EntryType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

var typeNames = map[EntryType]string{
	TypeInitModule:               "init-module",
	TypeClearEthereal:            "clear-ethereal",
	TypeProcessExit:              "process-exit",
	TypeSetThread:                "set-thread",
	TypeCloseThread:              "close-thread",
	TypeFileDescriptorSeek:       "fd-seek",
	TypeFileDescriptorWrite:      "fd-write",
	TypeUpdateMemoryRegion:       "update-memory-region",
	TypeSetClockTime:             "set-clock-time",
	TypeOpenFileDescriptor:       "open-fd",
	TypeCloseFileDescriptor:      "close-fd",
	TypeRenumberFileDescriptor:   "renumber-fd",
	TypeDuplicateFileDescriptor:  "duplicate-fd",
	TypeCreateDirectory:          "create-directory",
	TypeRemoveDirectory:          "remove-directory",
	TypePathSetTimes:             "path-set-times",
	TypeFileDescriptorSetFlags:   "fd-set-flags",
	TypeFileDescriptorSetRights:  "fd-set-rights",
	TypeFileDescriptorSetTimes:   "fd-set-times",
	TypeFileDescriptorSetSize:    "fd-set-size",
	TypeFileDescriptorAdvise:     "fd-advise",
	TypeFileDescriptorAllocate:   "fd-allocate",
	TypeCreateHardLink:           "create-hard-link",
	TypeCreateSymbolicLink:       "create-symlink",
	TypeUnlinkFile:               "unlink-file",
	TypePathRename:               "path-rename",
	TypeChangeDirectory:          "change-directory",
	TypeEpollCreate:              "epoll-create",
	TypeEpollCtl:                 "epoll-ctl",
	TypeTtySet:                   "tty-set",
	TypeCreatePipe:               "create-pipe",
	TypeCreateEvent:              "create-event",
	TypeSnapshot:                 "snapshot",
	TypeSocketOpen:               "socket-open",
	TypeSocketListen:             "socket-listen",
	TypeSocketBind:               "socket-bind",
	TypeSocketConnected:          "socket-connected",
	TypeSocketAccepted:           "socket-accepted",
	TypeSocketJoinIPv4Multicast:  "socket-join-ipv4-multicast",
	TypeSocketJoinIPv6Multicast:  "socket-join-ipv6-multicast",
	TypeSocketLeaveIPv4Multicast: "socket-leave-ipv4-multicast",
	TypeSocketLeaveIPv6Multicast: "socket-leave-ipv6-multicast",
	TypeSocketSendFile:           "socket-send-file",
	TypeSocketSendTo:             "socket-send-to",
	TypeSocketSend:               "socket-send",
	TypeSocketSetOptFlag:         "socket-set-opt-flag",
	TypeSocketSetOptSize:         "socket-set-opt-size",
	TypeSocketSetOptTime:         "socket-set-opt-time",
	TypeSocketShutdown:           "socket-shutdown",
	TypeSocketPair:               "socket-pair",
	TypePortAddAddr:              "port-add-addr",
	TypePortDelAddr:              "port-del-addr",
	TypePortAddrClear:            "port-addr-clear",
	TypePortBridge:               "port-bridge",
	TypePortUnbridge:             "port-unbridge",
	TypePortRouteAdd:             "port-route-add",
	TypePortRouteDel:             "port-route-del",
	TypePortRouteClear:           "port-route-clear",
	TypePortGatewaySet:           "port-gateway-set",
}
