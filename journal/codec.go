package journal

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"

	"github.com/pgavlin/wharf/wasi"
)

// Wire form of one record: a little-endian u16 entry type followed by the
// entry's fields. Length framing belongs to the log layer, not here.

var (
	// ErrShortRecord reports a payload that ended before its declared
	// fields. This is a hard error; truncated records do not self-heal.
	ErrShortRecord = errors.New("journal: record payload truncated")
)

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }
func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// ip writes an IP in its 16-byte form, or a zero length for a nil IP.
func (w *writer) ip(v net.IP) {
	if v16 := v.To16(); v16 != nil {
		w.u8(16)
		w.buf = append(w.buf, v16...)
		return
	}
	w.u8(0)
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = ErrShortRecord
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }
func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) bytes() []byte {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) str() string {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) ip() net.IP {
	n := r.u8()
	if n == 0 {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make(net.IP, n)
	copy(out, b)
	return out
}

// Encode serializes an entry into its wire form.
func Encode(e Entry) ([]byte, error) {
	w := &writer{}
	w.u16(uint16(e.Type()))

	switch v := e.(type) {
	case *InitModule:
		w.bytes(v.WasmHash)
	case *ClearEthereal:
	case *ProcessExit:
		w.boolean(v.HasCode)
		w.u32(uint32(v.Code))
	case *SetThread:
		w.u32(v.ID)
		w.bytes(v.CallStack)
		w.bytes(v.MemoryStack)
		w.bytes(v.StoreData)
		w.u8(uint8(threadStartToV1(v.Start)))
		w.u64(v.StartPtr)
		w.u64(v.Layout.StackUpper)
		w.u64(v.Layout.StackLower)
		w.u64(v.Layout.GuardSize)
		w.u64(v.Layout.StackSize)
		w.boolean(v.Is64Bit)
	case *CloseThread:
		w.u32(v.ID)
		w.boolean(v.HasCode)
		w.u32(uint32(v.Code))
	case *FileDescriptorSeek:
		w.i32(v.Fd)
		w.i64(v.Offset)
		w.u8(uint8(whenceToV1(v.Whence)))
	case *FileDescriptorWrite:
		w.i32(v.Fd)
		w.u64(v.Offset)
		w.bytes(v.Data)
	case *UpdateMemoryRegion:
		w.u64(v.Start)
		w.u64(v.End)
		w.bytes(snappy.Encode(nil, v.Data))
	case *SetClockTime:
		w.u8(uint8(clockidToV1(v.Clock)))
		w.i64(v.Time)
	case *OpenFileDescriptor:
		w.i32(v.Fd)
		w.i32(v.DirFd)
		w.u32(uint32(v.Dirflags))
		w.str(v.Path)
		w.u16(uint16(v.OFlags))
		w.u64(uint64(v.Rights))
		w.u64(uint64(v.RightsInheriting))
		w.u16(uint16(v.Fdflags))
	case *CloseFileDescriptor:
		w.i32(v.Fd)
	case *RenumberFileDescriptor:
		w.i32(v.OldFd)
		w.i32(v.NewFd)
	case *DuplicateFileDescriptor:
		w.i32(v.OriginalFd)
		w.i32(v.CopiedFd)
	case *CreateDirectory:
		w.i32(v.Fd)
		w.str(v.Path)
	case *RemoveDirectory:
		w.i32(v.Fd)
		w.str(v.Path)
	case *PathSetTimes:
		w.i32(v.Fd)
		w.u32(uint32(v.Dirflags))
		w.str(v.Path)
		w.u64(uint64(v.Atime))
		w.u64(uint64(v.Mtime))
		w.u16(uint16(v.Flags))
	case *FileDescriptorSetFlags:
		w.i32(v.Fd)
		w.u16(uint16(v.Flags))
	case *FileDescriptorSetRights:
		w.i32(v.Fd)
		w.u64(uint64(v.Rights))
		w.u64(uint64(v.RightsInheriting))
	case *FileDescriptorSetTimes:
		w.i32(v.Fd)
		w.u64(uint64(v.Atime))
		w.u64(uint64(v.Mtime))
		w.u16(uint16(v.Flags))
	case *FileDescriptorSetSize:
		w.i32(v.Fd)
		w.u64(v.Size)
	case *FileDescriptorAdvise:
		w.i32(v.Fd)
		w.u64(v.Offset)
		w.u64(v.Len)
		w.u8(uint8(adviceToV1(v.Advice)))
	case *FileDescriptorAllocate:
		w.i32(v.Fd)
		w.u64(v.Offset)
		w.u64(v.Len)
	case *CreateHardLink:
		w.i32(v.OldFd)
		w.str(v.OldPath)
		w.u32(uint32(v.OldFlags))
		w.i32(v.NewFd)
		w.str(v.NewPath)
	case *CreateSymbolicLink:
		w.str(v.OldPath)
		w.i32(v.Fd)
		w.str(v.NewPath)
	case *UnlinkFile:
		w.i32(v.Fd)
		w.str(v.Path)
	case *PathRename:
		w.i32(v.OldFd)
		w.str(v.OldPath)
		w.i32(v.NewFd)
		w.str(v.NewPath)
	case *ChangeDirectory:
		w.str(v.Path)
	case *EpollCreate:
		w.i32(v.Fd)
	case *EpollCtl:
		w.i32(v.EpFd)
		w.u8(uint8(epollCtlOpToV1(v.Op)))
		w.i32(v.Fd)
		w.u32(v.Events)
	case *TtySet:
		w.u32(v.Cols)
		w.u32(v.Rows)
		w.boolean(v.StdinTty)
		w.boolean(v.StdoutTty)
		w.boolean(v.StderrTty)
		w.boolean(v.Echo)
		w.boolean(v.LineBuffered)
		w.boolean(v.LineFeeds)
	case *CreatePipe:
		w.i32(v.ReadFd)
		w.i32(v.WriteFd)
	case *CreateEvent:
		w.u64(v.InitialVal)
		w.u16(v.Flags)
		w.i32(v.Fd)
	case *Snapshot:
		w.i64(v.When.UnixNano())
		w.u8(uint8(snapshotTriggerToV1(v.Trigger)))
	case *SocketOpen:
		w.u8(uint8(addressFamilyToV1(v.Family)))
		w.u8(uint8(socketTypeToV1(v.Ty)))
		w.u16(uint16(v.Proto))
		w.i32(v.Fd)
	case *SocketListen:
		w.i32(v.Fd)
		w.u32(v.Backlog)
	case *SocketBind:
		w.i32(v.Fd)
		w.ip(v.IP)
		w.u16(v.Port)
	case *SocketConnected:
		w.i32(v.Fd)
		w.ip(v.LocalIP)
		w.u16(v.LocalPort)
		w.ip(v.PeerIP)
		w.u16(v.PeerPort)
	case *SocketAccepted:
		w.i32(v.ListenFd)
		w.i32(v.Fd)
		w.ip(v.PeerIP)
		w.u16(v.PeerPort)
		w.u16(uint16(v.Fdflags))
		w.boolean(v.NonBlocking)
	case *SocketJoinIPv4Multicast:
		w.i32(v.Fd)
		w.ip(v.Multiaddr)
		w.ip(v.Iface)
	case *SocketJoinIPv6Multicast:
		w.i32(v.Fd)
		w.ip(v.Multiaddr)
		w.u32(v.Iface)
	case *SocketLeaveIPv4Multicast:
		w.i32(v.Fd)
		w.ip(v.Multiaddr)
		w.ip(v.Iface)
	case *SocketLeaveIPv6Multicast:
		w.i32(v.Fd)
		w.ip(v.Multiaddr)
		w.u32(v.Iface)
	case *SocketSendFile:
		w.i32(v.SocketFd)
		w.i32(v.FileFd)
		w.u64(v.Offset)
		w.u64(v.Count)
		w.u64(v.Sent)
	case *SocketSendTo:
		w.i32(v.Fd)
		w.bytes(v.Data)
		w.u16(v.Flags)
		w.ip(v.IP)
		w.u16(v.Port)
	case *SocketSend:
		w.i32(v.Fd)
		w.bytes(v.Data)
		w.u16(v.Flags)
	case *SocketSetOptFlag:
		w.i32(v.Fd)
		w.u16(uint16(sockOptionToV1(v.Opt)))
		w.boolean(v.Flag)
	case *SocketSetOptSize:
		w.i32(v.Fd)
		w.u16(uint16(sockOptionToV1(v.Opt)))
		w.u64(v.Size)
	case *SocketSetOptTime:
		w.i32(v.Fd)
		w.u8(uint8(timeTypeToV1(v.Ty)))
		w.boolean(v.HasTime)
		w.i64(int64(v.Time))
	case *SocketShutdown:
		w.i32(v.Fd)
		w.u8(uint8(shutdownToV1(v.How)))
	case *SocketPair:
		w.i32(v.Fd1)
		w.i32(v.Fd2)
	case *PortAddAddr:
		w.ip(v.IP)
		w.u8(v.PrefixLen)
	case *PortDelAddr:
		w.ip(v.IP)
	case *PortAddrClear:
	case *PortBridge:
		w.str(v.Network)
		w.str(v.Token)
		w.u8(v.Security)
	case *PortUnbridge:
	case *PortRouteAdd:
		w.ip(v.IP)
		w.u8(v.PrefixLen)
		w.ip(v.ViaRouter)
		w.boolean(v.HasPreferred)
		w.i64(int64(v.PreferredUntil))
		w.boolean(v.HasExpires)
		w.i64(int64(v.ExpiresAt))
	case *PortRouteDel:
		w.ip(v.IP)
	case *PortRouteClear:
	case *PortGatewaySet:
		w.ip(v.IP)
	case *Unknown:
		// Re-encode losslessly under the original tag.
		w.buf = w.buf[:0]
		w.u16(v.Tag)
		w.buf = append(w.buf, v.Payload...)
	default:
		return nil, errors.Errorf("journal: cannot encode entry type %d", e.Type())
	}
	return w.buf, nil
}

// Decode parses one wire record. Records with an unrecognized type decode
// to *Unknown so that newer logs remain skippable; records whose payload
// ends early fail with ErrShortRecord.
func Decode(data []byte) (Entry, error) {
	r := &reader{data: data}
	tag := r.u16()
	if r.err != nil {
		return nil, r.err
	}

	var e Entry
	switch EntryType(tag) {
	case TypeInitModule:
		e = &InitModule{WasmHash: r.bytes()}
	case TypeClearEthereal:
		e = &ClearEthereal{}
	case TypeProcessExit:
		e = &ProcessExit{HasCode: r.boolean(), Code: wasi.ExitCode(r.u32())}
	case TypeSetThread:
		v := &SetThread{}
		v.ID = r.u32()
		v.CallStack = r.bytes()
		v.MemoryStack = r.bytes()
		v.StoreData = r.bytes()
		v.Start = threadStartFromV1(ThreadStartTypeV1(r.u8()))
		v.StartPtr = r.u64()
		v.Layout.StackUpper = r.u64()
		v.Layout.StackLower = r.u64()
		v.Layout.GuardSize = r.u64()
		v.Layout.StackSize = r.u64()
		v.Is64Bit = r.boolean()
		e = v
	case TypeCloseThread:
		e = &CloseThread{ID: r.u32(), HasCode: r.boolean(), Code: wasi.ExitCode(r.u32())}
	case TypeFileDescriptorSeek:
		e = &FileDescriptorSeek{Fd: r.i32(), Offset: r.i64(), Whence: whenceFromV1(WhenceV1(r.u8()))}
	case TypeFileDescriptorWrite:
		e = &FileDescriptorWrite{Fd: r.i32(), Offset: r.u64(), Data: r.bytes()}
	case TypeUpdateMemoryRegion:
		v := &UpdateMemoryRegion{Start: r.u64(), End: r.u64()}
		compressed := r.bytes()
		if r.err == nil {
			data, err := snappy.Decode(nil, compressed)
			if err != nil {
				return nil, errors.Wrap(err, "journal: decompress memory region")
			}
			v.Data = data
		}
		e = v
	case TypeSetClockTime:
		e = &SetClockTime{Clock: clockidFromV1(ClockidV1(r.u8())), Time: r.i64()}
	case TypeOpenFileDescriptor:
		e = &OpenFileDescriptor{
			Fd:               r.i32(),
			DirFd:            r.i32(),
			Dirflags:         wasi.Lookupflags(r.u32()),
			Path:             r.str(),
			OFlags:           wasi.Oflags(r.u16()),
			Rights:           wasi.Rights(r.u64()),
			RightsInheriting: wasi.Rights(r.u64()),
			Fdflags:          wasi.Fdflags(r.u16()),
		}
	case TypeCloseFileDescriptor:
		e = &CloseFileDescriptor{Fd: r.i32()}
	case TypeRenumberFileDescriptor:
		e = &RenumberFileDescriptor{OldFd: r.i32(), NewFd: r.i32()}
	case TypeDuplicateFileDescriptor:
		e = &DuplicateFileDescriptor{OriginalFd: r.i32(), CopiedFd: r.i32()}
	case TypeCreateDirectory:
		e = &CreateDirectory{Fd: r.i32(), Path: r.str()}
	case TypeRemoveDirectory:
		e = &RemoveDirectory{Fd: r.i32(), Path: r.str()}
	case TypePathSetTimes:
		e = &PathSetTimes{
			Fd:       r.i32(),
			Dirflags: wasi.Lookupflags(r.u32()),
			Path:     r.str(),
			Atime:    wasi.Timestamp(r.u64()),
			Mtime:    wasi.Timestamp(r.u64()),
			Flags:    wasi.Fstflags(r.u16()),
		}
	case TypeFileDescriptorSetFlags:
		e = &FileDescriptorSetFlags{Fd: r.i32(), Flags: wasi.Fdflags(r.u16())}
	case TypeFileDescriptorSetRights:
		e = &FileDescriptorSetRights{
			Fd:               r.i32(),
			Rights:           wasi.Rights(r.u64()),
			RightsInheriting: wasi.Rights(r.u64()),
		}
	case TypeFileDescriptorSetTimes:
		e = &FileDescriptorSetTimes{
			Fd:    r.i32(),
			Atime: wasi.Timestamp(r.u64()),
			Mtime: wasi.Timestamp(r.u64()),
			Flags: wasi.Fstflags(r.u16()),
		}
	case TypeFileDescriptorSetSize:
		e = &FileDescriptorSetSize{Fd: r.i32(), Size: r.u64()}
	case TypeFileDescriptorAdvise:
		e = &FileDescriptorAdvise{
			Fd:     r.i32(),
			Offset: r.u64(),
			Len:    r.u64(),
			Advice: adviceFromV1(AdviceV1(r.u8())),
		}
	case TypeFileDescriptorAllocate:
		e = &FileDescriptorAllocate{Fd: r.i32(), Offset: r.u64(), Len: r.u64()}
	case TypeCreateHardLink:
		e = &CreateHardLink{
			OldFd:    r.i32(),
			OldPath:  r.str(),
			OldFlags: wasi.Lookupflags(r.u32()),
			NewFd:    r.i32(),
			NewPath:  r.str(),
		}
	case TypeCreateSymbolicLink:
		e = &CreateSymbolicLink{OldPath: r.str(), Fd: r.i32(), NewPath: r.str()}
	case TypeUnlinkFile:
		e = &UnlinkFile{Fd: r.i32(), Path: r.str()}
	case TypePathRename:
		e = &PathRename{OldFd: r.i32(), OldPath: r.str(), NewFd: r.i32(), NewPath: r.str()}
	case TypeChangeDirectory:
		e = &ChangeDirectory{Path: r.str()}
	case TypeEpollCreate:
		e = &EpollCreate{Fd: r.i32()}
	case TypeEpollCtl:
		e = &EpollCtl{
			EpFd:   r.i32(),
			Op:     epollCtlOpFromV1(EpollCtlOpV1(r.u8())),
			Fd:     r.i32(),
			Events: r.u32(),
		}
	case TypeTtySet:
		e = &TtySet{
			Cols:         r.u32(),
			Rows:         r.u32(),
			StdinTty:     r.boolean(),
			StdoutTty:    r.boolean(),
			StderrTty:    r.boolean(),
			Echo:         r.boolean(),
			LineBuffered: r.boolean(),
			LineFeeds:    r.boolean(),
		}
	case TypeCreatePipe:
		e = &CreatePipe{ReadFd: r.i32(), WriteFd: r.i32()}
	case TypeCreateEvent:
		e = &CreateEvent{InitialVal: r.u64(), Flags: r.u16(), Fd: r.i32()}
	case TypeSnapshot:
		e = &Snapshot{
			When:    time.Unix(0, r.i64()),
			Trigger: snapshotTriggerFromV1(SnapshotTriggerV1(r.u8())),
		}
	case TypeSocketOpen:
		e = &SocketOpen{
			Family: addressFamilyFromV1(AddressFamilyV1(r.u8())),
			Ty:     socketTypeFromV1(SocketTypeV1(r.u8())),
			Proto:  wasi.Protocol(r.u16()),
			Fd:     r.i32(),
		}
	case TypeSocketListen:
		e = &SocketListen{Fd: r.i32(), Backlog: r.u32()}
	case TypeSocketBind:
		e = &SocketBind{Fd: r.i32(), IP: r.ip(), Port: r.u16()}
	case TypeSocketConnected:
		e = &SocketConnected{
			Fd:        r.i32(),
			LocalIP:   r.ip(),
			LocalPort: r.u16(),
			PeerIP:    r.ip(),
			PeerPort:  r.u16(),
		}
	case TypeSocketAccepted:
		e = &SocketAccepted{
			ListenFd:    r.i32(),
			Fd:          r.i32(),
			PeerIP:      r.ip(),
			PeerPort:    r.u16(),
			Fdflags:     wasi.Fdflags(r.u16()),
			NonBlocking: r.boolean(),
		}
	case TypeSocketJoinIPv4Multicast:
		e = &SocketJoinIPv4Multicast{Fd: r.i32(), Multiaddr: r.ip(), Iface: r.ip()}
	case TypeSocketJoinIPv6Multicast:
		e = &SocketJoinIPv6Multicast{Fd: r.i32(), Multiaddr: r.ip(), Iface: r.u32()}
	case TypeSocketLeaveIPv4Multicast:
		e = &SocketLeaveIPv4Multicast{Fd: r.i32(), Multiaddr: r.ip(), Iface: r.ip()}
	case TypeSocketLeaveIPv6Multicast:
		e = &SocketLeaveIPv6Multicast{Fd: r.i32(), Multiaddr: r.ip(), Iface: r.u32()}
	case TypeSocketSendFile:
		e = &SocketSendFile{
			SocketFd: r.i32(),
			FileFd:   r.i32(),
			Offset:   r.u64(),
			Count:    r.u64(),
			Sent:     r.u64(),
		}
	case TypeSocketSendTo:
		e = &SocketSendTo{Fd: r.i32(), Data: r.bytes(), Flags: r.u16(), IP: r.ip(), Port: r.u16()}
	case TypeSocketSend:
		e = &SocketSend{Fd: r.i32(), Data: r.bytes(), Flags: r.u16()}
	case TypeSocketSetOptFlag:
		e = &SocketSetOptFlag{
			Fd:   r.i32(),
			Opt:  sockOptionFromV1(SockOptionV1(r.u16())),
			Flag: r.boolean(),
		}
	case TypeSocketSetOptSize:
		e = &SocketSetOptSize{
			Fd:   r.i32(),
			Opt:  sockOptionFromV1(SockOptionV1(r.u16())),
			Size: r.u64(),
		}
	case TypeSocketSetOptTime:
		e = &SocketSetOptTime{
			Fd:      r.i32(),
			Ty:      timeTypeFromV1(TimeTypeV1(r.u8())),
			HasTime: r.boolean(),
			Time:    time.Duration(r.i64()),
		}
	case TypeSocketShutdown:
		e = &SocketShutdown{Fd: r.i32(), How: shutdownFromV1(ShutdownV1(r.u8()))}
	case TypeSocketPair:
		e = &SocketPair{Fd1: r.i32(), Fd2: r.i32()}
	case TypePortAddAddr:
		e = &PortAddAddr{IP: r.ip(), PrefixLen: r.u8()}
	case TypePortDelAddr:
		e = &PortDelAddr{IP: r.ip()}
	case TypePortAddrClear:
		e = &PortAddrClear{}
	case TypePortBridge:
		e = &PortBridge{Network: r.str(), Token: r.str(), Security: r.u8()}
	case TypePortUnbridge:
		e = &PortUnbridge{}
	case TypePortRouteAdd:
		e = &PortRouteAdd{
			IP:             r.ip(),
			PrefixLen:      r.u8(),
			ViaRouter:      r.ip(),
			HasPreferred:   r.boolean(),
			PreferredUntil: time.Duration(r.i64()),
			HasExpires:     r.boolean(),
			ExpiresAt:      time.Duration(r.i64()),
		}
	case TypePortRouteDel:
		e = &PortRouteDel{IP: r.ip()}
	case TypePortRouteClear:
		e = &PortRouteClear{}
	case TypePortGatewaySet:
		e = &PortGatewaySet{IP: r.ip()}
	default:
		payload := make([]byte, len(data)-2)
		copy(payload, data[2:])
		return &Unknown{Tag: tag, Payload: payload}, nil
	}

	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}
