// Package sys is the syscall surface of the compatibility layer. It
// orchestrates the virtual filesystem and socket layers, records every
// state-mutating call in the journal, and hosts the suspend/resume
// machinery that lets blocking guest calls sleep without pinning an OS
// thread.
package sys

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgavlin/wharf/journal"
	"github.com/pgavlin/wharf/socket"
	"github.com/pgavlin/wharf/vfs"
	"github.com/pgavlin/wharf/vnet"
	"github.com/pgavlin/wharf/wasi"
)

// Clock is the time source for clock syscalls and journal timestamps.
type Clock interface {
	Now(id wasi.Clockid) time.Time
}

type hostClock struct {
	base time.Time
}

func (c hostClock) Now(id wasi.Clockid) time.Time {
	switch id {
	case wasi.ClockMonotonic, wasi.ClockProcessCputimeID, wasi.ClockThreadCputimeID:
		return c.base.Add(time.Since(c.base))
	default:
		return time.Now()
	}
}

// Options configure a System.
type Options struct {
	FS      *vfs.FS
	Net     vnet.Provider
	Journal journal.Writer
	Clock   Clock
	Log     logrus.FieldLogger
}

// System dispatches syscalls to the filesystem and socket layers and
// appends one journal entry per state-mutating call. The effect is
// applied first and the record written second; the journal lock
// serializes append order.
type System struct {
	fs      *vfs.FS
	net     vnet.Provider
	journal journal.Writer
	clock   Clock
	log     logrus.FieldLogger

	threads *Threads

	// clockMu guards clockOffsets; clock syscalls run on any guest thread.
	clockMu sync.Mutex
	// clockOffsets holds guest clock adjustments from clock_time_set.
	clockOffsets map[wasi.Clockid]time.Duration
}

// New builds a System. Missing options fall back to a denied network, a
// discard journal, and the host clock.
func New(opts Options) *System {
	s := &System{
		fs:           opts.FS,
		net:          opts.Net,
		journal:      opts.Journal,
		clock:        opts.Clock,
		log:          opts.Log,
		clockOffsets: make(map[wasi.Clockid]time.Duration),
	}
	if s.net == nil {
		s.net = vnet.Denied()
	}
	if s.journal == nil {
		s.journal = journal.Discard{}
	}
	if s.clock == nil {
		s.clock = hostClock{base: time.Now()}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger().WithField("subsystem", "sys")
	}
	s.threads = newThreads(s)
	return s
}

// FS exposes the filesystem for host-side setup.
func (s *System) FS() *vfs.FS { return s.fs }

// Threads exposes the thread registry.
func (s *System) Threads() *Threads { return s.threads }

func (s *System) record(ctx context.Context, e journal.Entry) {
	if err := s.journal.Write(ctx, e); err != nil {
		s.log.WithError(err).WithField("entry", e.Type().String()).Error("journal append failed")
	}
}

// ClockTimeGet implements clock_time_get.
func (s *System) ClockTimeGet(id wasi.Clockid) (wasi.Timestamp, wasi.Errno) {
	if id > wasi.ClockThreadCputimeID {
		return 0, wasi.ErrnoInval
	}
	s.clockMu.Lock()
	offset := s.clockOffsets[id]
	s.clockMu.Unlock()
	now := s.clock.Now(id).Add(offset)
	return wasi.TimestampFromTime(now), wasi.ErrnoSuccess
}

// ClockTimeSet implements clock_time_set by recording an offset from the
// host clock.
func (s *System) ClockTimeSet(ctx context.Context, id wasi.Clockid, ts wasi.Timestamp) wasi.Errno {
	if id != wasi.ClockRealtime {
		return wasi.ErrnoPerm
	}
	s.clockMu.Lock()
	s.clockOffsets[id] = time.Until(ts.Time())
	s.clockMu.Unlock()
	s.record(ctx, &journal.SetClockTime{Clock: id, Time: int64(ts)})
	return wasi.ErrnoSuccess
}

// PathOpen implements path_open.
func (s *System) PathOpen(ctx context.Context, dirFd int32, dirflags wasi.Lookupflags, path string, oflags wasi.Oflags, rights, inherit wasi.Rights, fdflags wasi.Fdflags) (int32, wasi.Errno) {
	fd, errno := s.fs.OpenFileAt(dirFd, dirflags, path, oflags, rights, inherit, fdflags)
	if errno != wasi.ErrnoSuccess {
		return -1, errno
	}
	s.record(ctx, &journal.OpenFileDescriptor{
		Fd:               fd,
		DirFd:            dirFd,
		Dirflags:         dirflags,
		Path:             path,
		OFlags:           oflags,
		Rights:           rights,
		RightsInheriting: inherit,
		Fdflags:          fdflags,
	})
	return fd, wasi.ErrnoSuccess
}

// FdClose implements fd_close.
func (s *System) FdClose(ctx context.Context, fd int32) wasi.Errno {
	if errno := s.fs.CloseFd(fd); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.CloseFileDescriptor{Fd: fd})
	return wasi.ErrnoSuccess
}

// FdRenumber implements fd_renumber.
func (s *System) FdRenumber(ctx context.Context, from, to int32) wasi.Errno {
	if errno := s.fs.RenumberFd(from, to); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.RenumberFileDescriptor{OldFd: from, NewFd: to})
	return wasi.ErrnoSuccess
}

// FdDup duplicates a descriptor.
func (s *System) FdDup(ctx context.Context, fd int32) (int32, wasi.Errno) {
	newFd, errno := s.fs.DupFd(fd)
	if errno != wasi.ErrnoSuccess {
		return -1, errno
	}
	s.record(ctx, &journal.DuplicateFileDescriptor{OriginalFd: fd, CopiedFd: newFd})
	return newFd, wasi.ErrnoSuccess
}

// FdSeek implements fd_seek.
func (s *System) FdSeek(ctx context.Context, fd int32, offset int64, whence wasi.Whence) (uint64, wasi.Errno) {
	pos, errno := s.fs.FdSeek(fd, offset, whence)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	s.record(ctx, &journal.FileDescriptorSeek{Fd: fd, Offset: offset, Whence: whence})
	return pos, wasi.ErrnoSuccess
}

// FdRead implements fd_read. Reads mutate no journaled state.
func (s *System) FdRead(fd int32, bufs [][]byte) (uint32, wasi.Errno) {
	return s.fs.FdRead(fd, bufs)
}

// FdPread implements fd_pread.
func (s *System) FdPread(fd int32, bufs [][]byte, offset uint64) (uint32, wasi.Errno) {
	return s.fs.FdPread(fd, bufs, offset)
}

// FdWrite implements fd_write. The written bytes are journaled so replay
// can reproduce file content without the original guest.
func (s *System) FdWrite(ctx context.Context, fd int32, bufs [][]byte) (uint32, wasi.Errno) {
	entry, errno := s.fs.GetFd(fd)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	offset := *entry.Offset
	n, errno := s.fs.FdWrite(fd, bufs)
	if errno != wasi.ErrnoSuccess {
		return n, errno
	}
	if !entry.IsStdio {
		// The filesystem leaves the cursor just past the written bytes. In
		// append mode that cursor, not the pre-write one, tells us where
		// the data landed.
		offset = *entry.Offset - uint64(n)
	}
	s.record(ctx, &journal.FileDescriptorWrite{Fd: fd, Offset: offset, Data: flatten(bufs, n)})
	return n, wasi.ErrnoSuccess
}

// FdPwrite implements fd_pwrite.
func (s *System) FdPwrite(ctx context.Context, fd int32, bufs [][]byte, offset uint64) (uint32, wasi.Errno) {
	n, errno := s.fs.FdPwrite(fd, bufs, offset)
	if errno != wasi.ErrnoSuccess {
		return n, errno
	}
	s.record(ctx, &journal.FileDescriptorWrite{Fd: fd, Offset: offset, Data: flatten(bufs, n)})
	return n, wasi.ErrnoSuccess
}

func flatten(bufs [][]byte, n uint32) []byte {
	out := make([]byte, 0, n)
	for _, buf := range bufs {
		take := len(buf)
		if remaining := int(n) - len(out); take > remaining {
			take = remaining
		}
		out = append(out, buf[:take]...)
		if uint32(len(out)) >= n {
			break
		}
	}
	return out
}

// FdSetFlags implements fd_fdstat_set_flags.
func (s *System) FdSetFlags(ctx context.Context, fd int32, flags wasi.Fdflags) wasi.Errno {
	if errno := s.fs.FdSetFlags(fd, flags); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.FileDescriptorSetFlags{Fd: fd, Flags: flags})
	return wasi.ErrnoSuccess
}

// FdSetRights implements fd_fdstat_set_rights.
func (s *System) FdSetRights(ctx context.Context, fd int32, rights, inherit wasi.Rights) wasi.Errno {
	if errno := s.fs.FdSetRights(fd, rights, inherit); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.FileDescriptorSetRights{Fd: fd, Rights: rights, RightsInheriting: inherit})
	return wasi.ErrnoSuccess
}

// FdSetSize implements fd_filestat_set_size.
func (s *System) FdSetSize(ctx context.Context, fd int32, size uint64) wasi.Errno {
	if errno := s.fs.FdSetSize(fd, size); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.FileDescriptorSetSize{Fd: fd, Size: size})
	return wasi.ErrnoSuccess
}

// FdSetTimes implements fd_filestat_set_times.
func (s *System) FdSetTimes(ctx context.Context, fd int32, atime, mtime wasi.Timestamp, flags wasi.Fstflags) wasi.Errno {
	if errno := s.fs.FdSetTimes(fd, atime, mtime, flags); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.FileDescriptorSetTimes{Fd: fd, Atime: atime, Mtime: mtime, Flags: flags})
	return wasi.ErrnoSuccess
}

// FdAdvise implements fd_advise.
func (s *System) FdAdvise(ctx context.Context, fd int32, offset, length uint64, advice wasi.Advice) wasi.Errno {
	if errno := s.fs.FdAdvise(fd, offset, length, advice); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.FileDescriptorAdvise{Fd: fd, Offset: offset, Len: length, Advice: advice})
	return wasi.ErrnoSuccess
}

// FdAllocate implements fd_allocate.
func (s *System) FdAllocate(ctx context.Context, fd int32, offset, length uint64) wasi.Errno {
	if errno := s.fs.FdAllocate(fd, offset, length); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.FileDescriptorAllocate{Fd: fd, Offset: offset, Len: length})
	return wasi.ErrnoSuccess
}

// PathCreateDirectory implements path_create_directory.
func (s *System) PathCreateDirectory(ctx context.Context, fd int32, path string) wasi.Errno {
	if errno := s.fs.CreateDirAt(fd, path); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.CreateDirectory{Fd: fd, Path: path})
	return wasi.ErrnoSuccess
}

// PathRemoveDirectory implements path_remove_directory.
func (s *System) PathRemoveDirectory(ctx context.Context, fd int32, path string) wasi.Errno {
	if errno := s.fs.RemoveDirAt(fd, path); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.RemoveDirectory{Fd: fd, Path: path})
	return wasi.ErrnoSuccess
}

// PathUnlinkFile implements path_unlink_file.
func (s *System) PathUnlinkFile(ctx context.Context, fd int32, path string) wasi.Errno {
	if errno := s.fs.UnlinkFileAt(fd, path); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.UnlinkFile{Fd: fd, Path: path})
	return wasi.ErrnoSuccess
}

// PathRename implements path_rename.
func (s *System) PathRename(ctx context.Context, oldFd int32, oldPath string, newFd int32, newPath string) wasi.Errno {
	if errno := s.fs.RenameAt(oldFd, oldPath, newFd, newPath); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.PathRename{OldFd: oldFd, OldPath: oldPath, NewFd: newFd, NewPath: newPath})
	return wasi.ErrnoSuccess
}

// PathSymlink implements path_symlink.
func (s *System) PathSymlink(ctx context.Context, target string, fd int32, linkPath string) wasi.Errno {
	if errno := s.fs.SymlinkAt(target, fd, linkPath); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.CreateSymbolicLink{OldPath: target, Fd: fd, NewPath: linkPath})
	return wasi.ErrnoSuccess
}

// PathLink implements path_link.
func (s *System) PathLink(ctx context.Context, oldFd int32, oldFlags wasi.Lookupflags, oldPath string, newFd int32, newPath string) wasi.Errno {
	if errno := s.fs.LinkAt(oldFd, oldPath, newFd, newPath); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.CreateHardLink{
		OldFd:    oldFd,
		OldPath:  oldPath,
		OldFlags: oldFlags,
		NewFd:    newFd,
		NewPath:  newPath,
	})
	return wasi.ErrnoSuccess
}

// PathSetTimes implements path_filestat_set_times.
func (s *System) PathSetTimes(ctx context.Context, fd int32, dirflags wasi.Lookupflags, path string, atime, mtime wasi.Timestamp, flags wasi.Fstflags) wasi.Errno {
	if errno := s.fs.PathSetTimes(fd, dirflags, path, atime, mtime, flags); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.PathSetTimes{
		Fd:       fd,
		Dirflags: dirflags,
		Path:     path,
		Atime:    atime,
		Mtime:    mtime,
		Flags:    flags,
	})
	return wasi.ErrnoSuccess
}

// sockOf resolves a descriptor to its socket state machine.
func (s *System) sockOf(fd int32) (*socket.InodeSocket, wasi.Errno) {
	res, errno := s.fs.SocketOf(fd)
	if errno != wasi.ErrnoSuccess {
		return nil, errno
	}
	sock, ok := res.(*socket.InodeSocket)
	if !ok {
		return nil, wasi.ErrnoNotsock
	}
	return sock, wasi.ErrnoSuccess
}

// SockOpen implements sock_open: a new pre-socket enters the fd table.
func (s *System) SockOpen(ctx context.Context, family wasi.AddressFamily, ty wasi.SocketType, proto wasi.Protocol) (int32, wasi.Errno) {
	sock := socket.New(family, ty, proto)
	fd, errno := s.fs.CreateSocketFd(sock, wasi.SocketRights)
	if errno != wasi.ErrnoSuccess {
		return -1, errno
	}
	s.record(ctx, &journal.SocketOpen{Family: family, Ty: ty, Proto: proto, Fd: fd})
	return fd, wasi.ErrnoSuccess
}

// SockBind implements sock_bind.
func (s *System) SockBind(ctx context.Context, fd int32, ip net.IP, port uint16) wasi.Errno {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if errno := sock.Bind(ctx, s.net, ip, port); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.SocketBind{Fd: fd, IP: ip, Port: port})
	return wasi.ErrnoSuccess
}

// SockListen implements sock_listen.
func (s *System) SockListen(ctx context.Context, fd int32, backlog int) wasi.Errno {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if errno := sock.Listen(ctx, s.net, backlog); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.SocketListen{Fd: fd, Backlog: uint32(backlog)})
	s.threads.noteFirstListen(ctx)
	return wasi.ErrnoSuccess
}

// SockConnect implements sock_connect.
func (s *System) SockConnect(ctx context.Context, fd int32, ip net.IP, port uint16) wasi.Errno {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if errno := sock.Connect(ctx, s.net, ip, port); errno != wasi.ErrnoSuccess {
		return errno
	}
	entry := &journal.SocketConnected{Fd: fd, PeerIP: ip, PeerPort: port}
	if local, lerrno := sock.AddrLocal(); lerrno == wasi.ErrnoSuccess {
		if tcp, ok := local.(*net.TCPAddr); ok {
			entry.LocalIP = tcp.IP
			entry.LocalPort = uint16(tcp.Port)
		}
	}
	s.record(ctx, entry)
	return wasi.ErrnoSuccess
}

// SockAccept implements sock_accept: the new connection gets its own fd.
func (s *System) SockAccept(ctx context.Context, fd int32, flags wasi.Fdflags) (int32, net.Addr, wasi.Errno) {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return -1, nil, errno
	}
	conn, peer, errno := sock.Accept(ctx)
	if errno != wasi.ErrnoSuccess {
		return -1, nil, errno
	}
	connFd, errno := s.fs.CreateSocketFd(conn, wasi.SocketRights)
	if errno != wasi.ErrnoSuccess {
		_ = conn.Close()
		return -1, nil, errno
	}
	entry := &journal.SocketAccepted{
		ListenFd:    fd,
		Fd:          connFd,
		Fdflags:     flags,
		NonBlocking: flags&wasi.FdflagNonblock != 0,
	}
	if tcp, ok := peer.(*net.TCPAddr); ok {
		entry.PeerIP = tcp.IP
		entry.PeerPort = uint16(tcp.Port)
	}
	s.record(ctx, entry)
	return connFd, peer, wasi.ErrnoSuccess
}

// SockSend implements sock_send.
func (s *System) SockSend(ctx context.Context, fd int32, data []byte) (int, wasi.Errno) {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	n, errno := sock.Send(ctx, data)
	if errno != wasi.ErrnoSuccess {
		return n, errno
	}
	s.record(ctx, &journal.SocketSend{Fd: fd, Data: data[:n]})
	return n, wasi.ErrnoSuccess
}

// SockSendTo implements sock_send_to.
func (s *System) SockSendTo(ctx context.Context, fd int32, data []byte, ip net.IP, port uint16) (int, wasi.Errno) {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	n, errno := sock.SendTo(ctx, data, ip, port)
	if errno != wasi.ErrnoSuccess {
		return n, errno
	}
	s.record(ctx, &journal.SocketSendTo{Fd: fd, Data: data[:n], IP: ip, Port: port})
	return n, wasi.ErrnoSuccess
}

// SockRecv implements sock_recv. Receives are not journaled.
func (s *System) SockRecv(ctx context.Context, fd int32, buf []byte) (int, wasi.Errno) {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	return sock.Recv(ctx, buf)
}

// SockRecvFrom implements sock_recv_from.
func (s *System) SockRecvFrom(ctx context.Context, fd int32, buf []byte) (int, net.Addr, wasi.Errno) {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return 0, nil, errno
	}
	return sock.RecvFrom(ctx, buf)
}

// SockShutdown implements sock_shutdown.
func (s *System) SockShutdown(ctx context.Context, fd int32, how wasi.Shutdown) wasi.Errno {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if errno := sock.Shutdown(how); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.SocketShutdown{Fd: fd, How: how})
	return wasi.ErrnoSuccess
}

// SockSetOptFlag implements sock_set_opt_flag.
func (s *System) SockSetOptFlag(ctx context.Context, fd int32, opt wasi.SockOption, v bool) wasi.Errno {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if errno := sock.SetOptFlag(opt, v); errno != wasi.ErrnoSuccess {
		return errno
	}
	s.record(ctx, &journal.SocketSetOptFlag{Fd: fd, Opt: opt, Flag: v})
	return wasi.ErrnoSuccess
}

// SockSetOptTime implements sock_set_opt_time.
func (s *System) SockSetOptTime(ctx context.Context, fd int32, ty wasi.TimeType, d *time.Duration) wasi.Errno {
	sock, errno := s.sockOf(fd)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if errno := sock.SetOptTime(ty, d); errno != wasi.ErrnoSuccess {
		return errno
	}
	entry := &journal.SocketSetOptTime{Fd: fd, Ty: ty}
	if d != nil {
		entry.HasTime = true
		entry.Time = *d
	}
	s.record(ctx, entry)
	return wasi.ErrnoSuccess
}

// Snapshot records a consistency point.
func (s *System) Snapshot(ctx context.Context, trigger journal.SnapshotTrigger) {
	s.record(ctx, &journal.Snapshot{When: s.clock.Now(wasi.ClockRealtime), Trigger: trigger})
}

// ProcessExit records guest termination and tears down the fd table.
func (s *System) ProcessExit(ctx context.Context, code wasi.ExitCode) {
	s.record(ctx, &journal.ProcessExit{HasCode: true, Code: code})
}
