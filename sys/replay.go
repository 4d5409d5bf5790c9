package sys

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pgavlin/wharf/journal"
	"github.com/pgavlin/wharf/socket"
	"github.com/pgavlin/wharf/wasi"
)

// ReplayResult is the reconstructed execution state after applying a
// journal: the latest stack snapshot per live thread plus process exit
// status, if the journal recorded one.
type ReplayResult struct {
	// Threads maps thread id to its most recent captured stack. Threads
	// that recorded an exit are absent.
	Threads map[uint32]RewindState
	Exited  bool
	Code    wasi.ExitCode
}

// Replay reads entries until the source is exhausted and applies each to
// the filesystem and socket layers, reconstructing the state the journal
// describes. Applied effects are not re-journaled. A read error (which
// includes a truncated record) is fatal and aborts the replay.
func (s *System) Replay(ctx context.Context, r journal.Reader) (*ReplayResult, error) {
	result := &ReplayResult{Threads: make(map[uint32]RewindState)}
	for {
		e, err := r.Read(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "reading journal")
		}
		if e == nil {
			return result, nil
		}
		if err := s.apply(ctx, e, result); err != nil {
			return nil, errors.Wrapf(err, "applying %s entry", e.Type())
		}
	}
}

// reopenAt forces a replayed descriptor onto its recorded number.
func (s *System) reopenAt(got, want int32) wasi.Errno {
	if got == want {
		return wasi.ErrnoSuccess
	}
	return s.fs.RenumberFd(got, want)
}

func (s *System) apply(ctx context.Context, e journal.Entry, result *ReplayResult) error {
	log := s.log.WithField("entry", e.Type().String())
	switch e := e.(type) {
	case *journal.InitModule, *journal.ClearEthereal, *journal.Snapshot:
		// Markers carry no state to rebuild.

	case *journal.ProcessExit:
		result.Exited = true
		if e.HasCode {
			result.Code = e.Code
		}

	case *journal.SetThread:
		result.Threads[e.ID] = RewindState{
			MemoryStack: e.MemoryStack,
			RewindStack: e.CallStack,
			StoreData:   e.StoreData,
			Start:       e.Start,
			Layout:      e.Layout,
			Is64Bit:     e.Is64Bit,
		}

	case *journal.CloseThread:
		delete(result.Threads, e.ID)

	case *journal.SetClockTime:
		s.clockMu.Lock()
		s.clockOffsets[e.Clock] = time.Until(wasi.Timestamp(e.Time).Time())
		s.clockMu.Unlock()

	case *journal.OpenFileDescriptor:
		fd, errno := s.fs.OpenFileAt(e.DirFd, e.Dirflags, e.Path, e.OFlags, e.Rights, e.RightsInheriting, e.Fdflags)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("open", e.Path, errno)
		}
		if errno := s.reopenAt(fd, e.Fd); errno != wasi.ErrnoSuccess {
			return errnoErr("renumber", e.Path, errno)
		}

	case *journal.CloseFileDescriptor:
		if errno := s.fs.CloseFd(e.Fd); errno != wasi.ErrnoSuccess {
			log.WithField("fd", e.Fd).Warn("close of unknown descriptor")
		}

	case *journal.RenumberFileDescriptor:
		if errno := s.fs.RenumberFd(e.OldFd, e.NewFd); errno != wasi.ErrnoSuccess {
			return errnoErr("renumber", "", errno)
		}

	case *journal.DuplicateFileDescriptor:
		fd, errno := s.fs.DupFd(e.OriginalFd)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("dup", "", errno)
		}
		if errno := s.reopenAt(fd, e.CopiedFd); errno != wasi.ErrnoSuccess {
			return errnoErr("renumber", "", errno)
		}

	case *journal.FileDescriptorSeek:
		if _, errno := s.fs.FdSeek(e.Fd, e.Offset, e.Whence); errno != wasi.ErrnoSuccess {
			return errnoErr("seek", "", errno)
		}

	case *journal.FileDescriptorWrite:
		if _, errno := s.fs.FdPwrite(e.Fd, [][]byte{e.Data}, e.Offset); errno != wasi.ErrnoSuccess {
			return errnoErr("write", "", errno)
		}

	case *journal.CreateDirectory:
		if errno := s.fs.CreateDirAt(e.Fd, e.Path); errno != wasi.ErrnoSuccess && errno != wasi.ErrnoExist {
			return errnoErr("mkdir", e.Path, errno)
		}

	case *journal.RemoveDirectory:
		if errno := s.fs.RemoveDirAt(e.Fd, e.Path); errno != wasi.ErrnoSuccess {
			return errnoErr("rmdir", e.Path, errno)
		}

	case *journal.UnlinkFile:
		if errno := s.fs.UnlinkFileAt(e.Fd, e.Path); errno != wasi.ErrnoSuccess {
			return errnoErr("unlink", e.Path, errno)
		}

	case *journal.PathRename:
		if errno := s.fs.RenameAt(e.OldFd, e.OldPath, e.NewFd, e.NewPath); errno != wasi.ErrnoSuccess {
			return errnoErr("rename", e.OldPath, errno)
		}

	case *journal.CreateSymbolicLink:
		if errno := s.fs.SymlinkAt(e.OldPath, e.Fd, e.NewPath); errno != wasi.ErrnoSuccess {
			return errnoErr("symlink", e.NewPath, errno)
		}

	case *journal.CreateHardLink:
		// Hard links are not supported by the sandbox; the original call
		// failed the same way, so there is nothing to rebuild.
		log.Warn("skipping hard link entry")

	case *journal.PathSetTimes:
		if errno := s.fs.PathSetTimes(e.Fd, e.Dirflags, e.Path, e.Atime, e.Mtime, e.Flags); errno != wasi.ErrnoSuccess {
			return errnoErr("set-times", e.Path, errno)
		}

	case *journal.FileDescriptorSetFlags:
		if errno := s.fs.FdSetFlags(e.Fd, e.Flags); errno != wasi.ErrnoSuccess {
			return errnoErr("set-flags", "", errno)
		}

	case *journal.FileDescriptorSetRights:
		if errno := s.fs.FdSetRights(e.Fd, e.Rights, e.RightsInheriting); errno != wasi.ErrnoSuccess {
			return errnoErr("set-rights", "", errno)
		}

	case *journal.FileDescriptorSetTimes:
		if errno := s.fs.FdSetTimes(e.Fd, e.Atime, e.Mtime, e.Flags); errno != wasi.ErrnoSuccess {
			return errnoErr("fd-set-times", "", errno)
		}

	case *journal.FileDescriptorSetSize:
		if errno := s.fs.FdSetSize(e.Fd, e.Size); errno != wasi.ErrnoSuccess {
			return errnoErr("set-size", "", errno)
		}

	case *journal.FileDescriptorAdvise:
		if errno := s.fs.FdAdvise(e.Fd, e.Offset, e.Len, e.Advice); errno != wasi.ErrnoSuccess {
			return errnoErr("advise", "", errno)
		}

	case *journal.FileDescriptorAllocate:
		if errno := s.fs.FdAllocate(e.Fd, e.Offset, e.Len); errno != wasi.ErrnoSuccess {
			return errnoErr("allocate", "", errno)
		}

	case *journal.SocketOpen:
		sock := socket.New(e.Family, e.Ty, e.Proto)
		fd, errno := s.fs.CreateSocketFd(sock, wasi.SocketRights)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-open", "", errno)
		}
		if errno := s.reopenAt(fd, e.Fd); errno != wasi.ErrnoSuccess {
			return errnoErr("renumber", "", errno)
		}

	case *journal.SocketBind:
		sock, errno := s.sockOf(e.Fd)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-bind", "", errno)
		}
		if errno := sock.Bind(ctx, s.net, e.IP, e.Port); errno != wasi.ErrnoSuccess {
			return errnoErr("socket-bind", "", errno)
		}

	case *journal.SocketListen:
		sock, errno := s.sockOf(e.Fd)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-listen", "", errno)
		}
		if errno := sock.Listen(ctx, s.net, int(e.Backlog)); errno != wasi.ErrnoSuccess {
			return errnoErr("socket-listen", "", errno)
		}

	case *journal.SocketConnected:
		sock, errno := s.sockOf(e.Fd)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-connect", "", errno)
		}
		if errno := sock.Connect(ctx, s.net, e.PeerIP, e.PeerPort); errno != wasi.ErrnoSuccess {
			// The peer is gone; the descriptor must still occupy its
			// slot so later entries resolve.
			log.WithField("fd", e.Fd).WithField("errno", errno).Warn("peer unreachable during replay")
		}

	case *journal.SocketAccepted:
		// Accepted connections cannot be re-established from our side.
		// Park a fresh pre-socket at the recorded fd so later entries
		// referencing it resolve instead of faulting.
		sock := socket.New(wasi.AddressFamilyInet4, wasi.SocketTypeStream, wasi.ProtocolTCP)
		fd, errno := s.fs.CreateSocketFd(sock, wasi.SocketRights)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-accept", "", errno)
		}
		if errno := s.reopenAt(fd, e.Fd); errno != wasi.ErrnoSuccess {
			return errnoErr("renumber", "", errno)
		}
		log.WithField("fd", e.Fd).Warn("accepted connection replayed as placeholder")

	case *journal.SocketSend, *journal.SocketSendTo, *journal.SocketSendFile:
		// Network writes are external side effects; replay rebuilds
		// local state only.

	case *journal.SocketSetOptFlag:
		sock, errno := s.sockOf(e.Fd)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-set-opt", "", errno)
		}
		if errno := sock.SetOptFlag(e.Opt, e.Flag); errno != wasi.ErrnoSuccess {
			log.WithField("opt", e.Opt).Warn("option not restored")
		}

	case *journal.SocketSetOptTime:
		sock, errno := s.sockOf(e.Fd)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-set-opt", "", errno)
		}
		var d *time.Duration
		if e.HasTime {
			d = &e.Time
		}
		if errno := sock.SetOptTime(e.Ty, d); errno != wasi.ErrnoSuccess {
			log.WithField("ty", e.Ty).Warn("timeout not restored")
		}

	case *journal.SocketShutdown:
		sock, errno := s.sockOf(e.Fd)
		if errno != wasi.ErrnoSuccess {
			return errnoErr("socket-shutdown", "", errno)
		}
		if errno := sock.Shutdown(e.How); errno != wasi.ErrnoSuccess {
			log.Warn("shutdown not restored")
		}

	case *journal.Unknown:
		log.WithField("tag", e.Tag).Debug("skipping unrecognized entry")

	default:
		// Remaining variants (tty, epoll, pipes, events, multicast,
		// port configuration) describe ambient state this layer does
		// not own; they are preserved in the log but not applied.
		log.Debug("entry not applied")
	}
	return nil
}

func errnoErr(op, path string, errno wasi.Errno) error {
	if path != "" {
		return errors.Errorf("%s %q: %s", op, path, errno)
	}
	return errors.Errorf("%s: %s", op, errno)
}
