package sys

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/pgavlin/wharf/journal"
	"github.com/pgavlin/wharf/socket"
	"github.com/pgavlin/wharf/vfs"
	"github.com/pgavlin/wharf/vnet"
	"github.com/pgavlin/wharf/wasi"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestSystem(t *testing.T, j journal.Writer, provider vnet.Provider) (*System, int32) {
	t.Helper()

	host := afero.NewMemMapFs()
	require.NoError(t, host.MkdirAll("/data", 0o755))

	fs, err := vfs.New(host, &vfs.Options{
		Stdin:  bytes.NewReader(nil),
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
		Preopens: []vfs.Preopen{
			{Path: "/data", HostPath: "/data"},
		},
	})
	require.NoError(t, err)

	sys := New(Options{FS: fs, Net: provider, Journal: j, Log: quietLog()})
	for _, fd := range fs.PreopenFds() {
		alias, errno := fs.PreopenPath(fd)
		require.Equal(t, wasi.ErrnoSuccess, errno)
		if alias == "data" {
			return sys, fd
		}
	}
	t.Fatal("no data preopen")
	return nil, -1
}

func openRW(t *testing.T, sys *System, dirFd int32, path string, oflags wasi.Oflags) int32 {
	t.Helper()
	fd, errno := sys.PathOpen(context.Background(), dirFd, wasi.LookupSymlinkFollow, path, oflags, wasi.FileRights|wasi.DirectoryRights, wasi.FileRights|wasi.DirectoryRights, 0)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	return fd
}

func entryTypes(entries []journal.Entry) []journal.EntryType {
	types := make([]journal.EntryType, len(entries))
	for i, e := range entries {
		types[i] = e.Type()
	}
	return types
}

func TestSyscallsEmitJournalEntries(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	sys, dirFd := newTestSystem(t, mem, nil)

	fd := openRW(t, sys, dirFd, "log.txt", wasi.OflagCreate)
	n, errno := sys.FdWrite(ctx, fd, [][]byte{[]byte("hello "), []byte("world")})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint32(11), n)
	require.Equal(t, wasi.ErrnoSuccess, sys.FdClose(ctx, fd))
	require.Equal(t, wasi.ErrnoSuccess, sys.PathCreateDirectory(ctx, dirFd, "sub"))

	entries := mem.Entries()
	require.Equal(t, []journal.EntryType{
		journal.TypeOpenFileDescriptor,
		journal.TypeFileDescriptorWrite,
		journal.TypeCloseFileDescriptor,
		journal.TypeCreateDirectory,
	}, entryTypes(entries))

	// The write entry captures the pre-write cursor and the flattened
	// buffers.
	write := entries[1].(*journal.FileDescriptorWrite)
	require.Equal(t, fd, write.Fd)
	require.Equal(t, uint64(0), write.Offset)
	require.Equal(t, []byte("hello world"), write.Data)
}

func TestFailedCallsAreNotJournaled(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	sys, dirFd := newTestSystem(t, mem, nil)

	_, errno := sys.PathOpen(ctx, dirFd, wasi.LookupSymlinkFollow, "absent.txt", 0, wasi.FileRights, wasi.FileRights, 0)
	require.Equal(t, wasi.ErrnoNoent, errno)
	require.Equal(t, wasi.ErrnoBadf, sys.FdClose(ctx, 99))
	require.Empty(t, mem.Entries())
}

func TestSockSyscallsEmitJournalEntries(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	sys, _ := newTestSystem(t, mem, vnet.NewLoopback())

	fd, errno := sys.SockOpen(ctx, wasi.AddressFamilyInet4, wasi.SocketTypeStream, wasi.ProtocolTCP)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, wasi.ErrnoSuccess, sys.SockBind(ctx, fd, net.IPv4(127, 0, 0, 1), 8080))
	require.Equal(t, wasi.ErrnoSuccess, sys.SockListen(ctx, fd, 16))

	require.Equal(t, []journal.EntryType{
		journal.TypeSocketOpen,
		journal.TypeSocketBind,
		journal.TypeSocketListen,
		// The first listen is a snapshot consistency point.
		journal.TypeSnapshot,
	}, entryTypes(mem.Entries()))

	snap := mem.Entries()[3].(*journal.Snapshot)
	require.Equal(t, journal.TriggerFirstListen, snap.Trigger)

	// A second listener does not fire the trigger again.
	fd2, errno := sys.SockOpen(ctx, wasi.AddressFamilyInet4, wasi.SocketTypeStream, wasi.ProtocolTCP)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, wasi.ErrnoSuccess, sys.SockBind(ctx, fd2, net.IPv4(127, 0, 0, 1), 8081))
	require.Equal(t, wasi.ErrnoSuccess, sys.SockListen(ctx, fd2, 16))
	require.Len(t, mem.Entries(), 7)
}

func TestReplayRebuildsFiles(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()

	// Record a session that creates, writes, and renames a file.
	recorded, dirFd := newTestSystem(t, mem, nil)
	fd := openRW(t, recorded, dirFd, "draft.txt", wasi.OflagCreate)
	_, errno := recorded.FdWrite(ctx, fd, [][]byte{[]byte("persisted state")})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, wasi.ErrnoSuccess, recorded.FdClose(ctx, fd))
	require.Equal(t, wasi.ErrnoSuccess, recorded.PathCreateDirectory(ctx, dirFd, "out"))
	require.Equal(t, wasi.ErrnoSuccess, recorded.PathRename(ctx, dirFd, "draft.txt", dirFd, "out/final.txt"))
	recorded.ProcessExit(ctx, 3)

	// Replay into a fresh system backed by an empty filesystem.
	replayed, dirFd2 := newTestSystem(t, journal.Discard{}, nil)
	require.Equal(t, dirFd, dirFd2)
	result, err := replayed.Replay(ctx, mem)
	require.NoError(t, err)
	require.True(t, result.Exited)
	require.Equal(t, wasi.ExitCode(3), result.Code)

	fd = openRW(t, replayed, dirFd2, "out/final.txt", 0)
	buf := make([]byte, 32)
	n, errno := replayed.FdRead(fd, [][]byte{buf})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, "persisted state", string(buf[:n]))
}

func TestAppendWriteJournalsLandingOffset(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	recorded, dirFd := newTestSystem(t, mem, nil)

	fd := openRW(t, recorded, dirFd, "log.txt", wasi.OflagCreate)
	_, errno := recorded.FdWrite(ctx, fd, [][]byte{[]byte("0123456789")})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, wasi.ErrnoSuccess, recorded.FdClose(ctx, fd))

	// An append-mode descriptor writes at the end of the file no matter
	// where its cursor sits; the journal must record that position.
	afd, errno := recorded.PathOpen(ctx, dirFd, wasi.LookupSymlinkFollow, "log.txt", 0, wasi.FileRights, wasi.FileRights, wasi.FdflagAppend)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	_, errno = recorded.FdWrite(ctx, afd, [][]byte{[]byte("xyz")})
	require.Equal(t, wasi.ErrnoSuccess, errno)

	var write *journal.FileDescriptorWrite
	for _, e := range mem.Entries() {
		if w, ok := e.(*journal.FileDescriptorWrite); ok && w.Fd == afd {
			write = w
		}
	}
	require.NotNil(t, write)
	require.Equal(t, uint64(10), write.Offset)

	replayed, dirFd2 := newTestSystem(t, journal.Discard{}, nil)
	_, err := replayed.Replay(ctx, mem)
	require.NoError(t, err)

	fd = openRW(t, replayed, dirFd2, "log.txt", 0)
	buf := make([]byte, 16)
	n, errno := replayed.FdRead(fd, [][]byte{buf})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, "0123456789xyz", string(buf[:n]))
}

func TestReplayRebuildsListeners(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()

	recorded, _ := newTestSystem(t, mem, vnet.NewLoopback())
	fd, errno := recorded.SockOpen(ctx, wasi.AddressFamilyInet4, wasi.SocketTypeStream, wasi.ProtocolTCP)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, wasi.ErrnoSuccess, recorded.SockBind(ctx, fd, net.IPv4(127, 0, 0, 1), 8090))
	require.Equal(t, wasi.ErrnoSuccess, recorded.SockListen(ctx, fd, 16))

	replayed, _ := newTestSystem(t, journal.Discard{}, vnet.NewLoopback())
	_, err := replayed.Replay(ctx, mem)
	require.NoError(t, err)

	// The descriptor resolves at its recorded number and is listening.
	res, errno := replayed.FS().SocketOf(fd)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	sock := res.(*socket.InodeSocket)
	listening, errno := sock.GetOptFlag(wasi.SockOptionListening)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.True(t, listening)
}

type failingReader struct{ err error }

func (r failingReader) Read(context.Context) (journal.Entry, error) { return nil, r.err }

func TestReplayAbortsOnReadError(t *testing.T) {
	replayed, _ := newTestSystem(t, journal.Discard{}, nil)
	_, err := replayed.Replay(context.Background(), failingReader{err: journal.ErrShortRecord})
	require.ErrorIs(t, err, journal.ErrShortRecord)
}

func TestBridgeBlockFastPath(t *testing.T) {
	sys, _ := newTestSystem(t, journal.Discard{}, nil)
	bridge := NewBridge(sys)
	ctx := context.Background()

	// A ready fast path never reaches the slow path.
	errno := bridge.Block(ctx, nil,
		func() (bool, wasi.Errno) { return true, wasi.ErrnoSuccess },
		func(context.Context) wasi.Errno {
			t.Fatal("slow path must not run")
			return wasi.ErrnoSuccess
		})
	require.Equal(t, wasi.ErrnoSuccess, errno)

	// A zero timeout is a non-blocking poll.
	zero := time.Duration(0)
	errno = bridge.Block(ctx, &zero,
		func() (bool, wasi.Errno) { return false, wasi.ErrnoSuccess },
		func(context.Context) wasi.Errno {
			t.Fatal("slow path must not run")
			return wasi.ErrnoSuccess
		})
	require.Equal(t, wasi.ErrnoAgain, errno)
}

func TestBridgeBlockSlowPath(t *testing.T) {
	sys, _ := newTestSystem(t, journal.Discard{}, nil)
	bridge := NewBridge(sys)

	// The slow path result passes through when it beats the timeout.
	timeout := time.Second
	errno := bridge.Block(context.Background(), &timeout,
		func() (bool, wasi.Errno) { return false, wasi.ErrnoSuccess },
		func(context.Context) wasi.Errno { return wasi.ErrnoConnrefused })
	require.Equal(t, wasi.ErrnoConnrefused, errno)

	// An expired timeout surfaces as Again even if the slow path reports
	// success once it notices the deadline.
	timeout = 10 * time.Millisecond
	errno = bridge.Block(context.Background(), &timeout,
		func() (bool, wasi.Errno) { return false, wasi.ErrnoSuccess },
		func(ctx context.Context) wasi.Errno {
			<-ctx.Done()
			return wasi.ErrnoSuccess
		})
	require.Equal(t, wasi.ErrnoAgain, errno)

	// Cancellation surfaces as Intr.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errno = bridge.Block(ctx, nil,
		func() (bool, wasi.Errno) { return false, wasi.ErrnoSuccess },
		func(ctx context.Context) wasi.Errno {
			<-ctx.Done()
			return wasi.ErrnoSuccess
		})
	require.Equal(t, wasi.ErrnoIntr, errno)
}

func TestClockTimeSetConcurrent(t *testing.T) {
	ctx := context.Background()
	sys, _ := newTestSystem(t, journal.Discard{}, nil)

	// Setters and getters race from different guest threads; the offset
	// table must stay consistent under the race detector.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			ts := wasi.TimestampFromTime(time.Now().Add(time.Duration(i) * time.Millisecond))
			require.Equal(t, wasi.ErrnoSuccess, sys.ClockTimeSet(ctx, wasi.ClockRealtime, ts))
		}
	}()
	for i := 0; i < 1000; i++ {
		_, errno := sys.ClockTimeGet(wasi.ClockRealtime)
		require.Equal(t, wasi.ErrnoSuccess, errno)
	}
	<-done

	ts, errno := sys.ClockTimeGet(wasi.ClockRealtime)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.WithinDuration(t, time.Now().Add(999*time.Millisecond), ts.Time(), 100*time.Millisecond)
}

func TestThreadsQuiescence(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	sys, _ := newTestSystem(t, mem, nil)

	main := sys.Threads().Register(0, journal.ThreadStartMain)
	worker := sys.Threads().Register(1, journal.ThreadStartSpawn)

	require.False(t, sys.Threads().setState(main, ThreadDeepSleeping))
	require.True(t, sys.Threads().setState(worker, ThreadDeepSleeping))
	require.Equal(t, ThreadDeepSleeping, sys.Threads().State(worker))

	require.False(t, sys.Threads().setState(worker, ThreadRunning))

	code := wasi.ExitCode(0)
	sys.Threads().Exit(ctx, 1, &code)
	_, ok := sys.Threads().Get(1)
	require.False(t, ok)

	// The exit is journaled; the sole remaining thread going deep asleep
	// makes the process quiescent.
	entries := mem.Entries()
	require.Len(t, entries, 1)
	closed := entries[0].(*journal.CloseThread)
	require.Equal(t, uint32(1), closed.ID)
	require.True(t, closed.HasCode)
	require.True(t, sys.Threads().setState(main, ThreadDeepSleeping))
}

type scriptedStack struct {
	rewound  []RewindState
	captured int
}

func (s *scriptedStack) CaptureStack() ([]byte, []byte, []byte, error) {
	s.captured++
	return []byte("mem"), []byte("call"), []byte("store"), nil
}

func (s *scriptedStack) RewindStack(state RewindState) error {
	s.rewound = append(s.rewound, state)
	return nil
}

func TestDeepSleepWakes(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	sys, _ := newTestSystem(t, mem, nil)
	bridge := NewBridge(sys)

	th := sys.Threads().Register(0, journal.ThreadStartMain)
	stack := &scriptedStack{}
	layout := journal.MemoryLayout{StackUpper: 0x8000, StackLower: 0x4000, StackSize: 0x4000}

	done := make(chan error, 1)
	go func() {
		done <- bridge.DeepSleep(ctx, th, stack, layout, false)
	}()

	// Wait until the thread has parked, then wake it.
	require.Eventually(t, func() bool {
		return sys.Threads().State(th) == ThreadDeepSleeping
	}, time.Second, time.Millisecond)
	th.Wake()
	require.NoError(t, <-done)

	require.Equal(t, 1, stack.captured)
	require.Len(t, stack.rewound, 1)
	require.Equal(t, []byte("call"), stack.rewound[0].RewindStack)
	require.Equal(t, ThreadRunning, sys.Threads().State(th))

	// The captured stack and the idle snapshot are journaled in order.
	types := entryTypes(mem.Entries())
	require.Equal(t, []journal.EntryType{journal.TypeSetThread, journal.TypeSnapshot}, types)
	snap := mem.Entries()[1].(*journal.Snapshot)
	require.Equal(t, journal.TriggerIdle, snap.Trigger)
}
