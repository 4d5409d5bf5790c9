package journal

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgavlin/wharf/wasi"
)

func TestCodecRoundTrip(t *testing.T) {
	entries := []Entry{
		&InitModule{WasmHash: []byte{0xde, 0xad, 0xbe, 0xef}},
		&ClearEthereal{},
		&ProcessExit{HasCode: true, Code: 7},
		&SetThread{
			ID:          3,
			CallStack:   []byte("call"),
			MemoryStack: []byte("mem"),
			StoreData:   []byte("store"),
			Start:       ThreadStartSpawn,
			StartPtr:    0x1000,
			Layout: MemoryLayout{
				StackUpper: 0x8000,
				StackLower: 0x4000,
				GuardSize:  0x1000,
				StackSize:  0x4000,
			},
			Is64Bit: true,
		},
		&CloseThread{ID: 3, HasCode: true, Code: 1},
		&FileDescriptorSeek{Fd: 4, Offset: -12, Whence: wasi.WhenceEnd},
		&FileDescriptorWrite{Fd: 4, Offset: 1024, Data: []byte("payload")},
		&SetClockTime{Clock: wasi.ClockMonotonic, Time: 123456789},
		&OpenFileDescriptor{
			Fd:               5,
			DirFd:            3,
			Dirflags:         wasi.LookupSymlinkFollow,
			Path:             "dir/file.txt",
			OFlags:           wasi.OflagCreate,
			Rights:           wasi.FileRights,
			RightsInheriting: wasi.ReadOnlyRights,
			Fdflags:          wasi.FdflagAppend,
		},
		&CloseFileDescriptor{Fd: 5},
		&RenumberFileDescriptor{OldFd: 5, NewFd: 9},
		&DuplicateFileDescriptor{OriginalFd: 4, CopiedFd: 10},
		&CreateDirectory{Fd: 3, Path: "newdir"},
		&PathRename{OldFd: 3, OldPath: "a", NewFd: 3, NewPath: "b"},
		&UnlinkFile{Fd: 3, Path: "stale"},
		&CreateSymbolicLink{OldPath: "target", Fd: 3, NewPath: "link"},
		&Snapshot{When: time.Unix(0, 1693500000000000000), Trigger: TriggerFirstListen},
		&SocketOpen{Family: wasi.AddressFamilyInet6, Ty: wasi.SocketTypeDgram, Proto: wasi.ProtocolUDP, Fd: 6},
		&SocketBind{Fd: 6, IP: net.IPv4(127, 0, 0, 1), Port: 8080},
		&SocketListen{Fd: 6, Backlog: 128},
		&SocketConnected{
			Fd:        7,
			LocalIP:   net.IPv4(127, 0, 0, 1),
			LocalPort: 49152,
			PeerIP:    net.ParseIP("::1"),
			PeerPort:  443,
		},
		&SocketAccepted{
			ListenFd:    6,
			Fd:          8,
			PeerIP:      net.IPv4(10, 0, 0, 2),
			PeerPort:    31337,
			Fdflags:     wasi.FdflagNonblock,
			NonBlocking: true,
		},
		&SocketSend{Fd: 7, Data: []byte("ping"), Flags: 0},
		&SocketSendTo{Fd: 6, Data: []byte("dgram"), Flags: 1, IP: net.IPv4(10, 0, 0, 3), Port: 9000},
		&SocketSetOptFlag{Fd: 7, Opt: wasi.SockOptionNoDelay, Flag: true},
		&SocketSetOptSize{Fd: 7, Opt: wasi.SockOptionSendBufSize, Size: 65536},
		&SocketSetOptTime{Fd: 7, Ty: wasi.TimeTypeReadTimeout, HasTime: true, Time: 250 * time.Millisecond},
		&SocketShutdown{Fd: 7, How: wasi.ShutdownWrite},
		&TtySet{Cols: 80, Rows: 24, StdinTty: true, StdoutTty: true, Echo: true, LineBuffered: true},
		&EpollCtl{EpFd: 11, Op: EpollCtlAdd, Fd: 7, Events: 0x5},
		&PortAddAddr{IP: net.IPv4(192, 168, 1, 2), PrefixLen: 24},
		&PortBridge{Network: "lan0", Token: "secret", Security: 2},
	}

	for _, e := range entries {
		e := e
		t.Run(e.Type().String(), func(t *testing.T) {
			data, err := Encode(e)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, e, got)
		})
	}
}

func TestCodecMemoryRegionCompressed(t *testing.T) {
	// A page of zeros compresses well; the wire record must be much
	// smaller than the raw region and still round-trip exactly.
	region := make([]byte, 4096)
	copy(region, []byte("nonzero prefix"))
	e := &UpdateMemoryRegion{Start: 0x10000, End: 0x11000, Data: region}

	data, err := Encode(e)
	require.NoError(t, err)
	require.Less(t, len(data), len(region)/2)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestCodecUnknownPassthrough(t *testing.T) {
	raw := []byte{0x39, 0x30, 'o', 'p', 'a', 'q', 'u', 'e'} // tag 0x3039 = 12345

	e, err := Decode(raw)
	require.NoError(t, err)
	unknown, ok := e.(*Unknown)
	require.True(t, ok)
	require.Equal(t, uint16(12345), unknown.Tag)
	require.Equal(t, []byte("opaque"), unknown.Payload)

	// Re-encoding an unknown record must be byte-for-byte lossless.
	reencoded, err := Encode(unknown)
	require.NoError(t, err)
	require.True(t, bytes.Equal(raw, reencoded))
}

func TestCodecShortRecord(t *testing.T) {
	data, err := Encode(&OpenFileDescriptor{Fd: 5, DirFd: 3, Path: "file"})
	require.NoError(t, err)

	for _, cut := range []int{1, len(data) / 2, len(data) - 1} {
		_, err := Decode(data[:cut])
		require.ErrorIs(t, err, ErrShortRecord)
	}
}

func TestMemoryJournal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &CreateDirectory{Fd: 3, Path: "a"}
	second := &UnlinkFile{Fd: 3, Path: "b"}
	require.NoError(t, m.Write(ctx, first))
	require.NoError(t, m.Write(ctx, second))

	e, err := m.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, first, e)
	e, err = m.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, second, e)
	e, err = m.Read(ctx)
	require.NoError(t, err)
	require.Nil(t, e)

	m.Rewind()
	e, err = m.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, first, e)

	require.Len(t, m.Entries(), 2)
}

func TestCountingWriter(t *testing.T) {
	ctx := context.Background()
	next := NewMemory()
	c := NewCounting(next)

	require.NoError(t, c.Write(ctx, &CreateDirectory{Fd: 3, Path: "a"}))
	require.NoError(t, c.Write(ctx, &CreateDirectory{Fd: 3, Path: "bb"}))
	require.NoError(t, c.Write(ctx, &CloseFileDescriptor{Fd: 4}))

	stats := c.Stats()
	require.Equal(t, uint64(2), stats[TypeCreateDirectory].Count)
	require.Equal(t, uint64(1), stats[TypeCloseFileDescriptor].Count)
	require.NotZero(t, stats[TypeCreateDirectory].Bytes)

	// Entries flow through to the wrapped writer.
	require.Len(t, next.Entries(), 3)
}
