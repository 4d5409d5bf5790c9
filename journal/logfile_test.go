package journal

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogFileAppendAndRead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.journal")

	log, err := OpenLogFile(path)
	require.NoError(t, err)

	written := []Entry{
		&CreateDirectory{Fd: 3, Path: "state"},
		&FileDescriptorWrite{Fd: 4, Offset: 0, Data: []byte("hello")},
		&CloseFileDescriptor{Fd: 4},
	}
	for _, e := range written {
		require.NoError(t, log.Write(ctx, e))
	}
	require.NoError(t, log.Sync())

	// Reads follow append order and do not disturb further appends.
	e, err := log.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, written[0], e)

	require.NoError(t, log.Write(ctx, &UnlinkFile{Fd: 3, Path: "tmp"}))

	for _, want := range written[1:] {
		e, err := log.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, want, e)
	}
	e, err = log.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, &UnlinkFile{Fd: 3, Path: "tmp"}, e)

	e, err = log.Read(ctx)
	require.NoError(t, err)
	require.Nil(t, e)

	require.NoError(t, log.Close())

	// Reopening starts a fresh read cursor over the same records.
	log, err = OpenLogFile(path)
	require.NoError(t, err)
	defer log.Close()
	e, err = log.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, written[0], e)
}

func TestLogFileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.journal")

	log, err := OpenLogFile(path)
	require.NoError(t, err)
	defer log.Close()

	_, err = OpenLogFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "locked")
}

func TestLogFileTruncatedPayload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.journal")

	log, err := OpenLogFile(path)
	require.NoError(t, err)
	require.NoError(t, log.Write(ctx, &FileDescriptorWrite{Fd: 4, Offset: 0, Data: []byte("doomed")}))
	require.NoError(t, log.Close())

	// Chop the tail of the payload; the header still claims the full size.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	log, err = OpenLogFile(path)
	require.NoError(t, err)
	defer log.Close()
	_, err = log.Read(ctx)
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestLogFileCorruptLength(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.journal")

	// A header whose length field dwarfs the file must fail as a short
	// record, not allocate the claimed size.
	var header [8]byte
	binary.NativeEndian.PutUint64(header[:], 1<<62)
	require.NoError(t, os.WriteFile(path, append(header[:], 0xff), 0o644))

	log, err := OpenLogFile(path)
	require.NoError(t, err)
	defer log.Close()
	_, err = log.Read(ctx)
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestLogFilePartialHeaderIsEOF(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.journal")

	log, err := OpenLogFile(path)
	require.NoError(t, err)
	require.NoError(t, log.Write(ctx, &CloseFileDescriptor{Fd: 4}))
	require.NoError(t, log.Close())

	// A few stray bytes after the last record cannot form a header; the
	// log reads as cleanly exhausted.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log, err = OpenLogFile(path)
	require.NoError(t, err)
	defer log.Close()

	e, err := log.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, &CloseFileDescriptor{Fd: 4}, e)
	e, err = log.Read(ctx)
	require.NoError(t, err)
	require.Nil(t, e)
}
