package journal

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// LogFile is the persistent journal: an append-only file of
// `[8-byte native-endian length][payload]` records. There is no header,
// no index, and no checksum; it is a replay log, not a queryable store.
// An advisory file lock guards against a second writer process.
type LogFile struct {
	mu sync.Mutex

	f    *os.File
	lock *flock.Flock

	// atEOF tracks whether the file cursor is known to sit at EOF, so the
	// append path can skip the seek after consecutive writes.
	atEOF bool

	// readOff is the sequential read cursor. Reads go through ReadAt and
	// never disturb the append cursor.
	readOff int64
}

// OpenLogFile opens or creates a journal log and takes its file lock.
func OpenLogFile(path string) (*LogFile, error) {
	lock := flock.New(path + ".lock")
	held, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "journal: lock log file")
	}
	if !held {
		return nil, errors.Errorf("journal: log file %s is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "journal: open log file")
	}
	return &LogFile{f: f, lock: lock}, nil
}

// Write appends one entry. Appends only ever grow the log; nothing is
// compacted or rewritten.
func (l *LogFile) Write(_ context.Context, e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.atEOF {
		if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
			return errors.Wrap(err, "journal: seek to end")
		}
		l.atEOF = true
	}

	var header [8]byte
	binary.NativeEndian.PutUint64(header[:], uint64(len(data)))
	if _, err := l.f.Write(header[:]); err != nil {
		l.atEOF = false
		return errors.Wrap(err, "journal: write record header")
	}
	if _, err := l.f.Write(data); err != nil {
		l.atEOF = false
		return errors.Wrap(err, "journal: write record payload")
	}
	return nil
}

// Read returns the next entry in append order, or (nil, nil) once the log
// is exhausted. A record whose payload is shorter than its header claims
// is a hard error: partial writes do not self-heal.
func (l *LogFile) Read(_ context.Context) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var header [8]byte
	n, err := l.f.ReadAt(header[:], l.readOff)
	if n < len(header) {
		if err == io.EOF || err == nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "journal: read record header")
	}

	size := binary.NativeEndian.Uint64(header[:])

	// Bound the claimed length against what the file actually holds before
	// allocating; a corrupt header must fail like any truncated record.
	info, err := l.f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "journal: stat log file")
	}
	remaining := info.Size() - l.readOff - int64(len(header))
	if remaining < 0 || size > uint64(remaining) {
		return nil, errors.Wrap(ErrShortRecord, "journal: record length exceeds log size")
	}

	payload := make([]byte, size)
	n, err = l.f.ReadAt(payload, l.readOff+int64(len(header)))
	if uint64(n) < size {
		if err == io.EOF || err == nil {
			return nil, errors.Wrap(ErrShortRecord, "journal: truncated record payload")
		}
		return nil, errors.Wrap(err, "journal: read record payload")
	}

	entry, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	l.readOff += int64(len(header)) + int64(size)
	return entry, nil
}

// Sync flushes appended records to stable storage.
func (l *LogFile) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Sync()
}

// Close releases the file and its lock.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.f.Close()
	if uerr := l.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
