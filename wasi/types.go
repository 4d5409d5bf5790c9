package wasi

import (
	"fmt"
	"os"
	"time"
)

// Filetype identifies the kind of filesystem object an inode refers to.
type Filetype uint8

const (
	FiletypeUnknown Filetype = iota
	FiletypeBlockDevice
	FiletypeCharacterDevice
	FiletypeDirectory
	FiletypeRegularFile
	FiletypeSocketDgram
	FiletypeSocketStream
	FiletypeSymbolicLink
)

func (t Filetype) String() string {
	switch t {
	case FiletypeBlockDevice:
		return "block device"
	case FiletypeCharacterDevice:
		return "character device"
	case FiletypeDirectory:
		return "directory"
	case FiletypeRegularFile:
		return "regular file"
	case FiletypeSocketDgram:
		return "datagram socket"
	case FiletypeSocketStream:
		return "stream socket"
	case FiletypeSymbolicLink:
		return "symbolic link"
	default:
		return "unknown"
	}
}

// FiletypeFromMode derives the filetype from a host file mode.
func FiletypeFromMode(mode os.FileMode) Filetype {
	switch {
	case mode.IsDir():
		return FiletypeDirectory
	case mode&os.ModeSymlink != 0:
		return FiletypeSymbolicLink
	case mode&os.ModeDevice != 0:
		return FiletypeBlockDevice
	case mode&os.ModeCharDevice != 0:
		return FiletypeCharacterDevice
	case mode&os.ModeSocket != 0:
		return FiletypeSocketStream
	default:
		return FiletypeRegularFile
	}
}

// Fdflags are the per-descriptor flags of an open file.
type Fdflags uint16

const (
	// Append mode: data written to the file is always appended to the file's end.
	FdflagAppend Fdflags = 1 << 0
	// Write according to synchronized I/O data integrity completion.
	FdflagDsync Fdflags = 1 << 1
	// Non-blocking mode.
	FdflagNonblock Fdflags = 1 << 2
	// Synchronized read I/O operations.
	FdflagRsync Fdflags = 1 << 3
	// Write according to synchronized I/O file integrity completion.
	FdflagSync Fdflags = 1 << 4
)

// Oflags control the behavior of path_open.
type Oflags uint16

const (
	// Create file if it does not exist.
	OflagCreate Oflags = 1 << 0
	// Fail if not a directory.
	OflagDirectory Oflags = 1 << 1
	// Fail if file already exists.
	OflagExcl Oflags = 1 << 2
	// Truncate file to size 0.
	OflagTrunc Oflags = 1 << 3
)

// Fstflags select which timestamps a filestat_set_times call updates.
type Fstflags uint16

const (
	// Adjust the last data access timestamp to the value given.
	FstflagAtim Fstflags = 1 << 0
	// Adjust the last data access timestamp to the current time.
	FstflagAtimNow Fstflags = 1 << 1
	// Adjust the last data modification timestamp to the value given.
	FstflagMtim Fstflags = 1 << 2
	// Adjust the last data modification timestamp to the current time.
	FstflagMtimNow Fstflags = 1 << 3
)

// Lookupflags control symlink following during path resolution.
type Lookupflags uint32

const (
	// Follow symlinks in the final path component.
	LookupSymlinkFollow Lookupflags = 1 << 0
)

// Whence is the base of a seek.
type Whence uint8

const (
	WhenceSet Whence = iota
	WhenceCur
	WhenceEnd
)

// Advice is the file access pattern hint of fd_advise.
type Advice uint8

const (
	AdviceNormal Advice = iota
	AdviceSequential
	AdviceRandom
	AdviceWillneed
	AdviceDontneed
	AdviceNoreuse
)

// Clockid identifies a host clock.
type Clockid uint32

const (
	ClockRealtime Clockid = iota
	ClockMonotonic
	ClockProcessCputimeID
	ClockThreadCputimeID
)

// Timestamp is a time value in nanoseconds.
type Timestamp uint64

// TimestampFromTime converts a wall-clock time to a timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	if t.IsZero() {
		return 0
	}
	return Timestamp(t.UnixNano())
}

// Time converts the timestamp back to wall-clock time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(0, int64(ts))
}

// Filestat is the attribute set of a filesystem object.
type Filestat struct {
	Dev      uint64
	Inode    uint64
	Filetype Filetype
	Nlink    uint64
	Size     uint64
	Atime    Timestamp
	Mtime    Timestamp
	Ctime    Timestamp
}

// Fdstat is the attribute set of an open file descriptor.
type Fdstat struct {
	Filetype         Filetype
	Flags            Fdflags
	Rights           Rights
	RightsInheriting Rights
}

// Dircookie is the position of a directory-entry cursor. DircookieStart
// names the first entry.
type Dircookie uint64

const DircookieStart Dircookie = 0

// Dirent is one directory entry as surfaced by fd_readdir.
type Dirent struct {
	Next     Dircookie
	Inode    uint64
	Filetype Filetype
	Name     string
}

// ExitCode is a guest process exit code.
type ExitCode uint32

// ExitError reports guest process termination through the error chain.
type ExitError struct {
	code ExitCode
}

func NewExitError(code ExitCode) *ExitError {
	return &ExitError{code: code}
}

func (e *ExitError) Code() ExitCode {
	return e.code
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
