package wasi

import (
	"errors"
	"io"
	"os"
)

// Errno is a WASI-shaped error number. Syscalls return errnos as ordinary
// values; the guest handles them the way it would handle a POSIX errno.
type Errno uint16

const (
	ErrnoSuccess Errno = 0
	Errno2big    Errno = 1
	ErrnoAcces   Errno = 2
	// Address in use.
	ErrnoAddrinuse Errno = 3
	// Address not available.
	ErrnoAddrnotavail Errno = 4
	// Address family not supported.
	ErrnoAfnosupport Errno = 5
	// Resource unavailable, or operation would block.
	ErrnoAgain Errno = 6
	// Connection already in progress.
	ErrnoAlready Errno = 7
	// Bad file descriptor.
	ErrnoBadf Errno = 8
	// Bad message.
	ErrnoBadmsg Errno = 9
	// Device or resource busy.
	ErrnoBusy Errno = 10
	// Operation canceled.
	ErrnoCanceled Errno = 11
	// Connection aborted.
	ErrnoConnaborted Errno = 13
	// Connection refused.
	ErrnoConnrefused Errno = 14
	// Connection reset.
	ErrnoConnreset Errno = 15
	// Destination address required.
	ErrnoDestaddrreq Errno = 17
	// File exists.
	ErrnoExist Errno = 20
	// Bad address.
	ErrnoFault Errno = 21
	// File too large.
	ErrnoFbig Errno = 22
	// Host is unreachable.
	ErrnoHostunreach Errno = 23
	// Operation in progress.
	ErrnoInprogress Errno = 26
	// Interrupted function.
	ErrnoIntr Errno = 27
	// Invalid argument.
	ErrnoInval Errno = 28
	// I/O error.
	ErrnoIo Errno = 29
	// Socket is connected.
	ErrnoIsconn Errno = 30
	// Is a directory.
	ErrnoIsdir Errno = 31
	// Too many levels of symbolic links.
	ErrnoLoop Errno = 32
	// File descriptor value too large.
	ErrnoMfile Errno = 33
	// Too many links.
	ErrnoMlink Errno = 34
	// Message too large.
	ErrnoMsgsize Errno = 35
	// Filename too long.
	ErrnoNametoolong Errno = 37
	// Network is down.
	ErrnoNetdown Errno = 38
	// Connection aborted by network.
	ErrnoNetreset Errno = 39
	// Network unreachable.
	ErrnoNetunreach Errno = 40
	// Too many files open in system.
	ErrnoNfile Errno = 41
	// No buffer space available.
	ErrnoNobufs Errno = 42
	// No such device.
	ErrnoNodev Errno = 43
	// No such file or directory.
	ErrnoNoent Errno = 44
	// Not enough space.
	ErrnoNomem Errno = 48
	// Protocol not available.
	ErrnoNoprotoopt Errno = 50
	// No space left on device.
	ErrnoNospc Errno = 51
	// Function not supported.
	ErrnoNosys Errno = 52
	// The socket is not connected.
	ErrnoNotconn Errno = 53
	// Not a directory or a symbolic link to a directory.
	ErrnoNotdir Errno = 54
	// Directory not empty.
	ErrnoNotempty Errno = 55
	// Not a socket.
	ErrnoNotsock Errno = 57
	// Not supported, or operation not supported on socket.
	ErrnoNotsup Errno = 58
	// Value too large to be stored in data type.
	ErrnoOverflow Errno = 61
	// Operation not permitted.
	ErrnoPerm Errno = 63
	// Broken pipe.
	ErrnoPipe Errno = 64
	// Protocol error.
	ErrnoProto Errno = 65
	// Protocol not supported.
	ErrnoProtonosupport Errno = 66
	// Result too large.
	ErrnoRange Errno = 68
	// Invalid seek.
	ErrnoSpipe Errno = 70
	// Connection timed out.
	ErrnoTimedout Errno = 73
	// Cross-device link.
	ErrnoXdev Errno = 75
	// Extension: capabilities insufficient.
	ErrnoNotcapable Errno = 76
)

var errnoNames = map[Errno]string{
	ErrnoSuccess:        "success",
	Errno2big:           "argument list too long",
	ErrnoAcces:          "permission denied",
	ErrnoAddrinuse:      "address in use",
	ErrnoAddrnotavail:   "address not available",
	ErrnoAfnosupport:    "address family not supported",
	ErrnoAgain:          "resource unavailable, try again",
	ErrnoAlready:        "connection already in progress",
	ErrnoBadf:           "bad file descriptor",
	ErrnoBadmsg:         "bad message",
	ErrnoBusy:           "device or resource busy",
	ErrnoCanceled:       "operation canceled",
	ErrnoConnaborted:    "connection aborted",
	ErrnoConnrefused:    "connection refused",
	ErrnoConnreset:      "connection reset",
	ErrnoDestaddrreq:    "destination address required",
	ErrnoExist:          "file exists",
	ErrnoFault:          "bad address",
	ErrnoFbig:           "file too large",
	ErrnoHostunreach:    "host is unreachable",
	ErrnoInprogress:     "operation in progress",
	ErrnoIntr:           "interrupted function",
	ErrnoInval:          "invalid argument",
	ErrnoIo:             "i/o error",
	ErrnoIsconn:         "socket is connected",
	ErrnoIsdir:          "is a directory",
	ErrnoLoop:           "too many levels of symbolic links",
	ErrnoMfile:          "file descriptor value too large",
	ErrnoMlink:          "too many links",
	ErrnoMsgsize:        "message too large",
	ErrnoNametoolong:    "filename too long",
	ErrnoNetdown:        "network is down",
	ErrnoNetreset:       "connection aborted by network",
	ErrnoNetunreach:     "network unreachable",
	ErrnoNfile:          "too many files open in system",
	ErrnoNobufs:         "no buffer space available",
	ErrnoNodev:          "no such device",
	ErrnoNoent:          "no such file or directory",
	ErrnoNomem:          "not enough space",
	ErrnoNoprotoopt:     "protocol not available",
	ErrnoNospc:          "no space left on device",
	ErrnoNosys:          "function not supported",
	ErrnoNotconn:        "the socket is not connected",
	ErrnoNotdir:         "not a directory",
	ErrnoNotempty:       "directory not empty",
	ErrnoNotsock:        "not a socket",
	ErrnoNotsup:         "not supported",
	ErrnoOverflow:       "value too large to be stored in data type",
	ErrnoPerm:           "operation not permitted",
	ErrnoPipe:           "broken pipe",
	ErrnoProto:          "protocol error",
	ErrnoProtonosupport: "protocol not supported",
	ErrnoRange:          "result too large",
	ErrnoSpipe:          "invalid seek",
	ErrnoTimedout:       "connection timed out",
	ErrnoXdev:           "cross-device link",
	ErrnoNotcapable:     "capabilities insufficient",
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return "unknown error"
}

// FileErrno maps a host-side file error to its errno.
func FileErrno(err error) Errno {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return ErrnoSuccess
	case errors.Is(err, io.ErrClosedPipe):
		return ErrnoPipe
	case errors.Is(err, os.ErrInvalid):
		return ErrnoInval
	case errors.Is(err, os.ErrPermission):
		return ErrnoPerm
	case errors.Is(err, os.ErrExist):
		return ErrnoExist
	case errors.Is(err, os.ErrNotExist):
		return ErrnoNoent
	case errors.Is(err, os.ErrClosed):
		return ErrnoBadf
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrnoTimedout
	default:
		return ErrnoIo
	}
}

// NetErrno maps a virtual-network error to its errno.
func NetErrno(err error) Errno {
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}
	return FileErrno(err)
}
