package vfs

import (
	"github.com/pgavlin/wharf/wasi"
)

// Well-known descriptors.
const (
	FdStdin  int32 = 0
	FdStdout int32 = 1
	FdStderr int32 = 2

	// First descriptor handed out by the monotonic allocator.
	fdFirstDynamic int32 = 3
)

// FdEntry is one row of the file-descriptor table. An entry owns no
// resource beyond its inode reference: the open handle or socket lives on
// the inode itself, so many entries may alias one inode.
type FdEntry struct {
	Rights           wasi.Rights
	RightsInheriting wasi.Rights
	Flags            wasi.Fdflags
	OpenFlags        wasi.Oflags
	// Offset is shared between dup'd descriptors, as POSIX dup shares the
	// file offset.
	Offset  *uint64
	Inode   Inode
	IsStdio bool
}

func (fd *FdEntry) clone() *FdEntry {
	c := *fd
	return &c
}

// hasRights reports whether the entry grants every right in want.
func (fd *FdEntry) hasRights(want wasi.Rights) bool {
	return fd.Rights.Has(want)
}
