package vfs

import (
	"github.com/google/btree"

	"github.com/pgavlin/wharf/wasi"
)

// InodeVal is the arena-resident state of one filesystem node.
type InodeVal struct {
	Stat        wasi.Filestat
	IsPreopened bool
	Name        string
	Kind        Kind
}

// Kind is the closed tagged union of inode shapes. New kinds are added
// here, not by implementing the interface elsewhere.
type Kind interface {
	isKind()
}

// KindFile is a regular file backed by a VirtualFile handle. Handle is nil
// until the file is first opened. Fd tracks the descriptor the handle was
// opened under, if any.
type KindFile struct {
	Handle VirtualFile
	Path   string
	Fd     *int32
}

// KindDir is a directory. Entries is lazily populated from the host as
// path resolution touches children.
type KindDir struct {
	Parent  Inode
	Path    string
	Entries *DirEntries
}

// KindRoot is a purely virtual directory with no host backing: the root
// above all preopened directories, and the /dev device directory. It has
// no parent; `..` stops here.
type KindRoot struct {
	Entries *DirEntries
}

// KindSymlink records an unresolved symbolic link. The target resolves
// relative to the nearest enclosing preopened directory, never as an
// absolute host path.
type KindSymlink struct {
	BasePreopen   Inode
	PathToSymlink string
	RelativePath  string
}

// KindBuffer is an in-memory read-only file.
type KindBuffer struct {
	Buffer []byte
}

// KindSocket anchors a socket resource in the fd table. The filesystem
// keeps only the narrow SocketResource view; the socket state machine
// lives elsewhere.
type KindSocket struct {
	Socket SocketResource
}

// SocketResource is the filesystem's view of a socket: enough to tear it
// down on fd close and to stat it.
type SocketResource interface {
	Close() error
	Filetype() wasi.Filetype
}

func (*KindFile) isKind()    {}
func (*KindDir) isKind()     {}
func (*KindRoot) isKind()    {}
func (*KindSymlink) isKind() {}
func (*KindBuffer) isKind()  {}
func (*KindSocket) isKind()  {}

type dirEntry struct {
	name  string
	inode Inode
}

// DirEntries is an ordered name -> Inode map. Ordering keeps fd_readdir
// cookies stable across interleaved lookups.
type DirEntries struct {
	tree *btree.BTreeG[dirEntry]
}

func NewDirEntries() *DirEntries {
	return &DirEntries{
		tree: btree.NewG(8, func(a, b dirEntry) bool { return a.name < b.name }),
	}
}

func (d *DirEntries) Get(name string) (Inode, bool) {
	e, ok := d.tree.Get(dirEntry{name: name})
	if !ok {
		return Inode{}, false
	}
	return e.inode, true
}

func (d *DirEntries) Set(name string, inode Inode) {
	d.tree.ReplaceOrInsert(dirEntry{name: name, inode: inode})
}

func (d *DirEntries) Delete(name string) (Inode, bool) {
	e, ok := d.tree.Delete(dirEntry{name: name})
	if !ok {
		return Inode{}, false
	}
	return e.inode, true
}

func (d *DirEntries) Len() int {
	return d.tree.Len()
}

// Ascend visits entries in name order until fn returns false.
func (d *DirEntries) Ascend(fn func(name string, inode Inode) bool) {
	d.tree.Ascend(func(e dirEntry) bool {
		return fn(e.name, e.inode)
	})
}
