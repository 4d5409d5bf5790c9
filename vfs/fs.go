package vfs

import (
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/pgavlin/wharf/wasi"
)

// maxSymlinks bounds symlink resolution depth; exceeding it fails with
// ErrnoMlink, so resolution is O(maxSymlinks) regardless of on-disk cycle
// structure.
const maxSymlinks = 128

// Preopen grants the guest one host directory. The grant is the sandbox
// boundary: no resolved path may escape the set of preopened directories.
type Preopen struct {
	// Path is the guest-visible alias of the directory.
	Path string
	// HostPath is the directory on the host filesystem.
	HostPath string
	Rights   wasi.Rights
	Inherit  wasi.Rights
}

// Options configure a filesystem.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Preopens []Preopen
}

// FS is the virtual filesystem: the inode arena, the fd table, and the
// preopened-directory sandbox. All access is serialized by its lock;
// callers hold descriptors, never inode pointers.
type FS struct {
	mu sync.Mutex

	host  afero.Fs
	arena *Arena
	root  Inode

	fds    map[int32]*FdEntry
	nextFd int32

	// preopenFds holds the fd numbers of the original preopen grants.
	// Closing one of these unlinks the directory; closing a dup does not.
	preopenFds map[int32]Inode
	preopens   []Inode

	// orphanFds tracks inodes whose last directory entry was removed while
	// a descriptor still references them.
	orphanFds map[Inode]*InodeVal

	nextIno uint64
	log     logrus.FieldLogger
}

// New builds a filesystem over the given host backing, creates the virtual
// root and the standard devices, and grants each preopen.
func New(host afero.Fs, opts *Options) (*FS, error) {
	if host == nil {
		host = afero.NewOsFs()
	}

	fs := &FS{
		host:       host,
		arena:      NewArena(),
		fds:        make(map[int32]*FdEntry),
		nextFd:     fdFirstDynamic,
		preopenFds: make(map[int32]Inode),
		orphanFds:  make(map[Inode]*InodeVal),
		nextIno:    1,
		log:        logrus.StandardLogger().WithField("subsystem", "vfs"),
	}
	fs.root = fs.createVirtualRoot()

	stdin, stdout, stderr := io.Reader(os.Stdin), io.Writer(os.Stdout), io.Writer(os.Stderr)
	var preopens []Preopen
	if opts != nil {
		if opts.Stdin != nil {
			stdin = opts.Stdin
		}
		if opts.Stdout != nil {
			stdout = opts.Stdout
		}
		if opts.Stderr != nil {
			stderr = opts.Stderr
		}
		preopens = opts.Preopens
	}
	fs.createStdDevInner(stdin, stdout, stderr)
	fs.createDevDirInner(stdin, stdout)

	for _, p := range preopens {
		if _, err := fs.addPreopen(p); err != wasi.ErrnoSuccess {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FS) createVirtualRoot() Inode {
	val := &InodeVal{
		Stat: wasi.Filestat{Filetype: wasi.FiletypeDirectory, Inode: fs.nextIno},
		Name: "/",
		Kind: &KindRoot{Entries: NewDirEntries()},
	}
	fs.nextIno++
	return fs.arena.Insert(val)
}

// createStdDevInner wires the standard devices onto their well-known
// descriptors.
func (fs *FS) createStdDevInner(stdin io.Reader, stdout, stderr io.Writer) {
	devices := []struct {
		fd   int32
		name string
		file VirtualFile
	}{
		{FdStdin, "stdin", NewReaderFile(stdin, FdStdin)},
		{FdStdout, "stdout", NewWriterFile(stdout, FdStdout)},
		{FdStderr, "stderr", NewWriterFile(stderr, FdStderr)},
	}
	for _, dev := range devices {
		inode := fs.createInode(&InodeVal{
			Stat: wasi.Filestat{Filetype: wasi.FiletypeCharacterDevice},
			Name: dev.name,
			Kind: &KindFile{Handle: dev.file},
		})
		offset := uint64(0)
		fs.fds[dev.fd] = &FdEntry{
			Rights:  wasi.FileRights,
			Flags:   wasi.FdflagAppend,
			Offset:  &offset,
			Inode:   inode,
			IsStdio: true,
		}
	}
}

// createDevDirInner grants /dev: a virtual directory of character devices
// with no host backing. It is advertised like a preopen so guests can
// resolve paths beneath it.
func (fs *FS) createDevDirInner(stdin io.Reader, stdout io.Writer) {
	devices := []struct {
		name string
		file VirtualFile
	}{
		{"null", NewNullFile()},
		{"zero", NewZeroFile()},
		{"tty", NewTTYFile(stdin, stdout)},
	}
	entries := NewDirEntries()
	for _, dev := range devices {
		inode := fs.createInode(&InodeVal{
			Stat: wasi.Filestat{Filetype: wasi.FiletypeCharacterDevice, Nlink: 1},
			Name: dev.name,
			Kind: &KindFile{Handle: dev.file},
		})
		entries.Set(dev.name, inode)
	}

	inode := fs.createInode(&InodeVal{
		Stat:        wasi.Filestat{Filetype: wasi.FiletypeDirectory, Nlink: 1},
		IsPreopened: true,
		Name:        "dev",
		Kind:        &KindRoot{Entries: entries},
	})
	rootVal, _ := fs.arena.Get(fs.root)
	rootVal.Kind.(*KindRoot).Entries.Set("dev", inode)
	fs.preopens = append(fs.preopens, inode)

	fd := fs.createFdInner(wasi.DirectoryRights|wasi.FileRights, wasi.DirectoryRights|wasi.FileRights, 0, 0, inode)
	fs.preopenFds[fd] = inode
}

func (fs *FS) createInode(val *InodeVal) Inode {
	if val.Stat.Inode == 0 {
		val.Stat.Inode = fs.nextIno
		fs.nextIno++
	}
	return fs.arena.Insert(val)
}

func (fs *FS) addPreopen(p Preopen) (int32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, err := fs.host.Stat(p.HostPath)
	if err != nil {
		return -1, wasi.FileErrno(err)
	}
	if !info.IsDir() {
		return -1, wasi.ErrnoNotdir
	}

	alias := strings.TrimPrefix(path.Clean(p.Path), "/")
	if alias == "" || alias == "." {
		alias = path.Base(p.HostPath)
	}

	rootVal, _ := fs.arena.Get(fs.root)
	rootKind := rootVal.Kind.(*KindRoot)
	if _, exists := rootKind.Entries.Get(alias); exists {
		return -1, wasi.ErrnoExist
	}

	inode := fs.createInode(&InodeVal{
		Stat:        fs.statFromInfo(info),
		IsPreopened: true,
		Name:        alias,
		Kind: &KindDir{
			Parent:  fs.root,
			Path:    p.HostPath,
			Entries: NewDirEntries(),
		},
	})
	rootKind.Entries.Set(alias, inode)
	fs.preopens = append(fs.preopens, inode)

	rights := p.Rights
	if rights == 0 {
		rights = wasi.DirectoryRights | wasi.FileRights
	}
	inherit := p.Inherit
	if inherit == 0 {
		inherit = wasi.DirectoryRights | wasi.FileRights
	}
	fd := fs.createFdInner(rights, inherit, 0, 0, inode)
	fs.preopenFds[fd] = inode
	return fd, wasi.ErrnoSuccess
}

func (fs *FS) statFromInfo(info os.FileInfo) wasi.Filestat {
	atime, mtime, ctime := statTimes(info)
	stat := wasi.Filestat{
		Filetype: wasi.FiletypeFromMode(info.Mode()),
		Nlink:    1,
		Size:     uint64(info.Size()),
		Atime:    atime,
		Mtime:    mtime,
		Ctime:    ctime,
		Inode:    fs.nextIno,
	}
	fs.nextIno++
	return stat
}

// PreopenFds returns the descriptors of the original preopen grants, in
// grant order.
func (fs *FS) PreopenFds() []int32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fds := make([]int32, 0, len(fs.preopenFds))
	for _, inode := range fs.preopens {
		for fd, po := range fs.preopenFds {
			if po == inode {
				fds = append(fds, fd)
			}
		}
	}
	return fds
}

// PreopenPath returns the guest alias of a preopen fd.
func (fs *FS) PreopenPath(fd int32) (string, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, ok := fs.preopenFds[fd]
	if !ok {
		return "", wasi.ErrnoBadf
	}
	val, ok := fs.arena.Get(inode)
	if !ok {
		return "", wasi.ErrnoBadf
	}
	return val.Name, wasi.ErrnoSuccess
}

func (fs *FS) createFdInner(rights, inherit wasi.Rights, flags wasi.Fdflags, oflags wasi.Oflags, inode Inode) int32 {
	fd := fs.nextFd
	fs.nextFd++
	offset := uint64(0)
	fs.fds[fd] = &FdEntry{
		Rights:           rights,
		RightsInheriting: inherit,
		Flags:            flags,
		OpenFlags:        oflags,
		Offset:           &offset,
		Inode:            inode,
	}
	return fd
}

// CreateFd allocates a descriptor for an existing inode.
func (fs *FS) CreateFd(rights, inherit wasi.Rights, flags wasi.Fdflags, oflags wasi.Oflags, inode Inode) (int32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.arena.Get(inode); !ok {
		return -1, wasi.ErrnoBadf
	}
	return fs.createFdInner(rights, inherit, flags, oflags, inode), wasi.ErrnoSuccess
}

// CreateSocketFd inserts a socket resource into the fd table under a fresh
// inode.
func (fs *FS) CreateSocketFd(sock SocketResource, rights wasi.Rights) (int32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode := fs.createInode(&InodeVal{
		Stat: wasi.Filestat{Filetype: sock.Filetype()},
		Name: "socket",
		Kind: &KindSocket{Socket: sock},
	})
	return fs.createFdInner(rights, rights, 0, 0, inode), wasi.ErrnoSuccess
}

// GetFd returns a copy of the fd table row.
func (fs *FS) GetFd(fd int32) (FdEntry, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, ok := fs.fds[fd]
	if !ok {
		return FdEntry{}, wasi.ErrnoBadf
	}
	return *entry, wasi.ErrnoSuccess
}

// SocketOf resolves fd to its socket resource, or ErrnoNotsock.
func (fs *FS) SocketOf(fd int32) (SocketResource, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, ok := fs.fds[fd]
	if !ok {
		return nil, wasi.ErrnoBadf
	}
	val, ok := fs.arena.Get(entry.Inode)
	if !ok {
		return nil, wasi.ErrnoBadf
	}
	sock, ok := val.Kind.(*KindSocket)
	if !ok {
		return nil, wasi.ErrnoNotsock
	}
	return sock.Socket, wasi.ErrnoSuccess
}

func (fs *FS) fdWithRights(fd int32, rights wasi.Rights) (*FdEntry, wasi.Errno) {
	entry, ok := fs.fds[fd]
	if !ok {
		return nil, wasi.ErrnoBadf
	}
	if !entry.hasRights(rights) {
		return nil, wasi.ErrnoNotcapable
	}
	return entry, wasi.ErrnoSuccess
}

func (fs *FS) inodeOf(entry *FdEntry) (*InodeVal, wasi.Errno) {
	val, ok := fs.arena.Get(entry.Inode)
	if !ok {
		if val, orphaned := fs.orphanFds[entry.Inode]; orphaned {
			return val, wasi.ErrnoSuccess
		}
		return nil, wasi.ErrnoBadf
	}
	return val, wasi.ErrnoSuccess
}

// refcount counts descriptors referencing an inode. Caller holds the lock.
func (fs *FS) refcount(inode Inode) int {
	n := 0
	for _, entry := range fs.fds {
		if entry.Inode == inode {
			n++
		}
	}
	return n
}

// CloseFd releases a descriptor. Closing the original preopen-granting fd
// unlinks the preopened directory from the virtual root; closing a dup of
// it does not, so an aliased descriptor cannot destroy a sandbox boundary.
func (fs *FS) CloseFd(fd int32) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, ok := fs.fds[fd]
	if !ok {
		return wasi.ErrnoBadf
	}
	delete(fs.fds, fd)

	if inode, isPreopen := fs.preopenFds[fd]; isPreopen {
		delete(fs.preopenFds, fd)
		if val, ok := fs.arena.Get(inode); ok {
			rootVal, _ := fs.arena.Get(fs.root)
			rootVal.Kind.(*KindRoot).Entries.Delete(val.Name)
			for i, po := range fs.preopens {
				if po == inode {
					fs.preopens = append(fs.preopens[:i], fs.preopens[i+1:]...)
					break
				}
			}
		}
	}

	if fs.refcount(entry.Inode) > 0 {
		return wasi.ErrnoSuccess
	}

	// Last reference: release the underlying resource.
	val, ok := fs.arena.Get(entry.Inode)
	if !ok {
		if orphan, orphaned := fs.orphanFds[entry.Inode]; orphaned {
			delete(fs.orphanFds, entry.Inode)
			fs.closeKind(orphan.Kind)
		}
		return wasi.ErrnoSuccess
	}
	switch kind := val.Kind.(type) {
	case *KindFile:
		// Devices and stdio have no host path; their handles outlive any
		// one descriptor so the inode stays openable.
		if kind.Handle != nil && kind.Path != "" {
			if err := kind.Handle.Close(); err != nil {
				fs.log.WithError(err).WithField("fd", fd).Debug("close failed")
			}
			kind.Handle = nil
			kind.Fd = nil
		}
	case *KindSocket:
		fs.closeKind(kind)
	}
	return wasi.ErrnoSuccess
}

func (fs *FS) closeKind(kind Kind) {
	switch k := kind.(type) {
	case *KindFile:
		if k.Handle != nil {
			_ = k.Handle.Close()
			k.Handle = nil
		}
	case *KindSocket:
		if err := k.Socket.Close(); err != nil {
			fs.log.WithError(err).Debug("socket close failed")
		}
	}
}

// DupFd duplicates a descriptor. The duplicate shares the file offset and
// carries the same rights; it is never a preopen grant.
func (fs *FS) DupFd(fd int32) (int32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, ok := fs.fds[fd]
	if !ok {
		return -1, wasi.ErrnoBadf
	}
	dup := entry.clone()
	newFd := fs.nextFd
	fs.nextFd++
	fs.fds[newFd] = dup
	return newFd, wasi.ErrnoSuccess
}

// RenumberFd atomically replaces descriptor `to` with `from`.
func (fs *FS) RenumberFd(from, to int32) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, ok := fs.fds[from]
	if !ok {
		return wasi.ErrnoBadf
	}
	if from == to {
		return wasi.ErrnoSuccess
	}
	fs.fds[to] = entry
	delete(fs.fds, from)
	if inode, isPreopen := fs.preopenFds[from]; isPreopen {
		delete(fs.preopenFds, from)
		fs.preopenFds[to] = inode
	}
	return wasi.ErrnoSuccess
}

// FlagAsOrphaned detaches an inode from the arena while descriptors still
// reference it; the value is retained until the last descriptor closes.
func (fs *FS) FlagAsOrphaned(inode Inode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.flagAsOrphanedInner(inode)
}

func (fs *FS) flagAsOrphanedInner(inode Inode) {
	val, ok := fs.arena.Remove(inode)
	if !ok {
		return
	}
	fs.orphanFds[inode] = val
}

// RemoveInode drops an inode from the arena. The caller must guarantee the
// inode is unreachable from the fd table and every parent entry map first;
// violating that contract leaves dangling references and is a caller bug,
// not a recoverable error.
func (fs *FS) RemoveInode(inode Inode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if val, ok := fs.arena.Remove(inode); ok {
		fs.closeKind(val.Kind)
	}
}

// Root returns the virtual root inode.
func (fs *FS) Root() Inode {
	return fs.root
}
