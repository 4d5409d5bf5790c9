package vfs

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/pgavlin/wharf/wasi"
)

// openHandleInner materializes the host handle for a regular file inode.
// The handle is shared by every descriptor referencing the inode.
func (fs *FS) openHandleInner(kind *KindFile, rights wasi.Rights, fdflags wasi.Fdflags) wasi.Errno {
	if kind.Handle != nil {
		return wasi.ErrnoSuccess
	}

	flag := 0
	read := rights.Has(wasi.RightsFdRead)
	write := rights.Has(wasi.RightsFdWrite)
	switch {
	case read && write:
		flag = os.O_RDWR
	case write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if fdflags&wasi.FdflagAppend != 0 {
		flag |= os.O_APPEND
	}

	f, err := fs.host.OpenFile(kind.Path, flag, 0o644)
	if err != nil {
		return wasi.FileErrno(err)
	}
	kind.Handle = NewHostFile(fs.host, f, kind.Path)
	return wasi.ErrnoSuccess
}

// fileOf resolves fd to an open readable/writable handle, enforcing the
// required right and opening the host handle on first touch.
func (fs *FS) fileOf(fd int32, right wasi.Rights) (*FdEntry, VirtualFile, wasi.Errno) {
	entry, errno := fs.fdWithRights(fd, right)
	if errno != wasi.ErrnoSuccess {
		return nil, nil, errno
	}
	val, errno := fs.inodeOf(entry)
	if errno != wasi.ErrnoSuccess {
		return nil, nil, errno
	}
	switch kind := val.Kind.(type) {
	case *KindFile:
		if errno := fs.openHandleInner(kind, entry.Rights, entry.Flags); errno != wasi.ErrnoSuccess {
			return nil, nil, errno
		}
		return entry, kind.Handle, wasi.ErrnoSuccess
	case *KindBuffer:
		return entry, NewBufferFile(kind.Buffer), wasi.ErrnoSuccess
	case *KindDir, *KindRoot:
		return nil, nil, wasi.ErrnoIsdir
	default:
		return nil, nil, wasi.ErrnoInval
	}
}

// OpenFileAt implements path_open relative to dirFd.
func (fs *FS) OpenFileAt(dirFd int32, lookup wasi.Lookupflags, p string, oflags wasi.Oflags, rights, inherit wasi.Rights, fdflags wasi.Fdflags) (int32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	needed := wasi.RightsPathOpen
	if oflags&wasi.OflagCreate != 0 {
		needed |= wasi.RightsPathCreateFile
	}
	if oflags&wasi.OflagTrunc != 0 {
		needed |= wasi.RightsPathFilestatSetSize
	}
	entry, errno := fs.fdWithRights(dirFd, needed)
	if errno != wasi.ErrnoSuccess {
		return -1, errno
	}

	// A descriptor may not mint rights it does not itself carry.
	rights &= entry.RightsInheriting
	inherit &= entry.RightsInheriting

	follow := lookup&wasi.LookupSymlinkFollow != 0
	inode, errno := fs.getInodeAtPathInner(entry.Inode, p, 0, follow)
	switch errno {
	case wasi.ErrnoSuccess:
		if oflags&wasi.OflagCreate != 0 && oflags&wasi.OflagExcl != 0 {
			return -1, wasi.ErrnoExist
		}
	case wasi.ErrnoNoent:
		if oflags&wasi.OflagCreate == 0 {
			return -1, errno
		}
		inode, errno = fs.createFileInner(entry.Inode, p)
		if errno != wasi.ErrnoSuccess {
			return -1, errno
		}
	default:
		return -1, errno
	}

	val, ok := fs.arena.Get(inode)
	if !ok {
		return -1, wasi.ErrnoBadf
	}
	switch kind := val.Kind.(type) {
	case *KindDir, *KindRoot:
		// Directories ignore trunc and yield directory rights only.
		rights &= wasi.DirectoryRights | wasi.FileRights
	case *KindFile:
		if oflags&wasi.OflagDirectory != 0 {
			return -1, wasi.ErrnoNotdir
		}
		if errno := fs.openHandleInner(kind, rights, fdflags); errno != wasi.ErrnoSuccess {
			return -1, errno
		}
		if oflags&wasi.OflagTrunc != 0 {
			if err := kind.Handle.SetLen(0); err != nil {
				return -1, wasi.FileErrno(err)
			}
			val.Stat.Size = 0
		}
	case *KindBuffer:
		if oflags&wasi.OflagDirectory != 0 {
			return -1, wasi.ErrnoNotdir
		}
	case *KindSymlink:
		// Unfollowed trailing symlink.
		return -1, wasi.ErrnoLoop
	default:
		return -1, wasi.ErrnoInval
	}

	fd := fs.createFdInner(rights, inherit, fdflags, oflags, inode)
	return fd, wasi.ErrnoSuccess
}

func (fs *FS) createFileInner(base Inode, p string) (Inode, wasi.Errno) {
	parent, name, errno := fs.getParentInner(base, p)
	if errno != wasi.ErrnoSuccess {
		return Inode{}, errno
	}
	dir, errno := fs.hostDirOf(parent)
	if errno != wasi.ErrnoSuccess {
		return Inode{}, errno
	}

	hostPath := filepath.Join(dir.Path, name)
	f, err := fs.host.OpenFile(hostPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Inode{}, wasi.FileErrno(err)
	}

	inode := fs.createInode(&InodeVal{
		Stat: wasi.Filestat{
			Filetype: wasi.FiletypeRegularFile,
			Nlink:    1,
			Atime:    wasi.TimestampFromTime(time.Now()),
			Mtime:    wasi.TimestampFromTime(time.Now()),
		},
		Name: name,
		Kind: &KindFile{Handle: NewHostFile(fs.host, f, hostPath), Path: hostPath},
	})
	dir.Entries.Set(name, inode)
	return inode, wasi.ErrnoSuccess
}

// FdRead reads from the descriptor's shared offset into bufs.
func (fs *FS) FdRead(fd int32, bufs [][]byte) (uint32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, file, errno := fs.fileOf(fd, wasi.RightsFdRead)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	if !entry.IsStdio {
		if _, err := file.Seek(int64(*entry.Offset), io.SeekStart); err != nil {
			return 0, wasi.FileErrno(err)
		}
	}
	n, errno := readVectored(file, bufs)
	*entry.Offset += uint64(n)
	return n, errno
}

// FdPread reads at an explicit offset without moving the shared cursor.
func (fs *FS) FdPread(fd int32, bufs [][]byte, offset uint64) (uint32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, file, errno := fs.fileOf(fd, wasi.RightsFdRead|wasi.RightsFdSeek)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, wasi.FileErrno(err)
	}
	n, errno := readVectored(file, bufs)
	if !entry.IsStdio {
		// Restore the shared cursor.
		_, _ = file.Seek(int64(*entry.Offset), io.SeekStart)
	}
	return n, errno
}

// FdWrite writes bufs at the descriptor's shared offset, honoring append
// mode.
func (fs *FS) FdWrite(fd int32, bufs [][]byte) (uint32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, file, errno := fs.fileOf(fd, wasi.RightsFdWrite)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	if !entry.IsStdio {
		pos := int64(*entry.Offset)
		if entry.Flags&wasi.FdflagAppend != 0 {
			pos = int64(file.Size())
		}
		if _, err := file.Seek(pos, io.SeekStart); err != nil {
			return 0, wasi.FileErrno(err)
		}
		defer func() {
			if cur, err := file.Seek(0, io.SeekCurrent); err == nil {
				*entry.Offset = uint64(cur)
			}
		}()
	}
	n, errno := writeVectored(file, bufs)
	fs.touchSizeInner(entry, file)
	return n, errno
}

// FdPwrite writes at an explicit offset without moving the shared cursor.
func (fs *FS) FdPwrite(fd int32, bufs [][]byte, offset uint64) (uint32, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, file, errno := fs.fileOf(fd, wasi.RightsFdWrite|wasi.RightsFdSeek)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, wasi.FileErrno(err)
	}
	n, errno := writeVectored(file, bufs)
	if !entry.IsStdio {
		_, _ = file.Seek(int64(*entry.Offset), io.SeekStart)
	}
	fs.touchSizeInner(entry, file)
	return n, errno
}

func (fs *FS) touchSizeInner(entry *FdEntry, file VirtualFile) {
	if val, ok := fs.arena.Get(entry.Inode); ok {
		val.Stat.Size = file.Size()
		val.Stat.Mtime = wasi.TimestampFromTime(time.Now())
	}
}

func readVectored(file VirtualFile, bufs [][]byte) (uint32, wasi.Errno) {
	var total uint32
	for _, buf := range bufs {
		n, err := file.Read(buf)
		total += uint32(n)
		if err == io.EOF {
			return total, wasi.ErrnoSuccess
		}
		if err != nil {
			return total, wasi.FileErrno(err)
		}
		if n < len(buf) {
			return total, wasi.ErrnoSuccess
		}
	}
	return total, wasi.ErrnoSuccess
}

func writeVectored(file VirtualFile, bufs [][]byte) (uint32, wasi.Errno) {
	var total uint32
	for _, buf := range bufs {
		n, err := file.Write(buf)
		total += uint32(n)
		if err != nil {
			return total, wasi.FileErrno(err)
		}
	}
	return total, wasi.ErrnoSuccess
}

// FdSeek moves the shared cursor of every descriptor dup'd from the same
// open.
func (fs *FS) FdSeek(fd int32, offset int64, whence wasi.Whence) (uint64, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, errno := fs.fdWithRights(fd, wasi.RightsFdSeek)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	val, errno := fs.inodeOf(entry)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}

	var pos int64
	switch whence {
	case wasi.WhenceSet:
		pos = offset
	case wasi.WhenceCur:
		pos = int64(*entry.Offset) + offset
	case wasi.WhenceEnd:
		pos = int64(val.Stat.Size) + offset
	default:
		return 0, wasi.ErrnoInval
	}
	if pos < 0 {
		return 0, wasi.ErrnoInval
	}
	*entry.Offset = uint64(pos)
	return uint64(pos), wasi.ErrnoSuccess
}

// FdTell reports the shared cursor.
func (fs *FS) FdTell(fd int32) (uint64, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(fd, wasi.RightsFdTell)
	if errno != wasi.ErrnoSuccess {
		return 0, errno
	}
	return *entry.Offset, wasi.ErrnoSuccess
}

// FdFilestat implements fd_filestat_get.
func (fs *FS) FdFilestat(fd int32) (wasi.Filestat, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(fd, wasi.RightsFdFilestatGet)
	if errno != wasi.ErrnoSuccess {
		return wasi.Filestat{}, errno
	}
	val, errno := fs.inodeOf(entry)
	if errno != wasi.ErrnoSuccess {
		return wasi.Filestat{}, errno
	}
	return val.Stat, wasi.ErrnoSuccess
}

// FdFdstat implements fd_fdstat_get.
func (fs *FS) FdFdstat(fd int32) (wasi.Fdstat, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, ok := fs.fds[fd]
	if !ok {
		return wasi.Fdstat{}, wasi.ErrnoBadf
	}
	val, errno := fs.inodeOf(entry)
	if errno != wasi.ErrnoSuccess {
		return wasi.Fdstat{}, errno
	}
	return wasi.Fdstat{
		Filetype:         val.Stat.Filetype,
		Flags:            entry.Flags,
		Rights:           entry.Rights,
		RightsInheriting: entry.RightsInheriting,
	}, wasi.ErrnoSuccess
}

// FdSetFlags implements fd_fdstat_set_flags.
func (fs *FS) FdSetFlags(fd int32, flags wasi.Fdflags) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(fd, wasi.RightsFdFdstatSetFlags)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	entry.Flags = flags
	return wasi.ErrnoSuccess
}

// FdSetRights implements fd_fdstat_set_rights. Rights only ever narrow.
func (fs *FS) FdSetRights(fd int32, rights, inherit wasi.Rights) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, ok := fs.fds[fd]
	if !ok {
		return wasi.ErrnoBadf
	}
	if !entry.Rights.Has(rights) || !entry.RightsInheriting.Has(inherit) {
		return wasi.ErrnoNotcapable
	}
	entry.Rights = rights
	entry.RightsInheriting = inherit
	return wasi.ErrnoSuccess
}

// FdSetSize implements fd_filestat_set_size.
func (fs *FS) FdSetSize(fd int32, size uint64) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, file, errno := fs.fileOf(fd, wasi.RightsFdFilestatSetSize)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if err := file.SetLen(size); err != nil {
		return wasi.FileErrno(err)
	}
	if val, ok := fs.arena.Get(entry.Inode); ok {
		val.Stat.Size = size
	}
	return wasi.ErrnoSuccess
}

// FdSetTimes implements fd_filestat_set_times.
func (fs *FS) FdSetTimes(fd int32, atime, mtime wasi.Timestamp, flags wasi.Fstflags) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(fd, wasi.RightsFdFilestatSetTimes)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	val, errno := fs.inodeOf(entry)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	fs.applyTimesInner(val, atime, mtime, flags)
	return wasi.ErrnoSuccess
}

func (fs *FS) applyTimesInner(val *InodeVal, atime, mtime wasi.Timestamp, flags wasi.Fstflags) {
	now := wasi.TimestampFromTime(time.Now())
	if flags&wasi.FstflagAtim != 0 {
		val.Stat.Atime = atime
	} else if flags&wasi.FstflagAtimNow != 0 {
		val.Stat.Atime = now
	}
	if flags&wasi.FstflagMtim != 0 {
		val.Stat.Mtime = mtime
	} else if flags&wasi.FstflagMtimNow != 0 {
		val.Stat.Mtime = now
	}

	if kind, ok := val.Kind.(*KindFile); ok {
		at, mt := val.Stat.Atime.Time(), val.Stat.Mtime.Time()
		if err := fs.host.Chtimes(kind.Path, at, mt); err != nil {
			fs.log.WithError(err).WithField("path", kind.Path).Debug("chtimes failed")
		}
	}
}

// FdAdvise implements fd_advise. The hint has no host analogue through
// afero, so it validates and succeeds.
func (fs *FS) FdAdvise(fd int32, offset, length uint64, advice wasi.Advice) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, errno := fs.fdWithRights(fd, wasi.RightsFdAdvise); errno != wasi.ErrnoSuccess {
		return errno
	}
	if advice > wasi.AdviceNoreuse {
		return wasi.ErrnoInval
	}
	return wasi.ErrnoSuccess
}

// FdAllocate implements fd_allocate by extending the file when the
// reserved range lies past its end.
func (fs *FS) FdAllocate(fd int32, offset, length uint64) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, file, errno := fs.fileOf(fd, wasi.RightsFdAllocate)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	want := offset + length
	if want > file.Size() {
		if err := file.SetLen(want); err != nil {
			return wasi.FileErrno(err)
		}
		if val, ok := fs.arena.Get(entry.Inode); ok {
			val.Stat.Size = want
		}
	}
	return wasi.ErrnoSuccess
}

// FdSync implements fd_sync and fd_datasync.
func (fs *FS) FdSync(fd int32) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, file, errno := fs.fileOf(fd, wasi.RightsFdSync)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if err := file.Flush(); err != nil {
		return wasi.FileErrno(err)
	}
	return wasi.ErrnoSuccess
}

// PathFilestat implements path_filestat_get.
func (fs *FS) PathFilestat(dirFd int32, lookup wasi.Lookupflags, p string) (wasi.Filestat, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(dirFd, wasi.RightsPathFilestatGet)
	if errno != wasi.ErrnoSuccess {
		return wasi.Filestat{}, errno
	}
	follow := lookup&wasi.LookupSymlinkFollow != 0
	inode, errno := fs.getInodeAtPathInner(entry.Inode, p, 0, follow)
	if errno != wasi.ErrnoSuccess {
		return wasi.Filestat{}, errno
	}
	val, ok := fs.arena.Get(inode)
	if !ok {
		return wasi.Filestat{}, wasi.ErrnoBadf
	}
	return val.Stat, wasi.ErrnoSuccess
}

// PathSetTimes implements path_filestat_set_times.
func (fs *FS) PathSetTimes(dirFd int32, lookup wasi.Lookupflags, p string, atime, mtime wasi.Timestamp, flags wasi.Fstflags) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(dirFd, wasi.RightsPathFilestatSetTimes)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	follow := lookup&wasi.LookupSymlinkFollow != 0
	inode, errno := fs.getInodeAtPathInner(entry.Inode, p, 0, follow)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	val, ok := fs.arena.Get(inode)
	if !ok {
		return wasi.ErrnoBadf
	}
	fs.applyTimesInner(val, atime, mtime, flags)
	return wasi.ErrnoSuccess
}

// CreateDirAt implements path_create_directory.
func (fs *FS) CreateDirAt(dirFd int32, p string) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(dirFd, wasi.RightsPathCreateDirectory)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	parent, name, errno := fs.getParentInner(entry.Inode, p)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	dir, errno := fs.hostDirOf(parent)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if _, ok := dir.Entries.Get(name); ok {
		return wasi.ErrnoExist
	}
	hostPath := filepath.Join(dir.Path, name)
	if err := fs.host.Mkdir(hostPath, 0o755); err != nil {
		return wasi.FileErrno(err)
	}
	inode := fs.createInode(&InodeVal{
		Stat: wasi.Filestat{Filetype: wasi.FiletypeDirectory, Nlink: 1},
		Name: name,
		Kind: &KindDir{Parent: parent, Path: hostPath, Entries: NewDirEntries()},
	})
	dir.Entries.Set(name, inode)
	return wasi.ErrnoSuccess
}

// RemoveDirAt implements path_remove_directory.
func (fs *FS) RemoveDirAt(dirFd int32, p string) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(dirFd, wasi.RightsPathRemoveDirectory)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	parent, name, errno := fs.getParentInner(entry.Inode, p)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	dir, errno := fs.hostDirOf(parent)
	if errno != wasi.ErrnoSuccess {
		return errno
	}

	inode, errno := fs.lookupChild(parent, dir, name)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	val, ok := fs.arena.Get(inode)
	if !ok {
		return wasi.ErrnoBadf
	}
	target, isDir := val.Kind.(*KindDir)
	if !isDir {
		return wasi.ErrnoNotdir
	}
	// Not every afero backend rejects removal of a populated directory.
	children, err := afero.ReadDir(fs.host, target.Path)
	if err != nil {
		return wasi.FileErrno(err)
	}
	if len(children) > 0 {
		return wasi.ErrnoNotempty
	}
	if err := fs.host.Remove(target.Path); err != nil {
		return wasi.FileErrno(err)
	}
	dir.Entries.Delete(name)
	if fs.refcount(inode) > 0 {
		fs.flagAsOrphanedInner(inode)
	} else {
		fs.arena.Remove(inode)
	}
	return wasi.ErrnoSuccess
}

// UnlinkFileAt implements path_unlink_file. If descriptors still reference
// the inode it is orphaned rather than destroyed; reads and writes on
// those descriptors keep working until the last close.
func (fs *FS) UnlinkFileAt(dirFd int32, p string) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(dirFd, wasi.RightsPathUnlinkFile)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	parent, name, errno := fs.getParentInner(entry.Inode, p)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	dir, errno := fs.hostDirOf(parent)
	if errno != wasi.ErrnoSuccess {
		return errno
	}

	inode, errno := fs.lookupChild(parent, dir, name)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	val, ok := fs.arena.Get(inode)
	if !ok {
		return wasi.ErrnoBadf
	}
	switch kind := val.Kind.(type) {
	case *KindDir, *KindRoot:
		return wasi.ErrnoIsdir
	case *KindFile:
		if kind.Handle != nil {
			if err := kind.Handle.Unlink(); err != nil {
				return wasi.FileErrno(err)
			}
		} else if err := fs.host.Remove(kind.Path); err != nil {
			return wasi.FileErrno(err)
		}
	case *KindSymlink:
		hostPath := filepath.Join(dir.Path, name)
		if err := fs.host.Remove(hostPath); err != nil {
			return wasi.FileErrno(err)
		}
	}

	dir.Entries.Delete(name)
	if fs.refcount(inode) > 0 {
		fs.flagAsOrphanedInner(inode)
	} else {
		fs.arena.Remove(inode)
	}
	return wasi.ErrnoSuccess
}

// RenameAt implements path_rename across two base descriptors.
func (fs *FS) RenameAt(oldFd int32, oldPath string, newFd int32, newPath string) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldEntry, errno := fs.fdWithRights(oldFd, wasi.RightsPathRenameSource)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	newEntry, errno := fs.fdWithRights(newFd, wasi.RightsPathRenameTarget)
	if errno != wasi.ErrnoSuccess {
		return errno
	}

	oldParent, oldName, errno := fs.getParentInner(oldEntry.Inode, oldPath)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	newParent, newName, errno := fs.getParentInner(newEntry.Inode, newPath)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	oldDir, errno := fs.hostDirOf(oldParent)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	newDir, errno := fs.hostDirOf(newParent)
	if errno != wasi.ErrnoSuccess {
		return errno
	}

	inode, errno := fs.lookupChild(oldParent, oldDir, oldName)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	val, ok := fs.arena.Get(inode)
	if !ok {
		return wasi.ErrnoBadf
	}

	newHost := filepath.Join(newDir.Path, newName)
	if err := fs.host.Rename(fs.hostPathOfInner(val), newHost); err != nil {
		return wasi.FileErrno(err)
	}

	oldDir.Entries.Delete(oldName)
	newDir.Entries.Set(newName, inode)
	val.Name = newName
	switch kind := val.Kind.(type) {
	case *KindFile:
		kind.Path = newHost
	case *KindDir:
		kind.Parent = newParent
		kind.Path = newHost
		// Children hold stale host paths; drop the memoized subtree so the
		// next walk rebuilds it from the renamed location.
		kind.Entries = NewDirEntries()
	}
	return wasi.ErrnoSuccess
}

func (fs *FS) hostPathOfInner(val *InodeVal) string {
	switch kind := val.Kind.(type) {
	case *KindFile:
		return kind.Path
	case *KindDir:
		return kind.Path
	default:
		return ""
	}
}

// SymlinkAt implements path_symlink. The target is stored relative to the
// nearest preopen; absolute targets are rejected.
func (fs *FS) SymlinkAt(target string, dirFd int32, linkPath string) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, errno := fs.fdWithRights(dirFd, wasi.RightsPathSymlink)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if path.IsAbs(target) || filepath.IsAbs(target) {
		return wasi.ErrnoAcces
	}
	parent, name, errno := fs.getParentInner(entry.Inode, linkPath)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	dir, errno := fs.hostDirOf(parent)
	if errno != wasi.ErrnoSuccess {
		return errno
	}
	if _, ok := dir.Entries.Get(name); ok {
		return wasi.ErrnoExist
	}

	hostPath := filepath.Join(dir.Path, name)
	if linker, ok := fs.host.(afero.Linker); ok {
		if err := linker.SymlinkIfPossible(target, hostPath); err != nil {
			return wasi.FileErrno(err)
		}
	}

	preopen := fs.basePreopenOf(parent)
	inode := fs.createInode(&InodeVal{
		Stat: wasi.Filestat{Filetype: wasi.FiletypeSymbolicLink, Nlink: 1},
		Name: name,
		Kind: &KindSymlink{
			BasePreopen:   preopen,
			PathToSymlink: fs.relativeToPreopen(preopen, hostPath),
			RelativePath:  target,
		},
	})
	dir.Entries.Set(name, inode)
	return wasi.ErrnoSuccess
}

// ReadlinkAt implements path_readlink.
func (fs *FS) ReadlinkAt(dirFd int32, p string) (string, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, errno := fs.fdWithRights(dirFd, wasi.RightsPathReadlink)
	if errno != wasi.ErrnoSuccess {
		return "", errno
	}
	inode, errno := fs.getInodeAtPathInner(entry.Inode, p, 0, false)
	if errno != wasi.ErrnoSuccess {
		return "", errno
	}
	val, ok := fs.arena.Get(inode)
	if !ok {
		return "", wasi.ErrnoBadf
	}
	link, isLink := val.Kind.(*KindSymlink)
	if !isLink {
		return "", wasi.ErrnoInval
	}
	return link.RelativePath, wasi.ErrnoSuccess
}

// LinkAt implements path_link. The host abstraction has no hard-link
// operation, so the call reports ErrnoNotsup after validating both bases.
func (fs *FS) LinkAt(oldFd int32, oldPath string, newFd int32, newPath string) wasi.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, errno := fs.fdWithRights(oldFd, wasi.RightsPathLinkSource); errno != wasi.ErrnoSuccess {
		return errno
	}
	if _, errno := fs.fdWithRights(newFd, wasi.RightsPathLinkTarget); errno != wasi.ErrnoSuccess {
		return errno
	}
	return wasi.ErrnoNotsup
}

// ReadDir implements fd_readdir. The cookie is an ordinal into the sorted
// entry list; `.` and `..` are synthesized first as POSIX consumers expect.
func (fs *FS) ReadDir(fd int32, cookie wasi.Dircookie, max int) ([]wasi.Dirent, wasi.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, errno := fs.fdWithRights(fd, wasi.RightsFdReaddir)
	if errno != wasi.ErrnoSuccess {
		return nil, errno
	}
	val, errno := fs.inodeOf(entry)
	if errno != wasi.ErrnoSuccess {
		return nil, errno
	}

	var entries *DirEntries
	var parentIno, selfIno uint64
	switch kind := val.Kind.(type) {
	case *KindDir:
		fs.populateDirInner(entry.Inode, kind)
		entries = kind.Entries
		selfIno = val.Stat.Inode
		if pval, ok := fs.arena.Get(kind.Parent); ok {
			parentIno = pval.Stat.Inode
		}
	case *KindRoot:
		entries = kind.Entries
		selfIno = val.Stat.Inode
		parentIno = selfIno
	default:
		return nil, wasi.ErrnoNotdir
	}

	all := make([]wasi.Dirent, 0, entries.Len()+2)
	all = append(all,
		wasi.Dirent{Inode: selfIno, Filetype: wasi.FiletypeDirectory, Name: "."},
		wasi.Dirent{Inode: parentIno, Filetype: wasi.FiletypeDirectory, Name: ".."},
	)
	entries.Ascend(func(name string, inode Inode) bool {
		cval, ok := fs.arena.Get(inode)
		if !ok {
			return true
		}
		all = append(all, wasi.Dirent{
			Inode:    cval.Stat.Inode,
			Filetype: cval.Stat.Filetype,
			Name:     name,
		})
		return true
	})
	for i := range all {
		all[i].Next = wasi.Dircookie(i + 1)
	}

	start := int(cookie)
	if start >= len(all) {
		return nil, wasi.ErrnoSuccess
	}
	out := all[start:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, wasi.ErrnoSuccess
}

// populateDirInner memoizes every host child of a directory so readdir
// sees entries that were never touched by path resolution.
func (fs *FS) populateDirInner(inode Inode, dir *KindDir) {
	f, err := fs.host.Open(dir.Path)
	if err != nil {
		return
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return
	}
	for _, name := range names {
		if _, ok := dir.Entries.Get(name); ok {
			continue
		}
		// Ignore children that vanish between listing and stat.
		_, _ = fs.lookupChild(inode, dir, name)
	}
}
