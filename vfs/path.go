package vfs

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/pgavlin/wharf/wasi"
)

// splitPath normalizes a guest path into its components. Leading slashes
// are ignored: every guest path resolves relative to its base directory.
func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// basePreopenOf finds the nearest preopened ancestor of a directory inode.
// Symlink targets resolve relative to this, never as absolute host paths.
func (fs *FS) basePreopenOf(inode Inode) Inode {
	for {
		val, ok := fs.arena.Get(inode)
		if !ok {
			return inode
		}
		if val.IsPreopened {
			return inode
		}
		dir, ok := val.Kind.(*KindDir)
		if !ok {
			return inode
		}
		inode = dir.Parent
	}
}

// relativeToPreopen strips the preopen's host prefix from hostPath.
func (fs *FS) relativeToPreopen(preopen Inode, hostPath string) string {
	val, ok := fs.arena.Get(preopen)
	if !ok {
		return hostPath
	}
	dir, ok := val.Kind.(*KindDir)
	if !ok {
		return hostPath
	}
	rel := strings.TrimPrefix(hostPath, dir.Path)
	return strings.TrimPrefix(rel, string(filepath.Separator))
}

// lookupChild resolves one name under a host-backed directory, memoizing
// the result in the directory's entry map. Host state is consulted once
// per name; subsequent walks hit the arena.
func (fs *FS) lookupChild(cur Inode, dir *KindDir, name string) (Inode, wasi.Errno) {
	if child, ok := dir.Entries.Get(name); ok {
		return child, wasi.ErrnoSuccess
	}

	hostPath := filepath.Join(dir.Path, name)

	var info os.FileInfo
	var err error
	lstatted := false
	if lstater, ok := fs.host.(afero.Lstater); ok {
		info, lstatted, err = lstater.LstatIfPossible(hostPath)
	} else {
		info, err = fs.host.Stat(hostPath)
	}
	if err != nil {
		return Inode{}, wasi.FileErrno(err)
	}

	var kind Kind
	stat := fs.statFromInfo(info)
	switch {
	case lstatted && info.Mode()&os.ModeSymlink != 0:
		reader, ok := fs.host.(afero.LinkReader)
		if !ok {
			return Inode{}, wasi.ErrnoNotsup
		}
		target, err := reader.ReadlinkIfPossible(hostPath)
		if err != nil {
			return Inode{}, wasi.FileErrno(err)
		}
		if path.IsAbs(target) || filepath.IsAbs(target) {
			// An absolute target points outside the sandbox.
			return Inode{}, wasi.ErrnoAcces
		}
		preopen := fs.basePreopenOf(cur)
		stat.Filetype = wasi.FiletypeSymbolicLink
		kind = &KindSymlink{
			BasePreopen:   preopen,
			PathToSymlink: fs.relativeToPreopen(preopen, hostPath),
			RelativePath:  target,
		}
	case info.IsDir():
		kind = &KindDir{Parent: cur, Path: hostPath, Entries: NewDirEntries()}
	default:
		kind = &KindFile{Path: hostPath}
	}

	child := fs.createInode(&InodeVal{Stat: stat, Name: name, Kind: kind})
	dir.Entries.Set(name, child)
	return child, wasi.ErrnoSuccess
}

// getInodeAtPathInner walks p starting at base. The walk stops at the
// virtual root: a `..` that would climb above a preopen fails with
// ErrnoAcces, and more than maxSymlinks link expansions fail with
// ErrnoMlink. When follow is false a trailing symlink is returned as-is.
func (fs *FS) getInodeAtPathInner(base Inode, p string, symlinkCount int, follow bool) (Inode, wasi.Errno) {
	cur := base
	components := splitPath(p)

	for i, component := range components {
		val, ok := fs.arena.Get(cur)
		if !ok {
			return Inode{}, wasi.ErrnoBadf
		}
		last := i == len(components)-1

		switch kind := val.Kind.(type) {
		case *KindDir:
			if component == ".." {
				cur = kind.Parent
				if rootVal, ok := fs.arena.Get(cur); ok {
					if _, atRoot := rootVal.Kind.(*KindRoot); atRoot && !val.IsPreopened {
						return Inode{}, wasi.ErrnoAcces
					}
				}
				continue
			}
			child, errno := fs.lookupChild(cur, kind, component)
			if errno != wasi.ErrnoSuccess {
				return Inode{}, errno
			}
			cur = child

		case *KindRoot:
			if component == ".." {
				return Inode{}, wasi.ErrnoAcces
			}
			child, ok := kind.Entries.Get(component)
			if !ok {
				return Inode{}, wasi.ErrnoNoent
			}
			cur = child

		case *KindSymlink:
			resolved, errno := fs.resolveSymlinkInner(kind, symlinkCount+1)
			if errno != wasi.ErrnoSuccess {
				return Inode{}, errno
			}
			rest := strings.Join(components[i:], "/")
			return fs.getInodeAtPathInner(resolved, rest, symlinkCount+1, follow)

		default:
			return Inode{}, wasi.ErrnoNotdir
		}

		if last {
			if val, ok := fs.arena.Get(cur); ok {
				if link, isLink := val.Kind.(*KindSymlink); isLink && follow {
					return fs.resolveSymlinkInner(link, symlinkCount+1)
				}
			}
		}
	}
	return cur, wasi.ErrnoSuccess
}

func (fs *FS) resolveSymlinkInner(link *KindSymlink, symlinkCount int) (Inode, wasi.Errno) {
	if symlinkCount > maxSymlinks {
		return Inode{}, wasi.ErrnoMlink
	}
	target := path.Join(path.Dir(link.PathToSymlink), link.RelativePath)
	return fs.getInodeAtPathInner(link.BasePreopen, target, symlinkCount, true)
}

// getParentInner resolves the directory containing the final component of
// p and returns that directory's inode plus the component name.
func (fs *FS) getParentInner(base Inode, p string) (Inode, string, wasi.Errno) {
	components := splitPath(p)
	if len(components) == 0 {
		return Inode{}, "", wasi.ErrnoInval
	}
	name := components[len(components)-1]
	if name == ".." {
		return Inode{}, "", wasi.ErrnoInval
	}
	dirPath := strings.Join(components[:len(components)-1], "/")
	parent, errno := fs.getInodeAtPathInner(base, dirPath, 0, true)
	if errno != wasi.ErrnoSuccess {
		return Inode{}, "", errno
	}
	return parent, name, wasi.ErrnoSuccess
}

// hostDirOf returns the host-backed directory view of an inode, or
// ErrnoNotdir. The virtual root is not host-backed.
func (fs *FS) hostDirOf(inode Inode) (*KindDir, wasi.Errno) {
	val, ok := fs.arena.Get(inode)
	if !ok {
		return nil, wasi.ErrnoBadf
	}
	dir, ok := val.Kind.(*KindDir)
	if !ok {
		if _, isRoot := val.Kind.(*KindRoot); isRoot {
			return nil, wasi.ErrnoAcces
		}
		return nil, wasi.ErrnoNotdir
	}
	return dir, wasi.ErrnoSuccess
}
