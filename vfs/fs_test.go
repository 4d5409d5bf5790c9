package vfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/pgavlin/wharf/wasi"
)

func newTestFS(t *testing.T) (*FS, int32) {
	t.Helper()

	host := afero.NewMemMapFs()
	require.NoError(t, host.MkdirAll("/data", 0o755))

	fs, err := New(host, &Options{
		Stdin:  bytes.NewReader(nil),
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
		Preopens: []Preopen{
			{Path: "/data", HostPath: "/data"},
		},
	})
	require.NoError(t, err)

	return fs, preopenByAlias(t, fs, "data")
}

func preopenByAlias(t *testing.T, fs *FS, alias string) int32 {
	t.Helper()
	for _, fd := range fs.PreopenFds() {
		name, errno := fs.PreopenPath(fd)
		require.Equal(t, wasi.ErrnoSuccess, errno)
		if name == alias {
			return fd
		}
	}
	t.Fatalf("no preopen with alias %q", alias)
	return -1
}

func openFile(t *testing.T, fs *FS, dirFd int32, path string, oflags wasi.Oflags) int32 {
	t.Helper()
	fd, errno := fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, path, oflags, wasi.FileRights|wasi.DirectoryRights, wasi.FileRights|wasi.DirectoryRights, 0)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	return fd
}

func TestReadWriteRoundTrip(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "greeting.txt", wasi.OflagCreate)
	n, errno := fs.FdWrite(fd, [][]byte{[]byte("foobar"), []byte("bazqux")})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint32(12), n)
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))

	fd = openFile(t, fs, dirFd, "greeting.txt", 0)
	buf := make([]byte, 12)
	n, errno = fs.FdRead(fd, [][]byte{buf})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint32(12), n)
	require.Equal(t, "foobarbazqux", string(buf))

	// The cursor sits at EOF now.
	n, errno = fs.FdRead(fd, [][]byte{buf})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint32(0), n)
}

func TestPreadLeavesCursor(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "f", wasi.OflagCreate)
	_, errno := fs.FdWrite(fd, [][]byte{[]byte("abcdef")})
	require.Equal(t, wasi.ErrnoSuccess, errno)

	buf := make([]byte, 3)
	n, errno := fs.FdPread(fd, [][]byte{buf}, 1)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint32(3), n)
	require.Equal(t, "bcd", string(buf))

	pos, errno := fs.FdTell(fd)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint64(6), pos)
}

func TestSeekWhence(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "f", wasi.OflagCreate)
	_, errno := fs.FdWrite(fd, [][]byte{[]byte("0123456789")})
	require.Equal(t, wasi.ErrnoSuccess, errno)

	pos, errno := fs.FdSeek(fd, -4, wasi.WhenceEnd)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint64(6), pos)

	pos, errno = fs.FdSeek(fd, 2, wasi.WhenceCur)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint64(8), pos)

	_, errno = fs.FdSeek(fd, -1, wasi.WhenceSet)
	require.Equal(t, wasi.ErrnoInval, errno)
}

func TestSandboxRootEscape(t *testing.T) {
	fs, dirFd := newTestFS(t)

	// Climbing above the set of preopens is a sandbox violation, not a
	// missing file.
	_, errno := fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, "../../etc/passwd", 0, wasi.FileRights, 0, 0)
	require.Equal(t, wasi.ErrnoAcces, errno)

	_, errno = fs.PathFilestat(dirFd, wasi.LookupSymlinkFollow, "../..")
	require.Equal(t, wasi.ErrnoAcces, errno)
}

func TestOpenMissingAndExclusive(t *testing.T) {
	fs, dirFd := newTestFS(t)

	_, errno := fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, "absent", 0, wasi.FileRights, 0, 0)
	require.Equal(t, wasi.ErrnoNoent, errno)

	fd := openFile(t, fs, dirFd, "present", wasi.OflagCreate)
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))

	_, errno = fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, "present", wasi.OflagCreate|wasi.OflagExcl, wasi.FileRights, 0, 0)
	require.Equal(t, wasi.ErrnoExist, errno)
}

func TestDupSharesOffset(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "f", wasi.OflagCreate)
	_, errno := fs.FdWrite(fd, [][]byte{[]byte("abcdef")})
	require.Equal(t, wasi.ErrnoSuccess, errno)

	dup, errno := fs.DupFd(fd)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	// A seek through one descriptor moves the other.
	_, errno = fs.FdSeek(fd, 2, wasi.WhenceSet)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	pos, errno := fs.FdTell(dup)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint64(2), pos)

	buf := make([]byte, 2)
	n, errno := fs.FdRead(dup, [][]byte{buf})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint32(2), n)
	require.Equal(t, "cd", string(buf))

	pos, errno = fs.FdTell(fd)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint64(4), pos)
}

func TestClosePreopenOriginalUnlinks(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "f", wasi.OflagCreate)
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))

	dup, errno := fs.DupFd(dirFd)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	// Closing the dup leaves the grant intact.
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(dup))
	_, errno = fs.PreopenPath(dirFd)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	dup, errno = fs.DupFd(dirFd)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	// Closing the original revokes the grant; the dup still resolves
	// paths under the directory it already holds. The device grant is
	// untouched.
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(dirFd))
	_, errno = fs.PreopenPath(dirFd)
	require.Equal(t, wasi.ErrnoBadf, errno)
	require.Len(t, fs.PreopenFds(), 1)

	fd, errno = fs.OpenFileAt(dup, wasi.LookupSymlinkFollow, "f", 0, wasi.FileRights, 0, 0)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))
}

func TestRenumberMovesPreopenGrant(t *testing.T) {
	fs, dirFd := newTestFS(t)

	require.Equal(t, wasi.ErrnoSuccess, fs.RenumberFd(dirFd, 42))
	_, errno := fs.PreopenPath(dirFd)
	require.Equal(t, wasi.ErrnoBadf, errno)

	alias, errno := fs.PreopenPath(42)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, "data", alias)
}

func TestUnlinkedFileStaysReadable(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "doomed", wasi.OflagCreate)
	_, errno := fs.FdWrite(fd, [][]byte{[]byte("still here")})
	require.Equal(t, wasi.ErrnoSuccess, errno)

	require.Equal(t, wasi.ErrnoSuccess, fs.UnlinkFileAt(dirFd, "doomed"))

	// The directory entry is gone...
	_, errno = fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, "doomed", 0, wasi.FileRights, 0, 0)
	require.Equal(t, wasi.ErrnoNoent, errno)

	// ...but the open descriptor still works.
	buf := make([]byte, 10)
	n, errno := fs.FdPread(fd, [][]byte{buf}, 0)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, "still here", string(buf[:n]))

	_, errno = fs.FdFilestat(fd)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))
	_, errno = fs.FdFilestat(fd)
	require.Equal(t, wasi.ErrnoBadf, errno)
}

func TestRightsEnforced(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd, errno := fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, "ro", wasi.OflagCreate, wasi.RightsFdRead|wasi.RightsFdSeek, 0, 0)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	_, errno = fs.FdWrite(fd, [][]byte{[]byte("nope")})
	require.Equal(t, wasi.ErrnoNotcapable, errno)

	// Narrowing is allowed; regaining a dropped right is not.
	require.Equal(t, wasi.ErrnoSuccess, fs.FdSetRights(fd, wasi.RightsFdRead, 0))
	require.Equal(t, wasi.ErrnoNotcapable, fs.FdSetRights(fd, wasi.RightsFdRead|wasi.RightsFdWrite, 0))
}

func TestInheritedRightsCapOpen(t *testing.T) {
	host := afero.NewMemMapFs()
	require.NoError(t, host.MkdirAll("/data", 0o755))
	roFS, err := New(host, &Options{
		Preopens: []Preopen{{
			Path:     "/data",
			HostPath: "/data",
			Rights:   wasi.DirectoryRights | wasi.ReadOnlyRights,
			Inherit:  wasi.ReadOnlyRights,
		}},
	})
	require.NoError(t, err)
	roDir := preopenByAlias(t, roFS, "data")

	// Requesting write access under a read-only grant caps to the
	// inherited set, so the opened descriptor cannot write.
	fd, errno := roFS.OpenFileAt(roDir, wasi.LookupSymlinkFollow, "f", wasi.OflagCreate, wasi.FileRights, 0, 0)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	_, errno = roFS.FdWrite(fd, [][]byte{[]byte("x")})
	require.Equal(t, wasi.ErrnoNotcapable, errno)
}

func TestDirectoryLifecycle(t *testing.T) {
	fs, dirFd := newTestFS(t)

	require.Equal(t, wasi.ErrnoSuccess, fs.CreateDirAt(dirFd, "sub"))
	require.Equal(t, wasi.ErrnoExist, fs.CreateDirAt(dirFd, "sub"))

	fd := openFile(t, fs, dirFd, "sub/child", wasi.OflagCreate)
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))

	errno := fs.RemoveDirAt(dirFd, "sub")
	require.Equal(t, wasi.ErrnoNotempty, errno)

	require.Equal(t, wasi.ErrnoSuccess, fs.UnlinkFileAt(dirFd, "sub/child"))
	require.Equal(t, wasi.ErrnoSuccess, fs.RemoveDirAt(dirFd, "sub"))
	_, errno = fs.PathFilestat(dirFd, wasi.LookupSymlinkFollow, "sub")
	require.Equal(t, wasi.ErrnoNoent, errno)
}

func TestRename(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "old", wasi.OflagCreate)
	_, errno := fs.FdWrite(fd, [][]byte{[]byte("payload")})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))

	require.Equal(t, wasi.ErrnoSuccess, fs.RenameAt(dirFd, "old", dirFd, "new"))

	_, errno = fs.PathFilestat(dirFd, wasi.LookupSymlinkFollow, "old")
	require.Equal(t, wasi.ErrnoNoent, errno)

	fd = openFile(t, fs, dirFd, "new", 0)
	buf := make([]byte, 7)
	n, errno := fs.FdRead(fd, [][]byte{buf})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestReadDirSyntheticEntries(t *testing.T) {
	fs, dirFd := newTestFS(t)

	for _, name := range []string{"a", "b"} {
		fd := openFile(t, fs, dirFd, name, wasi.OflagCreate)
		require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))
	}

	dirents, errno := fs.ReadDir(dirFd, 0, 16)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Len(t, dirents, 4)
	require.Equal(t, ".", dirents[0].Name)
	require.Equal(t, "..", dirents[1].Name)
	require.Equal(t, "a", dirents[2].Name)
	require.Equal(t, "b", dirents[3].Name)

	// Resuming from a cookie skips what was already returned.
	rest, errno := fs.ReadDir(dirFd, dirents[1].Next, 16)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Len(t, rest, 2)
	require.Equal(t, "a", rest[0].Name)
}

func TestSetSizeAndAllocate(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "f", wasi.OflagCreate)
	_, errno := fs.FdWrite(fd, [][]byte{[]byte("abc")})
	require.Equal(t, wasi.ErrnoSuccess, errno)

	require.Equal(t, wasi.ErrnoSuccess, fs.FdSetSize(fd, 1))
	stat, errno := fs.FdFilestat(fd)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint64(1), stat.Size)

	require.Equal(t, wasi.ErrnoSuccess, fs.FdAllocate(fd, 0, 8))
	stat, errno = fs.FdFilestat(fd)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, uint64(8), stat.Size)
}

func TestHardLinkUnsupported(t *testing.T) {
	fs, dirFd := newTestFS(t)

	fd := openFile(t, fs, dirFd, "f", wasi.OflagCreate)
	require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))

	require.Equal(t, wasi.ErrnoNotsup, fs.LinkAt(dirFd, "f", dirFd, "g"))
}

func TestSymlinks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target"), []byte("via link"), 0o644))
	require.NoError(t, os.Symlink("target", filepath.Join(dir, "link")))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(dir, "abslink")))
	require.NoError(t, os.Symlink("loop2", filepath.Join(dir, "loop1")))
	require.NoError(t, os.Symlink("loop1", filepath.Join(dir, "loop2")))

	fs, err := New(afero.NewOsFs(), &Options{
		Preopens: []Preopen{{Path: "/work", HostPath: dir}},
	})
	require.NoError(t, err)
	dirFd := preopenByAlias(t, fs, "work")

	t.Run("follow", func(t *testing.T) {
		fd := openFile(t, fs, dirFd, "link", 0)
		buf := make([]byte, 16)
		n, errno := fs.FdRead(fd, [][]byte{buf})
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, "via link", string(buf[:n]))
	})

	t.Run("nofollow", func(t *testing.T) {
		_, errno := fs.OpenFileAt(dirFd, 0, "link", 0, wasi.FileRights, 0, 0)
		require.Equal(t, wasi.ErrnoLoop, errno)

		target, errno := fs.ReadlinkAt(dirFd, "link")
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, "target", target)
	})

	t.Run("absolute target", func(t *testing.T) {
		_, errno := fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, "abslink", 0, wasi.FileRights, 0, 0)
		require.Equal(t, wasi.ErrnoAcces, errno)
	})

	t.Run("cycle", func(t *testing.T) {
		_, errno := fs.OpenFileAt(dirFd, wasi.LookupSymlinkFollow, "loop1", 0, wasi.FileRights, 0, 0)
		require.Equal(t, wasi.ErrnoMlink, errno)
	})

	t.Run("create absolute", func(t *testing.T) {
		require.Equal(t, wasi.ErrnoAcces, fs.SymlinkAt("/outside", dirFd, "newlink"))
		require.Equal(t, wasi.ErrnoSuccess, fs.SymlinkAt("target", dirFd, "newlink"))
	})
}

func TestStdioDescriptors(t *testing.T) {
	var stdout bytes.Buffer
	host := afero.NewMemMapFs()
	fs, err := New(host, &Options{
		Stdin:  bytes.NewReader([]byte("input")),
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, errno := fs.FdRead(FdStdin, [][]byte{buf})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, "input", string(buf[:n]))

	_, errno = fs.FdWrite(FdStdout, [][]byte{[]byte("output")})
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, "output", stdout.String())
}

func TestDeviceDirectory(t *testing.T) {
	var stdout bytes.Buffer
	host := afero.NewMemMapFs()
	fs, err := New(host, &Options{
		Stdin:  bytes.NewReader([]byte("typed")),
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	devFd := preopenByAlias(t, fs, "dev")

	t.Run("null", func(t *testing.T) {
		fd := openFile(t, fs, devFd, "null", 0)
		n, errno := fs.FdWrite(fd, [][]byte{[]byte("discarded")})
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, uint32(9), n)

		buf := make([]byte, 4)
		n, errno = fs.FdRead(fd, [][]byte{buf})
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, uint32(0), n)
		require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))

		// The device survives its last close and stays openable.
		fd = openFile(t, fs, devFd, "null", 0)
		n, errno = fs.FdWrite(fd, [][]byte{[]byte("x")})
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, uint32(1), n)
		require.Equal(t, wasi.ErrnoSuccess, fs.CloseFd(fd))
	})

	t.Run("zero", func(t *testing.T) {
		fd := openFile(t, fs, devFd, "zero", 0)
		buf := []byte{0xff, 0xff, 0xff, 0xff}
		n, errno := fs.FdRead(fd, [][]byte{buf})
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, uint32(4), n)
		require.Equal(t, []byte{0, 0, 0, 0}, buf)
	})

	t.Run("tty", func(t *testing.T) {
		fd := openFile(t, fs, devFd, "tty", 0)
		_, errno := fs.FdWrite(fd, [][]byte{[]byte("prompt")})
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, "prompt", stdout.String())

		buf := make([]byte, 5)
		n, errno := fs.FdRead(fd, [][]byte{buf})
		require.Equal(t, wasi.ErrnoSuccess, errno)
		require.Equal(t, "typed", string(buf[:n]))
	})

	t.Run("filestat", func(t *testing.T) {
		for _, name := range []string{"null", "zero", "tty"} {
			stat, errno := fs.PathFilestat(devFd, wasi.LookupSymlinkFollow, name)
			require.Equal(t, wasi.ErrnoSuccess, errno)
			require.Equal(t, wasi.FiletypeCharacterDevice, stat.Filetype)
		}
	})

	t.Run("readdir", func(t *testing.T) {
		dirents, errno := fs.ReadDir(devFd, 0, 16)
		require.Equal(t, wasi.ErrnoSuccess, errno)
		names := make([]string, len(dirents))
		for i, d := range dirents {
			names[i] = d.Name
		}
		require.Equal(t, []string{".", "..", "null", "tty", "zero"}, names)
	})

	t.Run("no creation", func(t *testing.T) {
		// The device directory has no host backing to create files in.
		_, errno := fs.OpenFileAt(devFd, wasi.LookupSymlinkFollow, "scratch", wasi.OflagCreate, wasi.FileRights, 0, 0)
		require.Equal(t, wasi.ErrnoAcces, errno)
	})
}
