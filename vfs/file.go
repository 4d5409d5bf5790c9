package vfs

import (
	"io"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/pgavlin/wharf/wasi"
)

// VirtualFile is the one interface every file backend satisfies: real host
// files, read-only byte buffers, copy-on-write wrappers, and the special
// devices all hide behind it polymorphically.
type VirtualFile interface {
	Size() uint64
	Seek(offset int64, whence int) (int64, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	LastAccessed() wasi.Timestamp
	LastModified() wasi.Timestamp
	CreatedTime() wasi.Timestamp
	SetLen(size uint64) error
	Unlink() error
	// GetSpecialFd reports the well-known descriptor this file must occupy
	// (stdin/stdout/stderr), if any.
	GetSpecialFd() (int32, bool)
	Close() error
}

// ErrVirtualFile returns os.ErrInvalid for every operation. Backends embed
// it and override what they support, the same way a partial implementation
// would stub the rest.
type ErrVirtualFile struct{}

func (ErrVirtualFile) Size() uint64                   { return 0 }
func (ErrVirtualFile) Seek(int64, int) (int64, error) { return 0, os.ErrInvalid }
func (ErrVirtualFile) Read([]byte) (int, error)       { return 0, os.ErrInvalid }
func (ErrVirtualFile) Write([]byte) (int, error)      { return 0, os.ErrInvalid }
func (ErrVirtualFile) Flush() error                   { return nil }
func (ErrVirtualFile) LastAccessed() wasi.Timestamp   { return 0 }
func (ErrVirtualFile) LastModified() wasi.Timestamp   { return 0 }
func (ErrVirtualFile) CreatedTime() wasi.Timestamp    { return 0 }
func (ErrVirtualFile) SetLen(uint64) error            { return os.ErrInvalid }
func (ErrVirtualFile) Unlink() error                  { return os.ErrInvalid }
func (ErrVirtualFile) GetSpecialFd() (int32, bool)    { return 0, false }
func (ErrVirtualFile) Close() error                   { return nil }

type hostFile struct {
	fs   afero.Fs
	f    afero.File
	path string
}

// NewHostFile wraps an open afero file as a VirtualFile. Unlink removes
// the backing path from the host filesystem.
func NewHostFile(fs afero.Fs, f afero.File, path string) VirtualFile {
	return &hostFile{fs: fs, f: f, path: path}
}

func (h *hostFile) Size() uint64 {
	info, err := h.f.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

func (h *hostFile) Seek(offset int64, whence int) (int64, error) {
	return h.f.Seek(offset, whence)
}

func (h *hostFile) Read(p []byte) (int, error) {
	return h.f.Read(p)
}

func (h *hostFile) Write(p []byte) (int, error) {
	return h.f.Write(p)
}

func (h *hostFile) Flush() error {
	return h.f.Sync()
}

func (h *hostFile) LastAccessed() wasi.Timestamp {
	info, err := h.f.Stat()
	if err != nil {
		return 0
	}
	atime, _, _ := statTimes(info)
	return atime
}

func (h *hostFile) LastModified() wasi.Timestamp {
	info, err := h.f.Stat()
	if err != nil {
		return 0
	}
	return wasi.TimestampFromTime(info.ModTime())
}

func (h *hostFile) CreatedTime() wasi.Timestamp {
	info, err := h.f.Stat()
	if err != nil {
		return 0
	}
	_, _, ctime := statTimes(info)
	return ctime
}

func (h *hostFile) SetLen(size uint64) error {
	return h.f.Truncate(int64(size))
}

func (h *hostFile) Unlink() error {
	return h.fs.Remove(h.path)
}

func (h *hostFile) GetSpecialFd() (int32, bool) {
	return 0, false
}

func (h *hostFile) Close() error {
	return h.f.Close()
}

type bufferFile struct {
	ErrVirtualFile

	data   []byte
	cursor int64
	atime  wasi.Timestamp
	mtime  wasi.Timestamp
}

// NewBufferFile exposes a byte slice as a read-only file.
func NewBufferFile(data []byte) VirtualFile {
	now := wasi.TimestampFromTime(time.Now())
	return &bufferFile{data: data, atime: now, mtime: now}
}

func (b *bufferFile) Size() uint64 {
	return uint64(len(b.data))
}

func (b *bufferFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = b.cursor
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return 0, os.ErrInvalid
	}
	pos := base + offset
	if pos < 0 {
		return 0, os.ErrInvalid
	}
	b.cursor = pos
	return pos, nil
}

func (b *bufferFile) Read(p []byte) (int, error) {
	if b.cursor >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.cursor:])
	b.cursor += int64(n)
	return n, nil
}

func (b *bufferFile) Write(p []byte) (int, error) {
	return 0, os.ErrPermission
}

func (b *bufferFile) LastAccessed() wasi.Timestamp { return b.atime }
func (b *bufferFile) LastModified() wasi.Timestamp { return b.mtime }
func (b *bufferFile) CreatedTime() wasi.Timestamp  { return b.mtime }

type cowFile struct {
	source VirtualFile
	buf    *bufferReadWrite
}

type bufferReadWrite struct {
	data   []byte
	cursor int64
}

// NewCopyOnWriteFile wraps source so reads pass through until the first
// write, which copies the remaining content into memory; the source is
// never modified.
func NewCopyOnWriteFile(source VirtualFile) VirtualFile {
	return &cowFile{source: source}
}

func (c *cowFile) fault() error {
	if c.buf != nil {
		return nil
	}
	pos, err := c.source.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := c.source.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(c.source)
	if err != nil {
		return err
	}
	c.buf = &bufferReadWrite{data: data, cursor: pos}
	return nil
}

func (c *cowFile) Size() uint64 {
	if c.buf != nil {
		return uint64(len(c.buf.data))
	}
	return c.source.Size()
}

func (c *cowFile) Seek(offset int64, whence int) (int64, error) {
	if c.buf == nil {
		return c.source.Seek(offset, whence)
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = c.buf.cursor
	case io.SeekEnd:
		base = int64(len(c.buf.data))
	default:
		return 0, os.ErrInvalid
	}
	pos := base + offset
	if pos < 0 {
		return 0, os.ErrInvalid
	}
	c.buf.cursor = pos
	return pos, nil
}

func (c *cowFile) Read(p []byte) (int, error) {
	if c.buf == nil {
		return c.source.Read(p)
	}
	if c.buf.cursor >= int64(len(c.buf.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.buf.data[c.buf.cursor:])
	c.buf.cursor += int64(n)
	return n, nil
}

func (c *cowFile) Write(p []byte) (int, error) {
	if err := c.fault(); err != nil {
		return 0, err
	}
	end := c.buf.cursor + int64(len(p))
	if end > int64(len(c.buf.data)) {
		grown := make([]byte, end)
		copy(grown, c.buf.data)
		c.buf.data = grown
	}
	n := copy(c.buf.data[c.buf.cursor:end], p)
	c.buf.cursor += int64(n)
	return n, nil
}

func (c *cowFile) Flush() error { return nil }

func (c *cowFile) LastAccessed() wasi.Timestamp { return c.source.LastAccessed() }
func (c *cowFile) LastModified() wasi.Timestamp { return c.source.LastModified() }
func (c *cowFile) CreatedTime() wasi.Timestamp  { return c.source.CreatedTime() }

func (c *cowFile) SetLen(size uint64) error {
	if err := c.fault(); err != nil {
		return err
	}
	if size <= uint64(len(c.buf.data)) {
		c.buf.data = c.buf.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, c.buf.data)
	c.buf.data = grown
	return nil
}

func (c *cowFile) Unlink() error               { return nil }
func (c *cowFile) GetSpecialFd() (int32, bool) { return 0, false }
func (c *cowFile) Close() error                { return c.source.Close() }

type nullFile struct {
	ErrVirtualFile
}

// NewNullFile is /dev/null: reads see EOF, writes disappear.
func NewNullFile() VirtualFile {
	return &nullFile{}
}

func (nullFile) Read(p []byte) (int, error)     { return 0, io.EOF }
func (nullFile) Write(p []byte) (int, error)    { return len(p), nil }
func (nullFile) Seek(int64, int) (int64, error) { return 0, nil }

type zeroFile struct {
	ErrVirtualFile
}

// NewZeroFile is /dev/zero: reads fill with zero bytes, writes disappear.
func NewZeroFile() VirtualFile {
	return &zeroFile{}
}

func (zeroFile) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (zeroFile) Write(p []byte) (int, error)    { return len(p), nil }
func (zeroFile) Seek(int64, int) (int64, error) { return 0, nil }

type readerFile struct {
	ErrVirtualFile

	r  io.Reader
	fd int32
}

// NewReaderFile adapts an io.Reader (stdin-shaped) into a VirtualFile
// pinned to the given special descriptor.
func NewReaderFile(r io.Reader, fd int32) VirtualFile {
	return &readerFile{r: r, fd: fd}
}

func (f *readerFile) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *readerFile) GetSpecialFd() (int32, bool) { return f.fd, true }

type writerFile struct {
	ErrVirtualFile

	w  io.Writer
	fd int32
}

// NewWriterFile adapts an io.Writer (stdout/stderr-shaped) into a
// VirtualFile pinned to the given special descriptor.
func NewWriterFile(w io.Writer, fd int32) VirtualFile {
	return &writerFile{w: w, fd: fd}
}

func (f *writerFile) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *writerFile) GetSpecialFd() (int32, bool) { return f.fd, true }

type ttyFile struct {
	ErrVirtualFile

	r io.Reader
	w io.Writer
}

// NewTTYFile is /dev/tty: a duplex character device that reads from r and
// writes to w, regardless of where the standard descriptors point.
func NewTTYFile(r io.Reader, w io.Writer) VirtualFile {
	return &ttyFile{r: r, w: w}
}

func (f *ttyFile) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *ttyFile) Write(p []byte) (int, error) { return f.w.Write(p) }
func (ttyFile) Seek(int64, int) (int64, error) { return 0, nil }
