//go:build darwin || freebsd || netbsd

package vfs

import (
	"os"
	"syscall"
	"time"

	"github.com/pgavlin/wharf/wasi"
)

func statTimes(info os.FileInfo) (atime, mtime, ctime wasi.Timestamp) {
	mtime = wasi.TimestampFromTime(info.ModTime())
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime, mtime, mtime
	}
	atime = wasi.TimestampFromTime(time.Unix(stat.Atimespec.Unix()))
	ctime = wasi.TimestampFromTime(time.Unix(stat.Ctimespec.Unix()))
	return atime, mtime, ctime
}
