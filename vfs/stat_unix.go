//go:build linux

package vfs

import (
	"os"
	"syscall"
	"time"

	"github.com/pgavlin/wharf/wasi"
)

// statTimes recovers access/modify/change times from a host stat where the
// platform exposes them; callers fall back to ModTime otherwise.
func statTimes(info os.FileInfo) (atime, mtime, ctime wasi.Timestamp) {
	mtime = wasi.TimestampFromTime(info.ModTime())
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime, mtime, mtime
	}
	atime = wasi.TimestampFromTime(time.Unix(stat.Atim.Unix()))
	ctime = wasi.TimestampFromTime(time.Unix(stat.Ctim.Unix()))
	return atime, mtime, ctime
}
