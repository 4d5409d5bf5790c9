//go:build !linux && !darwin && !freebsd && !netbsd

package vfs

import (
	"os"

	"github.com/pgavlin/wharf/wasi"
)

func statTimes(info os.FileInfo) (atime, mtime, ctime wasi.Timestamp) {
	mtime = wasi.TimestampFromTime(info.ModTime())
	return mtime, mtime, mtime
}
