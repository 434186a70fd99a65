//go:build windows

package store

import (
	"io/fs"
	"syscall"
	"time"
)

func accessTime(info fs.FileInfo) (time.Time, bool) {
	d, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok || d == nil {
		return info.ModTime(), false
	}
	return time.Unix(0, d.LastAccessTime.Nanoseconds()), true
}
