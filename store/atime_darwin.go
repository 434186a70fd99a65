//go:build darwin

package store

import (
	"io/fs"
	"syscall"
	"time"
)

func accessTime(info fs.FileInfo) (time.Time, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return info.ModTime(), false
	}
	return time.Unix(st.Atimespec.Sec, st.Atimespec.Nsec), true
}
