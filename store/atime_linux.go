//go:build linux

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
	return time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec)), true //nolint:unconvert // int32 on some architectures
}
