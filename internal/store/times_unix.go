//go:build linux || darwin

package store

import (
	"time"

	"golang.org/x/sys/unix"
)

func lchtimes(path string, t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Lutimes(path, []unix.Timeval{tv, tv})
}
