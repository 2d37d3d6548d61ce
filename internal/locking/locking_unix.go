//go:build linux || darwin || freebsd || openbsd || netbsd || solaris

package locking

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockRange attempts a non-blocking byte-range lock via fcntl(F_SETLK),
// the same primitive SQLite itself uses on POSIX systems.
func tryLockRange(f *os.File, start, length int64, exclusive bool) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = unix.F_WRLCK
	}
	lock := unix.Flock_t{
		Type:   typ,
		Whence: int16(os.SEEK_SET),
		Start:  start,
		Len:    length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock)
}

func tryUnlockRange(f *os.File, start, length int64) error {
	lock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  start,
		Len:    length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock)
}
