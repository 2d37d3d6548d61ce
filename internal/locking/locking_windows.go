//go:build windows

package locking

import (
	"os"

	"golang.org/x/sys/windows"
)

// tryLockRange attempts a non-blocking byte-range lock via LockFileEx, the
// same primitive SQLite's Windows VFS uses.
func tryLockRange(f *os.File, start, length int64, exclusive bool) error {
	var flags uint32 = windows.LOCKFILE_FAIL_IMMEDIATELY
	if exclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	ol.Offset = uint32(start)
	ol.OffsetHigh = uint32(start >> 32)

	h := windows.Handle(f.Fd())
	return windows.LockFileEx(h, flags, 0, uint32(length), uint32(length>>32), ol)
}

func tryUnlockRange(f *os.File, start, length int64) error {
	ol := new(windows.Overlapped)
	ol.Offset = uint32(start)
	ol.OffsetHigh = uint32(start >> 32)

	h := windows.Handle(f.Fd())
	return windows.UnlockFileEx(h, 0, uint32(length), uint32(length>>32), ol)
}
