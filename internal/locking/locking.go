// Package locking implements the three-state advisory file lock spec.md §5
// models on SQLite's own locking protocol: UNLOCKED -> SHARED -> RESERVED ->
// EXCLUSIVE, enforced with OS byte-range locks on the database file so that
// separate OS processes opening the same file cooperate, not just
// goroutines within one process.
//
// There is no direct precedent for this in the teacher repo (tinySQL has no
// file locking at all — its pager serializes access with an in-process
// mutex). The platform-specific syscall style is grounded on the other
// example repo that touches raw file syscalls directly,
// _examples/sharvitKashikar-FiloDB/database/filodb_mmap_{unix,darwin,windows}.go,
// extended from mmap/pwrite to byte-range advisory locks.
package locking

import (
	"math/rand"
	"os"
	"time"

	"github.com/relitedb/relite/internal/errs"
)

// State is one of the four lock states a connection can hold on a database
// file, spec.md §5.
type State uint8

const (
	Unlocked State = iota
	Shared
	Reserved
	Exclusive
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Shared:
		return "SHARED"
	case Reserved:
		return "RESERVED"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// Byte offsets used for advisory range locks, chosen the way SQLite chooses
// its own locking bytes: far past any plausible database size so they never
// collide with real page data, with the shared range wide enough that many
// readers can take distinct byte locks within it without exhausting a lock
// table that limits the number of identical-range locks.
const (
	reservedByte int64 = 1 << 30
	sharedFirst  int64 = (1 << 30) + 1
	sharedSize   int64 = 510
)

// FileLock is one connection's view of the lock state on a database file.
// The zero value is not usable; construct with New.
type FileLock struct {
	f     *os.File
	state State

	haveShared   bool
	haveReserved bool
}

// New wraps f (already open read-write on the database file) for locking.
func New(f *os.File) *FileLock {
	return &FileLock{f: f, state: Unlocked}
}

func (l *FileLock) State() State { return l.state }

// AcquireShared takes a SHARED lock, allowing concurrent readers but
// conflicting with any writer holding EXCLUSIVE.
func (l *FileLock) AcquireShared() error {
	if l.state != Unlocked {
		return nil
	}
	if err := tryLockRange(l.f, sharedFirst, sharedSize, false); err != nil {
		return busyErr(err)
	}
	l.haveShared = true
	l.state = Shared
	return nil
}

// AcquireReserved upgrades SHARED to RESERVED: signals intent to write
// without yet blocking other readers. Only one connection can hold RESERVED
// at a time.
func (l *FileLock) AcquireReserved() error {
	if l.state == Reserved || l.state == Exclusive {
		return nil
	}
	if l.state != Shared {
		return errs.New(errs.Internal, "AcquireReserved requires SHARED, have %s", l.state)
	}
	if err := tryLockRange(l.f, reservedByte, 1, true); err != nil {
		return busyErr(err)
	}
	l.haveReserved = true
	l.state = Reserved
	return nil
}

// AcquireExclusive upgrades RESERVED to EXCLUSIVE: blocks out every other
// reader and writer. It first releases this handle's own SHARED range lock
// so the write lock over the same range doesn't self-conflict.
func (l *FileLock) AcquireExclusive(deadline time.Time) error {
	if l.state == Exclusive {
		return nil
	}
	if l.state != Reserved {
		return errs.New(errs.Internal, "AcquireExclusive requires RESERVED, have %s", l.state)
	}
	if err := tryUnlockRange(l.f, sharedFirst, sharedSize); err != nil {
		return errs.Wrap(errs.IO, err, "release shared range before exclusive")
	}
	l.haveShared = false

	err := retryBusy(deadline, func() error {
		return tryLockRange(l.f, sharedFirst, sharedSize, true)
	})
	if err != nil {
		// Could not get exclusive back; re-acquire SHARED so the connection
		// is left in a consistent, previously-held state rather than bare.
		_ = tryLockRange(l.f, sharedFirst, sharedSize, false)
		l.haveShared = true
		return err
	}
	l.haveShared = true
	l.state = Exclusive
	return nil
}

// Release drops every lock this connection holds, back to UNLOCKED.
func (l *FileLock) Release() error {
	if l.haveReserved {
		if err := tryUnlockRange(l.f, reservedByte, 1); err != nil {
			return errs.Wrap(errs.IO, err, "release reserved lock")
		}
		l.haveReserved = false
	}
	if l.haveShared {
		if err := tryUnlockRange(l.f, sharedFirst, sharedSize); err != nil {
			return errs.Wrap(errs.IO, err, "release shared lock")
		}
		l.haveShared = false
	}
	l.state = Unlocked
	return nil
}

func busyErr(err error) error {
	return errs.Wrap(errs.Busy, err, "database is locked")
}

// retryBusy retries fn, which should attempt a single non-blocking lock and
// return a BUSY-kind error on conflict, with jittered bounded backoff until
// deadline. Modeled on spec.md §5's "bounded, jittered backoff" requirement.
func retryBusy(deadline time.Time, fn func() error) error {
	delay := 2 * time.Millisecond
	const maxDelay = 100 * time.Millisecond
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if errs.KindOf(err) != errs.Busy {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		time.Sleep(jittered)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// RetryBusy exposes the busy-retry loop to callers (internal/conn) that
// need to retry a whole lock-acquisition step, not just a single syscall.
func RetryBusy(deadline time.Time, fn func() error) error {
	return retryBusy(deadline, fn)
}
