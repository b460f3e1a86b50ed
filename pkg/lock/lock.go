// Package lock implements component L: a process-safe advisory file lock
// guarding o4's shared archive/fstat directories in the server variant.
// It is adapted from the teacher's POSIX fcntl-based file locker, built on
// golang.org/x/sys/unix rather than raw syscall, with the addition of a
// stale-lock reclaim policy the teacher's locker has no equivalent for.
package lock

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// StaleAfter is how long a held lock is presumed abandoned (its owning
// process died without releasing it) and eligible for reclaim.
const StaleAfter = 90 * time.Minute

// Lock is an advisory byte-range lock on byte 0 of a named file.
type Lock struct {
	file *os.File
	path string
}

// New opens (creating if necessary) the lock file at path. The returned
// Lock is unlocked.
func New(path string, permissions os.FileMode) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, permissions)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open lock file")
	}
	return &Lock{file: file, path: path}, nil
}

func flockT(typ int16) unix.Flock_t {
	return unix.Flock_t{
		Type:   typ,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    1,
	}
}

// Lock attempts to acquire the lock, blocking if block is true.
func (l *Lock) Lock(block bool) error {
	spec := flockT(unix.F_WRLCK)
	op := unix.F_SETLK
	if block {
		op = unix.F_SETLKW
	}
	if err := unix.FcntlFlock(l.file.Fd(), op, &spec); err != nil {
		return errors.Wrap(err, "unable to acquire lock")
	}
	return l.touch()
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	spec := flockT(unix.F_UNLCK)
	if err := unix.FcntlFlock(l.file.Fd(), unix.F_SETLK, &spec); err != nil {
		return errors.Wrap(err, "unable to release lock")
	}
	return nil
}

// Close releases the lock (if held) and closes the underlying file.
func (l *Lock) Close() error {
	_ = l.Unlock()
	return l.file.Close()
}

// touch records the current time as the lock file's modification time, so
// that a future holder can judge staleness from it.
func (l *Lock) touch() error {
	now := time.Now()
	return os.Chtimes(l.path, now, now)
}

// TryReclaim attempts a non-blocking Lock; if that fails because another
// process holds the lock, it checks whether the lock file's mtime is older
// than StaleAfter (meaning the holder likely died without releasing it)
// and, if so, forces acquisition via a blocking Lock call — fcntl locks
// are automatically released when the holding process exits or dies, so a
// stale mtime combined with a failed non-blocking lock almost always means
// the original holder is gone and the blocking call will succeed
// immediately; a live holder which simply hasn't renewed its mtime yet
// will legitimately still block here.
func (l *Lock) TryReclaim() error {
	err := l.Lock(false)
	if err == nil {
		return nil
	}

	info, statErr := os.Stat(l.path)
	if statErr != nil {
		return err
	}
	if time.Since(info.ModTime()) < StaleAfter {
		return err
	}
	return l.Lock(true)
}
