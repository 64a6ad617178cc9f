package blockio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryAcquire when the lock is already held.
var ErrWouldBlock = errors.New("blockio: lock would block")

// FileLock is an exclusive flock(2) lock backed by a lockfile. The
// lockfile is created on Acquire/TryAcquire and removed on Release, so a
// lock's presence on disk always corresponds to it being held by some
// process. RealmFS update and resize use this to guarantee only one
// writer touches an image's `.update` sibling at a time.
type FileLock struct {
	file *os.File
	path string
}

// Acquire blocks until it holds an exclusive lock on path, creating path
// and its parent directory if necessary.
func Acquire(path string) (*FileLock, error) {
	f, err := openLockfile(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockio: flock %s: %w", path, err)
	}
	return &FileLock{file: f, path: path}, nil
}

// TryAcquire attempts to acquire the lock without blocking, returning
// ErrWouldBlock if another holder already has it.
func TryAcquire(path string) (*FileLock, error) {
	f, err := openLockfile(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("blockio: flock %s: %w", path, err)
	}
	return &FileLock{file: f, path: path}, nil
}

func openLockfile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("blockio: create lockfile dir %s: %w", dir, err)
		}
	}

	// A handful of attempts covers the race where another holder is
	// releasing and unlinking the lockfile at the same moment.
	for i := 0; i < 3; i++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("blockio: create lockfile %s: %w", path, err)
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blockio: open lockfile %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("blockio: unable to open lockfile %s", path)
}

// Release unlocks and removes the lockfile. The lockfile is unlinked
// before the lock is dropped so a concurrent waiter that then acquires
// the freshly-unlinked inode's lock does not race a third process that
// recreated the path in between.
func (l *FileLock) Release() error {
	_ = os.Remove(l.path)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	if err != nil {
		return fmt.Errorf("blockio: unlock %s: %w", l.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("blockio: close lockfile %s: %w", l.path, closeErr)
	}
	return nil
}
