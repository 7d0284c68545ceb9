// Package lock provides non-blocking, cross-process exclusive locks backed
// by flock(2) on files in a lock directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrLocked means another holder owns the lock. Callers fail fast.
var ErrLocked = errors.New("lock: already held")

const (
	filePerms = 0o644
	dirPerms  = 0o755
)

// Dir hands out locks named after keys inside one directory.
type Dir struct {
	path string
}

// NewDir returns a lock directory rooted at path. The directory is created
// on first use.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the lock file path for name.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.path, sanitize(name)+".lock")
}

// TryLock takes the exclusive lock for name without blocking. It returns
// ErrLocked if another process, or another open of the same file in this
// process, holds it. The release func is idempotent and safe for
// concurrent use.
func (d *Dir) TryLock(name string) (release func(), err error) {
	if err := os.MkdirAll(d.path, dirPerms); err != nil {
		return nil, fmt.Errorf("lock: creating directory %s: %w", d.path, err)
	}

	path := d.Path(name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerms)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}

		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	// The holder's PID is informational only.
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			// The file stays: unlinking it would let a second process lock a
			// fresh inode while a third still holds the old one.
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		})
	}, nil
}

// sanitize keeps lock names to a single path element.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '-'
		default:
			return r
		}
	}, name)
}
