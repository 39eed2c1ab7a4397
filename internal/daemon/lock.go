package daemon

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

var ErrAlreadyRunning = errors.New("another agent holds the lock")

// AcquireLock takes an exclusive, non-blocking lock on path so that two
// agents on one host never ship the same files. Call Unlock on shutdown.
func AcquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create lock directory for %s", path)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock %s", path)
	}
	if !locked {
		return nil, errors.Wrap(ErrAlreadyRunning, path)
	}
	return lock, nil
}
