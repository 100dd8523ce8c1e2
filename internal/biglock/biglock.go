// Package biglock implements the process-wide advisory lock of
// spec.md §4.8/§5: exactly one Flash Context may be active per
// process, and the lock makes that cooperative between independent
// processes contending for the same hardware.
package biglock

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// DefaultPath is where nvmflash's lock file lives absent an override;
// callers needing a non-default location (tests, sandboxed runs) pass
// their own path to Acquire.
const DefaultPath = "/var/run/nvmflash.lock"

// Lock holds the acquired advisory lock for the lifetime of one Flash
// Context. It must be released on every exit path, including error
// (spec.md §4.8), typically by registering Release with
// internal/shutdown before any hardware is touched.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the big lock at path, failing immediately rather than
// blocking: a second process already holding it means a Flash Context
// is already active, which is a caller error to report, not a
// condition to wait out.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock %s: %v", errkind.ErrFatalHardware, path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is held by another process; only one Flash Context may be active at a time", errkind.ErrFatalHardware, path)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks and closes the underlying file handle. Safe to call
// on a nil *Lock so shutdown paths don't need a nil check of their own.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("%w: release lock %s: %v", errkind.ErrFatalHardware, l.fl.Path(), err)
	}
	return l.fl.Close()
}
