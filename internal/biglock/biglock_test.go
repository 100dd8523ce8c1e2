package biglock

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

func TestAcquire_SecondCallerIsDeniedUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.lock")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire() = %v, want nil", err)
	}

	if _, err := Acquire(path); !errors.Is(err, errkind.ErrFatalHardware) {
		t.Fatalf("second Acquire() = %v, want ErrFatalHardware", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release() = %v, want nil", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() after release = %v, want nil", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release() = %v, want nil", err)
	}
}

func TestRelease_NilLockIsNoop(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("Release() on nil *Lock = %v, want nil", err)
	}
}
