// Package shutdown implements the two scoped-resource stacks of
// spec.md §4.8: shutdown callbacks, walked in reverse registration
// order on any exit path, and a smaller parallel stack of chip-state
// restore callbacks (re-enable write protect, and similar) invoked
// first, before the shutdown callbacks proper.
package shutdown

import (
	"errors"
	"fmt"
)

const (
	maxCallbacks = 32
	maxRestores  = 8
)

// ErrNotActive marks a Register/RegisterRestore call made outside the
// window where it is legal: before Init, or after Shutdown has begun
// (spec.md §4.8's "illegal before master init and illegal during
// shutdown itself, to prevent re-entrance").
var ErrNotActive = errors.New("shutdown: stack is not accepting registrations")

type state uint8

const (
	stateUninit state = iota
	stateActive
	stateShuttingDown
)

// Stack owns one Flash Context's shutdown and restore callback lists.
// The core is single-threaded cooperative (spec.md §5), so this type
// does no locking of its own.
type Stack struct {
	st        state
	callbacks []func()
	restores  []func()
}

// New returns a Stack not yet accepting registrations; call Init once
// master init has succeeded.
func New() *Stack {
	return &Stack{}
}

// Init opens the registration window. Calling it twice is a no-op.
func (s *Stack) Init() {
	if s.st == stateUninit {
		s.st = stateActive
	}
}

// Register appends fn to the shutdown-callback stack. Callbacks run
// in reverse registration order.
func (s *Stack) Register(fn func()) error {
	if s.st != stateActive {
		return fmt.Errorf("%w: register shutdown callback", ErrNotActive)
	}
	if len(s.callbacks) >= maxCallbacks {
		return fmt.Errorf("shutdown: callback stack exceeds its fixed capacity of %d", maxCallbacks)
	}
	s.callbacks = append(s.callbacks, fn)
	return nil
}

// RegisterRestore appends fn to the smaller restore-callback stack,
// run before the shutdown callbacks.
func (s *Stack) RegisterRestore(fn func()) error {
	if s.st != stateActive {
		return fmt.Errorf("%w: register restore callback", ErrNotActive)
	}
	if len(s.restores) >= maxRestores {
		return fmt.Errorf("shutdown: restore stack exceeds its fixed capacity of %d", maxRestores)
	}
	s.restores = append(s.restores, fn)
	return nil
}

// Shutdown runs the restore callbacks, then the shutdown callbacks,
// both in reverse registration order, and closes the registration
// window. Calling it more than once only runs the callbacks the first
// time; later calls are no-ops, which is what makes it safe to defer
// from the same call site that also calls it on an explicit error path.
func (s *Stack) Shutdown() {
	if s.st == stateShuttingDown {
		return
	}
	s.st = stateShuttingDown

	for i := len(s.restores) - 1; i >= 0; i-- {
		s.restores[i]()
	}
	for i := len(s.callbacks) - 1; i >= 0; i-- {
		s.callbacks[i]()
	}
}
