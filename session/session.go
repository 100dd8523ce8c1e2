// Package session collects the process-wide mutable state of spec.md
// §9's redesign flag ("Global mutable state... collected into a single
// process-wide Runtime context; operations take a reference to it
// instead of reaching for package-level globals") into one Context:
// the advisory process lock, the shutdown/restore callback stacks, the
// calibrated delay function, and the single Flash Context a process
// may have active at a time (spec.md §5).
package session

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/ec"
	"github.com/serfreeman1337/nvmflash/ec/protocol"
	"github.com/serfreeman1337/nvmflash/fmap"
	"github.com/serfreeman1337/nvmflash/internal/biglock"
	"github.com/serfreeman1337/nvmflash/internal/delay"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/internal/shutdown"
	"github.com/serfreeman1337/nvmflash/planner"
	"github.com/serfreeman1337/nvmflash/transport"
	"github.com/serfreeman1337/nvmflash/writer"
)

// FlashContext is the one chip a Context may have active: a descriptor
// paired with the transport master that reaches it, as constructed by
// the caller from an internal/progcfg.Params (choosing and opening the
// right transport/* backend is programmer-specific and stays out of
// this package).
type FlashContext struct {
	Desc   *chip.Descriptor
	Master transport.Master
}

// Context is the Runtime of spec.md §9: one per process, owning the
// big lock, the shutdown/restore stacks, and the calibrated delay
// function for the process's lifetime.
type Context struct {
	lock     *biglock.Lock
	shutdown *shutdown.Stack
	delay    delay.Func
	active   *FlashContext
}

// Init acquires the process-wide advisory lock at lockPath (spec.md
// §4.8/§5: exactly one Flash Context may be active per process, made
// cooperative across independent processes by this lock), opens the
// shutdown registration window, and calibrates the delay primitive.
// An empty lockPath uses biglock.DefaultPath.
func Init(lockPath string) (*Context, error) {
	if lockPath == "" {
		lockPath = biglock.DefaultPath
	}
	lk, err := biglock.Acquire(lockPath)
	if err != nil {
		return nil, err
	}

	st := shutdown.New()
	st.Init()
	// The lock is the first thing acquired, so releasing it is the last
	// thing Shutdown does (callbacks run in reverse registration order).
	if err := st.Register(func() {
		if err := lk.Release(); err != nil {
			glog.Warningf("release big lock: %v", err)
		}
	}); err != nil {
		lk.Release()
		return nil, err
	}

	return &Context{
		lock:     lk,
		shutdown: st,
		delay:    delay.Calibrate(),
	}, nil
}

// Delay returns the delay function Init calibrated once for this
// process; callers needing to wait on a cycle or a busy flag use this
// rather than time.Sleep directly, so a broken OS timer (spec.md §9)
// never leaks back into caller code.
func (c *Context) Delay() delay.Func {
	return c.delay
}

// RegisterShutdown adds fn to the shutdown-callback stack, run in
// reverse order on Shutdown.
func (c *Context) RegisterShutdown(fn func()) error {
	return c.shutdown.Register(fn)
}

// RegisterRestore adds fn to the restore-callback stack, run before
// the shutdown callbacks; ec.Options.RegisterRestore wires here so
// write-protect restoration survives an unclean exit.
func (c *Context) RegisterRestore(fn func()) error {
	return c.shutdown.RegisterRestore(fn)
}

// Shutdown runs every registered restore callback, then every shutdown
// callback, both in reverse registration order, and releases the big
// lock last. Idempotent: safe to defer unconditionally even after an
// explicit call on an error path.
func (c *Context) Shutdown() {
	c.shutdown.Shutdown()
}

// Active returns the process's current Flash Context, nil if none has
// been activated yet.
func (c *Context) Active() *FlashContext {
	return c.active
}

// Activate validates desc (spec.md §4.1's startup self-check; a
// violation is a configuration bug, so it is fatal here rather than a
// returned error — see DESIGN.md's session entry), confirms master
// actually reaches desc's declared bus, and installs the pair as the
// process's one active Flash Context. A second Activate call without
// an intervening Deactivate fails: only one Flash Context may be
// active per process (spec.md §5).
func (c *Context) Activate(desc *chip.Descriptor, master transport.Master) (*FlashContext, error) {
	if c.active != nil {
		return nil, fmt.Errorf("%w: a Flash Context is already active in this process", errkind.ErrFatalHardware)
	}
	if err := desc.Validate(); err != nil {
		glog.Fatalf("chip descriptor %q failed self-check: %v", desc.Name, err)
	}
	if desc.Bustype&master.Buses() == 0 {
		return nil, fmt.Errorf("%w: chip %q requires bus %s, master only carries %s", errkind.ErrMisconfiguration, desc.Name, desc.Bustype, master.Buses())
	}

	fc := &FlashContext{Desc: desc, Master: master}
	c.active = fc
	return fc, nil
}

// Deactivate clears the active Flash Context, allowing a later
// Activate to install a different one within the same process.
func (c *Context) Deactivate() {
	c.active = nil
}

// WriteImage runs the generic (non-EC) write path of spec.md §4.6 end
// to end against the active Flash Context: plan the diff between
// before and after, adapt the master, and run the write/verify engine.
// before is mutated in place as units are applied, matching
// writer.Engine.Run's contract.
func (c *Context) WriteImage(before, after []byte, policy writer.Policy, verify writer.VerifyMode) (*writer.Result, error) {
	fc := c.active
	if fc == nil {
		return nil, fmt.Errorf("%w: no Flash Context is active", errkind.ErrFatalHardware)
	}

	units, err := planner.Plan(fc.Desc, before, after, 0xff)
	if err != nil {
		return nil, fmt.Errorf("session: plan: %w", err)
	}
	adapted, err := writer.AdaptMaster(fc.Master)
	if err != nil {
		return nil, fmt.Errorf("session: adapt master: %w", err)
	}
	engine := &writer.Engine{
		Desc:        fc.Desc,
		Master:      adapted,
		Policy:      policy,
		Verify:      verify,
		ErasedValue: 0xff,
	}
	return engine.Run(units, before, after)
}

// UpdateEC runs the EC two-pass update of spec.md §4.7 against client,
// resolving the target image's RO/RW regions from its Flash Map
// (package fmap) and wiring write-protect restoration to this
// Context's restore stack so an unclean exit still re-enables WP.
func (c *Context) UpdateEC(client *protocol.Client, before, after []byte, policy writer.Policy) (*ec.Result, error) {
	m, err := fmap.Find(after)
	if err != nil {
		return nil, fmt.Errorf("session: locate flash map in target image: %w", err)
	}
	ro, ok := m.Area("EC_RO")
	if !ok {
		return nil, fmt.Errorf("%w: target image flash map has no EC_RO area", errkind.ErrMisconfiguration)
	}
	rw, ok := m.Area("EC_RW")
	if !ok {
		return nil, fmt.Errorf("%w: target image flash map has no EC_RW area", errkind.ErrMisconfiguration)
	}

	opts := ec.Options{
		Client: client,
		Images: ec.Images{
			RO: ec.Region{Offset: int(ro.Offset), Size: int(ro.Size)},
			RW: ec.Region{Offset: int(rw.Offset), Size: int(rw.Size)},
		},
		Policy: policy,
		RegisterRestore: func(fn func()) {
			if err := c.RegisterRestore(fn); err != nil {
				glog.Warningf("register restore callback: %v", err)
			}
		},
	}
	return ec.Update(opts, before, after)
}
