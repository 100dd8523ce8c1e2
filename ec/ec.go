// Package ec drives the Embedded Controller update protocol of
// spec.md §4.7: Prepare, First pass, Inter-pass jump, Second pass, and
// Finish, built on ec/protocol's command client and ec/flashprotect's
// FLASH_PROTECT helpers, reusing planner.Plan and writer.Engine for the
// actual erase/write/verify work against the EC's own flash.
package ec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/serfreeman1337/nvmflash/ec/flashprotect"
	"github.com/serfreeman1337/nvmflash/ec/protocol"
	"github.com/serfreeman1337/nvmflash/planner"
	"github.com/serfreeman1337/nvmflash/writer"
)

// RunningImage identifies which EC firmware copy is currently executing.
// Left room for a third value per spec.md §9's open question: a future
// PD/SH image would add a constant here, not restructure the phases
// below.
type RunningImage uint8

const (
	ImageUnknown RunningImage = iota
	ImageRO
	ImageRW
)

func (i RunningImage) String() string {
	switch i {
	case ImageRO:
		return "RO"
	case ImageRW:
		return "RW"
	default:
		return "unknown"
	}
}

// Region is an offset/size pair locating one EC firmware copy within
// the chip, as resolved from the target image's Flash Map by the
// caller (fmap.Find) before calling Update.
type Region struct {
	Offset, Size int
}

func overlaps(offset, size int, r Region) bool {
	if r.Size == 0 {
		return false
	}
	return offset < r.Offset+r.Size && r.Offset < offset+size
}

func (r Region) slice(buf []byte) []byte {
	return buf[r.Offset : r.Offset+r.Size]
}

// maskRegion copies current but replaces r's span with original's
// bytes there, so a planner run against the result never produces a
// unit touching r.
func maskRegion(original, current []byte, r Region) []byte {
	masked := append([]byte(nil), current...)
	copy(r.slice(masked), r.slice(original))
	return masked
}

// Images locates the RO and RW copies within the image being written,
// as found by parsing its Flash Map (package fmap).
type Images struct {
	RO, RW Region
}

// Options configures one Update call.
type Options struct {
	Client *protocol.Client
	Images Images
	Policy writer.Policy // defaults to writer.DefaultPolicy() when nil.

	// RegisterRestore, if non-nil, is called with a callback that
	// restores write protection if Update had to clear it. The caller
	// wires this to internal/shutdown's restore-callback stack
	// (spec.md §4.8); Update works without it, it just cannot arrange
	// for WP to come back on unclean exit.
	RegisterRestore func(func())
}

// State is the EC priv record of spec.md §3: the running-image tracking
// that persists across the phases of one Update call.
type State struct {
	Current         RunningImage
	NeedsSecondPass bool
	TryLatestAfter  bool
}

// Result reports what each pass of Update actually did.
type Result struct {
	Final  State
	First  *writer.Result
	Second *writer.Result // nil if no second pass was needed.
}

// Update writes after onto the EC's flash, reading the chip's current
// contents into before first is the caller's job (before is supplied
// here, already sized to the chip, because constructing it may itself
// require probing FLASH_INFO — see DescribeChip).
func Update(opts Options, before, after []byte) (*Result, error) {
	if opts.Policy == nil {
		opts.Policy = writer.DefaultPolicy()
	}

	ver, err := opts.Client.GetVersion()
	if err != nil {
		return nil, fmt.Errorf("ec update: get_version: %w", err)
	}
	state := State{Current: RunningImage(ver.Current)}
	state.TryLatestAfter = !bytes.Equal(opts.Images.RW.slice(before), opts.Images.RW.slice(after))

	restoreWP(opts)

	// Prepare: the "non-active-for-RW case" — only force a known RO
	// state when RW is not already what's running. If RW is running we
	// deliberately leave it running; the first pass below denies writes
	// to it and the inter-pass jump moves off it once RO is fresh.
	if state.Current != ImageRW {
		if state.Current == ImageUnknown {
			if err := jumpTo(opts.Client, protocol.RebootJumpRO); err != nil {
				return nil, fmt.Errorf("ec update: prepare jump to RO: %w", err)
			}
		}
		state.Current = ImageRO
	}

	m, err := newMaster(opts.Client)
	if err != nil {
		return nil, fmt.Errorf("ec update: %w", err)
	}
	desc, err := DescribeChip(opts.Client, m)
	if err != nil {
		return nil, fmt.Errorf("ec update: %w", err)
	}

	res := &Result{}
	adapted, err := writer.AdaptMaster(m)
	if err != nil {
		return nil, fmt.Errorf("ec update: %w", err)
	}
	engine := &writer.Engine{Desc: desc, Master: adapted, Policy: opts.Policy, Verify: writer.VerifyFull, ErasedValue: 0xff}

	// First pass. deny1 is masked out of the image the planner sees, not
	// just guarded at the hardware call: a unit the planner would
	// otherwise merge across the RO/RW boundary must never be produced
	// spanning into the running copy in the first place, since denying
	// a merged unit would also discard the inactive-copy bytes it carries.
	deny1 := denyRegion(state.Current, opts.Images)
	m.deny = deny1
	masked1 := after
	if deny1 != nil {
		masked1 = maskRegion(before, after, *deny1)
	}
	units, err := planner.Plan(desc, before, masked1, 0xff)
	if err != nil {
		return nil, fmt.Errorf("ec update: first pass plan: %w", err)
	}
	res.First, err = engine.Run(units, before, masked1)
	if err != nil {
		return nil, fmt.Errorf("ec update: first pass: %w", err)
	}
	state.NeedsSecondPass = deny1 != nil && !bytes.Equal(deny1.slice(before), deny1.slice(after))

	if !state.NeedsSecondPass {
		res.Final = state
		return res, finish(opts.Client, state)
	}

	// Inter-pass jump: the copy just written is the one first pass did
	// NOT deny, i.e. the opposite of state.Current. Prefer jumping to
	// RO when it was the newly-written copy, else RW.
	target := ImageRW
	if state.Current == ImageRW {
		target = ImageRO
	}
	sub := protocol.RebootJumpRW
	if target == ImageRO {
		sub = protocol.RebootJumpRO
	}
	if err := jumpTo(opts.Client, sub); err != nil {
		return nil, fmt.Errorf("ec update: inter-pass jump to %s: %w", target, err)
	}
	state.Current = target

	// Re-read the live chip for a fresh plan: the first pass may have
	// left the inactive copy partially written if it aborted early, and
	// unrelated non-image bytes are untouched either way.
	before2 := make([]byte, len(before))
	if err := readAll(m, before2); err != nil {
		return nil, fmt.Errorf("ec update: re-read before second pass: %w", err)
	}

	// Second pass.
	deny2 := denyRegion(state.Current, opts.Images)
	m.deny = deny2
	masked2 := after
	if deny2 != nil {
		masked2 = maskRegion(before2, after, *deny2)
	}
	units2, err := planner.Plan(desc, before2, masked2, 0xff)
	if err != nil {
		return nil, fmt.Errorf("ec update: second pass plan: %w", err)
	}
	res.Second, err = engine.Run(units2, before2, masked2)
	if err != nil {
		return nil, fmt.Errorf("ec update: second pass: %w", err)
	}

	res.Final = state
	return res, finish(opts.Client, state)
}

// denyRegion returns the region Update must not touch because it is
// currently executing: running RO denies the RO range, running RW
// denies the RW range, and an unresolved image denies nothing (Update
// always resolves Unknown to RO before either pass runs).
func denyRegion(current RunningImage, images Images) *Region {
	switch current {
	case ImageRO:
		r := images.RO
		return &r
	case ImageRW:
		r := images.RW
		return &r
	default:
		return nil
	}
}

// jumpTo reboots the EC into the requested image and waits for command
// comms to come back, bounded at 2s since a real reboot is fast and an
// unresponsive EC after this long is its own failure.
func jumpTo(c *protocol.Client, sub protocol.RebootSubtype) error {
	if err := c.RebootEC(sub); err != nil {
		return err
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := c.Hello(0); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ec did not respond within 2s of reboot")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// readAll fills buf from offset 0; m.Read already chunks internally to
// the EC's protocol read limit.
func readAll(m *Master, buf []byte) error {
	_, err := m.Read(buf, 0)
	return err
}

// restoreWP disables soft write protection if it is currently enabled,
// registering a restore hook that re-enables RO_AT_BOOT if that flag was
// set beforehand, and RO_NOW otherwise; ALL_NOW is not restored.
// set_write_protect failure here is non-fatal per spec.md §4.7: the
// hardware WP pin may be asserted, in which case writes to the
// protected range will simply fail later through the normal error path.
func restoreWP(opts Options) {
	cur, err := opts.Client.FlashProtect(0, 0)
	if err != nil || !flashprotect.Enabled(cur) {
		return
	}
	if _, err := flashprotect.Disable(opts.Client); err != nil {
		return
	}
	if opts.RegisterRestore != nil {
		wasROAtBoot := cur&protocol.ProtectROAtBoot != 0
		opts.RegisterRestore(func() {
			if wasROAtBoot {
				flashprotect.EnableROAtBoot(opts.Client)
			} else {
				flashprotect.EnableNow(opts.Client)
			}
		})
	}
}

// finish implements spec.md §4.7 step 5: an RWSIG-capable EC gets a
// cold reboot and a bounded delay for the signed-image check; otherwise
// Update attempts an RW-preferred jump when the operation touched RW.
func finish(c *protocol.Client, state State) error {
	features, err := c.GetFeatures()
	if err == nil && features&protocol.FeatureRWSIG != 0 {
		if err := c.RebootEC(protocol.RebootCold); err != nil {
			return fmt.Errorf("ec update: finish cold reboot: %w", err)
		}
		time.Sleep(3 * time.Second)
		return nil
	}

	if !state.TryLatestAfter {
		return nil
	}
	if err := jumpTo(c, protocol.RebootJumpRW); err != nil {
		return jumpTo(c, protocol.RebootJumpRO)
	}
	return nil
}
