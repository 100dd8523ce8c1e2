// Package flashprotect wraps the EC FLASH_PROTECT mask+flags exchange
// of spec.md §6 with the handful of mask/flag combinations the update
// protocol actually issues, so ec's phases don't have to build raw
// protocol.ProtectFlags bitmasks by hand.
package flashprotect

import "github.com/serfreeman1337/nvmflash/ec/protocol"

// Client is the subset of protocol.Client this package drives.
type Client interface {
	FlashProtect(mask, flags protocol.ProtectFlags) (protocol.ProtectFlags, error)
}

// Disable clears every flag this package knows how to clear (RO_NOW and
// ALL_NOW are latched and may refuse to clear until next boot; the EC
// reports the flags it actually accepted in the returned state).
func Disable(c Client) (protocol.ProtectFlags, error) {
	mask := protocol.ProtectROAtBoot | protocol.ProtectRONow | protocol.ProtectAllNow
	return c.FlashProtect(mask, 0)
}

// EnableROAtBoot requests RO_AT_BOOT, the soft-protect state that takes
// effect on the next boot rather than immediately.
func EnableROAtBoot(c Client) (protocol.ProtectFlags, error) {
	return c.FlashProtect(protocol.ProtectROAtBoot, protocol.ProtectROAtBoot)
}

// EnableNow requests RO_NOW, taking effect immediately and blocking
// writes to the RO region for the rest of this boot.
func EnableNow(c Client) (protocol.ProtectFlags, error) {
	return c.FlashProtect(protocol.ProtectRONow, protocol.ProtectRONow)
}

// Enabled reports whether any immediate protection is currently active.
func Enabled(flags protocol.ProtectFlags) bool {
	return flags&(protocol.ProtectRONow|protocol.ProtectAllNow) != 0
}
