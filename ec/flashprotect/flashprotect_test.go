package flashprotect

import (
	"testing"

	"github.com/serfreeman1337/nvmflash/ec/protocol"
)

type fakeClient struct {
	lastMask, lastFlags protocol.ProtectFlags
	result              protocol.ProtectFlags
}

func (f *fakeClient) FlashProtect(mask, flags protocol.ProtectFlags) (protocol.ProtectFlags, error) {
	f.lastMask, f.lastFlags = mask, flags
	return f.result, nil
}

func TestDisable_ClearsAllKnownFlags(t *testing.T) {
	c := &fakeClient{}
	if _, err := Disable(c); err != nil {
		t.Fatalf("Disable() = %v, want nil", err)
	}
	want := protocol.ProtectROAtBoot | protocol.ProtectRONow | protocol.ProtectAllNow
	if c.lastMask != want || c.lastFlags != 0 {
		t.Fatalf("FlashProtect(mask=%v, flags=%v), want mask=%v, flags=0", c.lastMask, c.lastFlags, want)
	}
}

func TestEnabled_DetectsImmediateProtection(t *testing.T) {
	if Enabled(0) {
		t.Fatalf("Enabled(0) = true, want false")
	}
	if !Enabled(protocol.ProtectRONow) {
		t.Fatalf("Enabled(RONow) = false, want true")
	}
	if Enabled(protocol.ProtectROAtBoot) {
		t.Fatalf("Enabled(ROAtBoot) = true, want false: at-boot alone is not immediate")
	}
}
