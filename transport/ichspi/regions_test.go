package ichspi

import (
	"errors"
	"testing"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

func TestCheckAccess_ReadOnlyRegionDeniesWrite(t *testing.T) {
	a := &AccessControl{DescriptorValid: true}
	a.SetRegion(RegionBIOS, 0x1000, 0x2000, PermReadOnly)

	err := a.CheckAccess(0x1000, 0x100, transport.DirWrite)
	if !errors.Is(err, errkind.ErrAccessDenied) {
		t.Fatalf("CheckAccess(write) = %v, want ErrAccessDenied", err)
	}

	if err := a.CheckAccess(0x1000, 0x100, transport.DirRead); err != nil {
		t.Fatalf("CheckAccess(read) = %v, want nil", err)
	}
}

func TestCheckAccess_LockedRegionDeniesEverything(t *testing.T) {
	a := &AccessControl{DescriptorValid: true}
	a.SetRegion(RegionME, 0x2000, 0x3000, PermLocked)

	if err := a.CheckAccess(0x2000, 0x10, transport.DirRead); !errors.Is(err, errkind.ErrAccessDenied) {
		t.Fatalf("CheckAccess(read) = %v, want ErrAccessDenied", err)
	}
	if err := a.CheckAccess(0x2000, 0x10, transport.DirWrite); !errors.Is(err, errkind.ErrAccessDenied) {
		t.Fatalf("CheckAccess(write) = %v, want ErrAccessDenied", err)
	}
}

func TestCheckAccess_UnmappedRegionDefaultsDenied(t *testing.T) {
	a := &AccessControl{DescriptorValid: true}
	err := a.CheckAccess(0x500000, 0x10, transport.DirRead)
	if !errors.Is(err, errkind.ErrAccessDenied) {
		t.Fatalf("CheckAccess() = %v, want ErrAccessDenied for unmapped region", err)
	}
}

func TestCheckAccess_ProtectedRangeDeniesWriteWithinReadWriteRegion(t *testing.T) {
	a := &AccessControl{DescriptorValid: true}
	a.SetRegion(RegionBIOS, 0, 0x100000, PermReadWrite)
	a.SetProtectedRange(0, 0x10000, 0x20000, true /*writeProt*/, false)

	if err := a.CheckAccess(0x15000, 0x100, transport.DirWrite); !errors.Is(err, errkind.ErrAccessDenied) {
		t.Fatalf("CheckAccess(write in protected range) = %v, want ErrAccessDenied", err)
	}
	if err := a.CheckAccess(0x15000, 0x100, transport.DirRead); err != nil {
		t.Fatalf("CheckAccess(read in protected range) = %v, want nil (read not protected)", err)
	}
}

func TestClearProtectedRange_StaysProtectedIfWriteDidNotStick(t *testing.T) {
	a := &AccessControl{DescriptorValid: true}
	a.SetProtectedRange(0, 0x1000, 0x2000, true, true)
	a.ClearProtectedRange(0, false)
	if !a.ProtectedRanges[0].WriteProt {
		t.Fatalf("protected range was cleared despite writeOK=false")
	}
	a.ClearProtectedRange(0, true)
	if a.ProtectedRanges[0].WriteProt {
		t.Fatalf("protected range was not cleared despite writeOK=true")
	}
}
