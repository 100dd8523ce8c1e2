package ichspi

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// Permission classifies what a flash-descriptor region allows, spec.md
// §3/§4.4.
type Permission uint8

const (
	PermLocked Permission = iota
	PermReadOnly
	PermWriteOnly
	PermReadWrite
)

// RegionName enumerates the 9 flash-descriptor regions of spec.md §3.
type RegionName uint8

const (
	RegionDescriptor RegionName = iota
	RegionBIOS
	RegionME
	RegionGbE
	RegionPlatformData
	RegionDeviceExpansion
	RegionReserved1
	RegionReserved2
	RegionEC
	numRegions
)

func (r RegionName) String() string {
	names := [...]string{"Descriptor", "BIOS", "ME", "GbE", "PlatformData", "DeviceExpansion", "Reserved1", "Reserved2", "EC"}
	if int(r) < len(names) {
		return names[r]
	}
	return "unknown"
}

// Region describes one flash-descriptor region's address range and
// cached permission.
type Region struct {
	Base, Limit uint32 // Limit is exclusive.
	Perm        Permission
	valid       bool
}

func (r Region) contains(offset, size int) bool {
	if !r.valid {
		return false
	}
	start := uint32(offset)
	end := uint32(offset + size)
	return start >= r.Base && end <= r.Limit
}

// ProtectedRange is one of the five protected-range registers (PR0..PR4)
// of spec.md §6: bit 31 write-protect, bit 15 read-protect, base in
// bits 30:12 masked to 4 KiB, inverted-bit semantics (cleared bit =
// unprotected).
type ProtectedRange struct {
	Base      uint32 // 4 KiB aligned
	Limit     uint32 // exclusive, 4 KiB aligned
	WriteProt bool
	ReadProt  bool
	valid     bool
}

func (p ProtectedRange) contains(offset, size int) bool {
	if !p.valid {
		return false
	}
	start := uint32(offset)
	end := uint32(offset + size)
	return start < p.Limit && end > p.Base
}

// AccessControl caches flash-descriptor region permissions and
// protected-range registers and implements the access-permission check
// of spec.md §4.4, consulted on every address-bearing SPI/hardware
// sequence cycle.
type AccessControl struct {
	Regions         [numRegions]Region
	ProtectedRanges [5]ProtectedRange

	// DescriptorValid mirrors whether the flash descriptor itself parsed
	// correctly; when false, every region defaults to denied per
	// spec.md §4.4 "regions without an explicit permission mapping
	// default to AccessDenied".
	DescriptorValid bool
}

// SetRegion installs region r's base/limit/permission and marks it valid.
func (a *AccessControl) SetRegion(name RegionName, base, limit uint32, perm Permission) {
	a.Regions[name] = Region{Base: base, Limit: limit, Perm: perm, valid: true}
}

// SetProtectedRange installs protected range i (0..4).
func (a *AccessControl) SetProtectedRange(i int, base, limit uint32, writeProt, readProt bool) {
	a.ProtectedRanges[i] = ProtectedRange{Base: base, Limit: limit, WriteProt: writeProt, ReadProt: readProt, valid: true}
}

// ClearProtectedRange attempts to clear protected range i's protection
// bits before reading it back, per spec.md §4.4's "write-then-read
// discipline": writeOK reports whether the clear is believed to have
// stuck (the caller supplies the outcome of the actual register
// write+read-back, since this package has no hardware access of its
// own). If writeOK is false, the range stays protected as previously
// recorded.
func (a *AccessControl) ClearProtectedRange(i int, writeOK bool) {
	if writeOK {
		a.ProtectedRanges[i].WriteProt = false
		a.ProtectedRanges[i].ReadProt = false
	}
}

// CheckAccess implements spec.md §4.4's per-cycle access-permission
// check: region permission first, then protected-range denial.
func (a *AccessControl) CheckAccess(offset, size int, dir transport.Direction) error {
	region, ok := a.regionFor(offset, size)
	if !ok || !a.DescriptorValid {
		return fmt.Errorf("%w: offset 0x%x size %d has no region mapping", errkind.ErrAccessDenied, offset, size)
	}

	switch region.Perm {
	case PermLocked:
		return fmt.Errorf("%w: region is locked", errkind.ErrAccessDenied)
	case PermReadOnly:
		if dir == transport.DirWrite {
			return fmt.Errorf("%w: region is read-only", errkind.ErrAccessDenied)
		}
	case PermWriteOnly:
		if dir == transport.DirRead {
			return fmt.Errorf("%w: region is write-only", errkind.ErrAccessDenied)
		}
	case PermReadWrite:
		// Always allowed at the region level; fall through to protected ranges.
	}

	for i, pr := range a.ProtectedRanges {
		if !pr.contains(offset, size) {
			continue
		}
		if dir == transport.DirWrite && pr.WriteProt {
			return fmt.Errorf("%w: protected range %d denies write", errkind.ErrAccessDenied, i)
		}
		if dir == transport.DirRead && pr.ReadProt {
			return fmt.Errorf("%w: protected range %d denies read", errkind.ErrAccessDenied, i)
		}
	}

	return nil
}

// regionFor returns the region entirely containing [offset, offset+size).
func (a *AccessControl) regionFor(offset, size int) (Region, bool) {
	for _, r := range a.Regions {
		if r.contains(offset, size) {
			return r, true
		}
	}
	return Region{}, false
}
