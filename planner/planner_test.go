package planner

import (
	"bytes"
	"testing"

	"github.com/serfreeman1337/nvmflash/chip"
)

const (
	testTotal = 1 << 20 // 1 MiB
	sectorSz  = 4096
	blockSz   = 65536
)

func noopErase(offset, size int) error { return nil }

// twoTierDescriptor models a chip with two independent ways to erase
// the whole part: uniform 4KiB sectors, and uniform 64KiB blocks.
func twoTierDescriptor() *chip.Descriptor {
	d := &chip.Descriptor{
		Name:       "test-2tier",
		TotalSize:  testTotal / 1024,
		WriteGran:  chip.GranularityByte,
		NumErasers: 2,
	}
	d.Erasers[0] = chip.Eraser{
		Regions: []chip.EraseRegion{{Size: sectorSz, Count: testTotal / sectorSz}},
		EraseFn: noopErase,
	}
	d.Erasers[1] = chip.Eraser{
		Regions: []chip.EraseRegion{{Size: blockSz, Count: testTotal / blockSz}},
		EraseFn: noopErase,
	}
	return d
}

func flatBuf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestPlan_IdenticalImagesProduceNoUnits(t *testing.T) {
	d := twoTierDescriptor()
	before := flatBuf(testTotal, 0xff)
	after := append([]byte(nil), before...)

	units, err := Plan(d, before, after, 0xff)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if units != nil {
		t.Fatalf("Plan() = %v, want nil for identical images", units)
	}
}

func TestPlan_AllErasedBeforeNeedsNoEraseUnits(t *testing.T) {
	d := twoTierDescriptor()
	before := flatBuf(testTotal, 0xff)
	after := flatBuf(testTotal, 0xff)
	// Flip a handful of bytes scattered across one sector; before is
	// already at the erased value everywhere, so no erase should ever
	// be selected, only the minimal smallest-block write unit(s).
	after[10] = 0xaa
	after[4090] = 0xbb

	units, err := Plan(d, before, after, 0xff)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(units) == 0 {
		t.Fatalf("Plan() = empty, want at least one unit")
	}
	for _, u := range units {
		if u.BlockSize != sectorSz {
			t.Fatalf("unexpected promotion to block size %d with an already-erased chip", u.BlockSize)
		}
	}
}

func TestPlan_SingleByteChangeErasesAndWritesOneSector(t *testing.T) {
	d := twoTierDescriptor()
	before := flatBuf(testTotal, 0xff)
	before[200] = 0x00 // sector 0 is not fully erased.
	after := append([]byte(nil), before...)
	after[200] = 0xaa

	units, err := Plan(d, before, after, 0xff)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Plan() = %d units, want 1", len(units))
	}
	u := units[0]
	if u.Offset != 0 || u.BlockSize != sectorSz || u.NumBlocks != 1 || u.EraserIndex != 0 {
		t.Fatalf("unit = %+v, want offset 0 sector-sized unit on eraser 0", u)
	}
}

// TestPlan_PromotesAtExactlyElevenOfSixteen exercises the
// floor(7*contained/10) threshold resolved in DESIGN.md: with
// contained=16 (64KiB block / 4KiB sector), the threshold is 11. Marking
// exactly 11 of the 16 sectors in a 64KiB-aligned block as needing
// erase must promote the whole block to the 64KiB eraser.
func TestPlan_PromotesAtExactlyElevenOfSixteen(t *testing.T) {
	d := twoTierDescriptor()
	before := flatBuf(testTotal, 0xff)
	after := flatBuf(testTotal, 0xff)

	// Sectors 0..15 make up the first 64KiB block. Dirty exactly 11 of
	// them (one byte each, non-erased before-value so need_erase fires).
	for s := 0; s < 11; s++ {
		off := s * sectorSz
		before[off] = 0x00
		after[off] = 0xaa
	}

	units, err := Plan(d, before, after, 0xff)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Plan() = %d units, want 1 promoted unit, got %+v", len(units), units)
	}
	u := units[0]
	if u.BlockSize != blockSz || u.EraserIndex != 1 || u.Offset != 0 || u.NumBlocks != 1 {
		t.Fatalf("unit = %+v, want one 64KiB unit on eraser 1", u)
	}
}

// TestPlan_DoesNotPromoteAtTenOfSixteen is the threshold's negative
// case: one below the 11-block floor must not promote.
func TestPlan_DoesNotPromoteAtTenOfSixteen(t *testing.T) {
	d := twoTierDescriptor()
	before := flatBuf(testTotal, 0xff)
	after := flatBuf(testTotal, 0xff)

	for s := 0; s < 10; s++ {
		off := s * sectorSz
		before[off] = 0x00
		after[off] = 0xaa
	}

	units, err := Plan(d, before, after, 0xff)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	// The 10 dirtied sectors are contiguous, so they merge into one
	// sector-sized run rather than promoting to the 64KiB eraser.
	if len(units) != 1 {
		t.Fatalf("Plan() = %d units, want 1 merged sector-sized run, got %+v", len(units), units)
	}
	u := units[0]
	if u.BlockSize != sectorSz || u.EraserIndex != 0 || u.NumBlocks != 10 {
		t.Fatalf("unit = %+v, want 10 merged sector-sized blocks on eraser 0", u)
	}
}

// executeUnits is a minimal stand-in for the write/verify engine
// (built separately in package writer) used here only to check that
// the units Plan returns are sufficient to reproduce after from before.
func executeUnits(before, after []byte, units []Unit, erasedValue byte) []byte {
	out := append([]byte(nil), before...)
	for _, u := range units {
		for b := 0; b < u.NumBlocks; b++ {
			off := u.Offset + b*u.BlockSize
			slice := out[off : off+u.BlockSize]
			afterSlice := after[off : off+u.BlockSize]

			needErase := false
			for i := range slice {
				if slice[i] != erasedValue && slice[i] != afterSlice[i] {
					needErase = true
					break
				}
			}
			if needErase {
				for i := range slice {
					slice[i] = erasedValue
				}
			}
			copy(slice, afterSlice)
		}
	}
	return out
}

func TestPlan_RoundTripReproducesAfterImage(t *testing.T) {
	d := twoTierDescriptor()
	before := flatBuf(testTotal, 0xff)
	for i := 0; i < testTotal; i += 997 {
		before[i] = byte(i)
	}
	after := append([]byte(nil), before...)
	after[123] = 0x55
	after[200000] = 0x01
	after[200001] = 0x02
	for s := 0; s < 12; s++ { // promote one 64KiB block elsewhere in the image.
		off := testTotal/2 + s*sectorSz
		before[off] = 0x00
		after[off] = 0xaa
	}

	units, err := Plan(d, before, after, 0xff)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	got := executeUnits(before, after, units, 0xff)
	if !bytes.Equal(got, after) {
		t.Fatalf("executeUnits() did not reproduce after image")
	}
}

func TestPlan_LengthMismatchIsInvalidLength(t *testing.T) {
	d := twoTierDescriptor()
	_, err := Plan(d, make([]byte, 10), make([]byte, 20), 0xff)
	if err == nil {
		t.Fatalf("Plan() = nil, want length-mismatch error")
	}
}
