// Package planner implements the diff-based action planner of spec.md
// §4.5: given a chip descriptor and a before/after image pair, it
// decides which erase function and block size to use at each changed
// offset and emits a minimal list of processing units for the
// write/verify engine to execute.
package planner

import (
	"fmt"
	"sort"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// PromoteThreshold is the numerator of the promotion fraction (7/10):
// a candidate larger block is chosen over its constituent smaller
// blocks when at least floor(PromoteThreshold*contained/promoteDenominator)
// of those smaller blocks already need erasing. See DESIGN.md's Open
// Question decision on the §8 "11 of 16" contradiction.
const PromoteThreshold = 7
const promoteDenominator = 10

// Unit is one contiguous range the write/verify engine should process
// with a single eraser, spec.md §3 "Processing Unit".
type Unit struct {
	Offset      int
	BlockSize   int
	NumBlocks   int
	EraserIndex int
}

// blockState tracks the smallest-granularity scratch flags spec.md §4.5
// calls the "Range Map", keyed by smallest-block index.
type blockState struct {
	needChange bool
	needErase  bool
}

// Plan compares before and after (both must be exactly
// desc.TotalSizeBytes() long) and returns the minimal processing unit
// list to turn before into after on the chip described by desc. An
// identical before/after pair returns a nil slice, not an error.
func Plan(desc *chip.Descriptor, before, after []byte, erasedValue byte) ([]Unit, error) {
	total := desc.TotalSizeBytes()
	if len(before) != total || len(after) != total {
		return nil, fmt.Errorf("%w: before/after length must equal chip size (%d bytes)", errkind.ErrInvalidLength, total)
	}

	if !anyDiff(before, after) {
		return nil, nil
	}

	sizes := distinctBlockSizes(desc)
	if len(sizes) == 0 {
		return nil, fmt.Errorf("%w: chip %q has no usable eraser", errkind.ErrMisconfiguration, desc.Name)
	}

	smallest := sizes[0]
	if total%smallest != 0 {
		return nil, fmt.Errorf("%w: chip %q total size %d not a multiple of smallest block size %d", errkind.ErrMisconfiguration, desc.Name, total, smallest)
	}
	numSmall := total / smallest

	flags := make([]blockState, numSmall)
	chosenSize := make([]int, numSmall)
	chosenEraser := make([]int, numSmall)

	for i := 0; i < numSmall; i++ {
		off := i * smallest
		idx, ok := eraserProviding(desc, off, smallest)
		if !ok {
			return nil, fmt.Errorf("%w: no eraser provides a %d-byte block at offset 0x%x", errkind.ErrMisconfiguration, smallest, off)
		}
		flags[i] = scanBlock(before[off:off+smallest], after[off:off+smallest], erasedValue)
		chosenSize[i] = smallest
		chosenEraser[i] = idx
	}

	// Promote to successively larger block sizes, per spec.md §4.5 steps
	// 4-5: a larger block replaces its constituent smaller blocks when
	// enough of them already need erasing.
	for _, size := range sizes[1:] {
		if size%smallest != 0 {
			continue
		}
		contained := size / smallest
		threshold := (PromoteThreshold * contained) / promoteDenominator

		for off := 0; off+size <= total; off += size {
			idx, ok := eraserProviding(desc, off, size)
			if !ok {
				continue
			}
			start := off / smallest

			larger := false
			count := 0
			changed := false
			for b := start; b < start+contained; b++ {
				if chosenSize[b] > size {
					larger = true
					break
				}
				if flags[b].needErase {
					count++
				}
				if flags[b].needChange {
					changed = true
				}
			}
			if larger || count < threshold {
				continue
			}

			for b := start; b < start+contained; b++ {
				chosenSize[b] = size
				chosenEraser[b] = idx
				flags[b].needErase = true
				flags[b].needChange = flags[b].needChange || changed
			}
		}
	}

	return emitUnits(chosenSize, chosenEraser, flags, smallest), nil
}

func anyDiff(before, after []byte) bool {
	for i := len(before) - 1; i >= 0; i-- {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}

// scanBlock applies spec.md §4.5 step 3's flag rules to one
// smallest-granularity block.
func scanBlock(before, after []byte, erasedValue byte) blockState {
	var needChange, notErased bool
	for i := range before {
		if before[i] != erasedValue {
			notErased = true
		}
		if before[i] != after[i] && after[i] != erasedValue {
			needChange = true
		}
	}
	return blockState{needChange: needChange, needErase: notErased && needChange}
}

// distinctBlockSizes returns every region size across every usable
// eraser in desc, ascending and deduplicated.
func distinctBlockSizes(desc *chip.Descriptor) []int {
	seen := make(map[int]bool)
	var sizes []int
	for i := 0; i < desc.NumErasers; i++ {
		e := desc.Erasers[i]
		if e.EraseFn == nil {
			continue
		}
		for _, r := range e.Regions {
			if r.Size == 0 || seen[r.Size] {
				continue
			}
			seen[r.Size] = true
			sizes = append(sizes, r.Size)
		}
	}
	sort.Ints(sizes)
	return sizes
}

// eraserProviding returns the lowest-indexed usable eraser that covers
// offset with an exact block size of size.
func eraserProviding(desc *chip.Descriptor, offset, size int) (int, bool) {
	for i := 0; i < desc.NumErasers; i++ {
		if desc.Erasers[i].EraseFn == nil {
			continue
		}
		if got, ok := desc.BlockSize(offset, i); ok && got == size {
			return i, true
		}
	}
	return 0, false
}

// emitUnits walks the chosen per-smallest-block granularity and eraser
// assignment and merges maximal runs of marked, identically-sized,
// identically-erased blocks into Units, spec.md §4.5 step 6.
func emitUnits(chosenSize, chosenEraser []int, flags []blockState, smallest int) []Unit {
	var units []Unit
	n := len(chosenSize)

	for i := 0; i < n; {
		size := chosenSize[i]
		stride := size / smallest
		eraser := chosenEraser[i]
		marked := flags[i].needErase || flags[i].needChange

		if !marked {
			i += stride
			continue
		}

		runBlocks := 1
		j := i + stride
		for j < n && chosenSize[j] == size && chosenEraser[j] == eraser &&
			(flags[j].needErase || flags[j].needChange) {
			runBlocks++
			j += stride
		}

		units = append(units, Unit{
			Offset:      i * smallest,
			BlockSize:   size,
			NumBlocks:   runBlocks,
			EraserIndex: eraser,
		})
		i = j
	}

	return units
}
