package main

import (
	"fmt"
	"time"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/delay"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/internal/progcfg"
	"github.com/serfreeman1337/nvmflash/transport"
)

// probeSPIDescriptor builds a chip.Descriptor for a SPI NOR part behind
// m by reading its JEDEC ID (opcode 0x9f) the same way the teacher's
// spi-flash example sizes a chip, then wiring a two-level erase table:
// 4 KiB sector erase (0x20) and whole-chip erase (0xc7). Board/chipset
// detection tables are out of scope for the core (spec.md §1); this is
// the CLI's own minimal stand-in for one, good enough to drive any
// commodity SPI NOR part without naming it.
func probeSPIDescriptor(m transport.SPI, d delay.Func) (*chip.Descriptor, error) {
	g := &spiGeneric{m: m, delay: d}

	r := make([]byte, 3)
	if err := m.SendCommand([]byte{0x9f}, r); err != nil {
		return nil, fmt.Errorf("%w: read JEDEC ID: %v", errkind.ErrFatalHardware, err)
	}
	if r[2] == 0 {
		return nil, fmt.Errorf("%w: JEDEC ID capacity byte is zero, no flash detected", errkind.ErrFatalHardware)
	}
	size := 1 << r[2]
	const sector = 4096

	return &chip.Descriptor{
		Vendor:     fmt.Sprintf("0x%02x", r[0]),
		Name:       fmt.Sprintf("generic-spi-0x%02x%02x", r[1], r[2]),
		Bustype:    chip.BusSPI,
		MfgID:      uint32(r[0]),
		ModelID:    uint32(r[1])<<8 | uint32(r[2]),
		TotalSize:  size / 1024,
		PageSize:   256,
		WriteGran:  chip.GranularityBit,
		Tested:     chip.TestedUnknown,
		NumErasers: 2,
		Erasers: [6]chip.Eraser{
			{
				Regions: []chip.EraseRegion{{Size: sector, Count: size / sector}},
				EraseFn: g.eraseSector,
			},
			{
				Regions: []chip.EraseRegion{{Size: size, Count: 1}},
				EraseFn: g.eraseChip,
			},
		},
	}, nil
}

// spiGeneric issues the handful of opcodes every SPI NOR part supports
// regardless of vendor: write enable (0x06), read status 1 (0x05),
// sector erase (0x20), chip erase (0xc7).
type spiGeneric struct {
	m     transport.SPI
	delay delay.Func
}

func (g *spiGeneric) writeEnable() error {
	return g.m.SendCommand([]byte{0x06}, nil)
}

func (g *spiGeneric) waitReady(budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		status := make([]byte, 1)
		if err := g.m.SendCommand([]byte{0x05}, status); err != nil {
			return fmt.Errorf("%w: read status register: %v", errkind.ErrTransaction, err)
		}
		if status[0]&0x01 == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: chip still busy after %s", errkind.ErrTimeout, budget)
		}
		g.delay(time.Millisecond)
	}
}

func (g *spiGeneric) eraseSector(offset, size int) error {
	if err := g.writeEnable(); err != nil {
		return err
	}
	cmd := []byte{0x20, byte(offset >> 16), byte(offset >> 8), byte(offset)}
	if err := g.m.SendCommand(cmd, nil); err != nil {
		return fmt.Errorf("%w: sector erase at 0x%x: %v", errkind.ErrTransaction, offset, err)
	}
	return g.waitReady(transport.CycleTimeout(transport.CycleBlockErase64K))
}

func (g *spiGeneric) eraseChip(offset, size int) error {
	if err := g.writeEnable(); err != nil {
		return err
	}
	if err := g.m.SendCommand([]byte{0xc7}, nil); err != nil {
		return fmt.Errorf("%w: chip erase: %v", errkind.ErrTransaction, err)
	}
	return g.waitReady(transport.CycleTimeout(transport.CycleAtomicOrChipErase))
}

// opaqueDescriptor builds a chip.Descriptor for an Opaque master
// (transport/serialprog, or the EC's own flash — see ec.DescribeChip
// for that one) whose size the caller already knows: p.Size from the
// programmer config string, or a probe-reported size for masters that
// offer one.
func opaqueDescriptor(name string, m transport.Opaque, size int) (*chip.Descriptor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: opaque programmer needs an explicit size= (auto-sizing is not available for this transport)", errkind.ErrMisconfiguration)
	}
	return &chip.Descriptor{
		Vendor:     "generic",
		Name:       name,
		Bustype:    m.Buses(),
		TotalSize:  size / 1024,
		PageSize:   256,
		WriteGran:  chip.GranularityByte,
		Tested:     chip.TestedUnknown,
		NumErasers: 1,
		Erasers: [6]chip.Eraser{
			{
				Regions: []chip.EraseRegion{{Size: size, Count: 1}},
				EraseFn: func(offset, size int) error { return m.Erase(offset, size) },
			},
		},
	}, nil
}

// parallelDescriptor builds a chip.Descriptor for a parmem.Master over
// a parallel/LPC/FWH window, driving the classic AMD/JEDEC unlock
// sequence (0xaa@0x5555, 0x55@0x2aaa, 0x80@0x5555, 0xaa@0x5555,
// 0x55@0x2aaa, 0x10@0x5555) for a whole-chip erase and polling DQ6
// toggle to detect completion — the common-denominator command set
// older parallel NOR parts (and the chips these buses exist for) share.
func parallelDescriptor(m transport.Parallel, size int, d delay.Func) (*chip.Descriptor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: parallel/LPC/FWH programmer needs an explicit size=", errkind.ErrMisconfiguration)
	}
	g := &parallelGeneric{m: m, delay: d}
	return &chip.Descriptor{
		Vendor:     "generic",
		Name:       "generic-parallel",
		Bustype:    m.Buses(),
		TotalSize:  size / 1024,
		PageSize:   1,
		WriteGran:  chip.GranularityByte,
		Tested:     chip.TestedUnknown,
		NumErasers: 1,
		Erasers: [6]chip.Eraser{
			{
				Regions: []chip.EraseRegion{{Size: size, Count: 1}},
				EraseFn: g.eraseChip,
			},
		},
	}, nil
}

type parallelGeneric struct {
	m     transport.Parallel
	delay delay.Func
}

func (g *parallelGeneric) eraseChip(offset, size int) error {
	unlock := func(addr uint32, v uint8) error { return g.m.WriteByte(addr, v) }
	if err := unlock(0x5555, 0xaa); err != nil {
		return err
	}
	if err := unlock(0x2aaa, 0x55); err != nil {
		return err
	}
	if err := unlock(0x5555, 0x80); err != nil {
		return err
	}
	if err := unlock(0x5555, 0xaa); err != nil {
		return err
	}
	if err := unlock(0x2aaa, 0x55); err != nil {
		return err
	}
	if err := unlock(0x5555, 0x10); err != nil {
		return err
	}

	deadline := time.Now().Add(transport.CycleTimeout(transport.CycleAtomicOrChipErase))
	last, err := g.m.ReadByte(0)
	if err != nil {
		return err
	}
	for {
		cur, err := g.m.ReadByte(0)
		if err != nil {
			return fmt.Errorf("%w: poll DQ6 toggle: %v", errkind.ErrTransaction, err)
		}
		if cur&0x40 == last&0x40 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: chip erase did not complete within %s", errkind.ErrTimeout, transport.CycleTimeout(transport.CycleAtomicOrChipErase))
		}
		last = cur
		g.delay(time.Millisecond)
	}
}

// sizeFromParams returns p.Size in bytes, 0 if unset or auto (auto
// means the caller must probe instead).
func sizeFromParams(p progcfg.Params) int {
	if p.Size == progcfg.SizeAuto {
		return 0
	}
	return p.Size
}
