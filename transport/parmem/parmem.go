// Package parmem implements transport.Parallel over a memory-mapped
// window onto physical address space: the host's /dev/mem (or an
// equivalent platform handle) is mapped once and byte/word/long
// accesses become plain memory loads and stores, the way Parallel/LPC/
// FWH flash is actually addressed on x86 (spec.md §4.2 "Parallel/LPC/
// FWH").
//
// FWH chips additionally need an idsel/fwh_idsel parameter (spec.md
// glossary "FWH") to pick the correct chip-select decode; that belongs
// to internal/progcfg, not here — this package only does the mapped
// read/write/fence.
package parmem

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// Window is a memory-mapped physical address range. Physbase is the
// physical address corresponding to Mapping[0]; Master.ReadByte(addr)
// etc. index Mapping[addr-Physbase].
type Window struct {
	Mapping  mmap.MMap
	Physbase uint32
}

// Open maps size bytes of /dev/mem starting at physbase. The file is
// opened O_SYNC so stores reach the mapped device range in program
// order rather than sitting in a writeback cache line; flash program
// cycles depend on that ordering against the status-register poll that
// follows. The caller is responsible for Close.
func Open(physbase uint32, size int) (*Window, error) {
	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/mem: %v", errkind.ErrFatalHardware, err)
	}
	f := os.NewFile(uintptr(fd), "/dev/mem")
	defer f.Close()

	m, err := mmap.MapRegion(f, size, mmap.RDWR, 0, int64(physbase))
	if err != nil {
		return nil, fmt.Errorf("%w: mmap physical range 0x%x+0x%x: %v", errkind.ErrFatalHardware, physbase, size, err)
	}
	return &Window{Mapping: m, Physbase: physbase}, nil
}

func (w *Window) Close() error {
	if w.Mapping == nil {
		return nil
	}
	return w.Mapping.Unmap()
}

// Master implements transport.Parallel against a mapped Window. Buses
// reports which of BusParallel/BusLPC/BusFWH this window decodes as,
// fixed at construction: the three families share the same mapped
// access pattern and differ only in chipset-side routing that already
// happened before the mapping was made.
type Master struct {
	Win      *Window
	BusKind  chip.BusType
	TopBound bool // paranoid reports whether writes are verified immediately.
}

func (m *Master) Kind() transport.Kind { return transport.KindParallel }
func (m *Master) Buses() chip.BusType  { return m.BusKind }
func (m *Master) Paranoid() bool       { return m.TopBound }

func (m *Master) offset(addr uint32) (int, error) {
	if addr < m.Win.Physbase {
		return 0, fmt.Errorf("%w: address 0x%x below mapped window base 0x%x", errkind.ErrInvalidAddress, addr, m.Win.Physbase)
	}
	off := int(addr - m.Win.Physbase)
	if off >= len(m.Win.Mapping) {
		return 0, fmt.Errorf("%w: address 0x%x outside mapped window (size 0x%x)", errkind.ErrInvalidAddress, addr, len(m.Win.Mapping))
	}
	return off, nil
}

func (m *Master) ReadByte(addr uint32) (uint8, error) {
	off, err := m.offset(addr)
	if err != nil {
		return 0, err
	}
	return m.Win.Mapping[off], nil
}

func (m *Master) ReadWord(addr uint32) (uint16, error) {
	off, err := m.offset(addr)
	if err != nil {
		return 0, err
	}
	if off+2 > len(m.Win.Mapping) {
		return 0, fmt.Errorf("%w: word read at 0x%x crosses window end", errkind.ErrInvalidAddress, addr)
	}
	return uint16(m.Win.Mapping[off]) | uint16(m.Win.Mapping[off+1])<<8, nil
}

func (m *Master) ReadLong(addr uint32) (uint32, error) {
	off, err := m.offset(addr)
	if err != nil {
		return 0, err
	}
	if off+4 > len(m.Win.Mapping) {
		return 0, fmt.Errorf("%w: long read at 0x%x crosses window end", errkind.ErrInvalidAddress, addr)
	}
	b := m.Win.Mapping[off : off+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (m *Master) WriteByte(addr uint32, v uint8) error {
	off, err := m.offset(addr)
	if err != nil {
		return err
	}
	m.Win.Mapping[off] = v
	return nil
}

func (m *Master) WriteWord(addr uint32, v uint16) error {
	off, err := m.offset(addr)
	if err != nil {
		return err
	}
	if off+2 > len(m.Win.Mapping) {
		return fmt.Errorf("%w: word write at 0x%x crosses window end", errkind.ErrInvalidAddress, addr)
	}
	m.Win.Mapping[off] = byte(v)
	m.Win.Mapping[off+1] = byte(v >> 8)
	return nil
}

func (m *Master) WriteLong(addr uint32, v uint32) error {
	off, err := m.offset(addr)
	if err != nil {
		return err
	}
	if off+4 > len(m.Win.Mapping) {
		return fmt.Errorf("%w: long write at 0x%x crosses window end", errkind.ErrInvalidAddress, addr)
	}
	b := m.Win.Mapping[off : off+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return nil
}
