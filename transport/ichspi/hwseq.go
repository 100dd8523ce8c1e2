package ichspi

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// CycleType encodes HSFSC.FCYCLE, spec.md §6.
type CycleType uint8

const (
	CycleRead       CycleType = 0
	CycleWrite      CycleType = 2
	CycleErase      CycleType = 3
	CycleReadStatus CycleType = 8
	CycleWriteStatus CycleType = 7
	CycleReadJedecID CycleType = 6
)

// cycleState models the per-cycle state machine of spec.md §4.2:
// idle -> load FADDR -> load data (if write) -> set FCYCLE+FGO ->
// polling -> done|error.
type cycleState uint8

const (
	stateIdle cycleState = iota
	stateAddrLoaded
	stateDataLoaded
	statePolling
	stateDone
	stateError
)

// HardwareMaster implements transport.Opaque for hardware-sequenced SPI
// cycles: the host writes an address and cycle type into controller
// registers and the controller issues the opcode on the bus (spec.md
// §4.2 "Opaque masters", "Hardware-sequencing state machine").
//
// Bus is the register-level backend; in this portable model it is an
// in-memory simulation the rest of the engine is exercised against (see
// DESIGN.md's Open Question decisions) — a real chipset backend would
// implement Bus against the mapped SPIBAR window via transport/parmem.
type HardwareMaster struct {
	Bus        RegisterBus
	Access     *AccessControl
	EraseSize  func(offset int) (int, bool) // chip.Descriptor.BlockSize-shaped lookup
	MaxDataLen int                          // page boundary, typically 256 bytes.
	state      cycleState
}

// RegisterBus is the minimal register contract HardwareMaster drives.
// It purposefully mirrors the chipset register fields of spec.md §6
// (FADDR, FDATAn, HSFSC/HSFSTS+HSFCTL combined word) rather than a
// generic read/write byte stream, so a real backend's register layout
// maps onto it directly.
type RegisterBus interface {
	SetFADDR(addr uint32)
	LoadData(data []byte)
	UnloadData(buf []byte)
	StartCycle(cycle CycleType, byteCount int)
	// Poll returns done=true once FDONE or FCERR is observed; failed
	// reports FCERR specifically.
	Poll() (done, failed bool)
	// ClearErrors writes back the status register with the error bits
	// set to clear started-but-not-completed cycles (spec.md §5).
	ClearErrors()
}

func (m *HardwareMaster) Kind() transport.Kind { return transport.KindOpaque }
func (m *HardwareMaster) Buses() chip.BusType  { return chip.BusSPI }
func (m *HardwareMaster) Paranoid() bool       { return false }
func (m *HardwareMaster) MaxRead() int         { return m.MaxDataLen }
func (m *HardwareMaster) MaxWrite() int        { return m.MaxDataLen }

func (m *HardwareMaster) Probe() error {
	m.state = stateIdle
	return nil
}

// runCycle drives the state machine for one cycle and returns an error
// classified per spec.md §7.
func (m *HardwareMaster) runCycle(offset int, cycle CycleType, writeData []byte, byteCount int) error {
	m.state = stateAddrLoaded
	m.Bus.SetFADDR(uint32(offset))

	if writeData != nil {
		m.state = stateDataLoaded
		m.Bus.LoadData(writeData)
	}

	m.state = statePolling
	m.Bus.StartCycle(cycle, byteCount)

	done, failed := m.Bus.Poll()
	if failed {
		m.state = stateError
		m.Bus.ClearErrors()
		return fmt.Errorf("%w: FCERR during cycle %v at offset 0x%x", errkind.ErrTransaction, cycle, offset)
	}
	if !done {
		m.state = stateError
		m.Bus.ClearErrors()
		return fmt.Errorf("%w: cycle %v at offset 0x%x did not complete", errkind.ErrTimeout, cycle, offset)
	}
	m.state = stateDone
	return nil
}

// chunkLen returns the next chunk length, clamped to the lesser of
// max and the page boundary (spec.md §4.2 "Reads and writes chunk to
// the lesser of max_data_{read|write} and the page boundary").
func (m *HardwareMaster) chunkLen(offset, remaining, max int) int {
	n := remaining
	if n > max {
		n = max
	}
	pageBoundary := m.MaxDataLen - (offset % m.MaxDataLen)
	if n > pageBoundary {
		n = pageBoundary
	}
	return n
}

func (m *HardwareMaster) Read(buf []byte, offset int) (int, error) {
	if err := m.CheckAccess(offset, len(buf), transport.DirRead); err != nil {
		return 0, err
	}
	total := 0
	for total < len(buf) {
		n := m.chunkLen(offset+total, len(buf)-total, m.MaxRead())
		if err := m.runCycle(offset+total, CycleRead, nil, n); err != nil {
			return total, err
		}
		m.Bus.UnloadData(buf[total : total+n])
		total += n
	}
	return total, nil
}

func (m *HardwareMaster) Write(buf []byte, offset int) (int, error) {
	if err := m.CheckAccess(offset, len(buf), transport.DirWrite); err != nil {
		return 0, err
	}
	total := 0
	for total < len(buf) {
		n := m.chunkLen(offset+total, len(buf)-total, m.MaxWrite())
		if err := m.runCycle(offset+total, CycleWrite, buf[total:total+n], n); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Erase only accepts an aligned request whose length equals the chip's
// erase-block size at offset (spec.md §4.2): a misaligned or mis-sized
// request is rejected without touching hardware.
func (m *HardwareMaster) Erase(offset, size int) error {
	if m.EraseSize != nil {
		blockSize, ok := m.EraseSize(offset)
		if !ok || size != blockSize || offset%blockSize != 0 {
			return fmt.Errorf("%w: erase request offset=0x%x size=%d is not aligned to the chip's erase block", errkind.ErrInvalidLength, offset, size)
		}
	}
	if err := m.CheckAccess(offset, size, transport.DirWrite); err != nil {
		return err
	}
	return m.runCycle(offset, CycleErase, nil, size)
}

func (m *HardwareMaster) CheckAccess(offset, size int, dir transport.Direction) error {
	if m.Access == nil {
		return nil
	}
	return m.Access.CheckAccess(offset, size, dir)
}
