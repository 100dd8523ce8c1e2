// Package ichspi models the dominant chipset SPI controller family of
// spec.md §4.2–§4.4: a software-sequenced opcode menu with a handful of
// preopcodes, falling back to hardware-sequenced whole-device cycles
// when the opcode menu is locked down and missing a required opcode.
//
// This package models the controller's register semantics in-process
// (no real chipset register access — see DESIGN.md's Open Question
// decisions); transport/ch347 and transport/parmem are the backends
// that touch real hardware.
package ichspi

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// OpcodeType classifies one opcode-menu slot, spec.md §3 "Opcode menu".
type OpcodeType uint8

const (
	TypeReadNoAddr OpcodeType = iota
	TypeWriteNoAddr
	TypeReadAddr
	TypeWriteAddr
)

// AtomicPreop identifies which preopcode (if any) is atomically paired
// before this opcode's cycle.
type AtomicPreop uint8

const (
	AtomicNone AtomicPreop = iota
	AtomicPreop0
	AtomicPreop1
)

// Opcode is one slot of the 8-entry menu.
type Opcode struct {
	Byte   byte
	Type   OpcodeType
	Atomic AtomicPreop
	set    bool
}

// Menu is the controller's opcode menu: 2 preopcodes, up to 8 opcodes.
// The zero Menu is empty (no opcode set).
type Menu struct {
	Preop   [2]byte
	preoSet [2]bool
	Opcodes [8]Opcode

	// Locked marks a lock-down controller: the menu was read from
	// hardware at probe and the core may not reprogram it (spec.md §4.3).
	Locked bool
}

// DefaultMenu returns the reasonable default menu the core programs
// when the controller is not locked down (spec.md §4.3): byte-program,
// read, sector-erase, read-status, REMS, write-status, RDID, chip-erase,
// plus WREN/EWSR preopcodes.
func DefaultMenu() *Menu {
	m := &Menu{}
	m.SetPreop(0, 0x06) // WREN
	m.SetPreop(1, 0x50) // EWSR
	m.SetOpcode(0, Opcode{Byte: 0x02, Type: TypeWriteAddr, Atomic: AtomicPreop0})  // byte program
	m.SetOpcode(1, Opcode{Byte: 0x03, Type: TypeReadAddr})                        // read
	m.SetOpcode(2, Opcode{Byte: 0x20, Type: TypeWriteAddr, Atomic: AtomicPreop0}) // sector erase
	m.SetOpcode(3, Opcode{Byte: 0x05, Type: TypeReadNoAddr})                      // read status
	m.SetOpcode(4, Opcode{Byte: 0x90, Type: TypeReadAddr})                       // REMS
	m.SetOpcode(5, Opcode{Byte: 0x01, Type: TypeWriteNoAddr, Atomic: AtomicPreop1}) // write status
	m.SetOpcode(6, Opcode{Byte: 0x9f, Type: TypeReadNoAddr})                       // RDID
	m.SetOpcode(7, Opcode{Byte: 0xc7, Type: TypeWriteNoAddr, Atomic: AtomicPreop0}) // chip erase
	return m
}

// SetPreop installs preopcode slot i (0 or 1).
func (m *Menu) SetPreop(i int, b byte) {
	m.Preop[i] = b
	m.preoSet[i] = true
}

// SetOpcode installs opcode slot i (0..7).
func (m *Menu) SetOpcode(i int, op Opcode) {
	op.set = true
	m.Opcodes[i] = op
}

// IndexOf returns the menu slot containing opcode b, ok=false if absent.
func (m *Menu) IndexOf(b byte) (int, bool) {
	for i, op := range m.Opcodes {
		if op.set && op.Byte == b {
			return i, true
		}
	}
	return 0, false
}

// PreopIndexOf returns the preopcode slot containing b, ok=false if absent.
func (m *Menu) PreopIndexOf(b byte) (int, bool) {
	for i, set := range m.preoSet {
		if set && m.Preop[i] == b {
			return i, true
		}
	}
	return 0, false
}

// reprogramSlot is the slot index conventionally reused for missing-opcode
// reprogramming (spec.md §4.2 step 2: "the spec picks a reusable slot by
// convention"). Slot 2 (sector erase in DefaultMenu) is the convention
// used here, matching the corpus scenario in spec.md §8 scenario 3.
const reprogramSlot = 2

// inferType infers an opcode's type from (writecnt, readcnt):
// writecnt==4 && readcnt==0 => write-with-addr (an addressed erase such
// as 0xd8); any other readcnt==0 => write-no-addr; writecnt==1 =>
// read-no-addr; writecnt==4 => read-with-addr; else InvalidLength.
func inferType(writecnt, readcnt int) (OpcodeType, error) {
	switch {
	case readcnt == 0 && writecnt == 4:
		return TypeWriteAddr, nil
	case readcnt == 0:
		return TypeWriteNoAddr, nil
	case writecnt == 1:
		return TypeReadNoAddr, nil
	case writecnt == 4:
		return TypeReadAddr, nil
	default:
		return 0, fmt.Errorf("%w: cannot infer opcode type from writecnt=%d readcnt=%d", errkind.ErrInvalidLength, writecnt, readcnt)
	}
}

// Resolve finds or reprograms the menu slot for writearr[0], validating
// (writecnt, readcnt) against the resolved opcode's type, per spec.md
// §4.2 steps 1-3.
func (m *Menu) Resolve(writearr, readarr []byte) (*Opcode, error) {
	if len(writearr) == 0 {
		return nil, fmt.Errorf("%w: empty command", errkind.ErrInvalidLength)
	}
	b := writearr[0]
	writecnt, readcnt := len(writearr), len(readarr)

	idx, ok := m.IndexOf(b)
	if !ok {
		if m.Locked {
			return nil, fmt.Errorf("%w: opcode 0x%02x not in locked menu", errkind.ErrInvalidOpcode, b)
		}
		typ, err := inferType(writecnt, readcnt)
		if err != nil {
			return nil, err
		}
		m.SetOpcode(reprogramSlot, Opcode{Byte: b, Type: typ})
		idx = reprogramSlot
	}

	op := &m.Opcodes[idx]
	if err := validateLength(op.Type, writecnt, readcnt); err != nil {
		return nil, err
	}
	return op, nil
}

// validateLength enforces spec.md §4.2 step 3's strict rules.
func validateLength(typ OpcodeType, writecnt, readcnt int) error {
	switch typ {
	case TypeWriteAddr:
		if writecnt < 4 || readcnt != 0 {
			return fmt.Errorf("%w: write-with-addr needs writecnt>=4 && readcnt==0, got (%d,%d)", errkind.ErrInvalidLength, writecnt, readcnt)
		}
	case TypeWriteNoAddr:
		if readcnt != 0 {
			return fmt.Errorf("%w: write-no-addr needs readcnt==0, got readcnt=%d", errkind.ErrInvalidLength, readcnt)
		}
	case TypeReadAddr:
		if writecnt != 4 {
			return fmt.Errorf("%w: read-with-addr needs writecnt==4, got writecnt=%d", errkind.ErrInvalidLength, writecnt)
		}
	case TypeReadNoAddr:
		if writecnt != 1 {
			return fmt.Errorf("%w: read-no-addr needs writecnt==1, got writecnt=%d", errkind.ErrInvalidLength, writecnt)
		}
	default:
		return fmt.Errorf("%w: unknown opcode type %d", errkind.ErrInvalidLength, typ)
	}
	return nil
}

// PairMultiCommand marks command[i+1] atomic-paired with a preopcode
// when chain[i] is a listed preopcode immediately followed by chain[i+1]
// being a listed opcode (spec.md §4.2 "Multi-commands"). Isolated
// preopcodes or two consecutive preopcodes are a contract error.
func (m *Menu) PairMultiCommand(chain [][]byte) ([]AtomicPreop, error) {
	pairing := make([]AtomicPreop, len(chain))
	i := 0
	for i < len(chain) {
		if len(chain[i]) == 0 {
			return nil, fmt.Errorf("%w: empty command in chain", errkind.ErrInvalidLength)
		}
		preIdx, isPre := m.PreopIndexOf(chain[i][0])
		if !isPre {
			i++
			continue
		}
		if i+1 >= len(chain) {
			return nil, fmt.Errorf("%w: isolated preopcode 0x%02x at end of chain", errkind.ErrInvalidOpcode, chain[i][0])
		}
		if _, nextIsPre := m.PreopIndexOf(chain[i+1][0]); nextIsPre {
			return nil, fmt.Errorf("%w: two consecutive preopcodes in chain", errkind.ErrInvalidOpcode)
		}
		if _, ok := m.IndexOf(chain[i+1][0]); !ok {
			return nil, fmt.Errorf("%w: preopcode 0x%02x paired with unknown opcode 0x%02x", errkind.ErrInvalidOpcode, chain[i][0], chain[i+1][0])
		}
		if preIdx == 0 {
			pairing[i+1] = AtomicPreop0
		} else {
			pairing[i+1] = AtomicPreop1
		}
		i += 2
	}
	return pairing, nil
}
