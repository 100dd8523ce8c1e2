package ichspi

import (
	"fmt"
	"time"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// SoftwareMaster implements transport.SPI for the software-sequenced
// opcode-menu controller of spec.md §4.2/§4.3. It resolves opcodes
// through Menu, applies the BBAR offset and region-permission check for
// address-carrying opcodes, and drives the register cycle through Bus.
type SoftwareMaster struct {
	Menu   *Menu
	Bus    OpcodeBus
	Access *AccessControl

	// BBAR shifts chip addresses into the controller's decode window
	// (spec.md glossary "BBAR").
	BBAR uint32
	// ValidWindowSize bounds the effective address range accepted after
	// the BBAR adjustment; zero disables the check.
	ValidWindowSize uint32

	maxPollAttempts int // overridable by tests; 0 means use real timing.
}

// OpcodeBus is the minimal register contract SoftwareMaster drives for
// one opcode cycle: programs FADDR, fills data registers, sets byte
// count and opcode index, optionally marks atomic, sets the start bit,
// and polls — spec.md §4.2 steps 5-6.
type OpcodeBus interface {
	SetFADDR(addr uint32)
	LoadData(data []byte)
	UnloadData(buf []byte)
	// StartOpcodeCycle issues opcodeIdx (with optional atomic preopcode
	// pairing), addressed iff addressed is true.
	StartOpcodeCycle(opcodeIdx int, atomic AtomicPreop, addressed bool, dataLen int)
	Poll(timeout time.Duration) (done, fcerr bool)
	ClearErrors()
}

func (m *SoftwareMaster) Kind() transport.Kind { return transport.KindSPI }
func (m *SoftwareMaster) Buses() chip.BusType  { return chip.BusSPI }
func (m *SoftwareMaster) Paranoid() bool       { return false }
func (m *SoftwareMaster) MaxRead() int         { return 64 }
func (m *SoftwareMaster) MaxWrite() int        { return 64 }

// SendCommand implements spec.md §4.2 steps 1-6 for one transaction.
func (m *SoftwareMaster) SendCommand(writearr, readarr []byte) error {
	op, err := m.Menu.Resolve(writearr, readarr)
	if err != nil {
		return err
	}

	addressed := op.Type == TypeReadAddr || op.Type == TypeWriteAddr
	var addr uint32
	var payload []byte

	if addressed {
		addr = uint32(writearr[1])<<16 | uint32(writearr[2])<<8 | uint32(writearr[3])
		effective := addr + m.BBAR
		if m.ValidWindowSize != 0 && effective >= m.ValidWindowSize {
			return fmt.Errorf("%w: address 0x%x outside valid window (size 0x%x)", errkind.ErrInvalidAddress, effective, m.ValidWindowSize)
		}
		if m.Access != nil {
			dir := transport.DirRead
			if op.Type == TypeWriteAddr {
				dir = transport.DirWrite
			}
			size := len(readarr)
			if op.Type == TypeWriteAddr {
				size = len(writearr) - 4
			}
			if err := m.Access.CheckAccess(int(effective), size, dir); err != nil {
				return err
			}
		}
		payload = writearr[4:]
	} else if op.Type == TypeWriteNoAddr {
		payload = writearr[1:]
	}

	idx, _ := m.Menu.IndexOf(op.Byte)

	if addressed {
		m.Bus.SetFADDR(addr + m.BBAR)
	}
	if len(payload) > 0 {
		m.Bus.LoadData(payload)
	}

	dataLen := len(readarr)
	if op.Type == TypeWriteAddr || op.Type == TypeWriteNoAddr {
		dataLen = len(payload)
	}

	class := transport.CycleByte
	if op.Atomic != AtomicNone || op.Byte == 0xc7 || op.Byte == 0x60 {
		class = transport.CycleAtomicOrChipErase
	}
	timeout := transport.CycleTimeout(class)

	m.Bus.StartOpcodeCycle(idx, op.Atomic, addressed, dataLen)

	done, fcerr := m.Bus.Poll(timeout)
	if fcerr {
		m.Bus.ClearErrors()
		return fmt.Errorf("%w: controller reported FCERR for opcode 0x%02x", errkind.ErrTransaction, op.Byte)
	}
	if !done {
		m.Bus.ClearErrors()
		return fmt.Errorf("%w: opcode 0x%02x did not complete within %s", errkind.ErrTimeout, op.Byte, timeout)
	}

	if op.Type == TypeReadAddr || op.Type == TypeReadNoAddr {
		m.Bus.UnloadData(readarr)
	}
	return nil
}

// SendMultiCommand pairs consecutive (preop, op) commands atomically per
// spec.md §4.2 "Multi-commands" and issues each in turn. A preopcode
// that is atomically paired with the following command is not issued as
// its own cycle: the controller emits it atomically ahead of the main
// cycle (the Menu's static Atomic field on the paired opcode already
// carries that pairing), so only the paired opcode's SendCommand call
// reaches the bus.
func (m *SoftwareMaster) SendMultiCommand(chain [][]byte) error {
	pairing, err := m.Menu.PairMultiCommand(chain)
	if err != nil {
		return err
	}
	for i, cmd := range chain {
		if i+1 < len(chain) && pairing[i+1] != AtomicNone {
			continue // cmd is a preopcode folded into chain[i+1]'s cycle.
		}
		if err := m.SendCommand(cmd, nil); err != nil {
			return err
		}
	}
	return nil
}

// Write256 programs up to 256 bytes via the menu's write-with-addr
// opcode, chunked to MaxWrite().
func (m *SoftwareMaster) Write256(addr uint32, data []byte) error {
	if len(data) > 256 {
		return fmt.Errorf("%w: Write256 accepts at most 256 bytes, got %d", errkind.ErrInvalidLength, len(data))
	}
	chunk := m.MaxWrite()
	for pos := 0; pos < len(data); pos += chunk {
		end := pos + chunk
		if end > len(data) {
			end = len(data)
		}
		a := addr + uint32(pos)
		cmd := append([]byte{0x02, byte(a >> 16), byte(a >> 8), byte(a)}, data[pos:end]...)
		if err := m.SendCommand(cmd, nil); err != nil {
			return err
		}
	}
	return nil
}
