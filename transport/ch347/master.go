package ch347

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// Master implements transport.SPI over one CH347 IO. CS0 is asserted
// for the duration of each command and released afterward, matching
// the chip-select discipline flashrom's dediprog/ch341a-style USB
// programmers use: the bridge has no opcode menu of its own, so
// SendCommand passes writearr straight to the wire.
type Master struct {
	IO *IO

	// UseCS1 selects CS1 instead of CS0; some boards wire the bridge's
	// second chip select to an alternate socket.
	UseCS1 bool
}

func (m *Master) Kind() transport.Kind { return transport.KindSPI }
func (m *Master) Buses() chip.BusType  { return chip.BusSPI }
func (m *Master) Paranoid() bool       { return false }
func (m *Master) MaxRead() int         { return maxOpLen }
func (m *Master) MaxWrite() int        { return maxOpLen }

func (m *Master) assertCS(enable bool) error {
	if m.UseCS1 {
		return m.IO.SetCS1(enable)
	}
	return m.IO.SetCS(enable)
}

// SendCommand clocks writearr out over SPI with CS held low, capturing
// len(readarr) bytes of MISO response.
func (m *Master) SendCommand(writearr, readarr []byte) error {
	if len(writearr) == 0 {
		return fmt.Errorf("%w: SendCommand requires at least one byte", errkind.ErrInvalidLength)
	}
	if err := m.assertCS(true); err != nil {
		return err
	}
	err := m.IO.Transfer(writearr, readarr)
	if csErr := m.assertCS(false); csErr != nil && err == nil {
		err = csErr
	}
	return err
}

// SendMultiCommand issues each command in chain as its own CS-bracketed
// transaction: the bridge has no atomic preopcode pairing, so a WREN
// ahead of a write simply becomes a separate, immediately preceding
// transaction (spec.md §4.2 "Multi-commands" notes this is a valid
// degraded form when the controller lacks hardware pairing).
func (m *Master) SendMultiCommand(chain [][]byte) error {
	for _, cmd := range chain {
		if err := m.SendCommand(cmd, nil); err != nil {
			return err
		}
	}
	return nil
}

// Write256 issues a single page-program command (opcode 0x02) for up
// to 256 bytes at addr.
func (m *Master) Write256(addr uint32, data []byte) error {
	if len(data) > 256 {
		return fmt.Errorf("%w: Write256 accepts at most 256 bytes, got %d", errkind.ErrInvalidLength, len(data))
	}
	cmd := make([]byte, 4+len(data))
	cmd[0] = 0x02
	cmd[1] = byte(addr >> 16)
	cmd[2] = byte(addr >> 8)
	cmd[3] = byte(addr)
	copy(cmd[4:], data)
	return m.SendCommand(cmd, nil)
}
