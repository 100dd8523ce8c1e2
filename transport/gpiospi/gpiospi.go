// Package gpiospi implements transport.SPI by bit-banging four GPIO
// lines directly, for single-board-computer hosts that have a GPIO
// header but no dedicated SPI/USB bridge chip. It clocks mode 0
// (CPOL=0, CPHA=0) MSB-first, the mode every flash part's default
// opcode set assumes.
package gpiospi

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// Pins names the four lines a Master drives. CS is active low, per the
// flash opcode convention every SPI NOR part follows.
type Pins struct {
	SCK  gpio.PinOut
	MOSI gpio.PinOut
	MISO gpio.PinIn
	CS   gpio.PinOut
}

// Init loads periph.io's host drivers. Call once before opening a
// Master; safe to call more than once.
func Init() error {
	_, err := host.Init()
	if err != nil {
		return fmt.Errorf("%w: periph host init: %v", errkind.ErrFatalHardware, err)
	}
	return nil
}

// Master implements transport.SPI by toggling Pins directly from Go,
// so its top speed is bounded by GC pauses and scheduler jitter rather
// than a clock divider; HalfPeriod controls the bit rate.
type Master struct {
	Pins       Pins
	HalfPeriod time.Duration // defaults to 1us (500kHz) if zero.
}

func (m *Master) Kind() transport.Kind { return transport.KindSPI }
func (m *Master) Buses() chip.BusType  { return chip.BusSPI }
func (m *Master) Paranoid() bool       { return true } // no opcode-menu engine backs this up.
func (m *Master) MaxRead() int         { return 1 << 20 }
func (m *Master) MaxWrite() int        { return 1 << 20 }

func (m *Master) halfPeriod() time.Duration {
	if m.HalfPeriod == 0 {
		return time.Microsecond
	}
	return m.HalfPeriod
}

// shiftByte clocks out tx MSB-first while simultaneously sampling MISO,
// CPOL=0/CPHA=0: data is set up while SCK is low and sampled on the
// rising edge.
func (m *Master) shiftByte(tx byte) (byte, error) {
	var rx byte
	half := m.halfPeriod()
	for bit := 7; bit >= 0; bit-- {
		level := gpio.Low
		if tx&(1<<uint(bit)) != 0 {
			level = gpio.High
		}
		if err := m.Pins.MOSI.Out(level); err != nil {
			return 0, fmt.Errorf("%w: MOSI.Out: %v", errkind.ErrFatalHardware, err)
		}
		time.Sleep(half)

		if err := m.Pins.SCK.Out(gpio.High); err != nil {
			return 0, fmt.Errorf("%w: SCK.Out high: %v", errkind.ErrFatalHardware, err)
		}
		if m.Pins.MISO.Read() == gpio.High {
			rx |= 1 << uint(bit)
		}
		time.Sleep(half)

		if err := m.Pins.SCK.Out(gpio.Low); err != nil {
			return 0, fmt.Errorf("%w: SCK.Out low: %v", errkind.ErrFatalHardware, err)
		}
	}
	return rx, nil
}

// transfer performs a full-duplex exchange the length of the longer of
// w or r: bytes beyond len(w) are clocked out as 0xff (the conventional
// SPI NOR dummy/fill byte) and bytes beyond len(r) are discarded.
func (m *Master) transfer(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	if err := m.Pins.CS.Out(gpio.Low); err != nil {
		return fmt.Errorf("%w: CS.Out low: %v", errkind.ErrFatalHardware, err)
	}
	var txErr error
	for i := 0; i < n; i++ {
		out := byte(0xff)
		if i < len(w) {
			out = w[i]
		}
		in, err := m.shiftByte(out)
		if err != nil {
			txErr = err
			break
		}
		if i < len(r) {
			r[i] = in
		}
	}
	if csErr := m.Pins.CS.Out(gpio.High); csErr != nil && txErr == nil {
		txErr = fmt.Errorf("%w: CS.Out high: %v", errkind.ErrFatalHardware, csErr)
	}
	return txErr
}

// SendCommand shifts writearr out then readarr in, CS-bracketed. Unlike
// the opcode-menu controllers, there is no menu to resolve against:
// whatever writearr carries goes straight onto the wire.
func (m *Master) SendCommand(writearr, readarr []byte) error {
	if len(writearr) == 0 {
		return fmt.Errorf("%w: SendCommand requires at least one byte", errkind.ErrInvalidLength)
	}
	full := make([]byte, len(writearr)+len(readarr))
	copy(full, writearr)
	resp := make([]byte, len(full))
	if err := m.transfer(full, resp); err != nil {
		return err
	}
	copy(readarr, resp[len(writearr):])
	return nil
}

// SendMultiCommand issues each command as its own CS-bracketed
// transaction; this bus has no atomic-preopcode hardware, so WREN and
// a following write are two separate transactions.
func (m *Master) SendMultiCommand(chain [][]byte) error {
	for _, cmd := range chain {
		if err := m.SendCommand(cmd, nil); err != nil {
			return err
		}
	}
	return nil
}

// Write256 issues a page-program opcode (0x02) for up to 256 bytes.
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
