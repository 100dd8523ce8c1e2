package ch347

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// SPIMode selects clock polarity/phase.
type SPIMode uint8

const (
	SPIMode0 SPIMode = iota
	SPIMode1
	SPIMode2
	SPIMode3
)

// SPIClock selects the bus clock divider.
type SPIClock uint8

const (
	SPIClock0 SPIClock = iota // 60 MHz
	SPIClock1                 // 30 MHz
	SPIClock2                 // 15 MHz
	SPIClock3                 // 7.5 MHz
	SPIClock4                 // 3.75 MHz
	SPIClock5                 // 1.875 MHz
	SPIClock6                 // 937.5 KHz
	SPIClock7                 // 468.75 KHz
)

type SPIByteOrder uint8

const (
	SPIByteOrderMSB SPIByteOrder = iota
	SPIByteOrderLSB
)

// SetSPI configures mode, clock, and byte order. Consult the flash
// chip's datasheet for clocks it tolerates; some parts only respond
// below 30 MHz over this bridge.
func (c *IO) SetSPI(mode SPIMode, clock SPIClock, byteOrder SPIByteOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := make([]byte, 0, 29)
	p = append(p, 0x1d, 0x00)
	p = append(p, 0xc0, 0x1a, 0x00, 0x00, 0x00, 0x04, 0x01, 0x00, 0x00)

	switch mode {
	case SPIMode0:
		p = append(p, 0x00, 0x00, 0x00, 0x00)
	case SPIMode1:
		p = append(p, 0x00, 0x00, 0x01, 0x00)
	case SPIMode2:
		p = append(p, 0x02, 0x00, 0x00, 0x00)
	case SPIMode3:
		p = append(p, 0x02, 0x00, 0x01, 0x00)
	}

	p = append(p, 0x00, 0x02)
	p = append(p, byte(clock<<3))
	p = append(p, 0x00)
	p = append(p, byte(byteOrder)<<7)
	p = append(p, 0x00, 0x07, 0x00)
	p = append(p, 0x00, 0x00)
	p = append(p, 0xff) // default MISO fill byte while MOSI-only clocking.
	p = append(p, 0x00) // CS polarity: active low for both CS0 and CS1.
	p = append(p, 0x00, 0x00, 0x00, 0x00)

	if _, err := c.Dev.Write(p); err != nil {
		return fmt.Errorf("%w: SetSPI write: %v", errkind.ErrFatalHardware, err)
	}

	p = p[:6]
	if _, err := c.Dev.Read(p); err != nil {
		return fmt.Errorf("%w: SetSPI read: %v", errkind.ErrFatalHardware, err)
	}
	if p[2] != 0xc0 || p[3] != 0x01 {
		return fmt.Errorf("%w: SetSPI: expected ack (0xc0 0x01), got (0x%02x 0x%02x)", errkind.ErrTransaction, p[2], p[3])
	}
	return nil
}

const (
	cmdSPIWrite byte = 0xc4
	cmdSPIRead  byte = 0xc5

	maxDataLen = 509                  // data bytes per HID packet.
	maxOpLen   = 32768 - maxDataLen*2 // one SPI op packs at most 63 packets.
)

// Transfer clocks out w and simultaneously clocks in len(r) bytes
// (r may be nil or shorter than w; only the first len(r) bytes of the
// full-duplex stream are kept, matching how the flash opcode protocol
// discards MISO data during the opcode/address phase of a read).
//
// The device command differs by direction: cmdSPIWrite (0xc4) is used
// when nothing is read back, cmdSPIRead (0xc5) when the caller wants
// the MISO stream captured; both share the same packet chunking.
func (c *IO) Transfer(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := cmdSPIWrite
	if len(r) > 0 {
		cmd = cmdSPIRead
	}

	wlen := len(w)
	p := make([]byte, 0, 512)
	read := make([]byte, 0, len(r))
	sent := 0

	flush := func(finish bool) error {
		if len(p) <= 2 {
			return nil
		}
		plen := len(p) - 2
		p[0] = byte(plen & 0xff)
		p[1] = byte((plen >> 8) & 0xff)

		if _, err := c.Dev.Write(p); err != nil {
			return fmt.Errorf("%w: SPI write: %v", errkind.ErrTransaction, err)
		}
		sent++

		if finish {
			for ; sent > 0; sent-- {
				resp := make([]byte, maxPacketLen)
				n, err := c.Dev.Read(resp)
				if err != nil {
					return fmt.Errorf("%w: SPI read: %v", errkind.ErrTransaction, err)
				}
				if n < 5 || resp[2] != cmd || resp[3] != 0x01 {
					return fmt.Errorf("%w: unexpected SPI response header", errkind.ErrTransaction)
				}
				read = append(read, resp[5:n]...)
			}
		}
		p = p[:2]
		return nil
	}

	var pos, plen, nlen, olen, dlen int

	for pos < wlen {
		if olen == 0 {
			nlen = wlen - pos
			if nlen > maxOpLen {
				nlen = maxOpLen
			}
			p = append(p, 0x00, 0x00, cmd, byte(nlen)&0xff, byte(nlen>>8)&0xff)
		}

		dlen = wlen - pos
		if plen = len(p); (plen + dlen) > maxDataLen {
			dlen = maxDataLen - plen
		}
		if nlen = olen + dlen; nlen > maxOpLen {
			dlen = maxOpLen - olen
		}

		p = append(p, w[pos:pos+dlen]...)

		if len(p) >= maxDataLen {
			if err := flush(false); err != nil {
				return err
			}
		}

		pos += dlen
		olen += dlen

		if olen == maxOpLen {
			if err := flush(true); err != nil {
				return err
			}
			p = p[:0]
			olen = 0
		}
	}

	if err := flush(true); err != nil {
		return err
	}

	if len(r) > 0 {
		if len(read) < len(r) {
			return fmt.Errorf("%w: SPI response carried %d bytes, want %d", errkind.ErrTransaction, len(read), len(r))
		}
		copy(r, read[:len(r)])
	}
	return nil
}

// SetCS asserts or releases CS0.
func (c *IO) SetCS(enable bool) error { return c.setCS(0, enable) }

// SetCS1 asserts or releases CS1.
func (c *IO) SetCS1(enable bool) error { return c.setCS(1, enable) }

func (c *IO) setCS(cs int, enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	const cmdSPICS byte = 0xc1

	p := []byte{
		0x0d, 0x00, cmdSPICS, 0x0a, 0x00,
		0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	pos := 5 + 5*cs
	if enable {
		p[pos] = 0x80
	} else {
		p[pos] = 0xc0
	}

	if _, err := c.Dev.Write(p); err != nil {
		return fmt.Errorf("%w: SetCS: %v", errkind.ErrFatalHardware, err)
	}
	return nil
}
