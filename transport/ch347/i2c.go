package ch347

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// I2CMode selects the bus clock rate.
type I2CMode uint8

const (
	I2CMode0 I2CMode = iota // 20KHz
	I2CMode1                // 100KHz
	I2CMode2                // 400KHz
	I2CMode3                // 750KHz
)

// SetI2C configures the interface clock rate.
func (c *IO) SetI2C(mode I2CMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := []byte{0x03, 0x00, 0xaa, 0x60 | byte(mode), 0x00}
	_, err := c.Dev.Write(p)
	if err != nil {
		return fmt.Errorf("%w: SetI2C write: %v", errkind.ErrFatalHardware, err)
	}
	return nil
}

// I2C performs a write-then-read transaction against the device at
// addr: all of w is written, then len(r) bytes are read back. Either
// may be empty for a write-only or read-only transaction. This is the
// physical carrier ec/protocol.I2CBus wraps for the Embedded Controller
// command protocol.
func (c *IO) I2C(addr uint16, w, r []byte) error {
	const (
		cmdI2CStream = 0xaa
		cmdI2CStart  = 0x74
		cmdI2CStop   = 0x75
		cmdI2CWrite  = 0x80
		cmdI2CRead   = 0xc0 // a read sequence must end with one 0xc0 byte.
	)
	const maxLen = 63 // max data length encodable in the low 6 bits.

	c.mu.Lock()
	defer c.mu.Unlock()

	p := make([]byte, 0, 512)
	toWrite, toRead, rpos := 0, 0, 0
	hasRead := false

	flush := func() error {
		p = append(p, 0x00)
		plen := len(p) - 2
		p[0] = byte(plen & 0xff)
		p[1] = byte((plen >> 8) & 0xff)

		if _, err := c.Dev.Write(p); err != nil {
			return fmt.Errorf("%w: i2c write: %v", errkind.ErrFatalHardware, err)
		}

		if clen := toWrite + toRead; clen > 0 {
			if hasRead {
				clen++
			}
			rlen := 2 + clen
			p = p[:rlen]
			if _, err := c.Dev.Read(p); err != nil {
				return fmt.Errorf("%w: i2c read: %v", errkind.ErrFatalHardware, err)
			}

			pos := 2
			for toWrite > 0 {
				if p[pos] == 0x00 {
					return fmt.Errorf("%w: i2c write not acknowledged", errkind.ErrTransaction)
				}
				toWrite--
				pos++
			}

			if toRead > 0 {
				if hasRead {
					hasRead = false
					if p[pos] != 0x01 {
						return fmt.Errorf("%w: i2c read request not acknowledged", errkind.ErrTransaction)
					}
					pos++
				}
				copy(r[rpos:rpos+toRead], p[pos:pos+toRead])
				rpos += toRead
				toRead = 0
			}
		}

		p = p[:0]
		return nil
	}

	pack := func(elems ...byte) error {
		if len(p)+len(elems) >= maxPacketLen-2 {
			if err := flush(); err != nil {
				return err
			}
		}
		if len(p) == 0 {
			p = append(p, 0x00, 0x00, cmdI2CStream)
		}
		p = append(p, elems...)
		return nil
	}

	if wlen := len(w); wlen != 0 {
		if err := pack(cmdI2CStart); err != nil {
			return err
		}

		pos := 0
		d := []byte{cmdI2CWrite}
		for pos < wlen {
			dlen := wlen - pos
			if dlen > maxLen {
				dlen = maxLen
			}
			if pos == 0 && dlen == maxLen {
				dlen--
			}
			if pos == 0 {
				d = append(d, byte(addr<<1))
			}
			d = append(d, w[pos:pos+dlen]...)
			pos += dlen

			dl := len(d) - 1
			if pos == dlen {
				dl++
			}
			d[0] = cmdI2CWrite | byte(dl)

			if err := pack(d...); err != nil {
				return err
			}
			d = d[:1]
			toWrite += dl
		}
	}

	if rlen := len(r); rlen != 0 {
		d := []byte{cmdI2CStart, cmdI2CWrite | 1, byte(addr<<1) | 1}
		hasRead = true
		maxRLen := 64

		for rlen > 0 {
			dlen := rlen
			if dlen > maxLen {
				dlen = maxLen
			}
			send := false
			if nlen := 2 + toWrite + toRead + dlen; nlen >= maxPacketLen {
				dlen -= nlen - maxPacketLen
				send = true
				if hasRead {
					toRead--
				}
			}

			if maxRLen == 63 {
				d = append(d, cmdI2CRead|byte(dlen))
			} else if dlen > 1 {
				d = append(d, cmdI2CRead|byte(dlen)-1)
			}
			if maxRLen == 64 {
				maxRLen = 63
			}
			toRead += dlen

			if send {
				if err := pack(d...); err != nil {
					return err
				}
				if err := flush(); err != nil {
					return err
				}
				d = d[:0]
			}
			rlen -= dlen
		}

		if !hasRead {
			toRead++
		}
		d = append(d, cmdI2CRead)
		if err := pack(d...); err != nil {
			return err
		}
	}

	if err := pack(cmdI2CStop); err != nil {
		return err
	}
	return flush()
}
