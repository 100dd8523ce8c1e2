package ch347

import "fmt"

// Pin identifies one of the bridge's eight GPIO-capable lines.
type Pin uint8

const (
	GPIO0 Pin = iota // CTS0/SCK/TCK
	GPIO1            // RTS0/MSIO/TDO
	GPIO2            // DSR0/SCS0/TMS
	GPIO3            // SCL
	GPIO4            // ACT
	GPIO5            // DTR0/TNOW0/SCS1/TRST
	GPIO6            // CTS1
	GPIO7            // RTS1
)

// WritePin drives pin as an output (level high/low) or switches it to
// input, then reads the whole-device GPIO status packet back to
// confirm the change stuck.
func (c *IO) WritePin(pin Pin, output bool, level bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := []byte{0x0b, 0x00, 0xcc, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	pos := 5 + pin

	switch {
	case output && level:
		p[pos] = 0xf8
	case output && !level:
		p[pos] = 0xf0
	default:
		p[pos] = 0xc0
	}

	if _, err := c.Dev.Write(p); err != nil {
		return err
	}
	if _, err := c.Dev.Read(p); err != nil {
		return err
	}
	if p[0] != 0x0b || p[2] != 0xcc {
		return fmt.Errorf("invalid GPIO response, expected (0x0b 0x00 0xcc), got (0x%02x 0x%02x 0x%02x)", p[0], p[1], p[2])
	}

	if output {
		mask := byte(0x80)
		if level {
			mask |= 0x40
		}
		if p[pos]&mask == 0x00 {
			return fmt.Errorf("GPIO%d did not latch as output=%v level=%v, got 0x%02x", pin, output, level, p[pos])
		}
	} else if p[pos]&0x80 != 0x00 {
		return fmt.Errorf("GPIO%d did not latch as input, got 0x%02x", pin, p[pos])
	}
	return nil
}

// ReadPin reports a pin's level. For an output pin, true means the pin
// is driven to +3.3V; for an input pin, true means it is shorted to
// ground.
func (c *IO) ReadPin(pin Pin) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := []byte{0x0b, 0x00, 0xcc, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if _, err := c.Dev.Write(p); err != nil {
		return false, err
	}
	if _, err := c.Dev.Read(p); err != nil {
		return false, err
	}
	if p[0] != 0x0b || p[2] != 0xcc {
		return false, fmt.Errorf("invalid GPIO response, expected (0x0b 0x00 0xcc), got (0x%02x 0x%02x 0x%02x)", p[0], p[1], p[2])
	}

	pos := 5 + pin
	if p[pos]&0x80 != 0x00 { // pin is an output
		return p[pos]&0x40 != 0x00, nil
	}
	return p[pos]&0x40 == 0x00, nil
}

// WriteProtect implements chip.WPHandle by driving a GPIO pin that
// gates the flash chip's hardware /WP line, the common way a USB
// programmer board exposes write-protect control alongside its SPI
// bridge.
type WriteProtect struct {
	IO  *IO
	Pin Pin

	// ActiveLow matches boards where driving the pin low asserts /WP
	// (protection enabled); most /WP-gate circuits are active low.
	ActiveLow bool
}

func (w *WriteProtect) Enable() error {
	return w.IO.WritePin(w.Pin, true, !w.ActiveLow)
}

func (w *WriteProtect) Disable() error {
	return w.IO.WritePin(w.Pin, true, w.ActiveLow)
}

func (w *WriteProtect) Enabled() (bool, error) {
	level, err := w.IO.ReadPin(w.Pin)
	if err != nil {
		return false, err
	}
	if w.ActiveLow {
		return !level, nil
	}
	return level, nil
}
