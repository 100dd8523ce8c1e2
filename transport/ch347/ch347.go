// Package ch347 adapts the CH347 High-Speed USB-to-UART+SPI+I2C+GPIO
// bridge (accessed in HIDAPI mode) into a transport.SPI master plus a
// chip.WPHandle, by driving the same HID packet protocol the chip's
// demonstration library uses.
//
// The packet layouts below were reverse engineered from USB captures
// of that library, not from a datasheet; byte positions marked "???"
// are copied from the observed traffic whose purpose is unconfirmed.
package ch347

import (
	"io"
	"sync"
)

// HIDDev is the minimal hidraw contract IO needs. Pass the second
// hidraw interface of the device (InterfaceNbr == 1, "SPI+I2C+GPIO");
// the first interface carries UART and belongs to transport/serialprog
// instead.
type HIDDev interface {
	io.ReadWriter
	SendFeatureReport(p []byte) (int, error)
}

// IO drives one CH347 SPI+I2C+GPIO interface. The device accepts and
// returns 512-byte HID reports; every exported method here holds mu for
// its whole request/response round trip since the device has no way to
// tell two concurrent callers' responses apart.
type IO struct {
	mu  sync.Mutex
	Dev HIDDev
}

const maxPacketLen = 512
