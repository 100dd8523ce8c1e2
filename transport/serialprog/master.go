package serialprog

import (
	"encoding/binary"
	"fmt"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// command is the opcode byte of a request frame.
type command byte

const (
	cmdProbe command = 0x01
	cmdRead  command = 0x02
	cmdWrite command = 0x03
	cmdErase command = 0x04
)

// status is the first byte of every response frame.
type status byte

const (
	statusOK            status = 0x00
	statusAccessDenied  status = 0x01
	statusInvalidLength status = 0x02
	statusTransaction   status = 0x03
)

// Master implements transport.Opaque over a request/response protocol:
// [cmd byte][4-byte LE offset][4-byte LE length](payload for writes) out,
// [status byte][4-byte LE length](payload for reads) back.
type Master struct {
	Port Port

	MaxPacket int // MaxRead/MaxWrite ceiling; defaults to maxChunk*64 if zero.
	WPControl chip.WPHandle
}

func (m *Master) Kind() transport.Kind { return transport.KindOpaque }
func (m *Master) Buses() chip.BusType  { return chip.BusProgrammer }
func (m *Master) Paranoid() bool       { return true } // every write is read back over the link at once.

func (m *Master) maxPacket() int {
	if m.MaxPacket == 0 {
		return maxChunk * 64
	}
	return m.MaxPacket
}

func (m *Master) MaxRead() int  { return m.maxPacket() }
func (m *Master) MaxWrite() int { return m.maxPacket() }

func (m *Master) Probe() error {
	if err := m.sendFrame(cmdProbe, 0, 0, nil); err != nil {
		return err
	}
	_, err := m.recvFrame()
	return err
}

func (m *Master) Read(buf []byte, offset int) (int, error) {
	total := 0
	for total < len(buf) {
		n := len(buf) - total
		if n > m.maxPacket() {
			n = m.maxPacket()
		}
		if err := m.sendFrame(cmdRead, uint32(offset+total), uint32(n), nil); err != nil {
			return total, err
		}
		payload, err := m.recvFrame()
		if err != nil {
			return total, err
		}
		if len(payload) != n {
			return total, fmt.Errorf("%w: read returned %d bytes, want %d", errkind.ErrTransaction, len(payload), n)
		}
		copy(buf[total:total+n], payload)
		total += n
	}
	return total, nil
}

func (m *Master) Write(buf []byte, offset int) (int, error) {
	total := 0
	for total < len(buf) {
		n := len(buf) - total
		if n > m.maxPacket() {
			n = m.maxPacket()
		}
		if err := m.sendFrame(cmdWrite, uint32(offset+total), uint32(n), buf[total:total+n]); err != nil {
			return total, err
		}
		if _, err := m.recvFrame(); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Erase requests a single erase operation; the programmer itself
// knows its supported block sizes and rejects anything it cannot
// perform in one pass.
func (m *Master) Erase(offset, size int) error {
	if err := m.sendFrame(cmdErase, uint32(offset), uint32(size), nil); err != nil {
		return err
	}
	_, err := m.recvFrame()
	return err
}

// CheckAccess always permits: a dedicated single-chip programmer has
// no region/range permission model, unlike a chipset SPI controller.
func (m *Master) CheckAccess(offset, size int, dir transport.Direction) error {
	return nil
}

func (m *Master) sendFrame(cmd command, offset, length uint32, payload []byte) error {
	frame := make([]byte, 9+len(payload))
	frame[0] = byte(cmd)
	binary.LittleEndian.PutUint32(frame[1:5], offset)
	binary.LittleEndian.PutUint32(frame[5:9], length)
	copy(frame[9:], payload)

	_, err := m.Port.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: write request frame: %v", errkind.ErrFatalHardware, err)
	}
	return nil
}

func (m *Master) recvFrame() ([]byte, error) {
	hdr := make([]byte, 5)
	if _, err := m.Port.Read(hdr); err != nil {
		return nil, fmt.Errorf("%w: read response header: %v", errkind.ErrFatalHardware, err)
	}

	st := status(hdr[0])
	n := binary.LittleEndian.Uint32(hdr[1:5])

	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := m.Port.Read(payload); err != nil {
			return nil, fmt.Errorf("%w: read response payload: %v", errkind.ErrFatalHardware, err)
		}
	}

	switch st {
	case statusOK:
		return payload, nil
	case statusAccessDenied:
		return nil, fmt.Errorf("%w: programmer refused request", errkind.ErrAccessDenied)
	case statusInvalidLength:
		return nil, fmt.Errorf("%w: programmer rejected request length", errkind.ErrInvalidLength)
	default:
		return nil, fmt.Errorf("%w: programmer returned status 0x%02x", errkind.ErrTransaction, st)
	}
}
