package ch347

import (
	"errors"
	"testing"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// fakeDev is a minimal HIDDev that acks whatever command byte the last
// write carried, optionally returning canned MISO data for a read
// transaction.
type fakeDev struct {
	writes  [][]byte
	readLen int // data bytes to echo back on cmdSPIRead, beyond the header.
	ackFail bool
}

func (d *fakeDev) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	d.writes = append(d.writes, cp)
	return len(p), nil
}

func (d *fakeDev) Read(p []byte) (int, error) {
	last := d.writes[len(d.writes)-1]
	cmd := last[2]
	n := copy(p, []byte{0, 0, cmd, 0x01, 0x00})
	if d.ackFail {
		p[3] = 0x00
	}
	if cmd == cmdSPIRead && d.readLen > 0 {
		for i := 0; i < d.readLen && n < len(p); i++ {
			p[n] = byte(0xa0 + i)
			n++
		}
	}
	return n, nil
}

func (d *fakeDev) SendFeatureReport(p []byte) (int, error) { return len(p), nil }

func TestIO_SetCS_AssertsCorrectByte(t *testing.T) {
	dev := &fakeDev{}
	io := &IO{Dev: dev}
	if err := io.SetCS(true); err != nil {
		t.Fatalf("SetCS(true) = %v, want nil", err)
	}
	p := dev.writes[0]
	if p[5] != 0x80 {
		t.Fatalf("CS0 assert byte = 0x%02x, want 0x80", p[5])
	}
	if err := io.SetCS(false); err != nil {
		t.Fatalf("SetCS(false) = %v, want nil", err)
	}
	p = dev.writes[1]
	if p[5] != 0xc0 {
		t.Fatalf("CS0 release byte = 0x%02x, want 0xc0", p[5])
	}
}

func TestIO_Transfer_WriteOnlySucceeds(t *testing.T) {
	dev := &fakeDev{}
	io := &IO{Dev: dev}
	if err := io.Transfer([]byte{0x06}, nil); err != nil {
		t.Fatalf("Transfer() = %v, want nil", err)
	}
}

func TestIO_Transfer_ReadCapturesMISOBytes(t *testing.T) {
	dev := &fakeDev{readLen: 3}
	io := &IO{Dev: dev}
	r := make([]byte, 3)
	if err := io.Transfer([]byte{0x03, 0, 0, 0}, r); err != nil {
		t.Fatalf("Transfer() = %v, want nil", err)
	}
	want := []byte{0xa0, 0xa1, 0xa2}
	for i := range want {
		if r[i] != want[i] {
			t.Fatalf("r = %v, want %v", r, want)
		}
	}
}

func TestIO_Transfer_BadAckIsTransactionError(t *testing.T) {
	dev := &fakeDev{ackFail: true}
	io := &IO{Dev: dev}
	err := io.Transfer([]byte{0x06}, nil)
	if !errors.Is(err, errkind.ErrTransaction) {
		t.Fatalf("Transfer() = %v, want ErrTransaction", err)
	}
}

func TestMaster_SendCommand_BracketsWithCS(t *testing.T) {
	dev := &fakeDev{readLen: 3}
	m := &Master{IO: &IO{Dev: dev}}
	if err := m.SendCommand([]byte{0x9f}, make([]byte, 3)); err != nil {
		t.Fatalf("SendCommand() = %v, want nil", err)
	}
	// First write is CS assert, last write is CS release.
	if dev.writes[0][2] != 0xc1 || dev.writes[0][5] != 0x80 {
		t.Fatalf("expected CS0 assert as first packet, got %v", dev.writes[0])
	}
	last := dev.writes[len(dev.writes)-1]
	if last[2] != 0xc1 || last[5] != 0xc0 {
		t.Fatalf("expected CS0 release as last packet, got %v", last)
	}
}

func TestMaster_Write256_RejectsOversizedChunk(t *testing.T) {
	dev := &fakeDev{}
	m := &Master{IO: &IO{Dev: dev}}
	err := m.Write256(0, make([]byte, 257))
	if !errors.Is(err, errkind.ErrInvalidLength) {
		t.Fatalf("Write256() = %v, want ErrInvalidLength", err)
	}
}
