package writer

import (
	"bytes"
	"testing"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/transport"
)

// fakeParallel is a byte-addressable in-memory transport.Parallel.
type fakeParallel struct{ mem [64]byte }

func (f *fakeParallel) Kind() transport.Kind { return transport.KindParallel }
func (f *fakeParallel) Buses() chip.BusType  { return chip.BusParallel }
func (f *fakeParallel) Paranoid() bool       { return false }

func (f *fakeParallel) ReadByte(addr uint32) (uint8, error)  { return f.mem[addr], nil }
func (f *fakeParallel) ReadWord(addr uint32) (uint16, error) {
	return uint16(f.mem[addr]) | uint16(f.mem[addr+1])<<8, nil
}
func (f *fakeParallel) ReadLong(addr uint32) (uint32, error) {
	return uint32(f.mem[addr]) | uint32(f.mem[addr+1])<<8 | uint32(f.mem[addr+2])<<16 | uint32(f.mem[addr+3])<<24, nil
}
func (f *fakeParallel) WriteByte(addr uint32, v uint8) error { f.mem[addr] = v; return nil }
func (f *fakeParallel) WriteWord(addr uint32, v uint16) error {
	f.mem[addr], f.mem[addr+1] = byte(v), byte(v>>8)
	return nil
}
func (f *fakeParallel) WriteLong(addr uint32, v uint32) error {
	f.mem[addr], f.mem[addr+1], f.mem[addr+2], f.mem[addr+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return nil
}

func TestParallelIO_WriteRangeThenReadRange_UsesWidestAlignedAccessor(t *testing.T) {
	fp := &fakeParallel{}
	io, err := AdaptMaster(fp)
	if err != nil {
		t.Fatalf("AdaptMaster() = %v", err)
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7} // at offset 1: byte, then word, then long accessor.
	if err := io.WriteRange(1, data); err != nil {
		t.Fatalf("WriteRange() = %v", err)
	}
	got, err := io.ReadRange(1, len(data))
	if err != nil {
		t.Fatalf("ReadRange() = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadRange() = %v, want %v", got, data)
	}
}

// fakeSPI is an in-memory transport.SPI: SendCommand serves a generic
// 0x03 READ, Write256 serves page programming.
type fakeSPI struct{ mem [1024]byte }

func (f *fakeSPI) Kind() transport.Kind { return transport.KindSPI }
func (f *fakeSPI) Buses() chip.BusType  { return chip.BusSPI }
func (f *fakeSPI) Paranoid() bool       { return false }
func (f *fakeSPI) MaxRead() int         { return 64 }
func (f *fakeSPI) MaxWrite() int        { return 256 }

func (f *fakeSPI) SendCommand(writearr, readarr []byte) error {
	if writearr[0] != spiReadOpcode {
		return nil
	}
	addr := int(writearr[1])<<16 | int(writearr[2])<<8 | int(writearr[3])
	copy(readarr, f.mem[addr:addr+len(readarr)])
	return nil
}

func (f *fakeSPI) SendMultiCommand(chain [][]byte) error { return nil }

func (f *fakeSPI) Write256(addr uint32, data []byte) error {
	copy(f.mem[addr:int(addr)+len(data)], data)
	return nil
}

func TestSPIIO_WriteRangeChunksAtPageSize(t *testing.T) {
	fs := &fakeSPI{}
	io, err := AdaptMaster(fs)
	if err != nil {
		t.Fatalf("AdaptMaster() = %v", err)
	}

	data := bytes.Repeat([]byte{0x5a}, 300) // spans two Write256 calls.
	if err := io.WriteRange(0, data); err != nil {
		t.Fatalf("WriteRange() = %v", err)
	}
	got, err := io.ReadRange(0, len(data))
	if err != nil {
		t.Fatalf("ReadRange() = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadRange() = %v, want 300 bytes of 0x5a", got)
	}
}

// fakeOpaque is an in-memory transport.Opaque.
type fakeOpaque struct{ mem [64]byte }

func (f *fakeOpaque) Kind() transport.Kind { return transport.KindOpaque }
func (f *fakeOpaque) Buses() chip.BusType  { return chip.BusProgrammer }
func (f *fakeOpaque) Paranoid() bool       { return true }
func (f *fakeOpaque) MaxRead() int         { return 64 }
func (f *fakeOpaque) MaxWrite() int        { return 64 }
func (f *fakeOpaque) Probe() error         { return nil }

func (f *fakeOpaque) Read(buf []byte, offset int) (int, error) {
	return copy(buf, f.mem[offset:]), nil
}
func (f *fakeOpaque) Write(buf []byte, offset int) (int, error) {
	return copy(f.mem[offset:], buf), nil
}
func (f *fakeOpaque) Erase(offset, size int) error { return nil }
func (f *fakeOpaque) CheckAccess(offset, size int, dir transport.Direction) error { return nil }

func TestOpaqueIO_WriteRangeThenReadRange(t *testing.T) {
	fo := &fakeOpaque{}
	io, err := AdaptMaster(fo)
	if err != nil {
		t.Fatalf("AdaptMaster() = %v", err)
	}

	data := []byte{9, 8, 7, 6}
	if err := io.WriteRange(4, data); err != nil {
		t.Fatalf("WriteRange() = %v", err)
	}
	got, err := io.ReadRange(4, len(data))
	if err != nil {
		t.Fatalf("ReadRange() = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadRange() = %v, want %v", got, data)
	}
}
