package writer

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// Master is the capability Engine needs from a transport: the common
// transport.Master tag methods plus a contiguous write and a contiguous
// read, regardless of which transport variant backs it. AdaptMaster
// builds one of these over any of the three transport.Master kinds.
type Master interface {
	transport.Master
	WriteRange(offset int, data []byte) error
	ReadRange(offset, length int) ([]byte, error)
}

// AdaptMaster wraps m's concrete kind (Parallel, SPI, or Opaque) in the
// Master contract above.
func AdaptMaster(m transport.Master) (Master, error) {
	switch m.Kind() {
	case transport.KindParallel:
		pm, ok := m.(transport.Parallel)
		if !ok {
			return nil, fmt.Errorf("%w: master tagged Parallel does not implement transport.Parallel", errkind.ErrMisconfiguration)
		}
		return &parallelIO{m: pm}, nil

	case transport.KindSPI:
		sm, ok := m.(transport.SPI)
		if !ok {
			return nil, fmt.Errorf("%w: master tagged SPI does not implement transport.SPI", errkind.ErrMisconfiguration)
		}
		return &spiIO{m: sm}, nil

	case transport.KindOpaque:
		om, ok := m.(transport.Opaque)
		if !ok {
			return nil, fmt.Errorf("%w: master tagged Opaque does not implement transport.Opaque", errkind.ErrMisconfiguration)
		}
		return &opaqueIO{m: om}, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport kind %v", errkind.ErrMisconfiguration, m.Kind())
	}
}

// parallelIO adapts a transport.Parallel master, using the widest
// aligned accessor available at each position.
type parallelIO struct{ m transport.Parallel }

func (p *parallelIO) Kind() transport.Kind { return p.m.Kind() }
func (p *parallelIO) Buses() chip.BusType  { return p.m.Buses() }
func (p *parallelIO) Paranoid() bool       { return p.m.Paranoid() }

func (p *parallelIO) WriteRange(offset int, data []byte) error {
	i := 0
	for i < len(data) {
		addr := uint32(offset + i)
		switch {
		case len(data)-i >= 4 && addr%4 == 0:
			v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
			if err := p.m.WriteLong(addr, v); err != nil {
				return err
			}
			i += 4
		case len(data)-i >= 2 && addr%2 == 0:
			v := uint16(data[i]) | uint16(data[i+1])<<8
			if err := p.m.WriteWord(addr, v); err != nil {
				return err
			}
			i += 2
		default:
			if err := p.m.WriteByte(addr, data[i]); err != nil {
				return err
			}
			i++
		}
	}
	return nil
}

func (p *parallelIO) ReadRange(offset, length int) ([]byte, error) {
	out := make([]byte, length)
	i := 0
	for i < length {
		addr := uint32(offset + i)
		switch {
		case length-i >= 4 && addr%4 == 0:
			v, err := p.m.ReadLong(addr)
			if err != nil {
				return nil, err
			}
			out[i], out[i+1], out[i+2], out[i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
			i += 4
		case length-i >= 2 && addr%2 == 0:
			v, err := p.m.ReadWord(addr)
			if err != nil {
				return nil, err
			}
			out[i], out[i+1] = byte(v), byte(v>>8)
			i += 2
		default:
			v, err := p.m.ReadByte(addr)
			if err != nil {
				return nil, err
			}
			out[i] = v
			i++
		}
	}
	return out, nil
}

// spiIO adapts a transport.SPI master. Page programming chunks at 256
// bytes per Write256's contract; reads use the generic 0x03 READ
// opcode with a 3-byte address, the opcode every SPI NOR part supports
// regardless of what faster read variants its menu might also offer.
type spiIO struct{ m transport.SPI }

const (
	spiReadOpcode    = 0x03
	spiPageProgramSz = 256
)

func (s *spiIO) Kind() transport.Kind { return s.m.Kind() }
func (s *spiIO) Buses() chip.BusType  { return s.m.Buses() }
func (s *spiIO) Paranoid() bool       { return s.m.Paranoid() }

func (s *spiIO) WriteRange(offset int, data []byte) error {
	i := 0
	for i < len(data) {
		n := len(data) - i
		if n > spiPageProgramSz {
			n = spiPageProgramSz
		}
		if err := s.m.Write256(uint32(offset+i), data[i:i+n]); err != nil {
			return err
		}
		i += n
	}
	return nil
}

func (s *spiIO) ReadRange(offset, length int) ([]byte, error) {
	out := make([]byte, length)
	maxRead := s.m.MaxRead()
	if maxRead <= 0 {
		maxRead = length
	}
	i := 0
	for i < length {
		n := length - i
		if n > maxRead {
			n = maxRead
		}
		addr := offset + i
		cmd := []byte{spiReadOpcode, byte(addr >> 16), byte(addr >> 8), byte(addr)}
		if err := s.m.SendCommand(cmd, out[i:i+n]); err != nil {
			return nil, err
		}
		i += n
	}
	return out, nil
}

// opaqueIO adapts a transport.Opaque master directly; it already
// speaks whole-range read/write.
type opaqueIO struct{ m transport.Opaque }

func (o *opaqueIO) Kind() transport.Kind { return o.m.Kind() }
func (o *opaqueIO) Buses() chip.BusType  { return o.m.Buses() }
func (o *opaqueIO) Paranoid() bool       { return o.m.Paranoid() }

func (o *opaqueIO) WriteRange(offset int, data []byte) error {
	_, err := o.m.Write(data, offset)
	return err
}

func (o *opaqueIO) ReadRange(offset, length int) ([]byte, error) {
	buf := make([]byte, length)
	_, err := o.m.Read(buf, offset)
	return buf, err
}
