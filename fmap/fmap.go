// Package fmap encodes and decodes the Flash Map binary format of
// spec.md §6: the self-describing layout embedded in a firmware image
// that locates named regions (including, for ec.Update, the RO/RW EC
// firmware copies) within it.
package fmap

import (
	"encoding/binary"
	"fmt"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// Signature is the fixed 8-byte magic every FMAP begins with.
const Signature = "__FMAP__"

const (
	nameSize   = 32
	headerSize = 8 + 1 + 1 + 8 + 4 + nameSize + 2 // signature..nareas
	areaSize   = 4 + 4 + nameSize + 2             // offset, size, name, flags
)

// AreaFlags mirrors FMAP's per-area flag bits.
type AreaFlags uint16

const (
	FlagStatic AreaFlags = 1 << iota
	FlagCompressed
	FlagRO
)

// Area is one named region record.
type Area struct {
	Offset uint32
	Size   uint32
	Name   string
	Flags  AreaFlags
}

// Map is the decoded Flash Map: a base/size pair describing the flash
// device itself, plus the list of named areas within it.
type Map struct {
	Base  uint64
	Size  uint32
	Name  string
	Areas []Area
}

// Area returns the named area, ok=false if no area by that name exists.
func (m *Map) Area(name string) (Area, bool) {
	for _, a := range m.Areas {
		if a.Name == name {
			return a, true
		}
	}
	return Area{}, false
}

func putNUL(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("%w: name %q exceeds %d bytes", errkind.ErrInvalidLength, s, len(dst)-1)
	}
	copy(dst, s)
	return nil
}

func getNUL(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// Encode serializes m to its packed little-endian wire form.
func Encode(m *Map) ([]byte, error) {
	buf := make([]byte, headerSize+areaSize*len(m.Areas))
	copy(buf[0:8], Signature)
	buf[8] = 1 // major version
	buf[9] = 1 // minor version
	binary.LittleEndian.PutUint64(buf[10:18], m.Base)
	binary.LittleEndian.PutUint32(buf[18:22], m.Size)
	if err := putNUL(buf[22:22+nameSize], m.Name); err != nil {
		return nil, err
	}
	if len(m.Areas) > 0xffff {
		return nil, fmt.Errorf("%w: %d areas exceeds the 16-bit nareas field", errkind.ErrInvalidLength, len(m.Areas))
	}
	binary.LittleEndian.PutUint16(buf[22+nameSize:headerSize], uint16(len(m.Areas)))

	off := headerSize
	for _, a := range m.Areas {
		binary.LittleEndian.PutUint32(buf[off:off+4], a.Offset)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], a.Size)
		if err := putNUL(buf[off+8:off+8+nameSize], a.Name); err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint16(buf[off+8+nameSize:off+areaSize], uint16(a.Flags))
		off += areaSize
	}
	return buf, nil
}

// Decode parses one Flash Map starting at the beginning of buf.
func Decode(buf []byte) (*Map, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: fmap header needs %d bytes, got %d", errkind.ErrInvalidLength, headerSize, len(buf))
	}
	if string(buf[0:8]) != Signature {
		return nil, fmt.Errorf("%w: missing __FMAP__ signature", errkind.ErrInvalidLength)
	}

	m := &Map{
		Base: binary.LittleEndian.Uint64(buf[10:18]),
		Size: binary.LittleEndian.Uint32(buf[18:22]),
		Name: getNUL(buf[22 : 22+nameSize]),
	}
	nareas := int(binary.LittleEndian.Uint16(buf[22+nameSize : headerSize]))

	need := headerSize + areaSize*nareas
	if len(buf) < need {
		return nil, fmt.Errorf("%w: fmap declares %d areas needing %d bytes, got %d", errkind.ErrInvalidLength, nareas, need, len(buf))
	}

	m.Areas = make([]Area, nareas)
	off := headerSize
	for i := range m.Areas {
		m.Areas[i] = Area{
			Offset: binary.LittleEndian.Uint32(buf[off : off+4]),
			Size:   binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			Name:   getNUL(buf[off+8 : off+8+nameSize]),
			Flags:  AreaFlags(binary.LittleEndian.Uint16(buf[off+8+nameSize : off+areaSize])),
		}
		off += areaSize
	}
	return m, nil
}

// Find scans image for the FMAP signature on any offset (real images
// place it at an arbitrary, sometimes unaligned, location chosen at
// build time) and returns the first occurrence that decodes; a signature
// match that fails to decode is skipped and the scan continues.
func Find(image []byte) (*Map, error) {
	for i := 0; i+len(Signature) <= len(image); i++ {
		if string(image[i:i+len(Signature)]) == Signature {
			m, err := Decode(image[i:])
			if err != nil {
				continue
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: no __FMAP__ signature found in image", errkind.ErrInvalidLength)
}
