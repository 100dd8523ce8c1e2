// Package transport defines the uniform contract by which a flash chip
// is addressed regardless of the physical carrier: a memory-mapped
// parallel window, a hardware/software-sequenced SPI controller, or a
// request/response opaque master (programmer or Embedded Controller
// proxy).
//
// Per spec.md §9's redesign flag, masters are a tagged variant
// dispatched by Kind, not a struct of function pointers: each concrete
// backend package (transport/parmem, transport/ch347, transport/gpiospi,
// transport/serialprog, transport/ichspi) returns a Master value whose
// Kind() identifies which of the type-asserted sub-interfaces
// (Parallel/SPI/Opaque) it additionally implements.
package transport

import (
	"time"

	"github.com/serfreeman1337/nvmflash/chip"
)

// Kind tags which master family a Master belongs to.
type Kind uint8

const (
	KindParallel Kind = iota
	KindSPI
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindParallel:
		return "parallel"
	case KindSPI:
		return "spi"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Master is implemented by every transport backend. Exactly one Master
// is active per Flash Context (spec.md §3 invariant); the chip's
// declared BusType must intersect Master.Buses().
type Master interface {
	Kind() Kind
	// Buses returns the chip.BusType bits this master can carry. The
	// caller (session.Context) checks this against the chip descriptor's
	// Bustype before accepting the master.
	Buses() chip.BusType
	// Paranoid reports whether every write should be verified
	// immediately (spec.md §4.6 step 4), rather than deferred to the
	// final verification pass.
	Paranoid() bool
}

// Parallel is implemented by masters addressing a memory-mapped window
// (spec.md §4.2 "Parallel/LPC/FWH").
type Parallel interface {
	Master
	ReadByte(addr uint32) (uint8, error)
	ReadWord(addr uint32) (uint16, error)
	ReadLong(addr uint32) (uint32, error)
	WriteByte(addr uint32, v uint8) error
	WriteWord(addr uint32, v uint16) error
	WriteLong(addr uint32, v uint32) error
}

// SPI is implemented by masters that issue opcodes rather than
// addressing flash offsets directly (spec.md §4.2 "SPI with opcode
// menu").
type SPI interface {
	Master
	MaxRead() int
	MaxWrite() int
	// SendCommand issues one SPI transaction: writearr is clocked out,
	// then len(readarr) bytes are clocked in to readarr. The first byte
	// of writearr is resolved to an opcode-menu entry by the
	// implementation (transport/ichspi owns that resolution for the
	// software-sequenced controller family; simpler masters such as
	// transport/ch347 pass writearr straight to the wire).
	SendCommand(writearr, readarr []byte) error
	// SendMultiCommand issues a chain of commands, pairing consecutive
	// (preopcode, opcode) pairs atomically where the controller supports
	// it (spec.md §4.2 "Multi-commands").
	SendMultiCommand(chain [][]byte) error
	// Write256 programs up to 256 bytes at addr via the fastest available
	// opcode (page program). Masters without a dedicated fast path may
	// implement this in terms of SendCommand.
	Write256(addr uint32, data []byte) error
}

// Direction distinguishes read vs. write for an access-permission check.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

// Opaque is implemented by masters that expose whole-device operations
// rather than an opcode menu: hardware-sequenced chipset SPI, dedicated
// USB/serial programmers, and EC flash-write proxies (spec.md §4.2
// "Opaque masters").
type Opaque interface {
	Master
	MaxRead() int
	MaxWrite() int
	Probe() error
	Read(buf []byte, offset int) (int, error)
	Write(buf []byte, offset int) (int, error)
	// Erase accepts only an aligned request whose length equals the
	// chip's erase-block size at offset; a misaligned or mis-sized
	// request is rejected without touching hardware.
	Erase(offset, size int) error
	// CheckAccess reports whether [offset, offset+size) may be accessed
	// in the given direction. Optional: masters without region/range
	// permissions (e.g. a dedicated programmer) may always return nil.
	CheckAccess(offset, size int, dir Direction) error
}

// StatusReader is optionally implemented by Opaque masters that expose a
// raw status register independent of CheckAccess (spec.md §3 "optional
// write_status, read_status").
type StatusReader interface {
	ReadStatus() (uint8, error)
	WriteStatus(uint8) error
}

// CycleTimeout returns the poll timeout budget for a cycle class, per
// spec.md §4.2's "60 ms for bytes, 60 s for atomic/chip erase" and
// §4.2's hardware-sequencing "5 s for 64 KiB block erase; 100 ms·8 for
// byte-granular reads".
func CycleTimeout(class CycleClass) time.Duration {
	switch class {
	case CycleByte:
		return 60 * time.Millisecond
	case CycleAtomicOrChipErase:
		return 60 * time.Second
	case CycleBlockErase64K:
		return 5 * time.Second
	case CycleByteGranularRead:
		return 800 * time.Millisecond
	default:
		return 60 * time.Millisecond
	}
}

// CycleClass selects a timeout budget for CycleTimeout.
type CycleClass uint8

const (
	CycleByte CycleClass = iota
	CycleAtomicOrChipErase
	CycleBlockErase64K
	CycleByteGranularRead
)
