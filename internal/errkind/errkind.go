// Package errkind defines the sentinel error kinds shared by the flash
// engine and its transports, matching go-ch347's own convention of
// exporting a handful of sentinel errors instead of a formal error type
// hierarchy.
package errkind

import "errors"

// Kind classifies a failure for the purposes of the per-kind error-action
// policy table (writer.Policy). Kind is never constructed from raw ints;
// use the sentinel Err* values below with errors.Is.
type Kind int

const (
	// KindInvalidLength marks a contract violation in SPI command encoding
	// (writecnt/readcnt do not match the opcode's spi_type).
	KindInvalidLength Kind = iota
	// KindInvalidOpcode marks an opcode absent from the menu that cannot
	// be reprogrammed (controller locked, or no free slot).
	KindInvalidOpcode
	// KindInvalidAddress marks an address outside the chip's valid window
	// (after BBAR/4BA adjustment).
	KindInvalidAddress
	// KindAccessDenied marks a region-permission, protected-range, or
	// active-EC-image denial.
	KindAccessDenied
	// KindTransaction marks a controller-flagged FCERR or an EC failure code.
	KindTransaction
	// KindTimeout marks a cycle-done poll exceeding its class budget.
	KindTimeout
	// KindOutOfMemory marks a buffer allocation/grow failure.
	KindOutOfMemory
	// KindMisconfiguration marks a chip self-check violation. Fatal:
	// callers abort before any hardware touch.
	KindMisconfiguration
	// KindFatalHardware marks a mapping failure, lock-acquire failure, or
	// programmer-init failure.
	KindFatalHardware
)

func (k Kind) String() string {
	switch k {
	case KindInvalidLength:
		return "InvalidLength"
	case KindInvalidOpcode:
		return "InvalidOpcode"
	case KindInvalidAddress:
		return "InvalidAddress"
	case KindAccessDenied:
		return "AccessDenied"
	case KindTransaction:
		return "TransactionError"
	case KindTimeout:
		return "Timeout"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindMisconfiguration:
		return "Misconfiguration"
	case KindFatalHardware:
		return "FatalHardware"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per Kind, tested with errors.Is. Wrap these with
// fmt.Errorf("...: %w", ErrAccessDenied) to attach context.
var (
	ErrInvalidLength    = errors.New("invalid length")
	ErrInvalidOpcode    = errors.New("invalid opcode")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrAccessDenied     = errors.New("access denied")
	ErrTransaction      = errors.New("transaction error")
	ErrTimeout          = errors.New("timeout")
	ErrOutOfMemory      = errors.New("out of memory")
	ErrMisconfiguration = errors.New("misconfiguration")
	ErrFatalHardware    = errors.New("fatal hardware error")
)

// kindErrs keeps Kind -> sentinel in sync with the constants above.
var kindErrs = map[Kind]error{
	KindInvalidLength:    ErrInvalidLength,
	KindInvalidOpcode:    ErrInvalidOpcode,
	KindInvalidAddress:   ErrInvalidAddress,
	KindAccessDenied:     ErrAccessDenied,
	KindTransaction:      ErrTransaction,
	KindTimeout:          ErrTimeout,
	KindOutOfMemory:      ErrOutOfMemory,
	KindMisconfiguration: ErrMisconfiguration,
	KindFatalHardware:    ErrFatalHardware,
}

// Sentinel returns the sentinel error associated with k.
func (k Kind) Sentinel() error {
	return kindErrs[k]
}

// Classify maps err to the Kind of its sentinel, ok=false if err does not
// wrap one of the sentinels above.
func Classify(err error) (Kind, bool) {
	for k, sentinel := range kindErrs {
		if errors.Is(err, sentinel) {
			return k, true
		}
	}
	return 0, false
}
