// Package progcfg parses the programmer configuration string of
// spec.md §6: a comma-separated `key=value` list passed to the core at
// init, e.g. "dev=/dev/ttyUSB0,type=ec,bus=lpc+fwh,freq=24mhz".
package progcfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// Type is the programmer target named by the "type" key.
type Type string

const (
	TypeEC Type = "ec"
	TypePD Type = "pd"
	TypeSH Type = "sh"
	TypeFP Type = "fp"
	TypeTP Type = "tp"
)

// ICHSPIMode selects how the ICH SPI controller is driven, the
// "ich_spi_mode" key.
type ICHSPIMode string

const (
	ICHSPIModeAuto  ICHSPIMode = "auto"
	ICHSPIModeHWSeq ICHSPIMode = "hwseq"
	ICHSPIModeSWSeq ICHSPIMode = "swseq"
)

// SizeAuto is Size's value when the "size" key is the literal "auto"
// rather than a number: the core is to probe the chip for its size
// instead of trusting the caller's value.
const SizeAuto = -1

// Params is the parsed form of one programmer configuration string.
// Zero value fields mean the key was absent; Bus, Size, and EraseToZero
// have explicit zero-values documented below since 0/false are
// themselves meaningful.
type Params struct {
	Dev  string
	Type Type
	Bus  chip.BusType // 0 if "bus" was absent.

	Block int
	Freq  int // Hz.
	Size  int // bytes, or SizeAuto.

	SPIWrite256ChunkSize int
	SPIBlacklist         []byte
	SPIIgnoreList        []byte

	Emulate     string
	EraseToZero bool
	FWHIdsel    uint64 // 48-bit chip-select decode value.
	Speed       string
	ICHSPIMode  ICHSPIMode
}

var busTokens = map[string]chip.BusType{
	"parallel": chip.BusParallel,
	"lpc":      chip.BusLPC,
	"fwh":      chip.BusFWH,
	"spi":      chip.BusSPI,
}

// Parse decodes a programmer parameter string. An empty string parses
// to a zero Params and no error. Any malformed key or value aborts the
// whole parse with a Misconfiguration error — the core acts on this
// before any hardware touch, so a bad string must never get as far as
// a half-applied configuration (spec.md §7's "self-check found an
// invalid ... abort before any hardware touch").
func Parse(s string) (Params, error) {
	var p Params
	if s == "" {
		return p, nil
	}

	for _, pair := range strings.Split(s, ",") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return Params{}, fmt.Errorf("%w: programmer config %q has no '=' in %q", errkind.ErrMisconfiguration, s, pair)
		}

		var err error
		switch key {
		case "dev":
			p.Dev = value
		case "type":
			p.Type, err = parseType(value)
		case "bus":
			p.Bus, err = parseBus(value)
		case "block":
			p.Block, err = strconv.Atoi(value)
		case "freq":
			p.Freq, err = parseFreq(value)
		case "size":
			p.Size, err = parseSize(value)
		case "spi_write_256_chunksize":
			p.SPIWrite256ChunkSize, err = strconv.Atoi(value)
		case "spi_blacklist":
			p.SPIBlacklist, err = parseHexBytes(value)
		case "spi_ignorelist":
			p.SPIIgnoreList, err = parseHexBytes(value)
		case "emulate":
			p.Emulate = value
		case "erase_to_zero":
			p.EraseToZero, err = parseYesNo(value)
		case "fwh_idsel":
			p.FWHIdsel, err = strconv.ParseUint(value, 16, 48)
		case "speed":
			p.Speed = value
		case "ich_spi_mode":
			p.ICHSPIMode, err = parseICHSPIMode(value)
		default:
			return Params{}, fmt.Errorf("%w: programmer config: unrecognized key %q", errkind.ErrMisconfiguration, key)
		}
		if err != nil {
			return Params{}, fmt.Errorf("%w: programmer config key %q: %v", errkind.ErrMisconfiguration, key, err)
		}
	}
	return p, nil
}

func parseType(v string) (Type, error) {
	switch Type(v) {
	case TypeEC, TypePD, TypeSH, TypeFP, TypeTP:
		return Type(v), nil
	}
	return "", fmt.Errorf("unknown type %q", v)
}

func parseBus(v string) (chip.BusType, error) {
	var bus chip.BusType
	for _, tok := range strings.Split(v, "+") {
		bit, ok := busTokens[tok]
		if !ok {
			return 0, fmt.Errorf("unknown bus %q", tok)
		}
		bus |= bit
	}
	return bus, nil
}

func parseFreq(v string) (int, error) {
	lower := strings.ToLower(v)
	mult := 1
	switch {
	case strings.HasSuffix(lower, "khz"):
		mult = 1_000
		lower = strings.TrimSuffix(lower, "khz")
	case strings.HasSuffix(lower, "mhz"):
		mult = 1_000_000
		lower = strings.TrimSuffix(lower, "mhz")
	case strings.HasSuffix(lower, "hz"):
		lower = strings.TrimSuffix(lower, "hz")
	}
	n, err := strconv.Atoi(lower)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q", v)
	}
	return n * mult, nil
}

func parseSize(v string) (int, error) {
	if strings.EqualFold(v, "auto") {
		return SizeAuto, nil
	}
	lower := strings.ToLower(v)
	mult := 1
	switch {
	case strings.HasSuffix(lower, "k"):
		mult = 1024
		lower = strings.TrimSuffix(lower, "k")
	case strings.HasSuffix(lower, "m"):
		mult = 1024 * 1024
		lower = strings.TrimSuffix(lower, "m")
	}
	n, err := strconv.Atoi(lower)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", v)
	}
	return n * mult, nil
}

func parseHexBytes(v string) ([]byte, error) {
	if len(v)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", v)
	}
	out := make([]byte, len(v)/2)
	for i := range out {
		b, err := strconv.ParseUint(v[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte in %q: %v", v, err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

func parseYesNo(v string) (bool, error) {
	switch v {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("expected yes or no, got %q", v)
}

func parseICHSPIMode(v string) (ICHSPIMode, error) {
	switch ICHSPIMode(v) {
	case ICHSPIModeAuto, ICHSPIModeHWSeq, ICHSPIModeSWSeq:
		return ICHSPIMode(v), nil
	}
	return "", fmt.Errorf("unknown ich_spi_mode %q", v)
}
