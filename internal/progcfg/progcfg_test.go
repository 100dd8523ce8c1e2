package progcfg

import (
	"errors"
	"testing"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

func TestParse_Empty(t *testing.T) {
	p, err := Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\") = %v, want nil", err)
	}
	if p.Dev != "" || p.Type != "" || p.Bus != 0 || p.Block != 0 || p.Freq != 0 ||
		p.Size != 0 || p.SPIBlacklist != nil || p.SPIIgnoreList != nil {
		t.Fatalf("Parse(\"\") = %+v, want zero value", p)
	}
}

func TestParse_FullParameterString(t *testing.T) {
	s := "dev=/dev/ttyUSB0,type=ec,bus=lpc+fwh,block=4096,freq=24mhz,size=16m," +
		"spi_write_256_chunksize=64,spi_blacklist=aabb,spi_ignorelist=cc," +
		"emulate=w25q128,erase_to_zero=yes,fwh_idsel=a0000000ffff,speed=fast,ich_spi_mode=hwseq"

	p, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse() = %v, want nil", err)
	}

	want := Params{
		Dev:                  "/dev/ttyUSB0",
		Type:                 TypeEC,
		Bus:                  chip.BusLPC | chip.BusFWH,
		Block:                4096,
		Freq:                 24_000_000,
		Size:                 16 * 1024 * 1024,
		SPIWrite256ChunkSize: 64,
		SPIBlacklist:         []byte{0xaa, 0xbb},
		SPIIgnoreList:        []byte{0xcc},
		Emulate:              "w25q128",
		EraseToZero:          true,
		FWHIdsel:             0xa0000000ffff,
		Speed:                "fast",
		ICHSPIMode:           ICHSPIModeHWSeq,
	}

	if p.Dev != want.Dev || p.Type != want.Type || p.Bus != want.Bus ||
		p.Block != want.Block || p.Freq != want.Freq || p.Size != want.Size ||
		p.SPIWrite256ChunkSize != want.SPIWrite256ChunkSize ||
		string(p.SPIBlacklist) != string(want.SPIBlacklist) ||
		string(p.SPIIgnoreList) != string(want.SPIIgnoreList) ||
		p.Emulate != want.Emulate || p.EraseToZero != want.EraseToZero ||
		p.FWHIdsel != want.FWHIdsel || p.Speed != want.Speed || p.ICHSPIMode != want.ICHSPIMode {
		t.Fatalf("Parse() = %+v, want %+v", p, want)
	}
}

func TestParse_SizeAuto(t *testing.T) {
	p, err := Parse("size=auto")
	if err != nil {
		t.Fatalf("Parse() = %v, want nil", err)
	}
	if p.Size != SizeAuto {
		t.Fatalf("Size = %d, want SizeAuto", p.Size)
	}
}

func TestParse_UnknownKeyIsMisconfiguration(t *testing.T) {
	_, err := Parse("bogus=1")
	if !errors.Is(err, errkind.ErrMisconfiguration) {
		t.Fatalf("Parse() = %v, want ErrMisconfiguration", err)
	}
}

func TestParse_UnknownBusTokenIsMisconfiguration(t *testing.T) {
	_, err := Parse("bus=usb")
	if !errors.Is(err, errkind.ErrMisconfiguration) {
		t.Fatalf("Parse() = %v, want ErrMisconfiguration", err)
	}
}

func TestParse_MalformedPairIsMisconfiguration(t *testing.T) {
	_, err := Parse("dev")
	if !errors.Is(err, errkind.ErrMisconfiguration) {
		t.Fatalf("Parse() = %v, want ErrMisconfiguration", err)
	}
}

func TestParse_OddLengthHexIsMisconfiguration(t *testing.T) {
	_, err := Parse("spi_blacklist=abc")
	if !errors.Is(err, errkind.ErrMisconfiguration) {
		t.Fatalf("Parse() = %v, want ErrMisconfiguration", err)
	}
}
