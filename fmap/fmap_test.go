package fmap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	m := &Map{
		Base: 0xff000000,
		Size: 0x1000000,
		Name: "chromeos",
		Areas: []Area{
			{Offset: 0, Size: 0x4000, Name: "WP_RO", Flags: FlagStatic},
			{Offset: 0x4000, Size: 0x8000, Name: "EC_RO", Flags: FlagStatic | FlagRO},
			{Offset: 0xc000, Size: 0x8000, Name: "EC_RW", Flags: FlagStatic},
		},
	}

	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() = %v, want nil", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() = %v, want nil", err)
	}

	if got.Base != m.Base || got.Size != m.Size || got.Name != m.Name {
		t.Fatalf("Decode() header = %+v, want base/size/name matching %+v", got, m)
	}
	if len(got.Areas) != len(m.Areas) {
		t.Fatalf("Decode() returned %d areas, want %d", len(got.Areas), len(m.Areas))
	}
	for i := range m.Areas {
		if got.Areas[i] != m.Areas[i] {
			t.Fatalf("area %d = %+v, want %+v", i, got.Areas[i], m.Areas[i])
		}
	}
}

func TestArea_LooksUpByName(t *testing.T) {
	m := &Map{Areas: []Area{{Offset: 0x4000, Size: 0x8000, Name: "EC_RO"}}}
	a, ok := m.Area("EC_RO")
	if !ok || a.Offset != 0x4000 || a.Size != 0x8000 {
		t.Fatalf("Area(%q) = %+v, %v, want offset=0x4000 size=0x8000 ok=true", "EC_RO", a, ok)
	}
	if _, ok := m.Area("missing"); ok {
		t.Fatalf("Area(%q) ok = true, want false", "missing")
	}
}

func TestDecode_MissingSignatureIsInvalidLength(t *testing.T) {
	_, err := Decode(make([]byte, headerSize))
	if !errors.Is(err, errkind.ErrInvalidLength) {
		t.Fatalf("Decode() = %v, want ErrInvalidLength", err)
	}
}

func TestDecode_TruncatedAreaTableIsInvalidLength(t *testing.T) {
	m := &Map{Areas: []Area{{Offset: 0, Size: 1, Name: "A"}}}
	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() = %v, want nil", err)
	}
	_, err = Decode(buf[:len(buf)-1])
	if !errors.Is(err, errkind.ErrInvalidLength) {
		t.Fatalf("Decode() = %v, want ErrInvalidLength", err)
	}
}

func TestFind_LocatesFmapAtArbitraryOffset(t *testing.T) {
	m := &Map{Areas: []Area{{Offset: 0x100, Size: 0x200, Name: "RW"}}}
	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() = %v, want nil", err)
	}

	image := make([]byte, 0x50)
	image = append(image, buf...)
	image = append(image, make([]byte, 0x30)...)

	got, err := Find(image)
	if err != nil {
		t.Fatalf("Find() = %v, want nil", err)
	}
	if !bytes.Equal(mustEncode(t, got), buf) {
		t.Fatalf("Find() decoded a different map than was embedded")
	}
}

func mustEncode(t *testing.T, m *Map) []byte {
	t.Helper()
	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() = %v, want nil", err)
	}
	return buf
}
