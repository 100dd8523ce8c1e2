package ichspi

import (
	"testing"
	"time"
)

type fakeOpcodeBus struct {
	faddr   uint32
	loaded  []byte
	fcerr   bool
	unload  []byte
}

func (b *fakeOpcodeBus) SetFADDR(addr uint32)   { b.faddr = addr }
func (b *fakeOpcodeBus) LoadData(data []byte)   { b.loaded = append([]byte(nil), data...) }
func (b *fakeOpcodeBus) UnloadData(buf []byte)  { copy(buf, b.unload) }
func (b *fakeOpcodeBus) StartOpcodeCycle(opcodeIdx int, atomic AtomicPreop, addressed bool, dataLen int) {
}
func (b *fakeOpcodeBus) Poll(timeout time.Duration) (bool, bool) { return true, b.fcerr }
func (b *fakeOpcodeBus) ClearErrors()                            {}

func TestSoftwareMaster_SendCommand_ReadRoundTrip(t *testing.T) {
	bus := &fakeOpcodeBus{unload: []byte{0x11, 0x22, 0x33}}
	m := &SoftwareMaster{Menu: DefaultMenu(), Bus: bus}

	r := make([]byte, 3)
	if err := m.SendCommand([]byte{0x03, 0, 0, 0}, r); err != nil {
		t.Fatalf("SendCommand() = %v, want nil", err)
	}
	if string(r) != string(bus.unload) {
		t.Fatalf("read data = %v, want %v", r, bus.unload)
	}
}

func TestSoftwareMaster_SendCommand_TransactionErrorOnFCERR(t *testing.T) {
	bus := &fakeOpcodeBus{fcerr: true}
	m := &SoftwareMaster{Menu: DefaultMenu(), Bus: bus}

	err := m.SendCommand([]byte{0x05}, make([]byte, 1))
	if err == nil {
		t.Fatalf("SendCommand() = nil, want transaction error")
	}
}

func TestSoftwareMaster_SendCommand_DeniedAddressNoBytesIssued(t *testing.T) {
	bus := &fakeOpcodeBus{}
	access := &AccessControl{DescriptorValid: true}
	access.SetRegion(RegionBIOS, 0, 0x1000, PermReadOnly)
	m := &SoftwareMaster{Menu: DefaultMenu(), Bus: bus, Access: access}

	err := m.SendCommand([]byte{0x02, 0, 0, 0, 0xaa}, nil) // write inside read-only region
	if err == nil {
		t.Fatalf("SendCommand() = nil, want AccessDenied")
	}
	if bus.loaded != nil {
		t.Fatalf("data was loaded to bus despite denied access: %v", bus.loaded)
	}
}

func TestSoftwareMaster_SendMultiCommand_FoldsPreopcode(t *testing.T) {
	bus := &fakeOpcodeBus{}
	m := &SoftwareMaster{Menu: DefaultMenu(), Bus: bus}

	chain := [][]byte{
		{0x06},                         // WREN
		{0x02, 0x00, 0x00, 0x0a, 0xff}, // BYTE_PROGRAM
	}
	if err := m.SendMultiCommand(chain); err != nil {
		t.Fatalf("SendMultiCommand() = %v, want nil", err)
	}
	if bus.faddr != 0x0a {
		t.Fatalf("faddr = 0x%x, want 0x0a", bus.faddr)
	}
}
