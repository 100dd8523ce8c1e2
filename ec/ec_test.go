package ec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/sigurn/crc16"

	"github.com/serfreeman1337/nvmflash/ec/protocol"
)

var fakeTable = crc16.MakeTable(crc16.CCITT_FALSE)

// fakeECBus is a minimal in-memory EC: one flash array, one running
// image, one FLASH_PROTECT word. Good enough to drive Update through
// both passes without any real hardware.
type fakeECBus struct {
	flash        []byte
	eraseBlock   int
	runningImage uint8 // 0 unknown, 1 RO, 2 RW — matches protocol.Version.Current.
	protectFlags uint32
	eraseVersion uint32 // GET_CMD_VERSIONS(FLASH_ERASE) bitmask.
}

func (b *fakeECBus) Transfer(addr uint16, w, r []byte) error {
	cmd := protocol.Command(binary.LittleEndian.Uint16(w[0:2]))
	version := w[2]
	reqLen := binary.LittleEndian.Uint16(w[3:5])
	req := w[5 : 5+reqLen]

	var payload []byte
	switch cmd {
	case protocol.CmdHello:
		in := binary.LittleEndian.Uint32(req)
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, in+0x01020304)

	case protocol.CmdGetVersion:
		payload = make([]byte, 68)
		copy(payload[0:32], "ro-1.0")
		copy(payload[32:64], "rw-1.0")
		binary.LittleEndian.PutUint32(payload[64:68], uint32(b.runningImage))

	case protocol.CmdRebootEC:
		switch protocol.RebootSubtype(req[0]) {
		case protocol.RebootJumpRO:
			b.runningImage = 1
		case protocol.RebootJumpRW:
			b.runningImage = 2
		case protocol.RebootCold:
			b.runningImage = 2
		}

	case protocol.CmdFlashInfo:
		payload = make([]byte, 16)
		binary.LittleEndian.PutUint32(payload[0:4], uint32(len(b.flash)))
		binary.LittleEndian.PutUint32(payload[4:8], 256) // write_block_size: keeps the verify pass's page reads chunky.
		binary.LittleEndian.PutUint32(payload[8:12], uint32(b.eraseBlock))
		binary.LittleEndian.PutUint32(payload[12:16], uint32(b.eraseBlock))

	case protocol.CmdFlashRead:
		offset := binary.LittleEndian.Uint32(req[0:4])
		length := binary.LittleEndian.Uint32(req[4:8])
		payload = append([]byte(nil), b.flash[offset:offset+length]...)

	case protocol.CmdFlashWrite:
		offset := binary.LittleEndian.Uint32(req[0:4])
		length := binary.LittleEndian.Uint32(req[4:8])
		copy(b.flash[offset:offset+length], req[8:8+length])

	case protocol.CmdFlashErase:
		offset := int(binary.LittleEndian.Uint32(req[0:4]))
		size := int(binary.LittleEndian.Uint32(req[4:8]))
		for i := offset; i < offset+size; i++ {
			b.flash[i] = 0xff
		}
		_ = version

	case protocol.CmdFlashEraseResult:
		// Always reports done; this fake never actually goes async.

	case protocol.CmdFlashProtect:
		mask := binary.LittleEndian.Uint32(req[0:4])
		flags := binary.LittleEndian.Uint32(req[4:8])
		b.protectFlags = (b.protectFlags &^ mask) | (flags & mask)
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, b.protectFlags)

	case protocol.CmdGetProtocolInfo:
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint16(payload[0:2], 512)
		binary.LittleEndian.PutUint16(payload[2:4], 256)

	case protocol.CmdGetCmdVersions:
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, b.eraseVersion)

	case protocol.CmdGetFeatures:
		payload = make([]byte, 8) // no RWSIG bit set.

	default:
		resp := make([]byte, len(r))
		resp[0] = byte(protocol.ResultInvalidCommand)
		copy(r, resp)
		return nil
	}

	resp := make([]byte, 3+len(payload)+2)
	resp[0] = byte(protocol.ResultSuccess)
	binary.LittleEndian.PutUint16(resp[1:3], uint16(len(payload)))
	copy(resp[3:], payload)
	crc := crc16.Checksum(resp[:3+len(payload)], fakeTable)
	binary.LittleEndian.PutUint16(resp[3+len(payload):], crc)
	copy(r, resp)
	return nil
}

func buildImage(size, roOff, roSize, rwOff, rwSize int, roFill, rwFill byte) []byte {
	img := make([]byte, size)
	for i := roOff; i < roOff+roSize; i++ {
		img[i] = roFill
	}
	for i := rwOff; i < rwOff+rwSize; i++ {
		img[i] = rwFill
	}
	return img
}

func TestUpdate_TwoPassWhenRWIsRunning(t *testing.T) {
	const (
		total      = 0x4000
		eraseBlock = 0x1000
		roOff      = 0
		roSize     = 0x2000
		rwOff      = 0x2000
		rwSize     = 0x2000
	)

	before := buildImage(total, roOff, roSize, rwOff, rwSize, 0x11, 0x22)
	after := buildImage(total, roOff, roSize, rwOff, rwSize, 0x33, 0x44)

	bus := &fakeECBus{flash: append([]byte(nil), before...), eraseBlock: eraseBlock, runningImage: 2, eraseVersion: 1}
	client := &protocol.Client{Bus: bus, Addr: 0x1e}

	opts := Options{
		Client: client,
		Images: Images{RO: Region{roOff, roSize}, RW: Region{rwOff, rwSize}},
	}

	res, err := Update(opts, before, after)
	if err != nil {
		t.Fatalf("Update() = %v, want nil", err)
	}
	if !res.Final.NeedsSecondPass {
		t.Fatalf("NeedsSecondPass = false, want true (RW was running, so RW range had to be denied first pass)")
	}
	if res.Second == nil {
		t.Fatalf("Second pass result is nil, want non-nil")
	}
	if !bytes.Equal(bus.flash, after) {
		t.Fatalf("final flash contents do not match target image")
	}
}

func TestUpdate_SinglePassWhenNoSecondPassNeeded(t *testing.T) {
	const (
		total      = 0x4000
		eraseBlock = 0x1000
		roOff      = 0
		roSize     = 0x2000
		rwOff      = 0x2000
		rwSize     = 0x2000
	)

	// Only the RW half changes; with RO running, RW is always the
	// inactive copy, so one pass suffices.
	before := buildImage(total, roOff, roSize, rwOff, rwSize, 0x11, 0x22)
	after := buildImage(total, roOff, roSize, rwOff, rwSize, 0x11, 0x44)

	bus := &fakeECBus{flash: append([]byte(nil), before...), eraseBlock: eraseBlock, runningImage: 1, eraseVersion: 1}
	client := &protocol.Client{Bus: bus, Addr: 0x1e}

	opts := Options{
		Client: client,
		Images: Images{RO: Region{roOff, roSize}, RW: Region{rwOff, rwSize}},
	}

	res, err := Update(opts, before, after)
	if err != nil {
		t.Fatalf("Update() = %v, want nil", err)
	}
	if res.Final.NeedsSecondPass {
		t.Fatalf("NeedsSecondPass = true, want false")
	}
	if res.Second != nil {
		t.Fatalf("Second pass result = %v, want nil", res.Second)
	}
	if !bytes.Equal(bus.flash, after) {
		t.Fatalf("final flash contents do not match target image")
	}
}
