package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// helloMagic is added to the echoed value per HELLO's contract.
const helloMagic = 0x01020304

// Hello round-trips in through the EC and confirms out == in+helloMagic.
func (c *Client) Hello(in uint32) error {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, in)
	resp, err := c.Do(CmdHello, 0, req, 4)
	if err != nil {
		return err
	}
	out := binary.LittleEndian.Uint32(resp)
	if out != in+helloMagic {
		return fmt.Errorf("%w: hello echo mismatch: got 0x%x, want 0x%x", errkind.ErrTransaction, out, in+helloMagic)
	}
	return nil
}

// Version holds GET_VERSION's decoded response.
type Version struct {
	RO, RW  string // NUL-trimmed version strings.
	Current uint8  // 0=unknown, 1=RO, 2=RW, matching ec.RunningImage's encoding.
}

func (c *Client) GetVersion() (Version, error) {
	resp, err := c.Do(CmdGetVersion, 0, nil, 32+32+4)
	if err != nil {
		return Version{}, err
	}
	return Version{
		RO:      trimNUL(resp[0:32]),
		RW:      trimNUL(resp[32:64]),
		Current: uint8(binary.LittleEndian.Uint32(resp[64:68])),
	}, nil
}

func trimNUL(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// RebootEC requests a reboot with the given subtype, spec.md §4.7.
func (c *Client) RebootEC(sub RebootSubtype) error {
	_, err := c.Do(CmdRebootEC, 0, []byte{byte(sub)}, 0)
	return err
}

// FlashInfo holds the decoded FLASH_INFO response, merging v0/v1/v2:
// v0 carries only FlashSize/WriteBlockSize/EraseBlockSize/ProtectBlockSize;
// v1 adds the write-ideal-size flags; v2 adds per-bank layout, which
// this repo does not model further than its reported count.
type FlashInfo struct {
	FlashSize        uint32
	WriteBlockSize   uint32
	EraseBlockSize   uint32
	ProtectBlockSize uint32
	Flags            uint32 // v1+; 0 if the EC only speaks v0.
	NumBanks         uint16 // v2+; 0 if unreported.
}

func (c *Client) FlashInfo(version uint8) (FlashInfo, error) {
	resp, err := c.Do(CmdFlashInfo, version, nil, 24)
	if err != nil {
		return FlashInfo{}, err
	}
	fi := FlashInfo{
		FlashSize:        binary.LittleEndian.Uint32(resp[0:4]),
		WriteBlockSize:   binary.LittleEndian.Uint32(resp[4:8]),
		EraseBlockSize:   binary.LittleEndian.Uint32(resp[8:12]),
		ProtectBlockSize: binary.LittleEndian.Uint32(resp[12:16]),
	}
	if version >= 1 && len(resp) >= 20 {
		fi.Flags = binary.LittleEndian.Uint32(resp[16:20])
	}
	if version >= 2 && len(resp) >= 22 {
		fi.NumBanks = binary.LittleEndian.Uint16(resp[20:22])
	}
	return fi, nil
}

// FlashSPIInfo returns the JEDEC ID triple (manufacturer, device, capacity code).
func (c *Client) FlashSPIInfo() (mfg, device, capacity byte, err error) {
	resp, err := c.Do(CmdFlashSPIInfo, 0, nil, 3)
	if err != nil {
		return 0, 0, 0, err
	}
	return resp[0], resp[1], resp[2], nil
}

// FlashRead reads length bytes starting at offset from the EC's flash.
func (c *Client) FlashRead(offset, length int) ([]byte, error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], uint32(offset))
	binary.LittleEndian.PutUint32(req[4:8], uint32(length))
	return c.Do(CmdFlashRead, 0, req, length)
}

// FlashWrite writes data at offset.
func (c *Client) FlashWrite(offset int, data []byte) error {
	req := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint32(req[0:4], uint32(offset))
	binary.LittleEndian.PutUint32(req[4:8], uint32(len(data)))
	copy(req[8:], data)
	_, err := c.Do(CmdFlashWrite, 0, req, 0)
	return err
}

// FlashEraseSync performs a v0 synchronous erase: the command does not
// return until the erase completes.
func (c *Client) FlashEraseSync(offset, size int) error {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], uint32(offset))
	binary.LittleEndian.PutUint32(req[4:8], uint32(size))
	_, err := c.Do(CmdFlashErase, 0, req, 0)
	return err
}

// FlashEraseAsync starts a v1 asynchronous erase and polls
// CmdFlashEraseResult at 500ms intervals, up to a 10s budget, per
// spec.md §6's async-erase polling rule.
func (c *Client) FlashEraseAsync(offset, size int) error {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], uint32(offset))
	binary.LittleEndian.PutUint32(req[4:8], uint32(size))
	if _, err := c.Do(CmdFlashErase, 1, req, 0); err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err := c.Do(CmdFlashEraseResult, 0, nil, 0)
		if err == nil {
			return nil
		}
		// classifyResult folds ResultInProgress/ResultBusy into
		// ErrTimeout; that is also this loop's "still erasing" signal.
		if !errors.Is(err, errkind.ErrTimeout) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: flash erase did not complete within 10s", errkind.ErrTimeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// ProtectFlags mirrors FLASH_PROTECT's flag bits, spec.md §6.
type ProtectFlags uint32

const (
	ProtectROAtBoot ProtectFlags = 1 << iota
	ProtectRONow
	ProtectAllNow
)

// FlashProtect sets mask bits in flags and returns the EC's resulting
// flag state.
func (c *Client) FlashProtect(mask, flags ProtectFlags) (ProtectFlags, error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], uint32(mask))
	binary.LittleEndian.PutUint32(req[4:8], uint32(flags))
	resp, err := c.Do(CmdFlashProtect, 1, req, 4)
	if err != nil {
		return 0, err
	}
	return ProtectFlags(binary.LittleEndian.Uint32(resp)), nil
}

// FlashRegion identifies one named flash area for FLASH_REGION_INFO.
type FlashRegion uint8

const (
	RegionWP FlashRegion = iota
	RegionRO
	RegionRW
)

// FlashRegionInfo returns the offset/size of the named region.
func (c *Client) FlashRegionInfo(region FlashRegion) (offset, size uint32, err error) {
	resp, err := c.Do(CmdFlashRegionInfo, 0, []byte{byte(region)}, 8)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(resp[0:4]), binary.LittleEndian.Uint32(resp[4:8]), nil
}

// FeatureRWSIG is the GET_FEATURES bit indicating the EC's RW image is
// verified by a signature check on boot, spec.md §4.7 step 5.
const FeatureRWSIG = 1 << 3

// GetFeatures returns the EC's feature bitmask.
func (c *Client) GetFeatures() (uint64, error) {
	resp, err := c.Do(CmdGetFeatures, 0, nil, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(resp), nil
}

// RwsigActionAbort cancels an in-progress RWSIG check.
func (c *Client) RwsigActionAbort() error {
	_, err := c.Do(CmdRwsigAction, 0, []byte{0}, 0)
	return err
}

// GetCmdVersions returns the bitmask of versions cmd supports.
func (c *Client) GetCmdVersions(cmd Command) (uint32, error) {
	req := make([]byte, 2)
	binary.LittleEndian.PutUint16(req, uint16(cmd))
	resp, err := c.Do(CmdGetCmdVersions, 0, req, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// GetCommsStatus reports whether a prior async command is still processing.
func (c *Client) GetCommsStatus() (busy bool, err error) {
	resp, err := c.Do(CmdGetCommsStatus, 0, nil, 4)
	if err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(resp)&1 != 0, nil
}

// ProtocolInfo reports the max request/response sizes the EC supports.
type ProtocolInfo struct {
	MaxRequestSize  uint16
	MaxResponseSize uint16
}

func (c *Client) GetProtocolInfo() (ProtocolInfo, error) {
	resp, err := c.Do(CmdGetProtocolInfo, 0, nil, 4)
	if err != nil {
		return ProtocolInfo{}, err
	}
	return ProtocolInfo{
		MaxRequestSize:  binary.LittleEndian.Uint16(resp[0:2]),
		MaxResponseSize: binary.LittleEndian.Uint16(resp[2:4]),
	}, nil
}
