// Package protocol implements the Embedded Controller command protocol
// referenced by spec.md §6: a request/response exchange keyed by a
// 16-bit command code and 8-bit version, carried here over the
// teacher's I2C physical layer (go-ch347's IO.I2C).
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"

	"github.com/serfreeman1337/nvmflash/internal/errkind"
)

// Bus is the physical carrier a Client speaks over: one addressed
// write-then-read transaction, matching go-ch347's IO.I2C contract.
type Bus interface {
	Transfer(addr uint16, w, r []byte) error
}

// Command identifies an EC host command.
type Command uint16

const (
	CmdHello            Command = 0x0001
	CmdGetVersion       Command = 0x0002
	CmdRebootEC         Command = 0x0003
	CmdFlashInfo        Command = 0x0010
	CmdFlashSPIInfo     Command = 0x0011
	CmdFlashRead        Command = 0x0012
	CmdFlashWrite       Command = 0x0013
	CmdFlashErase       Command = 0x0014
	CmdFlashProtect     Command = 0x0015
	CmdFlashRegionInfo  Command = 0x0016
	CmdGetFeatures      Command = 0x0017
	CmdRwsigAction      Command = 0x0018
	CmdGetCmdVersions   Command = 0x0019
	CmdGetCommsStatus   Command = 0x001a
	CmdGetProtocolInfo  Command = 0x001b
	CmdFlashEraseResult Command = 0x001c // GET_RESULT equivalent, polled for async erase.
)

// RebootSubtype selects the REBOOT_EC variant, spec.md §4.7.
type RebootSubtype uint8

const (
	RebootJumpRO RebootSubtype = iota
	RebootJumpRW
	RebootCold
)

// Result is the one-byte status prefixing every response frame.
type Result uint8

const (
	ResultSuccess Result = iota
	ResultInvalidCommand
	ResultError
	ResultInvalidParam
	ResultAccessDenied
	ResultInvalidResponse
	ResultInvalidVersion
	ResultInvalidChecksum
	ResultInProgress // async erase not yet done; caller polls CmdFlashEraseResult.
	ResultUnavailable
	ResultTimeout
	ResultOverflow
	ResultInvalidHeader
	ResultRequestTruncated
	ResultResponseTooBig
	ResultBusError
	ResultBusy
)

// table is the checksum table shared by every frame; the protocol
// needs a single fixed CRC-16 variant, not a configurable one.
var table = crc16.MakeTable(crc16.CCITT_FALSE)

// Client drives one EC over addr on bus.
type Client struct {
	Bus  Bus
	Addr uint16
}

// Do issues cmd with the given version and request payload, and
// returns the response payload (with the result byte, length, and
// trailing checksum already stripped and validated). respLen bounds how
// many bytes the caller expects to read back; pass 0 when the response
// carries no payload.
//
// Frame layout (little-endian throughout):
//
//	request:  command:u16 | version:u8 | len:u16 | data[len] | crc:u16
//	response: result:u8   | len:u16    | data[len] | crc:u16
//
// The CRC covers every preceding byte of its own frame.
func (c *Client) Do(cmd Command, version uint8, req []byte, respLen int) ([]byte, error) {
	frame := make([]byte, 5+len(req)+2)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(cmd))
	frame[2] = version
	binary.LittleEndian.PutUint16(frame[3:5], uint16(len(req)))
	copy(frame[5:5+len(req)], req)
	crc := crc16.Checksum(frame[:5+len(req)], table)
	binary.LittleEndian.PutUint16(frame[5+len(req):], crc)

	resp := make([]byte, 3+respLen+2)
	if err := c.Bus.Transfer(c.Addr, frame, resp); err != nil {
		return nil, fmt.Errorf("%w: ec transfer: %v", errkind.ErrFatalHardware, err)
	}

	result := Result(resp[0])
	dataLen := int(binary.LittleEndian.Uint16(resp[1:3]))
	if dataLen > respLen {
		return nil, fmt.Errorf("%w: ec response claims %d bytes, caller expected at most %d", errkind.ErrTransaction, dataLen, respLen)
	}

	wantCRC := binary.LittleEndian.Uint16(resp[3+dataLen : 3+dataLen+2])
	gotCRC := crc16.Checksum(resp[:3+dataLen], table)
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("%w: ec response checksum mismatch", errkind.ErrTransaction)
	}

	if result != ResultSuccess {
		return nil, classifyResult(result)
	}
	return resp[3 : 3+dataLen], nil
}

func classifyResult(r Result) error {
	switch r {
	case ResultAccessDenied:
		return fmt.Errorf("%w: ec denied command", errkind.ErrAccessDenied)
	case ResultTimeout, ResultBusy, ResultInProgress:
		return fmt.Errorf("%w: ec reported result %d", errkind.ErrTimeout, r)
	case ResultInvalidParam, ResultInvalidVersion, ResultInvalidHeader, ResultRequestTruncated:
		return fmt.Errorf("%w: ec reported result %d", errkind.ErrInvalidLength, r)
	case ResultInvalidCommand:
		return fmt.Errorf("%w: ec reported result %d", errkind.ErrInvalidOpcode, r)
	default:
		return fmt.Errorf("%w: ec reported result %d", errkind.ErrTransaction, r)
	}
}
