// Package serialprog implements transport.Opaque for a dedicated
// USB/serial flash programmer: a device that exposes no SPI opcode
// menu of its own but accepts whole-device read/write/erase requests
// over a byte stream, the way flashrom's "serprog"-class programmers
// and CH347's UART interface both work.
//
// ChunkedPort carries the length-prefixed packet chunking the teacher's
// UART type used (a fixed-size length header ahead of up to 510 payload
// bytes per packet); Master builds command frames on top of any Port and
// does not itself know about the underlying packet limit.
package serialprog

import (
	"fmt"
	"io"
)

// Port is the minimal byte-stream contract Master needs. A CH347 UART
// interface, a real RS-232 tty, or a USB-CDC device all satisfy this.
type Port interface {
	io.Reader
	io.Writer
}

// maxChunk mirrors go-ch347's UART packet payload ceiling: writes and
// reads are chunked to this many bytes per underlying packet, with a
// 2-byte little-endian length header ahead of each chunk.
const maxChunk = 510

// ChunkedPort wraps a raw Port that speaks go-ch347's UART framing
// (2-byte LE length header, up to 510 payload bytes) so Master can
// read/write request frames of arbitrary length without re-deriving
// that chunking itself.
type ChunkedPort struct {
	Raw Port
}

func (p *ChunkedPort) Read(b []byte) (int, error) {
	plen := len(b)
	if plen > maxChunk {
		plen = maxChunk
	}
	hdr := make([]byte, plen+2)
	if _, err := io.ReadFull(p.Raw, hdr[:2]); err != nil {
		return 0, fmt.Errorf("read length header: %w", err)
	}
	n := int(hdr[0]) | int(hdr[1])<<8
	if n > len(b) {
		n = len(b)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := io.ReadFull(p.Raw, hdr[2:2+n]); err != nil {
		return 0, fmt.Errorf("read payload: %w", err)
	}
	copy(b[:n], hdr[2:2+n])
	return n, nil
}

func (p *ChunkedPort) Write(b []byte) (int, error) {
	plen := len(b)
	if plen > maxChunk {
		plen = maxChunk
	}
	frame := make([]byte, plen+2)

	var pos, dlen, wlen int
	wlen = len(b)

	for pos < wlen {
		dlen = wlen - pos
		if dlen > plen {
			dlen = plen
		}
		frame[0] = byte(dlen & 0xff)
		frame[1] = byte((dlen >> 8) & 0xff)
		copy(frame[2:], b[pos:pos+dlen])

		out := frame
		if dlen != plen {
			out = frame[:2+dlen]
		}
		if _, err := p.Raw.Write(out); err != nil {
			return pos, err
		}
		pos += dlen
	}
	return pos, nil
}
