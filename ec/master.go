package ec

import (
	"fmt"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/ec/protocol"
	"github.com/serfreeman1337/nvmflash/internal/errkind"
	"github.com/serfreeman1337/nvmflash/transport"
)

// Master drives the EC's flash over FLASH_READ/FLASH_WRITE/FLASH_ERASE,
// implementing transport.Opaque (spec.md §4.2's "EC flash-write proxy").
// Write and Erase consult deny, set by Update between passes, to
// enforce the running-image overlap rule of spec.md §4.7 without the
// engine needing to know anything about EC images.
type Master struct {
	Client     *protocol.Client
	maxReq     int
	maxResp    int
	eraseAsync bool
	paranoid   bool
	deny       *Region
}

// newMaster probes the EC's protocol limits and FLASH_ERASE version
// support once, at construction.
func newMaster(c *protocol.Client) (*Master, error) {
	info, err := c.GetProtocolInfo()
	if err != nil {
		return nil, fmt.Errorf("get_protocol_info: %w", err)
	}
	versions, err := c.GetCmdVersions(protocol.CmdFlashErase)
	if err != nil {
		return nil, fmt.Errorf("get_cmd_versions(flash_erase): %w", err)
	}
	return &Master{
		Client:     c,
		maxReq:     int(info.MaxRequestSize),
		maxResp:    int(info.MaxResponseSize),
		eraseAsync: versions&(1<<1) != 0,
	}, nil
}

func (m *Master) Kind() transport.Kind { return transport.KindOpaque }
func (m *Master) Buses() chip.BusType  { return chip.BusProgrammer }
func (m *Master) Paranoid() bool       { return m.paranoid }
func (m *Master) MaxRead() int         { return m.maxResp }
func (m *Master) MaxWrite() int        { return m.maxReq - 8 } // minus offset+size header.

func (m *Master) Probe() error {
	return m.Client.Hello(0x11223344)
}

// Read and Write fill/consume the whole of buf, chunked to the EC's
// protocol limits: transport.Opaque's contract (mirrored by writer's
// opaqueIO adapter) is a single call moving the entire range, not a
// partial-write API the caller must loop over.
func (m *Master) Read(buf []byte, offset int) (int, error) {
	chunk := m.MaxRead()
	if chunk <= 0 {
		chunk = len(buf)
	}
	for i := 0; i < len(buf); i += chunk {
		n := chunk
		if i+n > len(buf) {
			n = len(buf) - i
		}
		got, err := m.Client.FlashRead(offset+i, n)
		if err != nil {
			return i, err
		}
		copy(buf[i:i+n], got)
	}
	return len(buf), nil
}

func (m *Master) Write(buf []byte, offset int) (int, error) {
	if err := m.checkDeny(offset, len(buf)); err != nil {
		return 0, err
	}
	chunk := m.MaxWrite()
	if chunk <= 0 {
		chunk = len(buf)
	}
	for i := 0; i < len(buf); i += chunk {
		n := chunk
		if i+n > len(buf) {
			n = len(buf) - i
		}
		if err := m.Client.FlashWrite(offset+i, buf[i:i+n]); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Erase is also the value stored in a chip.Eraser's EraseFn for the
// descriptor DescribeChip builds, since the engine calls EraseFn
// directly rather than going through Master.
func (m *Master) Erase(offset, size int) error {
	if err := m.checkDeny(offset, size); err != nil {
		return err
	}
	if m.eraseAsync {
		return m.Client.FlashEraseAsync(offset, size)
	}
	return m.Client.FlashEraseSync(offset, size)
}

func (m *Master) CheckAccess(offset, size int, dir transport.Direction) error {
	if dir == transport.DirWrite {
		return m.checkDeny(offset, size)
	}
	return nil
}

func (m *Master) checkDeny(offset, size int) error {
	if m.deny == nil {
		return nil
	}
	if overlaps(offset, size, *m.deny) {
		return fmt.Errorf("%w: range [%d,%d) overlaps the running EC image", errkind.ErrAccessDenied, offset, offset+size)
	}
	return nil
}

// DescribeChip builds the chip.Descriptor for the EC's own flash,
// reading FLASH_INFO for geometry and binding the sole eraser's EraseFn
// to m.Erase. EC flash is physically NOR: bits can only be cleared by a
// write, so it uses GranularityBit regardless of FLASH_INFO's reported
// ideal write chunk size (that size is an efficiency hint for Write,
// not an erase-necessity rule).
func DescribeChip(c *protocol.Client, m *Master) (*chip.Descriptor, error) {
	fi, err := c.FlashInfo(0)
	if err != nil {
		return nil, fmt.Errorf("flash_info: %w", err)
	}
	if fi.EraseBlockSize == 0 || fi.FlashSize%fi.EraseBlockSize != 0 {
		return nil, fmt.Errorf("%w: ec flash_size %d is not a multiple of erase_block_size %d", errkind.ErrMisconfiguration, fi.FlashSize, fi.EraseBlockSize)
	}

	d := &chip.Descriptor{
		Name:      "ec-flash",
		Bustype:   chip.BusProgrammer,
		TotalSize: int(fi.FlashSize) / 1024,
		PageSize:  int(fi.WriteBlockSize),
		WriteGran: chip.GranularityBit,
		Erasers: [6]chip.Eraser{
			{
				Regions: []chip.EraseRegion{{Size: int(fi.EraseBlockSize), Count: int(fi.FlashSize / fi.EraseBlockSize)}},
				EraseFn: m.Erase,
			},
		},
		NumErasers: 1,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
