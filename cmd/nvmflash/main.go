// Command nvmflash reads, erases, and writes firmware flash chips over
// whichever transport the programmer configuration string selects:
// CH347 SPI, GPIO-bitbanged SPI, a memory-mapped parallel/LPC/FWH
// window, a dedicated USB/serial programmer, or an Embedded Controller
// flash-write proxy. The command-line front end, option parsing, and
// board/chipset detection are deliberately thin: they exist only to
// wire a transport and a chip descriptor and then hand both to the
// core engine in package session.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/sstallion/go-hid"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/serfreeman1337/nvmflash/chip"
	"github.com/serfreeman1337/nvmflash/ec/protocol"
	"github.com/serfreeman1337/nvmflash/internal/progcfg"
	"github.com/serfreeman1337/nvmflash/session"
	"github.com/serfreeman1337/nvmflash/transport"
	"github.com/serfreeman1337/nvmflash/transport/ch347"
	"github.com/serfreeman1337/nvmflash/transport/gpiospi"
	"github.com/serfreeman1337/nvmflash/transport/parmem"
	"github.com/serfreeman1337/nvmflash/transport/serialprog"
	"github.com/serfreeman1337/nvmflash/writer"
)

func main() {
	var progString, lockPath string
	var readFile, writeFile string
	var erase bool
	var i2cAddr uint

	flag.StringVar(&progString, "p", "", "programmer configuration, e.g. dev=/dev/hidraw1,bus=spi")
	flag.StringVar(&lockPath, "lock", "", "advisory lock file path (default /var/run/nvmflash.lock)")
	flag.StringVar(&readFile, "r", "", "read flash contents to file")
	flag.StringVar(&writeFile, "w", "", "write flash contents from file")
	flag.BoolVar(&erase, "e", false, "erase the whole chip")
	flag.UintVar(&i2cAddr, "ec-addr", 0x1e, "EC I2C address (type=ec/pd/sh/fp/tp only)")
	flag.Parse()

	p, err := progcfg.Parse(progString)
	if err != nil {
		glog.Fatalf("programmer config: %v", err)
	}

	ctx, err := session.Init(lockPath)
	if err != nil {
		glog.Fatalf("session init: %v", err)
	}
	defer ctx.Shutdown()

	if isECType(p.Type) {
		runEC(ctx, p, uint16(i2cAddr), readFile, writeFile)
		return
	}
	runGeneric(ctx, p, readFile, writeFile, erase)
}

func isECType(t progcfg.Type) bool {
	switch t {
	case progcfg.TypeEC, progcfg.TypePD, progcfg.TypeSH, progcfg.TypeFP, progcfg.TypeTP:
		return true
	}
	return false
}

// openHID opens the CH347 HID interface identified by iface (0 =
// UART, 1 = SPI+I2C+GPIO) at p.Dev, or enumerates the only attached
// CH347 if p.Dev is empty — the same two-interface convention the
// teacher's spi-flash example uses.
func openHID(p progcfg.Params, iface int) (*hid.Device, error) {
	path := p.Dev
	if path == "" {
		var found []*hid.DeviceInfo
		hid.Enumerate(0x1a86, 0x55dc, func(info *hid.DeviceInfo) error {
			found = append(found, info)
			return nil
		})
		for _, di := range found {
			if di.InterfaceNbr == iface {
				path = di.Path
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("no CH347 interface %d found; pass dev= explicitly", iface)
		}
	}
	return hid.OpenPath(path)
}

// openGPIOSPI builds a gpiospi.Master from a "SCK=GPIO17+MOSI=GPIO27+
// MISO=GPIO22+CS=GPIO8" pin list (the form after the "gpio:" prefix in
// dev=), resolving each periph.io pin name with gpioreg.ByName — for
// single-board-computer hosts with a GPIO header but no SPI/USB bridge.
func openGPIOSPI(pinList string) (transport.Master, error) {
	if err := gpiospi.Init(); err != nil {
		return nil, err
	}
	names := map[string]string{}
	for _, tok := range strings.Split(pinList, "+") {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("gpio pin spec %q missing '='", tok)
		}
		names[k] = v
	}
	lookup := func(key string) (name string, err error) {
		name, ok := names[key]
		if !ok {
			return "", fmt.Errorf("gpio pin spec missing %q", key)
		}
		return name, nil
	}

	sckName, err := lookup("SCK")
	if err != nil {
		return nil, err
	}
	mosiName, err := lookup("MOSI")
	if err != nil {
		return nil, err
	}
	misoName, err := lookup("MISO")
	if err != nil {
		return nil, err
	}
	csName, err := lookup("CS")
	if err != nil {
		return nil, err
	}

	sck := gpioreg.ByName(sckName)
	mosi := gpioreg.ByName(mosiName)
	miso := gpioreg.ByName(misoName)
	cs := gpioreg.ByName(csName)
	if sck == nil || mosi == nil || miso == nil || cs == nil {
		return nil, fmt.Errorf("one or more named gpio pins not found: SCK=%s MOSI=%s MISO=%s CS=%s", sckName, mosiName, misoName, csName)
	}

	return &gpiospi.Master{Pins: gpiospi.Pins{SCK: sck, MOSI: mosi, MISO: miso, CS: cs}}, nil
}

// openTransport constructs the transport.Master the programmer config
// selects: bus=spi defaults to a CH347 SPI bridge unless dev= names a
// GPIO chip, in which case gpiospi bit-bangs it instead; a parallel
// bus family opens a memory window at the address block= names.
func openTransport(ctx *session.Context, p progcfg.Params) (transport.Master, error) {
	switch {
	case p.Bus&chip.BusSPI != 0:
		if strings.HasPrefix(p.Dev, "gpio:") {
			return openGPIOSPI(p.Dev[len("gpio:"):])
		}
		dev, err := openHID(p, 1)
		if err != nil {
			return nil, fmt.Errorf("open CH347 SPI interface: %w", err)
		}
		if err := ctx.RegisterShutdown(func() { dev.Close() }); err != nil {
			return nil, err
		}
		io := &ch347.IO{Dev: dev}
		clock := ch347.SPIClock1
		if err := io.SetSPI(ch347.SPIMode0, clock, ch347.SPIByteOrderMSB); err != nil {
			return nil, fmt.Errorf("configure CH347 SPI: %w", err)
		}
		return &ch347.Master{IO: io}, nil

	case p.Bus&(chip.BusParallel|chip.BusLPC|chip.BusFWH) != 0:
		size := sizeFromParams(p)
		if size <= 0 {
			return nil, fmt.Errorf("parallel/LPC/FWH programmer needs size=")
		}
		win, err := parmem.Open(uint32(p.Block), size)
		if err != nil {
			return nil, err
		}
		if err := ctx.RegisterShutdown(func() { win.Close() }); err != nil {
			return nil, err
		}
		busKind := chip.BusParallel
		if p.Bus&chip.BusLPC != 0 {
			busKind = chip.BusLPC
		} else if p.Bus&chip.BusFWH != 0 {
			busKind = chip.BusFWH
		}
		return &parmem.Master{Win: win, BusKind: busKind}, nil

	default:
		dev, err := openHID(p, 0)
		if err != nil {
			return nil, fmt.Errorf("open CH347 UART interface for serprog: %w", err)
		}
		if err := ctx.RegisterShutdown(func() { dev.Close() }); err != nil {
			return nil, err
		}
		port := &serialprog.ChunkedPort{Raw: dev}
		return &serialprog.Master{Port: port}, nil
	}
}

func describeGenericChip(ctx *session.Context, p progcfg.Params, m transport.Master) (*chip.Descriptor, error) {
	switch mm := m.(type) {
	case transport.SPI:
		return probeSPIDescriptor(mm, ctx.Delay())
	case transport.Parallel:
		return parallelDescriptor(mm, sizeFromParams(p), ctx.Delay())
	case transport.Opaque:
		return opaqueDescriptor("generic-opaque", mm, sizeFromParams(p))
	default:
		return nil, fmt.Errorf("transport master implements neither SPI, Parallel, nor Opaque")
	}
}

func runGeneric(ctx *session.Context, p progcfg.Params, readFile, writeFile string, erase bool) {
	master, err := openTransport(ctx, p)
	if err != nil {
		glog.Fatalf("open transport: %v", err)
	}
	desc, err := describeGenericChip(ctx, p, master)
	if err != nil {
		glog.Fatalf("describe chip: %v", err)
	}
	if _, err := ctx.Activate(desc, master); err != nil {
		glog.Fatalf("activate flash context: %v", err)
	}

	fmt.Printf("Detected %s, %d bytes\n", desc.Name, desc.TotalSizeBytes())

	switch {
	case erase:
		fmt.Println("Erasing...")
		eraser := desc.Erasers[desc.NumErasers-1]
		if err := eraser.EraseFn(0, desc.TotalSizeBytes()); err != nil {
			glog.Fatalf("erase: %v", err)
		}
		fmt.Println("Done.")

	case readFile != "":
		before, err := readChip(ctx, desc, master)
		if err != nil {
			glog.Fatalf("read: %v", err)
		}
		if err := os.WriteFile(readFile, before, 0666); err != nil {
			glog.Fatalf("write output file: %v", err)
		}
		fmt.Println("Done.")

	case writeFile != "":
		after, err := os.ReadFile(writeFile)
		if err != nil {
			glog.Fatalf("read input file: %v", err)
		}
		if len(after) != desc.TotalSizeBytes() {
			glog.Fatalf("input file is %d bytes, chip is %d bytes", len(after), desc.TotalSizeBytes())
		}
		before, err := readChip(ctx, desc, master)
		if err != nil {
			glog.Fatalf("read current contents: %v", err)
		}

		if desc.WP != nil {
			if err := desc.WP.Disable(); err != nil {
				glog.Fatalf("disable write protect: %v", err)
			}
			if err := ctx.RegisterRestore(func() {
				if err := desc.WP.Enable(); err != nil {
					glog.Warningf("re-enable write protect: %v", err)
				}
			}); err != nil {
				glog.Fatalf("register write-protect restore: %v", err)
			}
		}

		fmt.Println("Writing...")
		res, err := ctx.WriteImage(before, after, writer.DefaultPolicy(), writer.VerifyFull)
		if err != nil {
			glog.Fatalf("write: %v", err)
		}
		if len(res.Denied) > 0 {
			fmt.Printf("%d unit(s) skipped (access denied)\n", len(res.Denied))
		}
		fmt.Println("Done.")

	default:
		fmt.Println("Nothing to do; pass -r, -w, or -e.")
	}
}

func readChip(ctx *session.Context, desc *chip.Descriptor, master transport.Master) ([]byte, error) {
	adapted, err := writer.AdaptMaster(master)
	if err != nil {
		return nil, err
	}
	return adapted.ReadRange(0, desc.TotalSizeBytes())
}

func runEC(ctx *session.Context, p progcfg.Params, i2cAddr uint16, readFile, writeFile string) {
	dev, err := openHID(p, 1)
	if err != nil {
		glog.Fatalf("open CH347 I2C interface: %v", err)
	}
	if err := ctx.RegisterShutdown(func() { dev.Close() }); err != nil {
		glog.Fatalf("register shutdown: %v", err)
	}
	io := &ch347.IO{Dev: dev}
	if err := io.SetI2C(ch347.I2CMode1); err != nil {
		glog.Fatalf("configure CH347 I2C: %v", err)
	}

	client := &protocol.Client{Bus: &protocol.I2CBus{Dev: io}, Addr: i2cAddr}
	if err := client.Hello(0xdeadbeef); err != nil {
		glog.Fatalf("EC hello: %v", err)
	}

	switch {
	case writeFile != "":
		after, err := os.ReadFile(writeFile)
		if err != nil {
			glog.Fatalf("read input file: %v", err)
		}
		info, err := client.FlashInfo(2)
		if err != nil {
			glog.Fatalf("flash_info: %v", err)
		}
		before, err := client.FlashRead(0, int(info.FlashSize))
		if err != nil {
			glog.Fatalf("read current EC flash: %v", err)
		}
		fmt.Println("Updating EC firmware...")
		res, err := ctx.UpdateEC(client, before, after, writer.DefaultPolicy())
		if err != nil {
			glog.Fatalf("ec update: %v", err)
		}
		fmt.Printf("Done, final running image: %s\n", res.Final.Current)

	case readFile != "":
		info, err := client.FlashInfo(2)
		if err != nil {
			glog.Fatalf("flash_info: %v", err)
		}
		data, err := client.FlashRead(0, int(info.FlashSize))
		if err != nil {
			glog.Fatalf("flash_read: %v", err)
		}
		if err := os.WriteFile(readFile, data, 0666); err != nil {
			glog.Fatalf("write output file: %v", err)
		}
		fmt.Println("Done.")

	default:
		fmt.Println("Nothing to do; pass -r or -w.")
	}
}
