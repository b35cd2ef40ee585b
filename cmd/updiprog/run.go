package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daedaluz/updiprog/internal/hexfile"
	"github.com/daedaluz/updiprog/internal/ulog"
	"github.com/daedaluz/updiprog/internal/updi"
)

var flags struct {
	port        string
	baud        uint32
	device      string
	erase       bool
	readFuses   bool
	writeFuses  string
	readFlash   string
	writeFlash  string
	verify      bool
	info        bool
	verbose     bool
}

var rootCmd = &cobra.Command{
	Use:   "updiprog",
	Short: "Program AVR microcontrollers over the UPDI protocol",
	RunE:  runUpdiprog,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.port, "port", "", "serial port device (required)")
	f.Uint32Var(&flags.baud, "baud", 115200, "UPDI baud rate")
	f.StringVar(&flags.device, "device", "", "target device, e.g. atmega4809 (required)")
	f.BoolVar(&flags.erase, "erase", false, "chip-erase before any write")
	f.BoolVar(&flags.readFuses, "read-fuses", false, "read fuse values")
	f.StringVar(&flags.writeFuses, "write-fuses", "", "fuse values to write, as a path or comma-separated list")
	f.StringVar(&flags.readFlash, "read-flash", "", "read flash to the given output path")
	f.StringVar(&flags.writeFlash, "write-flash", "", "write the given Intel HEX file to flash")
	f.BoolVar(&flags.verify, "verify", false, "read back and compare after --write-flash")
	f.BoolVar(&flags.info, "info", false, "print device identification info")
	f.BoolVar(&flags.verbose, "verbose", false, "enable verbose logging")
	_ = rootCmd.MarkFlagRequired("port")
	_ = rootCmd.MarkFlagRequired("device")
}

func runUpdiprog(cmd *cobra.Command, args []string) error {
	sink := ulog.New(flags.verbose)

	req, err := buildRequest()
	if err != nil {
		return err
	}

	transport, err := updi.OpenSerialTransport(flags.port, flags.baud)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reopen := updi.SerialReopener{PortName: flags.port, BaudRate: flags.baud}
	session := updi.NewSession(transport, mustLookup(req.Device), reopen, nil, sink)
	session.OnProgress(func(action updi.Action, pct int) {
		sink.Verbose("%v: %d%%", action, pct)
	})

	sink.Important("handshaking with %s on %s", flags.device, flags.port)
	result, err := session.Process(ctx, req)
	if err != nil {
		sink.Error("%v", err)
		return err
	}

	return printResult(req, result, sink)
}

func mustLookup(tag updi.DeviceTag) updi.Device {
	d, _ := updi.Lookup(tag)
	return d
}

// buildRequest translates command-line flags into an updi.Request, reading
// any hex/fuse files referenced by the flags up front so I/O errors surface
// before a serial port is ever opened.
func buildRequest() (updi.Request, error) {
	var list []updi.Action
	req := updi.Request{
		SerialPort: flags.port,
		Device:     updi.DeviceTag(strings.ToLower(flags.device)),
	}

	if flags.info {
		list = append(list, updi.ActionGetInfo)
	}
	if flags.readFuses {
		list = append(list, updi.ActionReadFuses)
	}
	if flags.writeFuses != "" {
		values, err := parseFuseValues(flags.writeFuses)
		if err != nil {
			return req, err
		}
		req.FuseValues = values
		list = append(list, updi.ActionWriteFuses)
	}
	if flags.readFlash != "" {
		list = append(list, updi.ActionReadFlash)
	}
	if flags.erase {
		list = append(list, updi.ActionErase)
	}
	if flags.writeFlash != "" {
		data, err := loadHexFile(flags.writeFlash)
		if err != nil {
			return req, err
		}
		req.HexData = data
		list = append(list, updi.ActionWriteFlash)
		if flags.verify {
			list = append(list, updi.ActionVerifyFlash)
		}
	}

	req.Actions = updi.NewActionSet(list...)
	return req, nil
}

func loadHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return hexfile.Load(f)
}

// parseFuseValues accepts either a path to a file containing a
// comma-separated fuse list, or the comma-separated list itself.
func parseFuseValues(pathOrCSV string) ([]byte, error) {
	csv := pathOrCSV
	if content, err := os.ReadFile(pathOrCSV); err == nil {
		csv = string(content)
	}
	parts := strings.Split(strings.TrimSpace(csv), ",")
	values := make([]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("bad fuse value %q: %w", p, err)
		}
		values = append(values, byte(v))
	}
	return values, nil
}

func printResult(req updi.Request, result updi.Result, sink ulog.Sink) error {
	if req.Actions.Has(updi.ActionGetInfo) {
		info := result.Info
		fmt.Printf("Family:      %s\n", info.Family)
		fmt.Printf("NVM version: %s\n", info.NVMVersion)
		fmt.Printf("OCD version: %s\n", info.OCDVersion)
		fmt.Printf("PDI rev:     %d\n", info.PDIRev)
		fmt.Printf("Device ID:   %02x %02x %02x\n", info.DevID[0], info.DevID[1], info.DevID[2])
		fmt.Printf("Device rev:  %c\n", info.DevRev)
	}
	if req.Actions.Has(updi.ActionReadFuses) {
		fmt.Println("Fuses:")
		for i, v := range result.FuseValues {
			fmt.Printf("  %d: 0x%02x\n", i, v)
		}
	}
	if req.Actions.Has(updi.ActionReadFlash) {
		if err := os.WriteFile(flags.readFlash, result.FlashData, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", flags.readFlash, err)
		}
		sink.Important("wrote %d bytes to %s", len(result.FlashData), flags.readFlash)
	}
	if result.VerifyReport != nil {
		if result.VerifyReport.Passed {
			sink.Important("verify passed")
		} else {
			sink.Error("verify failed: %d mismatch(es)", len(result.VerifyReport.Mismatches))
			for _, m := range result.VerifyReport.Mismatches {
				fmt.Printf("  0x%04x: want 0x%02x got 0x%02x\n", m.Address, m.Expected, m.Got)
			}
		}
	}
	return nil
}
