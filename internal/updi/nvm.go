package updi

import (
	"context"
	"time"

	"github.com/daedaluz/updiprog/internal/ulog"
)

// NVM controller register offsets, relative to Device.NVMCtrlAddress.
const (
	nvmCtrlA    = 0x00
	nvmCtrlB    = 0x01
	nvmStatus   = 0x02
	nvmIntCtrl  = 0x03
	nvmIntFlags = 0x04
	nvmDataL    = 0x06
	nvmDataH    = 0x07
	nvmAddrL    = 0x08
	nvmAddrH    = 0x09
)

const (
	nvmCmdNop            = 0x00
	nvmCmdWritePage      = 0x01
	nvmCmdErasePage      = 0x02
	nvmCmdEraseWritePage = 0x03
	nvmCmdPageBufferClr  = 0x04
	nvmCmdChipErase      = 0x05
	nvmCmdEraseEEPROM    = 0x06
	nvmCmdWriteFuse      = 0x07
)

const (
	nvmStatusWriteError = 2
	nvmStatusEEPROMBusy = 1
	nvmStatusFlashBusy  = 0
)

const (
	unlockWaitTimeout = 100 * time.Millisecond
	nvmReadyTimeout   = 10 * time.Second
)

// NVM is the NVM controller driver: chip erase, fuse and flash programming
// (gated on wait-for-ready polling of NVMCTRL STATUS), and flash readback. Grounded in chip_erase/write_fuse/write_flash/read_flash and
// wait_flash_ready/execute_nvm_command/write_nvm from the original
// implementation.
type NVM struct {
	link   *Link
	device Device
	clock  Clock
	log    ulog.Sink
}

func NewNVM(link *Link, device Device, clock Clock, log ulog.Sink) *NVM {
	if clock == nil {
		clock = SystemClock{}
	}
	return &NVM{link: link, device: device, clock: clock, log: log}
}

// waitReady polls NVMCTRL STATUS until neither FLASH_BUSY nor EEPROM_BUSY
// is set. WRITE_ERROR is terminal; ErrNVMTimeout after 10s.
func (n *NVM) waitReady(ctx context.Context) error {
	deadline := n.clock.Now().Add(nvmReadyTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := n.link.ld(n.device.NVMCtrlAddress + nvmStatus)
		if err != nil {
			return err
		}
		if status&(1<<nvmStatusWriteError) != 0 {
			n.log.Error("NVMCTRL reported WRITE_ERROR")
			return wrap(ErrNVMError, "NVMCTRL reported WRITE_ERROR")
		}
		if status&((1<<nvmStatusEEPROMBusy)|(1<<nvmStatusFlashBusy)) == 0 {
			return nil
		}
		if n.clock.Now().After(deadline) {
			n.log.Error("NVM controller busy for over %s", nvmReadyTimeout)
			return wrap(ErrNVMTimeout, "NVM controller busy for over %s", nvmReadyTimeout)
		}
	}
}

func (n *NVM) executeCommand(command byte) error {
	return n.link.st(n.device.NVMCtrlAddress+nvmCtrlA, command)
}

// writeNVM loads the page buffer (byte or word access) and commits it with
// the given NVMCTRL command, waiting for the controller between every step.
func (n *NVM) writeNVM(ctx context.Context, address uint16, data []byte, command byte, wordAccess bool) error {
	if err := n.waitReady(ctx); err != nil {
		return err
	}
	if err := n.executeCommand(nvmCmdPageBufferClr); err != nil {
		return err
	}
	if err := n.waitReady(ctx); err != nil {
		return err
	}
	if wordAccess {
		if err := n.link.writeWords(address, data, len(data)/2); err != nil {
			return err
		}
	} else {
		if err := n.link.writeBytes(address, data); err != nil {
			return err
		}
	}
	if err := n.executeCommand(command); err != nil {
		return err
	}
	return n.waitReady(ctx)
}

// ChipErase erases the whole chip via the NVM controller. Not possible on
// a locked device — the caller must use the erase key via
// Session.unlockDevice instead.
func (n *NVM) ChipErase(ctx context.Context) error {
	n.log.Important("chip erase starting")
	if err := n.waitReady(ctx); err != nil {
		return err
	}
	if err := n.executeCommand(nvmCmdChipErase); err != nil {
		return err
	}
	if err := n.waitReady(ctx); err != nil {
		return err
	}
	n.log.Important("chip erase complete")
	return nil
}

// WriteFuse writes one fuse byte by address-and-data register programming.
func (n *NVM) WriteFuse(ctx context.Context, fuse uint8, value byte) error {
	if err := n.waitReady(ctx); err != nil {
		return err
	}
	addr := n.device.FusesAddress + uint16(fuse)
	if err := n.link.writeBytes(n.device.NVMCtrlAddress+nvmAddrL, []byte{byte(addr)}); err != nil {
		return err
	}
	if err := n.link.writeBytes(n.device.NVMCtrlAddress+nvmAddrH, []byte{byte(addr >> 8)}); err != nil {
		return err
	}
	if err := n.link.writeBytes(n.device.NVMCtrlAddress+nvmDataL, []byte{value}); err != nil {
		return err
	}
	return n.link.writeBytes(n.device.NVMCtrlAddress+nvmCtrlA, []byte{nvmCmdWriteFuse})
}

// ReadFuse reads one fuse byte directly (no NVM command needed for reads).
func (n *NVM) ReadFuse(fuse uint8) (byte, error) {
	return n.link.ld(n.device.FusesAddress + uint16(fuse))
}

// WritePage programs one page of data starting at address, via the
// ACK-suppressed word-access path the original always used for flash.
func (n *NVM) WritePage(ctx context.Context, address uint16, page []byte) error {
	return n.writeNVM(ctx, address, page, nvmCmdWritePage, true)
}

// ReadBlock reads size bytes starting at address, chunked in
// Device.FlashPageSize-word pages with a final partial-byte tail, reporting
// progress every 10% via the supplied callback (nil to skip).
func (n *NVM) ReadBlock(ctx context.Context, address uint16, size int, progress func(percent int)) ([]byte, error) {
	buf := make([]byte, 0, size)
	chunkBytes := int(n.device.FlashPageSize) * 2
	chunks := size / chunkBytes
	if size%chunkBytes != 0 {
		chunks++
	}
	pct := 10
	i := 0
	for ; i < size/chunkBytes; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		words, err := n.link.readWords(address+uint16(i*chunkBytes), int(n.device.FlashPageSize))
		if err != nil {
			return nil, err
		}
		buf = append(buf, words...)
		if progress != nil && 100*i/chunks > pct {
			progress(pct)
			pct += 10
		}
	}
	if tail := size % chunkBytes; tail != 0 {
		b, err := n.link.readBytes(address+uint16(i*chunkBytes), tail)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	if progress != nil {
		progress(100)
	}
	return buf, nil
}
