package updi

import (
	"bytes"
	"context"
	"testing"

	"github.com/daedaluz/updiprog/internal/ulog"
	"github.com/daedaluz/updiprog/internal/upditest"
)

func TestWriteFuseReadFuseRoundTrip(t *testing.T) {
	dev, err := Lookup(ATtiny817)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})
	nvm := NewNVM(link, dev, nil, ulog.Sink{})

	if err := nvm.WriteFuse(context.Background(), 2, 0x5A); err != nil {
		t.Fatalf("WriteFuse: %v", err)
	}
	v, err := nvm.ReadFuse(2)
	if err != nil {
		t.Fatalf("ReadFuse: %v", err)
	}
	if v != 0x5A {
		t.Fatalf("got 0x%02x, want 0x5A", v)
	}
}

func TestChipEraseFillsFlashWithFF(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})
	nvm := NewNVM(link, dev, nil, ulog.Sink{})

	page := bytes.Repeat([]byte{0xAB}, int(dev.FlashPageSize)*2)
	if err := nvm.WritePage(context.Background(), dev.FlashStart, page); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := nvm.ChipErase(context.Background()); err != nil {
		t.Fatalf("ChipErase: %v", err)
	}
	data, err := nvm.ReadBlock(context.Background(), dev.FlashStart, len(page), nil)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range data {
		if b != 0xFF {
			t.Fatalf("byte %d = 0x%02x after chip erase, want 0xFF", i, b)
		}
	}
}

func TestWritePageReadBlockMultiPageRoundTrip(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})
	nvm := NewNVM(link, dev, nil, ulog.Sink{})

	pageSize := int(dev.FlashPageSize) * 2
	numPages := 3
	full := make([]byte, pageSize*numPages)
	for i := range full {
		full[i] = byte(i)
	}
	addr := dev.FlashStart
	for i := 0; i < numPages; i++ {
		page := full[i*pageSize : (i+1)*pageSize]
		if err := nvm.WritePage(context.Background(), addr, page); err != nil {
			t.Fatalf("WritePage %d: %v", i, err)
		}
		addr += uint16(pageSize)
	}

	readBack, err := nvm.ReadBlock(context.Background(), dev.FlashStart, len(full), nil)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(readBack, full) {
		t.Fatalf("multi-page round trip mismatch")
	}
}

func TestReadBlockWithOddTailLength(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})
	nvm := NewNVM(link, dev, nil, ulog.Sink{})

	pageSize := int(dev.FlashPageSize) * 2
	data := make([]byte, pageSize+5)
	for i := range data {
		data[i] = byte(i + 1)
	}
	if err := nvm.WritePage(context.Background(), dev.FlashStart, data[:pageSize]); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	// write the tail bytes directly via the indirect byte path so the read
	// side has something deterministic past the page boundary.
	if err := link.writeBytes(dev.FlashStart+uint16(pageSize), data[pageSize:]); err != nil {
		t.Fatalf("writeBytes tail: %v", err)
	}

	readBack, err := nvm.ReadBlock(context.Background(), dev.FlashStart, len(data), nil)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("tail round trip mismatch: got %v want %v", readBack, data)
	}
}

func TestReadBlockProgressReachesComplete(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})
	nvm := NewNVM(link, dev, nil, ulog.Sink{})

	size := int(dev.FlashPageSize) * 2 * 4
	var lastPct int
	_, err := nvm.ReadBlock(context.Background(), dev.FlashStart, size, func(pct int) {
		lastPct = pct
	})
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if lastPct != 100 {
		t.Fatalf("final progress = %d, want 100", lastPct)
	}
}
