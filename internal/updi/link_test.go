package updi

import (
	"bytes"
	"testing"

	"github.com/daedaluz/updiprog/internal/ulog"
	"github.com/daedaluz/updiprog/internal/upditest"
)

func TestLdcsFraming(t *testing.T) {
	tr := upditest.NewScriptedTransport(
		[]byte{phySync, opLDCS | csStatusA}, // echo of the write
		[]byte{0x10},                        // reply value
	)
	link := NewLink(tr, ulog.Sink{})
	v, err := link.ldcs(csStatusA)
	if err != nil {
		t.Fatalf("ldcs: %v", err)
	}
	if v != 0x10 {
		t.Fatalf("got 0x%02x, want 0x10", v)
	}
	if len(tr.Writes) != 1 || !bytes.Equal(tr.Writes[0], []byte{phySync, opLDCS | csStatusA}) {
		t.Fatalf("unexpected frame on wire: %v", tr.Writes)
	}
}

func TestStFramingTwoACKedWrites(t *testing.T) {
	tr := upditest.NewScriptedTransport(
		[]byte{phySync, opSTS | address16 | data8, 0x34, 0x12}, // echo of address frame
		[]byte{phyAck},
		[]byte{0x99}, // echo of value frame
		[]byte{phyAck},
	)
	link := NewLink(tr, ulog.Sink{})
	if err := link.st(0x1234, 0x99); err != nil {
		t.Fatalf("st: %v", err)
	}
	if len(tr.Writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(tr.Writes))
	}
	if !bytes.Equal(tr.Writes[1], []byte{0x99}) {
		t.Fatalf("value frame = %v, want [0x99]", tr.Writes[1])
	}
}

func TestStNackIsAnError(t *testing.T) {
	tr := upditest.NewScriptedTransport(
		[]byte{phySync, opSTS | address16 | data8, 0x00, 0x10},
		[]byte{0x00}, // NACK
	)
	link := NewLink(tr, ulog.Sink{})
	if err := link.st(0x1000, 0x01); err == nil {
		t.Fatal("expected error on NACK, got nil")
	}
}

func TestKeyByteReversal(t *testing.T) {
	tr := upditest.NewScriptedTransport(
		[]byte{phySync, opKEY | keyKey | key64}, // echo of opcode frame
		[]byte(" gorPMVN"),                      // echo of reversed body
	)
	link := NewLink(tr, ulog.Sink{})
	if err := link.key(key64, keyNVM); err != nil {
		t.Fatalf("key: %v", err)
	}
	if len(tr.Writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(tr.Writes))
	}
	reversed := make([]byte, len(keyNVM))
	for i, b := range keyNVM {
		reversed[len(keyNVM)-1-i] = b
	}
	if !bytes.Equal(tr.Writes[1], reversed) {
		t.Fatalf("key body = %q, want %q", tr.Writes[1], reversed)
	}
}

func TestRepeatPrimedTwiceWithoutIndirectAccessPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double REPEAT priming")
		}
	}()
	tr := upditest.NewScriptedTransport(
		[]byte{phySync, opREPEAT | repeatWord, 0x03, 0x00},
		[]byte{phySync, opREPEAT | repeatWord, 0x03, 0x00},
	)
	link := NewLink(tr, ulog.Sink{})
	if err := link.repeat(4); err != nil {
		t.Fatalf("first repeat: %v", err)
	}
	_ = link.repeat(4)
}

func TestReadWriteBytesRoundTripAgainstTarget(t *testing.T) {
	dev, err := Lookup(ATtiny817)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})

	for _, size := range []int{1, 2, 3, 64, 129, 255, 256} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i*7 + size)
		}
		addr := dev.FusesAddress
		if err := link.writeBytes(addr, data); err != nil {
			t.Fatalf("writeBytes(size=%d): %v", size, err)
		}
		got, err := link.readBytes(addr, size)
		if err != nil {
			t.Fatalf("readBytes(size=%d): %v", size, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("size=%d round trip mismatch: got %v want %v", size, got, data)
		}
	}
}

func TestReadWriteWordsRoundTripAgainstTarget(t *testing.T) {
	dev, err := Lookup(ATtiny817)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})

	for _, numwords := range []int{1, 2, 32, 64, 128, 256} {
		data := make([]byte, numwords*2)
		for i := range data {
			data[i] = byte(i*3 + numwords)
		}
		addr := dev.FlashStart
		if err := link.writeWords(addr, data, numwords); err != nil {
			t.Fatalf("writeWords(numwords=%d): %v", numwords, err)
		}
		got, err := link.readWords(addr, numwords)
		if err != nil {
			t.Fatalf("readWords(numwords=%d): %v", numwords, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("numwords=%d round trip mismatch: got %v want %v", numwords, got, data)
		}
	}
}

func TestWriteWordsExceedingRepeatRangeRejected(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	link := NewLink(target, ulog.Sink{})
	data := make([]byte, (maxRepeatWords+1)*2)
	if err := link.writeWords(dev.FlashStart, data, maxRepeatWords+1); err == nil {
		t.Fatal("expected error for REPEAT range overflow")
	}
}
