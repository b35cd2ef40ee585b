package updi

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/daedaluz/updiprog/internal/ulog"
	"github.com/daedaluz/updiprog/internal/upditest"
)

// TestSessionInfoOnlyEntersProgmodeNormally exercises a fresh, unlocked,
// not-yet-in-progmode target: checkProg must bring it into programming mode
// itself via the normal NVMProg-key/reset choreography (enterProgmode)
// rather than requiring a caller to have done that already.
func TestSessionInfoOnlyEntersProgmodeNormally(t *testing.T) {
	dev, err := Lookup(ATtiny817)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	target := upditest.NewTarget(dev, false)

	sess := NewSession(target, dev, nil, nil, ulog.Sink{})
	req := Request{Device: ATtiny817, Actions: NewActionSet(ActionGetInfo)}
	result, err := sess.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Info.Family == "" {
		t.Fatal("expected a non-empty SIB family string")
	}
}

func TestSessionLockedInfoOnlyFailsWithoutUnlocking(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, true)

	sess := NewSession(target, dev, nil, nil, ulog.Sink{})
	req := Request{Device: ATtiny817, Actions: NewActionSet(ActionGetInfo)}
	_, err := sess.Process(context.Background(), req)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("got %v, want ErrLocked", err)
	}
}

func TestSessionLockedWriteFlashUnlocksFirst(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, true)

	sess := NewSession(target, dev, nil, nil, ulog.Sink{})
	hex := bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, 10)
	req := Request{
		Device:  ATtiny817,
		Actions: NewActionSet(ActionWriteFlash, ActionVerifyFlash),
		HexData: hex,
	}
	result, err := sess.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.VerifyReport == nil || !result.VerifyReport.Passed {
		t.Fatalf("verify report = %+v, want passed", result.VerifyReport)
	}
}

func TestSessionWriteFlashPadsToPageBoundary(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)

	// deliberately not a multiple of the page size (64 bytes)
	hex := bytes.Repeat([]byte{0xAB}, 130)

	writeSess := NewSession(target, dev, nil, nil, ulog.Sink{})
	writeReq := Request{Device: ATtiny817, Actions: NewActionSet(ActionWriteFlash), HexData: hex}
	if _, err := writeSess.Process(context.Background(), writeReq); err != nil {
		t.Fatalf("write Process: %v", err)
	}

	// RunOrder reads flash before it writes it within a single Process call,
	// so the write is verified through a second, independent session.
	readSess := NewSession(target, dev, nil, nil, ulog.Sink{})
	readReq := Request{Device: ATtiny817, Actions: NewActionSet(ActionReadFlash)}
	result, err := readSess.Process(context.Background(), readReq)
	if err != nil {
		t.Fatalf("read Process: %v", err)
	}
	if len(result.FlashData) != int(dev.FlashSize) {
		t.Fatalf("ReadFlash returned %d bytes, want %d", len(result.FlashData), dev.FlashSize)
	}
	if !bytes.Equal(result.FlashData[:len(hex)], hex) {
		t.Fatal("written prefix does not match source data")
	}
	pageSize := int(dev.FlashPageSize)
	for i := len(hex); i < (len(hex)+pageSize-1)/pageSize*pageSize; i++ {
		if result.FlashData[i] != 0xFF {
			t.Fatalf("pad byte %d = 0x%02x, want 0xFF", i, result.FlashData[i])
		}
	}
}

func TestSessionFuseRoundTrip(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)

	fuses := make([]byte, dev.NumFuses)
	for i := range fuses {
		fuses[i] = byte(0xC0 + i)
	}

	writeSess := NewSession(target, dev, nil, nil, ulog.Sink{})
	writeReq := Request{Device: ATtiny817, Actions: NewActionSet(ActionWriteFuses), FuseValues: fuses}
	if _, err := writeSess.Process(context.Background(), writeReq); err != nil {
		t.Fatalf("write Process: %v", err)
	}

	// RunOrder reads fuses before it writes them within a single Process
	// call, so the write is verified through a second, independent session.
	readSess := NewSession(target, dev, nil, nil, ulog.Sink{})
	readReq := Request{Device: ATtiny817, Actions: NewActionSet(ActionReadFuses)}
	result, err := readSess.Process(context.Background(), readReq)
	if err != nil {
		t.Fatalf("read Process: %v", err)
	}
	if !bytes.Equal(result.FuseValues, fuses) {
		t.Fatalf("fuse round trip mismatch: got %v want %v", result.FuseValues, fuses)
	}
}

func TestSessionDoubleBreakHandshakeRecovery(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	target.FailChecksBeforeResponding(1)

	reopen := upditest.StaticReopener{Transport: target}
	sess := NewSession(target, dev, reopen, nil, ulog.Sink{})
	req := Request{Device: ATtiny817, Actions: NewActionSet(ActionGetInfo)}
	if _, err := sess.Process(context.Background(), req); err != nil {
		t.Fatalf("Process after forced double break: %v", err)
	}
}

func TestSessionValidateRejectsEmptyActions(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	sess := NewSession(target, dev, nil, nil, ulog.Sink{})
	req := Request{Device: ATtiny817, Actions: NewActionSet()}
	if _, err := sess.Process(context.Background(), req); !errors.Is(err, ErrBadConfig) {
		t.Fatalf("got %v, want ErrBadConfig", err)
	}
}

func TestSessionValidateRejectsWriteFlashWithoutHexData(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)
	sess := NewSession(target, dev, nil, nil, ulog.Sink{})
	req := Request{Device: ATtiny817, Actions: NewActionSet(ActionWriteFlash)}
	if _, err := sess.Process(context.Background(), req); !errors.Is(err, ErrBadConfig) {
		t.Fatalf("got %v, want ErrBadConfig", err)
	}
}

func TestSessionWriteUserrow(t *testing.T) {
	dev, _ := Lookup(ATtiny817)
	target := upditest.NewTarget(dev, false)

	sess := NewSession(target, dev, nil, nil, ulog.Sink{})
	data := []byte{0x01, 0x02, 0x03}
	req := Request{
		Device:      ATtiny817,
		Actions:     NewActionSet(ActionWriteUserrow),
		UserrowData: data,
	}
	if _, err := sess.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
}
