package updi

import "context"

// Reopener lets the link layer recover a wedged target by reopening the
// serial line at 300 baud long enough to emit a double BREAK, then
// restoring the normal line settings. Implemented by SerialReopener over
// internal/serial for the real transport. A nil Reopener is accepted:
// Handshake then fails with ErrLinkInit instead of attempting recovery.
type Reopener interface {
	ReopenDoubleBreak() (Transport, error)
	ReopenNormal() (Transport, error)
}

// Handshake brings the link into the UPDI-initialised state: send the BREAK
// stimulus, configure CTRLB/CTRLA, then confirm STATUSA is non-zero. On
// first failure it falls back to a double-break reset and retries once.
func (l *Link) Handshake(ctx context.Context, reopen Reopener) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.sendBreak(); err != nil {
		return err
	}
	if err := l.initRegisters(); err != nil {
		return err
	}
	ok, err := l.check()
	if err != nil {
		return err
	}
	if ok {
		l.log.Verbose("UPDI responded on first BREAK, no double-break recovery needed")
		return nil
	}

	if reopen == nil {
		return wrap(ErrLinkInit, "UPDI not responding and no double-break recovery available")
	}
	l.log.Important("UPDI not responding, retrying via double-break reset")
	if err := l.doubleBreakReset(reopen); err != nil {
		return wrap(ErrLinkInit, "double break reset: %v", err)
	}
	if err := l.initRegisters(); err != nil {
		return err
	}
	ok, err = l.check()
	if err != nil {
		return err
	}
	if !ok {
		return wrap(ErrLinkInit, "UPDI still not responding after double break")
	}
	l.log.Important("UPDI recovered after double-break reset")
	return nil
}

func (l *Link) sendBreak() error {
	return l.phy.send([]byte{0x00})
}

func (l *Link) initRegisters() error {
	if err := l.stcs(csCtrlB, 1<<ctrlBCCDetDisBit); err != nil {
		return err
	}
	return l.stcs(csCtrlA, 1<<ctrlAIBDLYBit)
}

func (l *Link) check() (bool, error) {
	v, err := l.ldcs(csStatusA)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (l *Link) doubleBreakReset(reopen Reopener) error {
	if err := l.phy.Close(); err != nil {
		return err
	}
	dbTransport, err := reopen.ReopenDoubleBreak()
	if err != nil {
		return err
	}
	l.phy = NewPhy(dbTransport)

	if err := l.phy.send([]byte{0x00, 0x00}); err != nil {
		return err
	}

	if err := l.phy.Close(); err != nil {
		return err
	}
	normalTransport, err := reopen.ReopenNormal()
	if err != nil {
		return err
	}
	l.phy = NewPhy(normalTransport)
	return nil
}
