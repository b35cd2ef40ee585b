package updi

import (
	"time"

	"github.com/daedaluz/updiprog/internal/serial"
)

// SerialReopener implements Reopener over the real internal/serial Linux
// termios transport: ReopenDoubleBreak drops to 300 baud 8N1 for the
// double-break reset stimulus, ReopenNormal restores the line's normal
// operating parameters.
type SerialReopener struct {
	PortName string
	BaudRate uint32
}

func (r SerialReopener) ReopenDoubleBreak() (Transport, error) {
	p, err := serial.ReopenDoubleBreak(r.PortName)
	if err != nil {
		return nil, wrap(ErrTransportOpen, "reopen %s for double break: %v", r.PortName, err)
	}
	return transportPort{p}, nil
}

func (r SerialReopener) ReopenNormal() (Transport, error) {
	opts := serial.NewOptions()
	opts.BaudRate = r.BaudRate
	p, err := serial.Open(r.PortName, opts)
	if err != nil {
		return nil, wrap(ErrTransportOpen, "reopen %s: %v", r.PortName, err)
	}
	return transportPort{p}, nil
}

// transportPort adapts *serial.Port to the Transport interface.
type transportPort struct {
	p *serial.Port
}

func (t transportPort) Write(b []byte) (int, error) { return t.p.Write(b) }
func (t transportPort) ReadFull(buf []byte, timeout time.Duration) (int, error) {
	return t.p.ReadFull(buf, timeout)
}
func (t transportPort) Close() error { return t.p.Close() }

// OpenSerialTransport opens the named port at the given baud rate with
// UPDI's line parameters (8 data bits, even parity, two stop bits) and
// returns it wrapped as a Transport.
func OpenSerialTransport(name string, baud uint32) (Transport, error) {
	opts := serial.NewOptions()
	opts.BaudRate = baud
	p, err := serial.Open(name, opts)
	if err != nil {
		return nil, wrap(ErrTransportOpen, "open %s: %v", name, err)
	}
	return transportPort{p}, nil
}
