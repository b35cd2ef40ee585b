package updi

import "time"

// Transport is the byte pipe a Phy rides on: the real serial.Port, or a
// synthetic peer in tests. Half-duplex and echoing: every Write is expected
// to reappear verbatim at the head of the next Read before any reply bytes.
type Transport interface {
	Write(p []byte) (int, error)
	ReadFull(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// readTimeoutBase plus readTimeoutPerByte per byte bounds every PHY-level
// read. Grounded in the Windows
// reference implementation's COMMTIMEOUTS (ReadIntervalTimeout=50ms,
// ReadTotalTimeoutConstant=50ms, ReadTotalTimeoutMultiplier=10ms/byte).
const (
	readTimeoutBase    = 50 * time.Millisecond
	readTimeoutPerByte = 10 * time.Millisecond
)

// Phy is the echo-stripping physical layer: it writes a frame, discards the
// echoed copy, and returns only the bytes the target actually replied with.
type Phy struct {
	transport Transport
}

func NewPhy(t Transport) *Phy {
	return &Phy{transport: t}
}

func (p *Phy) timeoutFor(n int) time.Duration {
	return readTimeoutBase + readTimeoutPerByte*time.Duration(n)
}

// send writes b and discards its echo. Used for fire-and-forget frames
// (STCS, REPEAT, KEY, and the ACK-suppressed bulk word write) where no
// reply is expected.
func (p *Phy) send(b []byte) error {
	if _, err := p.transport.Write(b); err != nil {
		return wrap(ErrTransportTimeout, "write: %v", err)
	}
	echo := make([]byte, len(b))
	if _, err := p.transport.ReadFull(echo, p.timeoutFor(len(b))); err != nil {
		return wrap(ErrEchoMismatch, "echo read: %v", err)
	}
	return nil
}

// sendReceive writes b, discards its echo, then reads and returns replyLen
// more bytes: the target's actual reply.
func (p *Phy) sendReceive(b []byte, replyLen int) ([]byte, error) {
	if err := p.send(b); err != nil {
		return nil, err
	}
	reply := make([]byte, replyLen)
	if replyLen == 0 {
		return reply, nil
	}
	if _, err := p.transport.ReadFull(reply, p.timeoutFor(replyLen)); err != nil {
		return nil, wrap(ErrTransportTimeout, "reply read: %v", err)
	}
	return reply, nil
}

func (p *Phy) Close() error {
	return p.transport.Close()
}
