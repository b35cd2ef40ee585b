package updi

import "github.com/daedaluz/updiprog/internal/ulog"

// UPDI instruction set. Grounded in updi.h from the original implementation.
const (
	phySync = 0x55
	phyAck  = 0x40

	opLDS    = 0x00
	opSTS    = 0x40
	opLD     = 0x20
	opST     = 0x60
	opLDCS   = 0x80
	opSTCS   = 0xC0
	opREPEAT = 0xA0
	opKEY    = 0xE0

	ptrPlain   = 0x00
	ptrInc     = 0x04
	ptrAddress = 0x08

	address8  = 0x00
	address16 = 0x04

	data8  = 0x00
	data16 = 0x01

	keySIB = 0x04
	keyKey = 0x00

	key64  = 0x00
	key128 = 0x01

	repeatByte = 0x00
	repeatWord = 0x01

	maxRepeatSize = 0xFF
)

// CS/ASI register addresses (4-bit address space reached by LDCS/STCS).
const (
	csStatusA    = 0x00
	csStatusB    = 0x01
	csCtrlA      = 0x02
	csCtrlB      = 0x03
	asiKeyStatus = 0x07
	asiResetReq  = 0x08
	asiCtrlA     = 0x09
	asiSysCtrlA  = 0x0A
	asiSysStatus = 0x0B
	asiCRCStatus = 0x0C
)

const (
	ctrlAIBDLYBit    = 7
	ctrlARSDBit      = 3
	ctrlBCCDetDisBit = 3
	ctrlBUPDIDisBit  = 2

	keyStatusChipErase = 3
	keyStatusNVMProg   = 4
	keyStatusUrowWrite = 5

	sysStatusRstSys     = 5
	sysStatusInSleep    = 4
	sysStatusNVMProg    = 3
	sysStatusUrowProg   = 2
	sysStatusLockStatus = 0

	resetReqValue = 0x59
)

var (
	keyNVM       = []byte("NVMProg ")
	keyChipErase = []byte("NVMErase")
	keyUserrow   = []byte("NVMUs&te")
)

// Link implements the UPDI instruction encode/decode layer on top of a Phy:
// LDS/STS/LD/ST/LDCS/STCS/REPEAT/KEY framing, the one-shot REPEAT burst
// discipline, and ACK checking for direct stores.
type Link struct {
	phy          *Phy
	repeatPrimed bool
	log          ulog.Sink
}

func NewLink(t Transport, log ulog.Sink) *Link {
	return &Link{phy: NewPhy(t), log: log}
}

func (l *Link) Close() error {
	return l.phy.Close()
}

// ldcs loads a single byte from CS/ASI space.
func (l *Link) ldcs(address byte) (byte, error) {
	buf := []byte{phySync, opLDCS | (address & 0x0F)}
	reply, err := l.phy.sendReceive(buf, 1)
	if err != nil {
		return 0, err
	}
	return reply[0], nil
}

// stcs stores a single byte to CS/ASI space. No reply is expected.
func (l *Link) stcs(address, value byte) error {
	buf := []byte{phySync, opSTCS | (address & 0x0F), value}
	return l.phy.send(buf)
}

// ld loads one byte directly from a 16-bit address.
func (l *Link) ld(address uint16) (byte, error) {
	buf := []byte{phySync, opLDS | address16 | data8, byte(address), byte(address >> 8)}
	reply, err := l.phy.sendReceive(buf, 1)
	if err != nil {
		return 0, err
	}
	return reply[0], nil
}

// ld16 loads one word directly from a 16-bit address, big-endian on the wire.
func (l *Link) ld16(address uint16) (uint16, error) {
	buf := []byte{phySync, opLDS | address16 | data16, byte(address), byte(address >> 8)}
	reply, err := l.phy.sendReceive(buf, 2)
	if err != nil {
		return 0, err
	}
	return uint16(reply[0])<<8 | uint16(reply[1]), nil
}

// ldPtrInc loads size bytes from the indirect pointer, post-incrementing.
func (l *Link) ldPtrInc(size int) ([]byte, error) {
	buf := []byte{phySync, opLD | ptrInc | data8}
	l.clearRepeat()
	return l.phy.sendReceive(buf, size)
}

// ldPtrInc16 loads numwords words from the indirect pointer, post-incrementing.
func (l *Link) ldPtrInc16(numwords int) ([]byte, error) {
	buf := []byte{phySync, opLD | ptrInc | data16}
	l.clearRepeat()
	return l.phy.sendReceive(buf, numwords*2)
}

// st stores one byte directly to a 16-bit address, ACKed.
func (l *Link) st(address uint16, value byte) error {
	buf := []byte{phySync, opSTS | address16 | data8, byte(address), byte(address >> 8)}
	reply, err := l.phy.sendReceive(buf, 1)
	if err != nil {
		return err
	}
	if reply[0] != phyAck {
		return wrap(ErrLinkNack, "st address 0x%04x", address)
	}
	reply, err = l.phy.sendReceive([]byte{value}, 1)
	if err != nil {
		return err
	}
	if reply[0] != phyAck {
		return wrap(ErrLinkNack, "st value to 0x%04x", address)
	}
	return nil
}

// st16 stores one word directly to a 16-bit address, ACKed twice.
func (l *Link) st16(address, value uint16) error {
	buf := []byte{phySync, opSTS | address16 | data16, byte(address), byte(address >> 8)}
	reply, err := l.phy.sendReceive(buf, 1)
	if err != nil {
		return err
	}
	if reply[0] != phyAck {
		return wrap(ErrLinkNack, "st16 address 0x%04x", address)
	}
	reply, err = l.phy.sendReceive([]byte{byte(value), byte(value >> 8)}, 1)
	if err != nil {
		return err
	}
	if reply[0] != phyAck {
		return wrap(ErrLinkNack, "st16 value to 0x%04x", address)
	}
	return nil
}

// stPtr sets the indirect pointer, ACKed.
func (l *Link) stPtr(address uint16) error {
	buf := []byte{phySync, opST | ptrAddress | data16, byte(address), byte(address >> 8)}
	reply, err := l.phy.sendReceive(buf, 1)
	if err != nil {
		return err
	}
	if reply[0] != phyAck {
		return wrap(ErrLinkNack, "st_ptr 0x%04x", address)
	}
	return nil
}

// stPtrInc stores data at the indirect pointer, post-incrementing, ACKed
// per byte.
func (l *Link) stPtrInc(data []byte) error {
	defer l.clearRepeat()
	buf := []byte{phySync, opST | ptrInc | data8, data[0]}
	reply, err := l.phy.sendReceive(buf, 1)
	if err != nil {
		return err
	}
	if reply[0] != phyAck {
		return wrap(ErrLinkNack, "st_ptr_inc byte 0")
	}
	for i := 1; i < len(data); i++ {
		reply, err := l.phy.sendReceive(data[i:i+1], 1)
		if err != nil {
			return err
		}
		if reply[0] != phyAck {
			return wrap(ErrLinkNack, "st_ptr_inc byte %d", i)
		}
	}
	return nil
}

// stPtrInc16 stores numwords words at the indirect pointer, post-
// incrementing. ACKs are disabled around the burst (CTRLA IBDLY|RSD) to cut
// round-trip latency, matching the original's st_ptr_inc16.
func (l *Link) stPtrInc16(data []byte) error {
	defer l.clearRepeat()
	const ctrlAAckOn = 1 << ctrlAIBDLYBit
	const ctrlAAckOff = ctrlAAckOn | 1<<ctrlARSDBit

	if err := l.stcs(csCtrlA, ctrlAAckOff); err != nil {
		return err
	}
	buf := []byte{phySync, opST | ptrInc | data16}
	if err := l.phy.send(buf); err != nil {
		return err
	}
	if err := l.phy.send(data); err != nil {
		return err
	}
	return l.stcs(csCtrlA, ctrlAAckOn)
}

// repeat primes the next indirect LD/ST to run `repeats` times. It is a
// one-shot field on the target: a second REPEAT without an intervening
// indirect access is a protocol violation.
func (l *Link) repeat(repeats int) error {
	if l.repeatPrimed {
		panic("updi: REPEAT issued twice without an intervening indirect access")
	}
	n := repeats - 1
	buf := []byte{phySync, opREPEAT | repeatWord, byte(n), byte(n >> 8)}
	if err := l.phy.send(buf); err != nil {
		return err
	}
	l.repeatPrimed = true
	return nil
}

func (l *Link) clearRepeat() {
	l.repeatPrimed = false
}

// key sends a byte-reversed key of the given size class (key64 or key128).
func (l *Link) key(size byte, k []byte) error {
	buf := []byte{phySync, opKEY | keyKey | size}
	reversed := make([]byte, len(k))
	for i, b := range k {
		reversed[len(k)-1-i] = b
	}
	if err := l.phy.send(buf); err != nil {
		return err
	}
	return l.phy.send(reversed)
}

// sib reads the 16-byte System Info Block.
func (l *Link) sib() ([]byte, error) {
	buf := []byte{phySync, opKEY | keySIB | key128}
	return l.phy.sendReceive(buf, 16)
}

// maxRepeatWords is the unified REPEAT cap for both word reads and word
// writes (Open Question 5): the original's read_data_words used the
// tighter (maxRepeatSize>>1)+1 = 128 bound while write_data_words used the
// looser maxRepeatSize+1 = 256 bound, for no documented reason. This
// rewrite applies the 256 bound to both directions — REPEAT encodes its
// count as N-1, so 256 repeats fit in the low count byte regardless of
// access width, and callers chunk
// down to flash_pagesize words per transfer anyway, so 256 is never
// actually exercised at the page size of any supported part.
const maxRepeatWords = maxRepeatSize + 1

// readBytes reads size bytes starting at address via the indirect pointer.
func (l *Link) readBytes(address uint16, size int) ([]byte, error) {
	if size > maxRepeatSize+1 {
		return nil, wrap(ErrBadConfig, "readBytes: %d exceeds REPEAT range", size)
	}
	if err := l.stPtr(address); err != nil {
		return nil, err
	}
	if size > 1 {
		if err := l.repeat(size); err != nil {
			return nil, err
		}
	}
	return l.ldPtrInc(size)
}

// readWords reads numwords words starting at address via the indirect
// pointer.
func (l *Link) readWords(address uint16, numwords int) ([]byte, error) {
	if numwords > maxRepeatWords {
		return nil, wrap(ErrBadConfig, "readWords: %d exceeds REPEAT range", numwords)
	}
	if err := l.stPtr(address); err != nil {
		return nil, err
	}
	if numwords > 1 {
		if err := l.repeat(numwords); err != nil {
			return nil, err
		}
	}
	return l.ldPtrInc16(numwords)
}

// writeBytes writes data starting at address. 1- and 2-byte writes go
// through one or two direct byte ST stores rather than the indirect
// pointer, matching the original's write_data fast path.
func (l *Link) writeBytes(address uint16, data []byte) error {
	switch {
	case len(data) == 1:
		return l.st(address, data[0])
	case len(data) == 2:
		if err := l.st(address, data[0]); err != nil {
			return err
		}
		return l.st(address+1, data[1])
	}
	if len(data) > maxRepeatSize+1 {
		return wrap(ErrBadConfig, "writeBytes: %d exceeds REPEAT range", len(data))
	}
	if err := l.stPtr(address); err != nil {
		return err
	}
	if err := l.repeat(len(data)); err != nil {
		return err
	}
	return l.stPtrInc(data)
}

// writeWords writes data (2*numwords bytes) starting at address. A single
// word goes through direct ST16; larger bursts use the ACK-suppressed
// indirect pointer write.
func (l *Link) writeWords(address uint16, data []byte, numwords int) error {
	if numwords == 1 {
		return l.st16(address, uint16(data[0])|uint16(data[1])<<8)
	}
	if numwords > maxRepeatWords {
		return wrap(ErrBadConfig, "writeWords: %d exceeds REPEAT range", numwords)
	}
	if err := l.stPtr(address); err != nil {
		return err
	}
	if err := l.repeat(numwords); err != nil {
		return err
	}
	return l.stPtrInc16(data)
}
