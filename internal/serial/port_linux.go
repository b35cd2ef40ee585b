package serial

import (
	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

type Termios struct {
	Iflag IFlag      /* input mode flags */
	Oflag OFlag      /* output mode flags */
	Cflag CFlag      /* control mode flags */
	Lflag LFlag      /* local mode flags */
	Line  Discipline /* line discipline */
	Cc    [19]byte   /* control characters */
}

type Termios2 struct {
	Iflag  IFlag      /* input mode flags */
	Oflag  OFlag      /* output mode flags */
	Cflag  CFlag      /* control mode flags */
	Lflag  LFlag      /* local mode flags */
	Line   Discipline /* line discipline */
	Cc     [19]byte   /* control characters */
	ISpeed uint32     /* input speed */
	OSpeed uint32     /* output speed */
}

// Control characters. The full POSIX enum is kept intact (even though Open
// only ever sets Cc[VMIN]/Cc[VTIME]) because VMIN and VTIME's array indices
// are positionally derived from it.
const (
	// VINTR
	// (003, ETX, Ctrl-C, or also 0177, DEL, rubout) Interrupt
	// character (INTR). Send a SIGINT signal.
	// Recognized when ISIG is set, and then not passed as input
	VINTR = iota

	// VQUIT
	// (034, FS, Ctrl-\) Quit character (QUIT). Send SIGQUIT signal.
	// Recognized when ISIG is set, and then not passed as input.
	VQUIT

	// VERASE
	// (0177, DEL, rubout, or 010, BS, Ctrl-H, or also #) Erase character (ERASE).
	// This erases the previous not-yet-erased character,
	// but does not erase past EOF or beginning-of-line.
	// Recognized when ICANON is set, and then not passed as input.
	VERASE

	// VKILL
	// (025, NAK, Ctrl-U, or Ctrl-X, or also @) Kill character (KILL).
	// This erases the input since the last EOF or beginning-of-line.
	// Recognized when ICANON is set, and then not passed as input.
	VKILL

	// VEOF
	// (004, EOT, Ctrl-D) End-of-file character (EOF). More precisely:
	// this character causes the pending tty buffer to be sent to the
	// waiting user program without waiting for end-of-line. If it is
	// the first character of the line, the read(2) in the user program
	// returns 0, which signifies end-of-file.
	// Recognized when ICANON is set, and then not passed as input.
	VEOF

	// VTIME
	// Timeout in deciseconds for noncanonical read (TIME).
	VTIME

	// VMIN
	// Minimum number of characters for noncanonical read (MIN).
	VMIN

	// VSWTCH
	// (not in POSIX; not supported under Linux; 0, NUL) Switch character (SWTCH).
	// Used in System V to switch shells in shell layers, a predecessor to shell job control.
	VSWTCH

	// VSTART
	// (021, DC1, Ctrl-Q) Start character (START).
	// Restarts output stopped by the Stop character.
	// Recognized when IXON is set, and then not passed as input.
	VSTART

	// VSTOP
	// (023, DC3, Ctrl-S) Stop character (STOP).
	// Stop output until Start character typed.
	// Recognized when IXON is set, and then not passed as input.
	VSTOP

	// VSUSP
	// (032, SUB, Ctrl-Z) Suspend character (SUSP).
	// Send SIGTSTP signal.
	// Recognized when ISIG is set, and then not passed as input.
	VSUSP

	// VEOL
	// (0, NUL) Additional end-of-line character (EOL).
	// Recognized when ICANON is set.
	VEOL

	// VREPRINT
	// (not in POSIX; 022, DC2, Ctrl-R) Reprint unread characters (REPRINT).
	// Recognized when ICANON and IEXTEN are set, and then not passed as input.
	VREPRINT

	// VDISCARD
	// (not in POSIX; not supported under Linux; 017, SI, Ctrl-O) Toggle: start/stop discarding pending output.
	// Recognized when IEXTEN is set, and then not passed as input.
	VDISCARD

	// VWERASE
	// (not in POSIX; 027, ETB, Ctrl-W) Word erase (WERASE).
	// Recognized when ICANON and IEXTEN are set, and then not passed as input.
	VWERASE

	// VLNEXT
	// (not in POSIX; 026, SYN, Ctrl-V) Literal next (LNEXT).
	// Quotes the next input character, depriving it of a possible special meaning.
	// Recognized when IEXTEN is set, and then not passed as input.
	VLNEXT

	// VEOL2
	// (not in POSIX; 0, NUL) Yet another end-of-line character (EOL2).
	// Recognized when ICANON is set.
	VEOL2
)

// IFlag holds termios input mode flags. Open always sets this field to 0
// (raw input, no translation); the type exists for the Termios/Termios2
// field, not because any named bit is set today.
type IFlag uint32

// OFlag holds termios output mode flags. Open always sets this field to 0.
type OFlag uint32

type CFlag uint32

// Control flags actually exercised by cflag()/SetCustomSpeed.
const (
	// CBAUD (not in POSIX) Baud speed mask (4+1 bits).
	CBAUD = CFlag(0010017)

	// CSIZE Character size mask. Values are CS5, CS6, CS7, or CS8.
	// CS5 Character is 5 bit
	CS5 = CFlag(0000000)
	// CS6 Character is 6 bit
	CS6 = CFlag(0000020)
	// CS7 Character is 7 bit
	CS7 = CFlag(0000040)
	// CS8 Character is 8 bit
	CS8 = CFlag(0000060)

	// CSTOPB Set two stop bits, rather than one.
	CSTOPB = CFlag(0000100)

	// CREAD Enable receiver.
	CREAD = CFlag(0000200)

	// PARENB Enable parity generation on output and parity checking for input.
	PARENB = CFlag(0000400)

	// PARODD If set, then parity for input and output is odd; otherwise even parity is used.
	PARODD = CFlag(0001000)

	// CLOCAL Ignore modem control lines.
	CLOCAL = CFlag(0004000)

	// BOTHER (not in POSIX) selects the custom ISpeed/OSpeed fields on
	// Termios2 instead of one of the fixed CBAUD values.
	BOTHER = CFlag(0010000)
)

// LFlag holds termios local mode flags. Open always sets this field to 0.
type LFlag uint32

type Action int

const (
	// TCSANOW
	// the change occurs immediately.
	TCSANOW = Action(iota)

	// TCSADRAIN
	// the change occurs after all output written to fd has been transmitted.
	// This option should be used when changing parameters that affect output.
	TCSADRAIN

	// TCSAFLUSH
	// the change occurs after all output written to the object
	// referred by fd has been transmitted, and all input that has been
	// received but not read will be discarded before the change is made
	TCSAFLUSH
)

// Discipline is the termios line discipline field (N_TTY and friends);
// internal/serial never switches it away from its zero value.
type Discipline byte

// Parity selects the line parity applied to a Port on Open.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

type Options struct {
	ReadTimeout time.Duration
	OpenMode    int

	BaudRate uint32
	DataBits int
	StopBits int
	Parity   Parity
}

func NewOptions() *Options {
	return &Options{
		ReadTimeout: -1,
		OpenMode:    syscall.O_RDWR | syscall.O_NOCTTY | syscall.SYS_SYNC,
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    2,
		Parity:      ParityEven,
	}
}

// cflag builds the control-mode bits implied by DataBits/StopBits/Parity.
// BaudRate is applied separately via SetCustomSpeed, since it uses BOTHER
// rather than one of the fixed CBAUD values.
func (o *Options) cflag() CFlag {
	c := CREAD | CLOCAL
	switch o.DataBits {
	case 5:
		c |= CS5
	case 6:
		c |= CS6
	case 7:
		c |= CS7
	default:
		c |= CS8
	}
	if o.StopBits >= 2 {
		c |= CSTOPB
	}
	switch o.Parity {
	case ParityEven:
		c |= PARENB
	case ParityOdd:
		c |= PARENB | PARODD
	}
	return c
}

type Port struct {
	options *Options
	closed  atomic.Bool
	f       int
}

func Open(name string, opts *Options) (*Port, error) {
	if opts == nil {
		opts = NewOptions()
	}
	fd, err := syscall.Open(name, opts.OpenMode, 0)
	if err != nil {
		return nil, wrapErr("open "+name, err)
	}
	p := &Port{
		options: opts,
		f:       fd,
	}
	if opts.BaudRate == 0 {
		// BaudRate 0 means "leave the line discipline alone" — used for
		// /dev/ptmx, where termios apply to the eventual slave, not the
		// master control fd.
		return p, nil
	}
	attrs := &Termios2{}
	attrs.Cflag = opts.cflag()
	attrs.Lflag = 0
	attrs.Iflag = 0
	attrs.Oflag = 0
	attrs.Cc[VMIN] = 1
	attrs.Cc[VTIME] = 0
	attrs.SetCustomSpeed(opts.BaudRate)
	if err := p.SetAttr2(TCSANOW, attrs); err != nil {
		syscall.Close(fd)
		return nil, wrapErr("configure "+name, err)
	}
	return p, nil
}

// ReopenDoubleBreak opens a port at 300 baud, 8 data bits, one stop bit,
// no parity; it does not close any earlier handle to the same port. Holding the line low across two back-to-back
// byte times at that rate produces a bit period long enough for a UPDI
// target to recognise it as the double-break reset condition; the caller
// is responsible for writing the actual break bytes once this returns.
func ReopenDoubleBreak(name string) (*Port, error) {
	opts := NewOptions()
	opts.BaudRate = 300
	opts.DataBits = 8
	opts.StopBits = 1
	opts.Parity = ParityNone
	return Open(name, opts)
}

// ReadFull reads exactly len(buf) bytes, or returns a timeout error once
// the deadline elapses without the buffer having been filled.
func (p *Port) ReadFull(buf []byte, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return got, wrapErr("read timeout", syscall.ETIMEDOUT)
		}
		n, err := p.readTimeout(buf[got:], remaining)
		if err != nil {
			return got, err
		}
		got += n
	}
	return got, nil
}

func (p *Port) Write(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return syscall.Write(p.f, data)
}

func (p *Port) readTimeout(data []byte, timeout time.Duration) (int, error) {
	if err := poll.WaitInput(p.f, timeout); err != nil {
		return 0, err
	}
	return syscall.Read(p.f, data)
}

// Read is exercised by the pty loopback test rather than by internal/updi,
// which always goes through ReadFull.
func (p *Port) Read(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if p.options.ReadTimeout > -1 {
		return p.readTimeout(data, p.options.ReadTimeout)
	}
	return syscall.Read(p.f, data)
}

func (p *Port) Fd() int {
	if p.closed.Load() {
		return -1
	}
	return p.f
}

func (p *Port) Close() error {
	if !p.closed.Swap(true) {
		fd := p.f
		p.f = -1
		return syscall.Close(fd)
	}
	return ErrClosed
}

func (p *Port) SetAttr(when Action, attrs *Termios) error {
	return ioctl.Ioctl(uintptr(p.f), tcsets+uintptr(when), uintptr(unsafe.Pointer(attrs)))
}

func (p *Port) SetAttr2(when Action, attrs *Termios2) error {
	return ioctl.Ioctl(uintptr(p.f), tcsets2+uintptr(when), uintptr(unsafe.Pointer(attrs)))
}

func (attrs *Termios2) SetCustomSpeed(speed uint32) {
	attrs.Cflag &= ^(CBAUD)
	attrs.Cflag |= BOTHER
	attrs.ISpeed = speed
	attrs.OSpeed = speed
}

// Winsize mirrors struct winsize from <asm-generic/termios.h>, used by
// TIOCSWINSZ. UPDI has no notion of terminal geometry; this exists so
// OpenPTY can satisfy the pseudoterminal setup contract expected of a
// master/slave pair.
type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}

// SetWinSize sets the Port's window size.
func (p *Port) SetWinSize(ws *Winsize) error {
	return ioctl.Ioctl(uintptr(p.f), tiocswinsz, uintptr(unsafe.Pointer(ws)))
}

// SetLockPT sets or clears the lock on the pty pair denoted by a ptmx fd.
// The slave cannot be opened while locked; ptmx leaves a new pair locked,
// so OpenPTY must clear the lock before fetching the peer.
func (p *Port) SetLockPT(locked bool) error {
	var v int32
	if locked {
		v = 1
	}
	return ioctl.Ioctl(uintptr(p.f), tiocsptlck, uintptr(unsafe.Pointer(&v)))
}

// GetPTPeer opens the slave side of the pty pair denoted by a ptmx fd
// directly via TIOCGPTPEER, avoiding a race against /dev/pts/N being
// reused. flags are passed through as the open(2) flags for the peer.
// Unlike the other ioctls here, TIOCGPTPEER returns the new fd as the
// syscall result rather than through an argument, so it is issued directly
// rather than through the goioctl helper.
func (p *Port) GetPTPeer(flags int) (*Port, error) {
	fd, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(p.f), tiocgptpeer, uintptr(flags))
	if errno != 0 {
		return nil, errno
	}
	return &Port{
		options: NewOptions(),
		f:       int(fd),
	}, nil
}
