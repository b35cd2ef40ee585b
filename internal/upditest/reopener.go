package upditest

import "github.com/daedaluz/updiprog/internal/updi"

// StaticReopener implements updi.Reopener by handing back the same
// transport (typically the same *Target) for both the double-break and
// normal reopen, since the in-process Target has no real line state to
// reconfigure.
type StaticReopener struct {
	Transport updi.Transport
}

func (r StaticReopener) ReopenDoubleBreak() (updi.Transport, error) {
	return r.Transport, nil
}

func (r StaticReopener) ReopenNormal() (updi.Transport, error) {
	return r.Transport, nil
}
