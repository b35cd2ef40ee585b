package upditest

import (
	"fmt"
	"time"
)

// ScriptedTransport is a minimal updi.Transport fake for link-layer unit
// tests: each Write call is recorded verbatim, and replies are drained from
// a pre-loaded queue. Use it when a test wants to assert exactly what bytes
// Link put on the wire rather than simulate a whole device.
type ScriptedTransport struct {
	Writes  [][]byte
	replies [][]byte
}

// NewScriptedTransport returns a transport that answers each ReadFull call
// with the next slice from replies, in order.
func NewScriptedTransport(replies ...[]byte) *ScriptedTransport {
	return &ScriptedTransport{replies: replies}
}

func (s *ScriptedTransport) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	s.Writes = append(s.Writes, cp)
	return len(p), nil
}

func (s *ScriptedTransport) ReadFull(buf []byte, timeout time.Duration) (int, error) {
	if len(s.replies) == 0 {
		return 0, fmt.Errorf("upditest: no scripted reply left for a %d-byte read", len(buf))
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	if len(next) != len(buf) {
		return 0, fmt.Errorf("upditest: scripted reply has %d bytes, read wanted %d", len(next), len(buf))
	}
	copy(buf, next)
	return len(buf), nil
}

func (s *ScriptedTransport) Close() error { return nil }
