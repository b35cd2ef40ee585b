package updi

import "time"

// Clock abstracts time.Now so the timeout-driven wait loops (wait for
// unlock, wait for NVM ready) can be exercised deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
