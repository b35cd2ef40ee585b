// Package ulog is the three-level logging sink shared by every component
// of updiprog: Verbose (gated), Important and Error (always emitted).
package ulog

import "github.com/sirupsen/logrus"

// Sink is injected into every internal/updi component by constructor —
// never a package-global logger — so tests can swap in a silent or
// capturing logger without touching process state.
type Sink struct {
	logger  *logrus.Logger
	verbose bool
}

// New builds a Sink writing through logrus. verbose gates Verbose-level
// messages; Important and Error are always emitted.
func New(verbose bool) Sink {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return Sink{logger: logger, verbose: verbose}
}

// Verbose logs diagnostic detail, emitted only when the sink was
// constructed with verbose=true — mirroring the original's LOG_VERBOSE gate
// on log_str.
func (s Sink) Verbose(format string, args ...any) {
	if s.logger == nil || !s.verbose {
		return
	}
	s.logger.Debugf(format, args...)
}

// Important logs a milestone in the programming sequence (handshake
// complete, erase finished). Always emitted.
func (s Sink) Important(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Infof(format, args...)
}

// Error logs a fatal condition for the current action. Always emitted.
func (s Sink) Error(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Errorf(format, args...)
}
