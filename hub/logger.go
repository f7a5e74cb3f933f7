package hub

import "log"

// Debug is the switch the CLI sets with --debug, mirroring the
// adc/nmdc.Debug switches. Nothing in this package reads it: setting it
// produces no protocol tracing.
var Debug bool

// Logger is the narrow logging sink the hub writes through. *log.Logger
// satisfies it directly; callers that want structured output or a
// rotating file sink can supply their own.
type Logger interface {
	Printf(format string, args ...interface{})
}

// nopLogger discards everything. Tests pass it to NewManager to silence
// output; a Manager constructed with a nil Logger uses log.Default instead.
type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

func defaultLogger() Logger {
	return log.Default()
}
