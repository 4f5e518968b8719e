package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Criticalf logs safety-relevant events (emergency stops, envelope trips).
// It shares the destination of Logf but carries a CRITICAL prefix so these
// events stand out in an otherwise chatty control-loop log.
func Criticalf(format string, v ...interface{}) {
	Logf("CRITICAL: "+format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
