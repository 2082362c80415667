package monitoring

import "log"

// Logf emits diagnostics from the analysis pipeline and its runners. The
// default sink is log.Printf; callers swap it out with SetLogger, typically
// to silence it in tests.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger installs a replacement sink. A nil sink discards everything.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
