// Package mergelog provides simple level logging for the merge engine. It
// can be pointed at an application's own logging backend by implementing
// Outputter and calling SetOutputter; by default it writes through Go's
// standard "log" package.
package mergelog

import (
	"fmt"
	golog "log"
)

// An Outputter provides a destination for leveled log output.
type Outputter interface {
	// Level returns the level at which the outputter is accepting messages.
	Level() Level
	// Output writes s to the outputter at the given call depth and level.
	// The message is dropped if the outputter isn't logging at that level.
	Output(calldepth int, level Level, s string) error
}

var out Outputter = stdOutputter{}

// SetOutputter installs a new outputter and returns the old one. Should not
// be called concurrently with log output; call it during process startup.
func SetOutputter(newOut Outputter) Outputter {
	old := out
	out = newOut
	return old
}

// At reports whether the current outputter is logging at level.
func At(level Level) bool {
	return level <= out.Level()
}

// A Level is a log verbosity level. Lower values are higher priority: if the
// outputter is logging at level L, every message with level M <= L is
// emitted.
type Level int

const (
	// Off never outputs messages.
	Off = Level(-2)
	// Error outputs error-level messages: terminal partition failures,
	// background-reader I/O errors.
	Error = Level(-1)
	// Info outputs informational messages: state transitions.
	Info = Level(0)
	// Debug outputs verbose messages: backoff waits, ring buffer stalls,
	// secondary errors swallowed during cleanup.
	Debug = Level(1)
)

func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case Error:
		return "error"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Print formats a message in the manner of fmt.Sprint and outputs it at
// level l.
func (l Level) Print(v ...interface{}) {
	if At(l) {
		_ = out.Output(2, l, fmt.Sprint(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs it at
// level l.
func (l Level) Printf(format string, v ...interface{}) {
	if At(l) {
		_ = out.Output(2, l, fmt.Sprintf(format, v...))
	}
}

var golevel = Info

// SetLevel sets the log level used by the default, standard-library-backed
// outputter. It has no effect if a custom Outputter has been installed.
func SetLevel(level Level) {
	golevel = level
}

type stdOutputter struct{}

func (stdOutputter) Level() Level { return golevel }

func (stdOutputter) Output(calldepth int, level Level, s string) error {
	if golevel < level {
		return nil
	}
	return golog.Output(calldepth+1, s)
}
