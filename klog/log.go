// Package klog is the kernel's leveled logger. It writes formatted lines to
// an io.Writer -- the UART driver in production, a bytes.Buffer in tests --
// and keeps the last line around so a panic dump can include it without
// re-formatting.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"smpkern/caller"
	"smpkern/circbuf"
)

// Level is a log severity, ordered from least to most severe.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Panic
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBU"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERRO"
	case Panic:
		return "PANI"
	default:
		return "????"
	}
}

// color returns the ANSI escape prefix used for the given level, or the
// empty string when color is disabled.
func (l Level) color() string {
	switch l {
	case Debug:
		return "\x1b[36m"
	case Info:
		return "\x1b[32m"
	case Warn:
		return "\x1b[33m"
	case Error:
		return "\x1b[31m"
	case Panic:
		return "\x1b[35m"
	default:
		return ""
	}
}

const colorReset = "\x1b[0m"

// Logger serializes writes from every CPU to a single sink and remembers
// the most recent formatted line for PanicDump.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	min    Level
	color  bool
	lastmu sync.Mutex
	last   string

	// ring is non-nil only for Loggers built with NewRingBacked.
	ring *circbuf.Buffer
}

// New returns a Logger writing lines at level min or above to out. Color is
// enabled when the sink is expected to be an ANSI terminal; production boot
// disables it since the UART driver has no escape-sequence interpreter.
func New(out io.Writer, min Level, color bool) *Logger {
	return &Logger{out: out, min: min, color: color}
}

// NewRingBacked returns a Logger that writes every line to out as well as
// into a fixed-size circbuf.Buffer, so the most recent ringBytes of kernel
// log output survive independent of whatever out turns out to be -- a dmesg
// buffer readable after out (a serial console, a network sink) has dropped
// its own scrollback.
func NewRingBacked(out io.Writer, ringBytes int, min Level, color bool) *Logger {
	ring := circbuf.New(ringBytes)
	return &Logger{out: io.MultiWriter(out, ring), min: min, color: color, ring: ring}
}

// RingSnapshot returns the unread contents of the dmesg ring, oldest first,
// without draining it. Empty when the Logger was constructed with New
// instead of NewRingBacked.
func (lg *Logger) RingSnapshot() []byte {
	if lg.ring == nil {
		return nil
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	out := make([]byte, lg.ring.Used())
	lg.ring.Peek(out)
	return out
}

// Default is the process-wide logger, writing to os.Stderr at Info and
// above. Package init code in other packages that cannot take a Logger by
// constructor injection (panic handlers, init-time assertions) uses this.
var Default = New(os.Stderr, Info, true)

// Log formats and writes a line at the given level. Lines below the
// Logger's minimum level are dropped before formatting to avoid the cost of
// Sprintf on a hot path when Debug logging is off.
func (lg *Logger) Log(level Level, format string, args ...any) {
	if level < lg.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := lg.format(level, msg)

	lg.lastmu.Lock()
	lg.last = line
	lg.lastmu.Unlock()

	lg.mu.Lock()
	io.WriteString(lg.out, line)
	lg.mu.Unlock()
}

func (lg *Logger) format(level Level, msg string) string {
	ts := time.Now().Format("15:04:05.000000")
	if lg.color {
		return fmt.Sprintf("%s%s %s %s%s\n", level.color(), ts, level, msg, colorReset)
	}
	return fmt.Sprintf("%s %s %s\n", ts, level, msg)
}

// Debugf logs at Debug.
func (lg *Logger) Debugf(format string, args ...any) { lg.Log(Debug, format, args...) }

// Infof logs at Info.
func (lg *Logger) Infof(format string, args ...any) { lg.Log(Info, format, args...) }

// Warnf logs at Warn.
func (lg *Logger) Warnf(format string, args ...any) { lg.Log(Warn, format, args...) }

// Errorf logs at Error.
func (lg *Logger) Errorf(format string, args ...any) { lg.Log(Error, format, args...) }

// LastLine returns the most recently logged line, for inclusion in a panic
// dump. Empty if nothing has been logged yet.
func (lg *Logger) LastLine() string {
	lg.lastmu.Lock()
	defer lg.lastmu.Unlock()
	return lg.last
}

// Panicf logs at Panic, appends the call stack, and calls os.Exit(2)
// instead of unwinding through Go's panic/recover machinery -- a kernel
// panic never resumes the faulting context, so recover() here would be
// misleading.
func (lg *Logger) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	lg.Log(Panic, "%s", msg)

	lg.mu.Lock()
	caller.Callerdump(2)
	lg.mu.Unlock()

	os.Exit(2)
}
