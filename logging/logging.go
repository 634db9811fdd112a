// Leveled logging for the dcp stream engine. A single process-wide
// destination is kept cheap enough that hot paths can call Tracef
// unconditionally; the level check is one comparison.

package logging

import "bytes"
import "fmt"
import "io"
import l "log"
import "os"
import "runtime/debug"
import "strings"

// LogLevel of a message or a destination.
type LogLevel int16

const (
	Silent LogLevel = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

func (t LogLevel) String() string {
	switch t {
	case Silent:
		return "Silent"
	case Fatal:
		return "Fatal"
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	case Trace:
		return "Trace"
	default:
		return "Info"
	}
}

// Level parses a case-insensitive level name, defaulting to Info.
func Level(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "SILENT":
		return Silent
	case "FATAL":
		return Fatal
	case "ERROR":
		return Error
	case "WARN":
		return Warn
	case "INFO":
		return Info
	case "DEBUG":
		return Debug
	case "TRACE":
		return Trace
	default:
		return Info
	}
}

// Logger interface implemented by a destination.
type Logger interface {
	// Warnings, logged by default.
	Warnf(format string, v ...interface{})
	// Errors, logged by default.
	Errorf(format string, v ...interface{})
	// Fatal errors. Will not terminate execution.
	Fatalf(format string, v ...interface{})
	// Informational messages.
	Infof(format string, v ...interface{})
	// Debugging messages. Default off.
	Debugf(format string, v ...interface{})
	// Execution trace showing the program flow. Default off.
	Tracef(format string, v ...interface{})
	// Call and print the stringer if tracing enabled
	LazyTrace(fn func() string)
}

type destination struct {
	baselevel LogLevel
	target    *l.Logger
}

func (log *destination) Warnf(format string, v ...interface{}) {
	log.printf(Warn, format, v...)
}

func (log *destination) Errorf(format string, v ...interface{}) {
	log.printf(Error, format, v...)
}

// Fatal messages are to be logged prior to exiting due to errors.
func (log *destination) Fatalf(format string, v ...interface{}) {
	log.printf(Fatal, format, v...)
}

func (log *destination) Infof(format string, v ...interface{}) {
	log.printf(Info, format, v...)
}

func (log *destination) Debugf(format string, v ...interface{}) {
	log.printf(Debug, format, v...)
}

func (log *destination) Tracef(format string, v ...interface{}) {
	log.printf(Trace, format, v...)
}

func (log *destination) LazyTrace(fn func() string) {
	if log.isEnabled(Trace) {
		log.printf(Trace, "%s", fn())
	}
}

func (log *destination) isEnabled(at LogLevel) bool {
	return log.baselevel >= at
}

func (log *destination) printf(at LogLevel, format string, v ...interface{}) {
	if log.isEnabled(at) {
		log.target.Printf("["+at.String()+"] "+format, v...)
	}
}

// The default logger
var SystemLogger destination

func init() {
	dest := l.New(os.Stdout, "", l.Lmicroseconds)
	SystemLogger = destination{baselevel: Info, target: dest}
}

// SetLogWriter sets a new default destination
func SetLogWriter(w io.Writer) {
	dest := l.New(w, "", l.Lmicroseconds)
	SystemLogger = destination{baselevel: SystemLogger.baselevel, target: dest}
}

// SetLogLevel sets the level of the default logger.
func SetLogLevel(to LogLevel) {
	SystemLogger.baselevel = to
}

// LogLevel returns the level of the default logger.
func LogLevelOf() LogLevel {
	return SystemLogger.baselevel
}

// LogIgnore mutes the default logger; used by tests.
func LogIgnore() {
	SystemLogger.baselevel = Silent
}

// LogEnable restores the default logger to Info.
func LogEnable() {
	SystemLogger.baselevel = Info
}

// IsTrace reports whether trace logging is enabled.
func IsTrace() bool {
	return SystemLogger.isEnabled(Trace)
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	return SystemLogger.isEnabled(Debug)
}

// StackTrace of the calling goroutine.
func StackTrace() string {
	var buf bytes.Buffer
	lines := strings.Split(string(debug.Stack()), "\n")
	for _, call := range lines[4:] {
		buf.WriteString(fmt.Sprintf("%s\n", call))
	}
	return buf.String()
}

//
// Convenience methods on the default logger.
//

func Warnf(format string, v ...interface{}) {
	SystemLogger.printf(Warn, format, v...)
}

func Errorf(format string, v ...interface{}) {
	SystemLogger.printf(Error, format, v...)
}

func Fatalf(format string, v ...interface{}) {
	SystemLogger.printf(Fatal, format, v...)
}

func Infof(format string, v ...interface{}) {
	SystemLogger.printf(Info, format, v...)
}

func Debugf(format string, v ...interface{}) {
	SystemLogger.printf(Debug, format, v...)
}

func Tracef(format string, v ...interface{}) {
	SystemLogger.printf(Trace, format, v...)
}

func LazyTrace(fn func() string) {
	SystemLogger.LazyTrace(fn)
}
