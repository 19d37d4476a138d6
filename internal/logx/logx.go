/*Package logx provides leveled, colorized logging for the driver core.

It wraps the standard log package the familiar way (log.Printf/log.Println
with an fstr built up first), adding a colored level prefix via fatih/color
instead of introducing a structured logging dependency.
*/
package logx

import (
	"fmt"
	"log"

	"github.com/fatih/color"
)

var (
	debugPrefix = color.New(color.FgCyan).Sprint("[debug]")
	infoPrefix  = color.New(color.FgGreen).Sprint("[info]")
	warnPrefix  = color.New(color.FgYellow).Sprint("[warn]")
	errPrefix   = color.New(color.FgRed).Sprint("[error]")

	// Verbose gates Debug output; false by default to match the pack's
	// quiet-unless-erroring style
	Verbose = false
)

// Logger is a per-device logger carrying a fixed prefix (e.g. the device id)
// so interleaved driver threads remain distinguishable in the combined log
type Logger struct {
	Tag string
}

// New returns a Logger tagging every line with tag (typically the device prefix)
func New(tag string) *Logger {
	return &Logger{Tag: tag}
}

func (l *Logger) line(prefix, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	return fmt.Sprintf("%s %s %s", prefix, l.Tag, msg)
}

// Debug logs at debug level; suppressed unless Verbose is true
func (l *Logger) Debug(format string, args ...interface{}) {
	if !Verbose {
		return
	}
	log.Println(l.line(debugPrefix, format, args...))
}

// Info logs at info level
func (l *Logger) Info(format string, args ...interface{}) {
	log.Println(l.line(infoPrefix, format, args...))
}

// Warn logs at warn level
func (l *Logger) Warn(format string, args ...interface{}) {
	log.Println(l.line(warnPrefix, format, args...))
}

// Error logs at error level
func (l *Logger) Error(format string, args ...interface{}) {
	log.Println(l.line(errPrefix, format, args...))
}
