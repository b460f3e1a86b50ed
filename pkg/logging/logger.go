// Package logging provides o4's logging facilities: a prefix-scoped,
// nil-safe logger, line-splitting io.Writer adapters for wiring into
// subprocess stdout/stderr, and the "#o4pass-*" passthrough sideband
// convention (§6/§9) that lets pipeline stages carry informational,
// warning, and error messages across stage boundaries without a real IPC
// channel.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"log"

	"github.com/fatih/color"

	"github.com/o4sync/o4/pkg/o4"
)

// PassthroughKind identifies the severity of a "#o4pass-*" sideband line.
type PassthroughKind string

// The three passthrough kinds recognized on the wire (§6).
const (
	PassthroughInfo PassthroughKind = "info"
	PassthroughWarn PassthroughKind = "warn"
	PassthroughErr  PassthroughKind = "err"
)

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger callback. It never splices a
// newline-terminated segment from two separate writes.
type writer struct {
	callback func(string)
	buffer   []byte
}

func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.
func (w *writer) Write(buffer []byte) (int, error) {
	w.buffer = append(w.buffer, buffer...)

	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}

	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}

	return len(buffer), nil
}

// Logger is o4's logger type. A nil *Logger is valid and discards
// everything, so callers never need to nil-check before logging.
type Logger struct {
	prefix string
	// onPassthrough, if set, is invoked for every Passthrough call in
	// addition to local logging; it is how a pipeline stage's logger gets
	// wired to emit "#o4pass-*" records onto its output record stream.
	onPassthrough func(kind PassthroughKind, message string)
}

// RootLogger is the root logger from which all other loggers derive.
var RootLogger = &Logger{}

// Sublogger creates a new sublogger with the specified name appended to the
// receiver's prefix.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix, onPassthrough: l.onPassthrough}
}

// WithPassthrough returns a copy of the logger that also feeds every
// Passthrough call to the given sink, used to wire a stage's logger to its
// outgoing record stream.
func (l *Logger) WithPassthrough(sink func(kind PassthroughKind, message string)) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{prefix: l.prefix, onPassthrough: sink}
}

func (l *Logger) output(calldepth int, line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(calldepth, line)
}

// Print logs with fmt.Print semantics.
func (l *Logger) Print(v ...interface{}) {
	if l != nil {
		l.output(3, fmt.Sprint(v...))
	}
}

// Printf logs with fmt.Printf semantics.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l != nil {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Println logs with fmt.Println semantics.
func (l *Logger) Println(v ...interface{}) {
	if l != nil {
		l.output(3, fmt.Sprintln(v...))
	}
}

// Writer returns an io.Writer that logs whole lines via Println.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return ioutil.Discard
	}
	return &writer{callback: func(s string) { l.Println(s) }}
}

// Debug logs with fmt.Print semantics, but only if debugging is enabled.
func (l *Logger) Debug(v ...interface{}) {
	if l != nil && o4.DebugEnabled {
		l.output(3, fmt.Sprint(v...))
	}
}

// Debugf logs with fmt.Printf semantics, but only if debugging is enabled.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l != nil && o4.DebugEnabled {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Debugln logs with fmt.Println semantics, but only if debugging is enabled.
func (l *Logger) Debugln(v ...interface{}) {
	if l != nil && o4.DebugEnabled {
		l.output(3, fmt.Sprintln(v...))
	}
}

// DebugWriter returns an io.Writer that logs whole lines via Debugln.
func (l *Logger) DebugWriter() io.Writer {
	if l == nil {
		return ioutil.Discard
	}
	return &writer{callback: func(s string) { l.Debugln(s) }}
}

// Warn logs error information with a warning prefix and yellow color.
func (l *Logger) Warn(err error) {
	if l != nil {
		l.output(3, color.YellowString("Warning: %v", err))
	}
}

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l != nil {
		l.output(3, color.YellowString("Warning: "+format, v...))
	}
}

// Error logs error information with an error prefix and red color.
func (l *Logger) Error(err error) {
	if l != nil {
		l.output(3, color.RedString("Error: %v", err))
	}
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l != nil {
		l.output(3, color.RedString("Error: "+format, v...))
	}
}

// Passthrough records a "#o4pass-<kind>#<message>" event: it is logged
// locally (colored per kind) and, if the logger is attached to a pipeline
// stage via WithPassthrough, forwarded onto that stage's record stream so
// that downstream stages and "o4 fail" can see it (§6/§9).
func (l *Logger) Passthrough(kind PassthroughKind, format string, v ...interface{}) {
	if l == nil {
		return
	}
	message := fmt.Sprintf(format, v...)
	switch kind {
	case PassthroughWarn:
		l.output(3, color.YellowString("Warning: %s", message))
	case PassthroughErr:
		l.output(3, color.RedString("Error: %s", message))
	default:
		l.output(3, message)
	}
	if l.onPassthrough != nil {
		l.onPassthrough(kind, message)
	}
}
