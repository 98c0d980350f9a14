// Package klog is the kernel core's structured logging fan-out: one
// formatted Record, delivered under a single spinlock to every registered
// Output.
package klog

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/transform"
	"golang.org/x/text/width"
	"golang.org/x/time/rate"

	"cascadeos/ksync"
)

// Level orders log severity.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Panic
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Panic:
		return "panic"
	default:
		return "unknown"
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Trace:
		return logrus.TraceLevel
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warn:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	default:
		return logrus.PanicLevel
	}
}

// Record is one formatted log event. Text holds the fully formatted,
// width-folded line computed once by Writer.Log; Output implementations
// that just want bytes for a console can ignore everything else.
type Record struct {
	Level   Level
	Message string
	Fields  logrus.Fields
	Text    string
}

// OutputState reports whether an Output is still willing to accept
// records.
type OutputState int

const (
	OutputActive OutputState = iota
	OutputDegraded
	OutputClosed
)

// Output is one fan-out destination for log Records: a serial console, an
// in-memory ring buffer, a test spy.
type Output interface {
	WriteRecord(Record) error
	// Splat repeats b n times — progress dots, padding — without going
	// through the Record formatting path.
	Splat(b byte, n int) error
	// Remap installs an output-side text transform applied to every
	// Record's Text before it is written; nil clears it.
	Remap(fn func([]byte) []byte)
	State() OutputState
}

// Writer owns the registered Output set and the formatter/rate-limiter
// shared across every log call.
type Writer struct {
	lock      ksync.Ticket
	outputs   []Output
	formatter *logrus.TextFormatter
	limiter   *rate.Limiter
}

// NewWriter builds a Writer with no outputs registered yet.
func NewWriter() *Writer {
	return &Writer{
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			DisableSorting:  false,
			TimestampFormat: time.RFC3339,
		},
		// Allows a steady trickle plus a small burst, so one cascading
		// panic's secondary lines don't themselves wedge the console, while
		// ordinary logging is never rate-limited in practice.
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 8),
	}
}

// Default is the package-level Writer every klog.Infof/Warnf/... helper
// targets.
var Default = NewWriter()

// AddOutput registers o to receive every subsequent Record.
func (w *Writer) AddOutput(o Output) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.outputs = append(w.outputs, o)
}

// Outputs returns a snapshot of the currently registered outputs, for
// tests.
func (w *Writer) Outputs() []Output {
	w.lock.Lock()
	defer w.lock.Unlock()
	out := make([]Output, len(w.outputs))
	copy(out, w.outputs)
	return out
}

// Log formats msg/fields at level and fans the result out to every
// registered, non-Closed Output under the ticket spinlock. Panic records
// always go through, bypassing the rate limiter: they are always
// delivered synchronously and never dropped.
func (w *Writer) Log(level Level, msg string, fields logrus.Fields) {
	if level != Panic && !w.limiter.Allow() {
		return
	}

	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Data:    fields,
		Time:    time.Now(),
		Level:   level.logrusLevel(),
		Message: msg,
	}
	raw, err := w.formatter.Format(entry)
	text := string(raw)
	if err != nil {
		text = fmt.Sprintf("level=%s msg=%q fields=%v (format error: %v)\n", level, msg, fields, err)
	}
	if folded, _, ferr := transform.String(width.Fold, text); ferr == nil {
		text = folded
	}

	rec := Record{Level: level, Message: msg, Fields: fields, Text: text}

	w.lock.Lock()
	defer w.lock.Unlock()
	for _, o := range w.outputs {
		if o.State() == OutputClosed {
			continue
		}
		_ = o.WriteRecord(rec)
	}
}

// Splat fans a repeated-byte sequence out to every non-Closed Output,
// bypassing the Record formatting path (progress dots, boot-banner rules).
func (w *Writer) Splat(b byte, n int) {
	w.lock.Lock()
	defer w.lock.Unlock()
	for _, o := range w.outputs {
		if o.State() == OutputClosed {
			continue
		}
		_ = o.Splat(b, n)
	}
}

func (w *Writer) logf(level Level, fields logrus.Fields, format string, args ...any) {
	w.Log(level, fmt.Sprintf(format, args...), fields)
}

// Tracef logs at Trace on Default.
func Tracef(fields logrus.Fields, format string, args ...any) { Default.logf(Trace, fields, format, args...) }

// Debugf logs at Debug on Default.
func Debugf(fields logrus.Fields, format string, args ...any) { Default.logf(Debug, fields, format, args...) }

// Infof logs at Info on Default.
func Infof(fields logrus.Fields, format string, args ...any) { Default.logf(Info, fields, format, args...) }

// Warnf logs at Warn on Default.
func Warnf(fields logrus.Fields, format string, args ...any) { Default.logf(Warn, fields, format, args...) }

// Errorf logs at Error on Default.
func Errorf(fields logrus.Fields, format string, args ...any) { Default.logf(Error, fields, format, args...) }
