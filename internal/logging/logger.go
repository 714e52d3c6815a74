// Package logging configures the charmbracelet logger shared by the
// operation manager, the console and the CLI.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger used when a component is built without one.
var L = clog.NewWithOptions(os.Stderr, clog.Options{ReportTimestamp: true})

// New returns a logger writing to w at the given level.
func New(w io.Writer, level clog.Level) *clog.Logger {
	l := clog.NewWithOptions(w, clog.Options{ReportTimestamp: true})
	l.SetLevel(level)
	return l
}

// Discard returns a logger that drops everything.
func Discard() *clog.Logger {
	return clog.New(io.Discard)
}

// ParseLevel accepts debug, info, warn and error (case-insensitive).
func ParseLevel(s string) (clog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return clog.InfoLevel, nil
	case "debug":
		return clog.DebugLevel, nil
	case "warn", "warning":
		return clog.WarnLevel, nil
	case "error":
		return clog.ErrorLevel, nil
	}
	return clog.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Or returns l, or the package logger when l is nil.
func Or(l *clog.Logger) *clog.Logger {
	if l == nil {
		return L
	}
	return l
}

// LineWriter is an io.Writer that logs every line written to it at debug
// level. It is used as the stderr of child processes. A line split across
// several writes is held until its newline arrives; Flush emits whatever is
// left once the writer is done. Use it through a pointer.
type LineWriter struct {
	Logger *clog.Logger
	Prefix string
	// key/value pairs appended to every record
	Fields []interface{}
	// OnLine, when set, also receives each line.
	OnLine func(line string)

	mu  sync.Mutex
	buf []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line that never got its newline.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if w.OnLine != nil {
		w.OnLine(line)
	}
	kv := append([]interface{}{"line", line}, w.Fields...)
	Or(w.Logger).Debug(w.Prefix, kv...)
}
