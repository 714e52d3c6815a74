// Package events defines the progress protocol emitted by long-running
// operations and the sinks that deliver it to an observer.
//
// Delivery is best effort: a sink never reports failure back to the
// operation that emitted the event.
package events

import (
	"encoding/json"
	"io"
	"sync"

	clog "github.com/charmbracelet/log"
)

// Event names. They are part of the observer contract.
const (
	ScanProgress       = "scan-progress"
	ScanComplete       = "scan-complete"
	RemoteFileContent  = "remote-file-content"
	RemoteFileComplete = "remote-file-complete"
)

// Progress is the payload of ScanProgress.
type Progress struct {
	Line string `json:"line"`
}

// Complete is the payload of ScanComplete.
type Complete struct {
	Status string `json:"status"`
}

// FileContent is the payload of RemoteFileContent.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileComplete is the payload of RemoteFileComplete. Status is "ok" or
// "error"; Code is nil when the remote process did not exit normally.
type FileComplete struct {
	Status string `json:"status"`
	Code   *int   `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(name string, payload any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, payload any)

func (f SinkFunc) Emit(name string, payload any) { f(name, payload) }

// Event is one emitted event.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, any) {})

// Recorder keeps every event in emission order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: name, Payload: payload})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// LineWriter writes each event as one JSON object per line.
type LineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	log *clog.Logger
}

// NewLineWriter returns a LineWriter on w. Encoding failures are logged to
// logger (when non-nil) and otherwise ignored.
func NewLineWriter(w io.Writer, logger *clog.Logger) *LineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &LineWriter{enc: enc, log: logger}
}

func (lw *LineWriter) Emit(name string, payload any) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.enc.Encode(Event{Name: name, Payload: payload}); err != nil && lw.log != nil {
		lw.log.Warn("dropping event", "event", name, "err", err)
	}
}

// Channel forwards events to a buffered channel without blocking the
// emitter. Events are dropped while the buffer is full.
type Channel struct {
	C chan Event

	mu      sync.Mutex
	dropped int
}

// NewChannel returns a Channel with the given buffer size.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 256
	}
	return &Channel{C: make(chan Event, size)}
}

func (c *Channel) Emit(name string, payload any) {
	select {
	case c.C <- Event{Name: name, Payload: payload}:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Dropped reports how many events did not fit in the buffer.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Tee emits every event to all sinks in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(name string, payload any) {
		for _, s := range sinks {
			s.Emit(name, payload)
		}
	})
}
