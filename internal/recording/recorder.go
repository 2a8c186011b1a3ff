// Package recording writes console traffic as asciicast v2 recordings.
// See https://docs.asciinema.org/manual/asciicast/v2/.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acolita/hiburn/internal/adapters/realclock"
	"github.com/acolita/hiburn/internal/ports"
)

// Header is the first line of a recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one [time, type, data] line.
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes e as a JSON array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// Recorder appends events to a writer.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	start  time.Time
	clock  ports.Clock
	closed bool
	path   string
}

// NewRecorder writes a header to w and returns a recorder. A nil clock
// means the wall clock.
func NewRecorder(w io.Writer, title string, clock ports.Clock) (*Recorder, error) {
	if clock == nil {
		clock = realclock.New()
	}
	r := &Recorder{w: w, start: clock.Now(), clock: clock}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	header := Header{
		Version:   2,
		Width:     80,
		Height:    24,
		Timestamp: r.start.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "vt100"},
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return r, nil
}

// Create starts a recording in a new file under dir named after label and
// the current time.
func Create(dir, label string, clock ports.Clock) (*Recorder, error) {
	if clock == nil {
		clock = realclock.New()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_%s.cast", label, clock.Now().Format("20060102_150405")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	r, err := NewRecorder(f, label, clock)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.path = name
	return r, nil
}

// Path returns the file written by Create, or "".
func (r *Recorder) Path() string {
	return r.path
}

// Output records bytes read from the console.
func (r *Recorder) Output(data []byte) error {
	return r.record("o", data)
}

// Input records bytes written to the console.
func (r *Recorder) Input(data []byte) error {
	return r.record("i", data)
}

func (r *Recorder) record(kind string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	e := Event{Time: r.clock.Now().Sub(r.start).Seconds(), Type: kind, Data: string(data)}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close stops recording. Events after Close are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
