// Package live emits the run's event feed: one NDJSON line per pipeline
// event, optionally mirrored to the terminal as text.
package live

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one pipeline occurrence.
type Event struct {
	ID        string `json:"id"`
	Time      string `json:"time"`
	Kind      string `json:"kind"`
	FindingID string `json:"finding_id,omitempty"`
	Condition string `json:"condition,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Event kinds.
const (
	KindRunStart = "run_start"
	KindSeeded   = "seeded"
	KindStage    = "stage"
	KindVerdict  = "verdict"
	KindRunEnd   = "run_end"
	KindFatal    = "fatal"
)

// Sink consumes events. Implementations must be safe for use from the
// single control goroutine plus the signal path.
type Sink interface {
	Emit(ev Event)
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(Event)   {}
func (NopSink) Close() error { return nil }

// NDJSONSink appends one JSON line per event to a file and optionally
// mirrors events to a terminal writer.
type NDJSONSink struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
	asText bool
}

// NewNDJSONSink opens (or creates) the event file. mirror may be nil;
// format selects the mirror rendering ("text" or "json").
func NewNDJSONSink(path string, mirror io.Writer, format string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open live feed: %w", err)
	}
	return &NDJSONSink{file: f, mirror: mirror, asText: format != "json"}, nil
}

func (s *NDJSONSink) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time == "" {
		ev.Time = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.file.Write(append(line, '\n'))
	if s.mirror == nil {
		return
	}
	if s.asText {
		fmt.Fprintln(s.mirror, formatText(ev))
	} else {
		fmt.Fprintf(s.mirror, "%s\n", line)
	}
}

func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func formatText(ev Event) string {
	switch ev.Kind {
	case KindStage:
		return fmt.Sprintf("[%s] %s %s %s", ev.Kind, ev.FindingID, ev.Stage, ev.Detail)
	case KindVerdict:
		return fmt.Sprintf("[%s] %s %s", ev.Kind, ev.FindingID, ev.Detail)
	case KindFatal:
		return fmt.Sprintf("[%s] %s", ev.Kind, ev.Detail)
	}
	out := "[" + ev.Kind + "]"
	if ev.FindingID != "" {
		out += " " + ev.FindingID
	}
	if ev.Detail != "" {
		out += " " + ev.Detail
	}
	return out
}
