// Package diagnostics implements the mount server's diagnostics event sink
// (spec.md §4.F): a mandatory filesystem JSON-event sink, plus optional
// Postgres and Pub/Sub fan-out sinks for hosts that want durable or
// cross-service delivery of the same events.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Event is the record spec.md §4.F requires for every accepted/rejected
// mount-open attempt: "{code, message, subject, audience, fingerprint?,
// proof?}".
type Event struct {
	Alias       string `json:"alias"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Subject     string `json:"subject"`
	Audience    string `json:"audience,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Proof       string `json:"proof,omitempty"`
	UnixMs      int64  `json:"unix_ms"`
}

// Sink is anything that can persist a diagnostics Event. LogEvent must
// never block the caller on a slow downstream (matches the teacher's
// non-blocking-persist audit idiom).
type Sink interface {
	LogEvent(evt Event)
}

// FilesystemSink appends each event as a standalone JSON file under
// <root>/<alias>/events/<unix_ms>, the layout spec.md §4.F names literally.
type FilesystemSink struct {
	Root string
}

// NewFilesystemSink constructs a sink rooted at root.
func NewFilesystemSink(root string) *FilesystemSink {
	return &FilesystemSink{Root: root}
}

func (s *FilesystemSink) LogEvent(evt Event) {
	dir := filepath.Join(s.Root, evt.Alias, "events")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("diagnostics: failed to create events directory", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%d", evt.UnixMs))
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Error("diagnostics: failed to marshal event", "alias", evt.Alias, "error", err)
		return
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		slog.Error("diagnostics: failed to write event file", "path", path, "error", err)
	}
}

// ChainSink fans an event out to every sink in order; each sink's LogEvent
// is non-blocking on its own account, so ChainSink itself stays synchronous.
type ChainSink struct {
	Sinks []Sink
}

func (c *ChainSink) LogEvent(evt Event) {
	for _, s := range c.Sinks {
		s.LogEvent(evt)
	}
}

// NewEvent stamps a new Event with the current wall-clock time.
func NewEvent(alias, code, message, subject, audience, fingerprint, proof string) Event {
	return Event{
		Alias:       alias,
		Code:        code,
		Message:     message,
		Subject:     subject,
		Audience:    audience,
		Fingerprint: fingerprint,
		Proof:       proof,
		UnixMs:      time.Now().UnixMilli(),
	}
}
