// Package eventlog implements the append-only JSONL event sink every other
// component reports lifecycle transitions into.
package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/command-post/engine/internal/cpfs"
	cperrors "github.com/command-post/engine/pkg/errors"
)

// MaxPayloadBytes is the line-size ceiling this log relies on for POSIX
// atomic-append semantics. Callers that would exceed it must truncate the
// payload themselves or route it elsewhere; the log does not do it for them.
const MaxPayloadBytes = 4096

// Event is one line of events.jsonl.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Log appends to and queries a single project's events.jsonl.
type Log struct {
	paths *cpfs.Paths
}

// New returns a Log rooted at paths.
func New(paths *cpfs.Paths) *Log {
	return &Log{paths: paths}
}

// Append writes one event as a single JSON line. event_id and timestamp
// are filled in when empty. The write is a single os.File.Write call on a
// file opened O_APPEND, which POSIX guarantees is atomic with respect to
// other appenders as long as the line stays under MaxPayloadBytes.
func (l *Log) Append(e Event) error {
	if e.EventID == "" {
		e.EventID = "evt-" + uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return cperrors.Wrap(err, "eventlog.Append", "marshal event")
	}
	line = append(line, '\n')

	path := l.paths.EventsLog()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cperrors.NewFileSystemError(path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return cperrors.NewFileSystemError(path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return cperrors.NewFileSystemError(path, err)
	}
	return nil
}

// QueryFilter narrows Query's results. A zero-value field matches
// everything for that dimension.
type QueryFilter struct {
	AgentID   string
	EventType string
	StartTime string // inclusive; compared lexically against Timestamp
}

// Query streams events.jsonl, skipping malformed lines silently, and
// returns those matching filter. A missing file yields an empty slice,
// not an error.
func (l *Log) Query(filter QueryFilter) ([]Event, error) {
	path := l.paths.EventsLog()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cperrors.NewFileSystemError(path, err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // malformed line: skip silently per the log's contract
		}
		if matches(e, filter) {
			out = append(out, e)
		}
	}
	// A read error mid-stream is not surfaced: the caller already has
	// every well-formed event observed up to that point.
	return out, nil
}

func matches(e Event, f QueryFilter) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.StartTime != "" && e.Timestamp < f.StartTime {
		return false
	}
	return true
}
