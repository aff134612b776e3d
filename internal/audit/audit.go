// Package audit provides append-only JSON-Lines logs for rejected orders,
// decision snapshots and exit outcomes. Records are written once and never
// mutated; downstream learning and reporting consume the files offline.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends one JSON object per line to a log file. Safe for use from
// multiple goroutines within a single process; cross-process exclusion is
// not provided (the bot is the single writer by contract).
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates the parent directory if needed and returns a writer.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	return &Writer{path: path}, nil
}

// Path returns the underlying file path.
func (w *Writer) Path() string { return w.path }

// Append marshals v and appends it as a single line.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Entry is the common envelope written by AppendEvent.
type Entry struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// AppendEvent wraps data in an Entry with the current UTC time.
func (w *Writer) AppendEvent(eventType string, data any) error {
	return w.Append(Entry{Type: eventType, At: time.Now().UTC(), Data: data})
}

// Read decodes every well-formed line of a JSONL file into T. Malformed
// lines are skipped, not fatal: a torn final line from a crash must never
// block reconciliation. A missing file yields an empty slice.
func Read[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return out, nil
}
