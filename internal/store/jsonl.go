package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONLSink appends one JSON line per session summary to a daily file inside
// a directory, e.g. sessions/summaries-20260824.jsonl. It is the default
// sink when no Postgres DSN is configured.
//
// Appends are serialized by a mutex so concurrent session teardowns never
// interleave partial lines.
type JSONLSink struct {
	dir string

	mu sync.Mutex
	// now is overridable in tests to pin the file date.
	now func() time.Time
}

// NewJSONLSink creates the directory if needed and returns a sink writing
// into it.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("jsonl sink: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonl sink: create directory: %w", err)
	}
	return &JSONLSink{dir: dir, now: time.Now}, nil
}

// WriteSummary implements [Sink].
func (s *JSONLSink) WriteSummary(_ context.Context, sum SessionSummary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("jsonl sink: marshal summary: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "summaries-"+s.now().UTC().Format("20060102")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl sink: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("jsonl sink: append: %w", err)
	}
	return nil
}

// Close implements [Sink]. The sink holds no open files between writes.
func (s *JSONLSink) Close() error { return nil }
