package sinks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/domain/schema"
)

// jsonlRecord is one line of the JSON-lines output.
type jsonlRecord struct {
	Key        string     `json:"key"`
	Bar        schema.Bar `json:"bar"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// JSONL appends every delivered bar to a JSON-lines stream. It is shared by
// many consumers, so writes are serialised.
type JSONL struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	now    func() time.Time
	closed bool
}

// OpenJSONL opens (or creates) path for appending.
func OpenJSONL(path string) (*JSONL, error) {
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("jsonl sink: ensure directory %q: %w", dir, err)
		}
	}
	// #nosec G304 -- path is operator controlled configuration.
	file, err := os.OpenFile(clean, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("jsonl sink: open %q: %w", clean, err)
	}
	return NewJSONL(file), nil
}

// NewJSONL wraps a writer. If w is an io.Closer, Close closes it.
func NewJSONL(w io.Writer) *JSONL {
	sink := &JSONL{w: bufio.NewWriter(w), now: time.Now}
	if c, ok := w.(io.Closer); ok {
		sink.closer = c
	}
	return sink
}

// Handle implements livefeed.Callback. Each bar is flushed before returning.
func (s *JSONL) Handle(_ context.Context, sub *livefeed.Subscription, bar schema.Bar) error {
	payload, err := json.Marshal(jsonlRecord{Key: sub.Key().Slug(), Bar: bar, ReceivedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("jsonl sink: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("jsonl sink: closed")
	}
	if _, err := s.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("jsonl sink: write: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("jsonl sink: flush: %w", err)
	}
	return nil
}

// Close flushes pending output and closes the underlying writer.
func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("jsonl sink: flush: %w", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
