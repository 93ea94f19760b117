package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Fragment is the text recognised from one batch.
type Fragment struct {
	SessionID string
	Seq       int
	EngineID  string
	Text      string
	Timestamp time.Time
}

// Sink receives fragments in order. Sinks are append-only.
type Sink interface {
	Append(ctx context.Context, f Fragment) error
}

type SinkFunc func(ctx context.Context, f Fragment) error

func (fn SinkFunc) Append(ctx context.Context, f Fragment) error {
	return fn(ctx, f)
}

type multi []Sink

// Multi fans a fragment out to every sink. A failing sink does not stop the
// others; their errors are joined.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Append(ctx context.Context, f Fragment) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriterSink writes one line per fragment.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// OpenFile appends fragments to the file at path, creating it if needed.
func OpenFile(path string) (*WriterSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	return &WriterSink{w: f, closer: f}, nil
}

func (s *WriterSink) Append(_ context.Context, f Fragment) error {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, text+"\n"); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

func (s *WriterSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
