package session

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/recognize"
	"github.com/loqalabs/loqa-scribe/internal/recording"
)

// StartRequest selects the capture parameters of one session. Device -1
// selects the default input device.
type StartRequest struct {
	FrameRate       int
	DurationSeconds int
	Device          int
}

// Info describes a running session.
type Info struct {
	ID              string
	EngineID        string
	FrameRate       int
	DurationSeconds int
	Device          int
	BatchChunks     int
	StartedAt       time.Time
}

// Session is the state shared by the two workers of one capture run. The
// caller only touches Control; everything else belongs to the workers until
// both have returned.
type Session struct {
	ID        string
	Request   StartRequest
	Format    audio.Format
	EngineID  string
	StartedAt time.Time

	Control *Control
	Queue   *queue.Queue[audio.Batch]
	Buffer  *recording.Buffer

	capture   *capture.Worker
	recognize *recognize.Worker

	done chan struct{}

	// Guarded by Controller.mu. stopping and persist record a stop request so
	// the supervisor can finish it even after the caller has given up waiting.
	stopping   bool
	persist    bool
	finalizing bool

	// finished is closed once the session is finalised; result and finalErr
	// are read only after that.
	finished chan struct{}
	result   StopResult
	finalErr error

	mu  sync.Mutex
	err error
}

func (s *Session) Info() Info {
	return Info{
		ID:              s.ID,
		EngineID:        s.EngineID,
		FrameRate:       s.Request.FrameRate,
		DurationSeconds: s.Request.DurationSeconds,
		Device:          s.Request.Device,
		BatchChunks:     s.capture.BatchSize(),
		StartedAt:       s.StartedAt,
	}
}

// Done is closed once both workers have returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the first worker error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
