package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/recognize"
	"github.com/loqalabs/loqa-scribe/internal/recording"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

var (
	ErrAlreadyRunning = errors.New("session already running")
	ErrNotRunning     = errors.New("no session running")
	ErrInvalidRequest = errors.New("invalid session request")
	ErrEngineBusy     = errors.New("engine busy")
)

// Archiver copies an exported recording somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, localPath string) (string, error)
}

type Options struct {
	Capture   config.CaptureConfig
	Backend   capture.Backend
	Engines   *engine.Manager
	Sink      transcript.Sink
	Exporter  recording.Exporter
	Archiver  Archiver
	Observers []Observer
	Logger    *slog.Logger
}

// StopResult summarises a stopped session.
type StopResult struct {
	SessionID string
	Batches   int64
	Fragments int64
	Dropped   int64
	Recording string
	Archive   string
}

const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateLoading  = "loading"
)

// Status is a point-in-time view of the controller.
type Status struct {
	State    string
	EngineID string
	Loading  bool
	Engines  []string
	Session  *Info
}

// Controller runs at most one capture session at a time and serialises
// engine changes against it.
type Controller struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *Session
	loading bool
}

func NewController(parent context.Context, opts Options) *Controller {
	if opts.Sink == nil {
		opts.Sink = transcript.Multi()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "session")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe adds an observer. It must be called before the controller is used.
func (c *Controller) Subscribe(o Observer) {
	c.opts.Observers = append(c.opts.Observers, o)
}

func (c *Controller) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, o := range c.opts.Observers {
		o.Observe(ev)
	}
}

func (c *Controller) StartSession(ctx context.Context, req StartRequest) (Info, error) {
	if req.FrameRate <= 0 {
		return Info{}, fmt.Errorf("%w: frame rate must be a positive integer, got %d", ErrInvalidRequest, req.FrameRate)
	}
	if req.DurationSeconds <= 0 {
		return Info{}, fmt.Errorf("%w: duration must be a positive integer, got %d", ErrInvalidRequest, req.DurationSeconds)
	}
	if req.Device < capture.DefaultDevice {
		return Info{}, fmt.Errorf("%w: device index %d", ErrInvalidRequest, req.Device)
	}
	format := audio.Format{SampleRate: req.FrameRate, Channels: c.opts.Capture.Channels}
	if err := format.Validate(); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	if c.current != nil {
		if c.current.stopping {
			return Info{}, fmt.Errorf("%w: session %s is stopping", ErrAlreadyRunning, c.current.ID)
		}
		return Info{}, ErrAlreadyRunning
	}
	if c.loading || c.opts.Engines.Loading() {
		return Info{}, fmt.Errorf("%w: engine is loading", ErrEngineBusy)
	}
	engineID := c.opts.Engines.ActiveID()
	if engineID == "" {
		return Info{}, fmt.Errorf("%w: %w", ErrEngineBusy, engine.ErrNoEngine)
	}
	c.opts.Engines.Reset()

	s := &Session{
		ID:        uuid.NewString(),
		Request:   req,
		Format:    format,
		EngineID:  engineID,
		StartedAt: time.Now().UTC(),
		Control:   NewControl(),
		Queue:     queue.New[audio.Batch](c.opts.Capture.QueueDepth),
		Buffer:    recording.NewBuffer(),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	logger := c.opts.Logger.With(slog.String("session_id", s.ID))
	s.capture = capture.NewWorker(c.opts.Backend, capture.Config{
		Device:          req.Device,
		Format:          format,
		ChunkSize:       c.opts.Capture.ChunkSize,
		DurationSeconds: req.DurationSeconds,
	}, logger)
	s.recognize = recognize.NewWorker(recognize.Config{
		SessionID: s.ID,
		Format:    format,
	}, c.opts.Engines, c.opts.Sink, s.Buffer, logger)

	if err := s.capture.Open(); err != nil {
		c.logger.Warn("capture device unavailable",
			slog.String("session_id", s.ID),
			slog.Int("device", req.Device),
			slogError(err))
		return Info{}, err
	}

	c.current = s
	info := s.Info()
	c.logger.Info("session started",
		slog.String("session_id", s.ID),
		slog.String("engine", engineID),
		slog.Int("device", req.Device),
		slog.String("format", format.String()),
		slog.Int("batch_chunks", info.BatchChunks))
	c.emit(Event{
		Kind:      EventSessionStarted,
		SessionID: s.ID,
		EngineID:  engineID,
		Message:   "Recording",
		Attrs: map[string]string{
			"device":       strconv.Itoa(req.Device),
			"frame_rate":   strconv.Itoa(req.FrameRate),
			"duration":     strconv.Itoa(req.DurationSeconds),
			"batch_chunks": strconv.Itoa(info.BatchChunks),
		},
	})
	c.launch(s)
	return info, nil
}

// launch starts both workers and the supervisor that finalises the session
// once they have returned.
func (c *Controller) launch(s *Session) {
	var workers sync.WaitGroup
	workers.Add(2)
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		defer workers.Done()
		if err := s.capture.Run(c.ctx, s.Control, s.Queue); err != nil {
			s.fail(err)
		}
	}()
	go func() {
		defer c.wg.Done()
		defer workers.Done()
		if err := s.recognize.Run(c.ctx, s.Control, s.Queue); err != nil {
			s.fail(err)
		}
	}()
	go func() {
		defer c.wg.Done()
		workers.Wait()
		close(s.done)
		c.finish(s)
	}()
}

// finish runs on the supervisor goroutine after both workers have returned.
// A session with a pending stop request is completed (and exported when
// asked) even if the StopSession caller stopped waiting; any other session
// is discarded.
func (c *Controller) finish(s *Session) {
	c.mu.Lock()
	s.finalizing = true
	stopped, persist := s.stopping, s.persist
	c.mu.Unlock()

	if !stopped {
		c.discard(s)
		return
	}

	result, err := c.complete(s, persist)
	c.mu.Lock()
	s.result, s.finalErr = result, err
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	close(s.finished)
}

// discard drops a session whose workers exited without a stop request.
func (c *Controller) discard(s *Session) {
	err := s.Err()
	c.mu.Lock()
	s.result = StopResult{
		SessionID: s.ID,
		Batches:   s.recognize.Decoded(),
		Fragments: s.recognize.Fragments(),
		Dropped:   s.capture.Dropped(),
	}
	s.finalErr = ErrNotRunning
	if err != nil {
		s.finalErr = fmt.Errorf("session %s: %w", s.ID, err)
	}
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	close(s.finished)

	if err != nil {
		c.logger.Error("session failed", slog.String("session_id", s.ID), slogError(err))
		c.emit(Event{Kind: EventSessionFailed, SessionID: s.ID, EngineID: s.EngineID, Message: "Session failed", Err: err})
		return
	}
	c.logger.Warn("session ended without stop request", slog.String("session_id", s.ID))
	c.emit(Event{Kind: EventSessionStopped, SessionID: s.ID, EngineID: s.EngineID, Message: "Stopped"})
}

// complete reports a stopped session and exports its recording when persist
// is set. The session stays current until it returns so no new session can
// start while the recording is written.
func (c *Controller) complete(s *Session, persist bool) (StopResult, error) {
	result := StopResult{
		SessionID: s.ID,
		Batches:   s.recognize.Decoded(),
		Fragments: s.recognize.Fragments(),
		Dropped:   s.capture.Dropped(),
	}
	workerErr := s.Err()
	if workerErr != nil {
		c.logger.Warn("session stopped after worker failure", slog.String("session_id", s.ID), slogError(workerErr))
		workerErr = fmt.Errorf("session %s: %w", s.ID, workerErr)
	}
	c.logger.Info("session stopped",
		slog.String("session_id", s.ID),
		slog.Int64("batches", result.Batches),
		slog.Int64("fragments", result.Fragments),
		slog.Int64("dropped_chunks", result.Dropped))
	c.emit(Event{
		Kind:      EventSessionStopped,
		SessionID: s.ID,
		EngineID:  s.EngineID,
		Message:   "Stopped",
		Err:       workerErr,
		Attrs: map[string]string{
			"batches":   strconv.FormatInt(result.Batches, 10),
			"fragments": strconv.FormatInt(result.Fragments, 10),
		},
	})

	if !persist || c.opts.Exporter == nil {
		return result, workerErr
	}
	exportErr := c.persist(c.ctx, s, &result)
	return result, errors.Join(workerErr, exportErr)
}

// StopSession clears the session flag and waits for the session to be
// finalised: both workers drained and, when persist is set, the recording
// exported. The controller lock is not held while waiting. If ctx ends first
// the stop request still stands and the supervisor completes it, export
// included; a later StopSession waits for that same outcome.
func (c *Controller) StopSession(ctx context.Context, persist bool) (StopResult, error) {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return StopResult{}, ErrNotRunning
	}
	if !s.finalizing {
		s.stopping = true
		s.persist = s.persist || persist
	}
	c.mu.Unlock()

	s.Control.Stop()
	select {
	case <-s.finished:
	case <-ctx.Done():
		return StopResult{SessionID: s.ID}, fmt.Errorf("waiting for session %s workers: %w", s.ID, ctx.Err())
	}
	return s.result, s.finalErr
}

func (c *Controller) persist(ctx context.Context, s *Session, result *StopResult) error {
	location, err := s.Buffer.Export(ctx, s.ID, s.Format, c.opts.Exporter)
	if err != nil {
		c.logger.Error("recording export failed", slog.String("session_id", s.ID), slogError(err))
		c.emit(Event{Kind: EventRecordingFailed, SessionID: s.ID, Message: "Export failed", Err: err})
		return err
	}
	result.Recording = location
	c.logger.Info("recording saved", slog.String("session_id", s.ID), slog.String("path", location))

	attrs := map[string]string{"path": location}
	if c.opts.Archiver != nil {
		uri, err := c.opts.Archiver.Archive(ctx, location)
		if err != nil {
			c.logger.Warn("recording archive failed", slog.String("session_id", s.ID), slogError(err))
			c.emit(Event{Kind: EventRecordingFailed, SessionID: s.ID, Message: "Archive failed", Err: err, Attrs: attrs})
		} else {
			result.Archive = uri
			attrs["archive"] = uri
		}
	}
	c.emit(Event{Kind: EventRecordingSaved, SessionID: s.ID, Message: "Audio saved", Attrs: attrs})
	return nil
}

func (c *Controller) beginLoad() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return fmt.Errorf("%w: stop the session before changing engine", ErrEngineBusy)
	}
	if c.loading {
		return fmt.Errorf("%w: another engine is loading", ErrEngineBusy)
	}
	c.loading = true
	return nil
}

func (c *Controller) load(ctx context.Context, id string) error {
	defer func() {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
	}()
	c.emit(Event{Kind: EventEngineLoading, EngineID: id, Message: "Loading model"})
	if err := c.opts.Engines.Change(ctx, id); err != nil {
		c.emit(Event{Kind: EventEngineFailed, EngineID: id, Message: "Model load failed", Err: err})
		return err
	}
	c.emit(Event{Kind: EventEngineReady, EngineID: id, Message: "Ready"})
	return nil
}

// ChangeEngine loads id on the caller's goroutine and swaps it in. It is
// rejected while a session is running or another load is in progress.
func (c *Controller) ChangeEngine(ctx context.Context, id string) error {
	if err := c.beginLoad(); err != nil {
		return err
	}
	return c.load(ctx, id)
}

// ChangeEngineAsync loads id on its own goroutine. The returned channel
// receives exactly one result.
func (c *Controller) ChangeEngineAsync(id string) <-chan error {
	result := make(chan error, 1)
	if err := c.beginLoad(); err != nil {
		result <- err
		return result
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		result <- c.load(c.ctx, id)
	}()
	return result
}

func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:    StateIdle,
		EngineID: c.opts.Engines.ActiveID(),
		Loading:  c.loading || c.opts.Engines.Loading(),
		Engines:  c.opts.Engines.Loader().Catalog(),
	}
	if st.Loading {
		st.State = StateLoading
	}
	if c.current != nil {
		info := c.current.Info()
		st.Session = &info
		st.State = StateRunning
		if c.current.stopping {
			st.State = StateStopping
		}
	}
	return st
}

// Close stops a running session, exporting it only if an earlier stop asked
// for that, cancels the worker context and waits for every goroutine the
// controller started.
func (c *Controller) Close(ctx context.Context) error {
	var errs []error
	if _, err := c.StopSession(ctx, false); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for session workers: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
