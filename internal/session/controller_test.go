package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/recording"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// fakeBackend serves limit identical chunks, then blocks the next read until
// release is closed. With readErr set the read after limit fails instead.
type fakeBackend struct {
	limit   int
	level   int16
	openErr error
	readErr error
	release chan struct{}
	reached chan struct{}
	once    sync.Once

	releaseOnce sync.Once
}

func (b *fakeBackend) unblock() {
	b.releaseOnce.Do(func() { close(b.release) })
}

func newFakeBackend(limit int, level int16) *fakeBackend {
	return &fakeBackend{
		limit:   limit,
		level:   level,
		release: make(chan struct{}),
		reached: make(chan struct{}),
	}
}

func (b *fakeBackend) Open(_ int, format audio.Format, chunkSize int) (capture.Stream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	samples := make([]int16, chunkSize*format.Channels)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = b.level
		} else {
			samples[i] = -b.level
		}
	}
	return &fakeStream{backend: b, chunk: audio.PutInt16s(samples)}, nil
}

type fakeStream struct {
	backend *fakeBackend
	chunk   []byte
	reads   int
}

func (s *fakeStream) Read() ([]byte, error) {
	s.reads++
	if s.reads > s.backend.limit && s.backend.readErr != nil {
		return nil, s.backend.readErr
	}
	if s.reads > s.backend.limit {
		s.backend.once.Do(func() { close(s.backend.reached) })
		<-s.backend.release
	}
	return append([]byte(nil), s.chunk...), nil
}

func (s *fakeStream) Close() error { return nil }

type harness struct {
	ctrl      *Controller
	backend   *fakeBackend
	dir       string
	mu        sync.Mutex
	fragments []transcript.Fragment
	events    chan Event
}

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := config.EngineConfig{
		Default: "mock",
		Catalog: []config.EngineEntry{
			{ID: "mock", Mode: "mock"},
			{ID: "mock-b", Mode: "mock"},
		},
	}
	manager := engine.NewManager(engine.NewLoader(catalog, logger), logger)
	if err := manager.Change(context.Background(), "mock"); err != nil {
		t.Fatalf("load default engine: %v", err)
	}

	h := &harness{backend: backend, dir: t.TempDir(), events: make(chan Event, 64)}
	capCfg := config.Default().Capture
	h.ctrl = NewController(context.Background(), Options{
		Capture: capCfg,
		Backend: backend,
		Engines: manager,
		Sink: transcript.SinkFunc(func(_ context.Context, f transcript.Fragment) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.fragments = append(h.fragments, f)
			return nil
		}),
		Exporter:  recording.NewWAVExporter(h.dir),
		Observers: []Observer{ObserverFunc(func(ev Event) { h.events <- ev })},
		Logger:    logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		backend.unblock()
		_ = h.ctrl.Close(ctx)
		_ = manager.Close()
	})
	return h
}

// releaseOnStop unblocks the fake device once the session flag is cleared.
func (h *harness) releaseOnStop() {
	h.ctrl.mu.Lock()
	control := h.ctrl.current.Control
	h.ctrl.mu.Unlock()
	go func() {
		<-control.Done()
		h.backend.unblock()
	}()
}

func (h *harness) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

var defaultRequest = StartRequest{FrameRate: 16000, DurationSeconds: 4, Device: capture.DefaultDevice}

func TestStopWithoutSessionTwice(t *testing.T) {
	h := newHarness(t, newFakeBackend(0, 0))
	for i := 0; i < 2; i++ {
		if _, err := h.ctrl.StopSession(context.Background(), true); !errors.Is(err, ErrNotRunning) {
			t.Fatalf("stop %d: expected ErrNotRunning, got %v", i, err)
		}
	}
}

func TestSessionCapturesTwoBatchesAndPersists(t *testing.T) {
	h := newHarness(t, newFakeBackend(124, 8000))
	info, err := h.ctrl.StartSession(context.Background(), defaultRequest)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.BatchChunks != 62 {
		t.Fatalf("expected 62 chunks per batch, got %d", info.BatchChunks)
	}
	if info.EngineID != "mock" {
		t.Fatalf("expected mock engine, got %q", info.EngineID)
	}
	h.releaseOnStop()
	<-h.backend.reached

	if _, err := h.ctrl.StartSession(context.Background(), defaultRequest); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if st := h.ctrl.Snapshot(); st.State != StateRunning || st.Session == nil || st.Session.ID != info.ID {
		t.Fatalf("unexpected snapshot %+v", st)
	}

	result, err := h.ctrl.StopSession(context.Background(), true)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.Batches != 2 {
		t.Fatalf("expected 2 batches, got %d", result.Batches)
	}
	// the read that was blocked during stop lands in a partial batch
	if result.Dropped != 1 {
		t.Fatalf("expected 1 dropped chunk, got %d", result.Dropped)
	}
	h.mu.Lock()
	if len(h.fragments) != 2 || h.fragments[0].Seq != 0 || h.fragments[1].Seq != 1 {
		t.Fatalf("unexpected fragments %+v", h.fragments)
	}
	h.mu.Unlock()

	stat, err := os.Stat(result.Recording)
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if want := int64(44 + 124*1024*2); stat.Size() != want {
		t.Fatalf("expected recording of %d bytes, got %d", want, stat.Size())
	}
	h.waitEvent(t, EventRecordingSaved)

	if _, err := h.ctrl.StopSession(context.Background(), true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second stop: expected ErrNotRunning, got %v", err)
	}
}

func TestSilentBatchRecordsWithoutFragment(t *testing.T) {
	h := newHarness(t, newFakeBackend(62, 0))
	if _, err := h.ctrl.StartSession(context.Background(), defaultRequest); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.releaseOnStop()
	<-h.backend.reached

	result, err := h.ctrl.StopSession(context.Background(), true)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.Batches != 1 || result.Fragments != 0 {
		t.Fatalf("expected 1 batch and no fragments, got %+v", result)
	}
	stat, err := os.Stat(result.Recording)
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if want := int64(44 + 62*1024*2); stat.Size() != want {
		t.Fatalf("expected recording of %d bytes, got %d", want, stat.Size())
	}
}

func TestStopWithoutPersistSkipsExport(t *testing.T) {
	h := newHarness(t, newFakeBackend(62, 8000))
	if _, err := h.ctrl.StartSession(context.Background(), defaultRequest); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.releaseOnStop()
	<-h.backend.reached
	result, err := h.ctrl.StopSession(context.Background(), false)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.Recording != "" {
		t.Fatalf("expected no recording, got %q", result.Recording)
	}
	entries, _ := os.ReadDir(h.dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty recording dir, got %d entries", len(entries))
	}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, newFakeBackend(0, 0))
	bad := []StartRequest{
		{FrameRate: 0, DurationSeconds: 4, Device: -1},
		{FrameRate: 16000, DurationSeconds: -1, Device: -1},
		{FrameRate: 16000, DurationSeconds: 4, Device: -2},
	}
	for _, req := range bad {
		if _, err := h.ctrl.StartSession(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("request %+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
}

func TestStartFailsWhenDeviceUnavailable(t *testing.T) {
	backend := newFakeBackend(0, 0)
	backend.openErr = errors.New("no such device")
	h := newHarness(t, backend)

	_, err := h.ctrl.StartSession(context.Background(), StartRequest{FrameRate: 16000, DurationSeconds: 4, Device: 7})
	if !errors.Is(err, capture.ErrDevice) {
		t.Fatalf("expected ErrDevice, got %v", err)
	}
	if st := h.ctrl.Snapshot(); st.State != StateIdle || st.Session != nil {
		t.Fatalf("expected idle after device failure, got %+v", st)
	}
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %s for a session that never started", ev.Kind)
	default:
	}
	if _, err := h.ctrl.StopSession(context.Background(), true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestReadFailureDiscardsSession(t *testing.T) {
	backend := newFakeBackend(10, 0)
	backend.readErr = errors.New("device unplugged")
	h := newHarness(t, backend)

	info, err := h.ctrl.StartSession(context.Background(), defaultRequest)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := h.waitEvent(t, EventSessionFailed)
	if ev.SessionID != info.ID || !errors.Is(ev.Err, capture.ErrDevice) {
		t.Fatalf("unexpected failure event %+v", ev)
	}
	if st := h.ctrl.Snapshot(); st.State != StateIdle {
		t.Fatalf("expected idle after failure, got %s", st.State)
	}
	if _, err := h.ctrl.StopSession(context.Background(), true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after discard, got %v", err)
	}
}

func TestSnapshotWhileStopDrains(t *testing.T) {
	h := newHarness(t, newFakeBackend(62, 8000))
	info, err := h.ctrl.StartSession(context.Background(), defaultRequest)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-h.backend.reached

	type stopped struct {
		result StopResult
		err    error
	}
	done := make(chan stopped, 1)
	go func() {
		result, err := h.ctrl.StopSession(context.Background(), false)
		done <- stopped{result, err}
	}()

	// The device read stays blocked, so the stop cannot finish yet.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := make(chan Status, 1)
		go func() { snap <- h.ctrl.Snapshot() }()
		var st Status
		select {
		case st = <-snap:
		case <-time.After(500 * time.Millisecond):
			t.Fatal("snapshot blocked while stop waits for workers")
		}
		if st.State == StateStopping {
			if st.Session == nil || st.Session.ID != info.ID {
				t.Fatalf("unexpected stopping snapshot %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never observed stopping state, last %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.ctrl.StartSession(context.Background(), defaultRequest); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning while stopping, got %v", err)
	}
	select {
	case <-done:
		t.Fatal("stop returned before the device was released")
	default:
	}

	h.backend.unblock()
	select {
	case res := <-done:
		if res.err != nil || res.result.Batches != 1 {
			t.Fatalf("unexpected stop result %+v, %v", res.result, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after release")
	}
	if st := h.ctrl.Snapshot(); st.State != StateIdle {
		t.Fatalf("expected idle after stop, got %s", st.State)
	}
}

func TestStopTimeoutStillExports(t *testing.T) {
	h := newHarness(t, newFakeBackend(62, 8000))
	info, err := h.ctrl.StartSession(context.Background(), defaultRequest)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-h.backend.reached

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := h.ctrl.StopSession(ctx, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if result.SessionID != info.ID {
		t.Fatalf("expected session id on timeout, got %q", result.SessionID)
	}

	// A retry without persist still waits on the same stop and keeps the
	// earlier persist request.
	retryCtx, retryCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer retryCancel()
	if _, err := h.ctrl.StopSession(retryCtx, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("retry: expected deadline exceeded, got %v", err)
	}

	h.backend.unblock()
	stop := h.waitEvent(t, EventSessionStopped)
	if stop.SessionID != info.ID || stop.Attrs["batches"] != "1" {
		t.Fatalf("unexpected stop event %+v", stop)
	}
	saved := h.waitEvent(t, EventRecordingSaved)
	if saved.SessionID != info.ID || saved.Attrs["path"] == "" {
		t.Fatalf("unexpected recording event %+v", saved)
	}
	stat, err := os.Stat(saved.Attrs["path"])
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if want := int64(44 + 62*1024*2); stat.Size() != want {
		t.Fatalf("expected recording of %d bytes, got %d", want, stat.Size())
	}
}

func TestChangeEngineBadIDKeepsPrevious(t *testing.T) {
	h := newHarness(t, newFakeBackend(62, 8000))
	err := h.ctrl.ChangeEngine(context.Background(), "bad-id")
	if !errors.Is(err, engine.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	h.waitEvent(t, EventEngineFailed)
	if st := h.ctrl.Snapshot(); st.EngineID != "mock" || st.Loading {
		t.Fatalf("expected previous engine kept, got %+v", st)
	}

	if _, err := h.ctrl.StartSession(context.Background(), defaultRequest); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.releaseOnStop()
	<-h.backend.reached
	result, err := h.ctrl.StopSession(context.Background(), false)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.Fragments != 1 {
		t.Fatalf("expected previous engine to keep decoding, got %d fragments", result.Fragments)
	}
}

func TestChangeEngineRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, newFakeBackend(0, 0))
	if _, err := h.ctrl.StartSession(context.Background(), defaultRequest); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.releaseOnStop()
	if err := h.ctrl.ChangeEngine(context.Background(), "mock-b"); !errors.Is(err, ErrEngineBusy) {
		t.Fatalf("expected ErrEngineBusy, got %v", err)
	}
	if err := <-h.ctrl.ChangeEngineAsync("mock-b"); !errors.Is(err, ErrEngineBusy) {
		t.Fatalf("expected async ErrEngineBusy, got %v", err)
	}
	if _, err := h.ctrl.StopSession(context.Background(), false); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestChangeEngineAsyncSwaps(t *testing.T) {
	h := newHarness(t, newFakeBackend(0, 0))
	select {
	case err := <-h.ctrl.ChangeEngineAsync("mock-b"):
		if err != nil {
			t.Fatalf("async change: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async change did not complete")
	}
	h.waitEvent(t, EventEngineLoading)
	h.waitEvent(t, EventEngineReady)
	if st := h.ctrl.Snapshot(); st.EngineID != "mock-b" {
		t.Fatalf("expected mock-b active, got %q", st.EngineID)
	}
}

func TestControlStopsOnce(t *testing.T) {
	c := NewControl()
	if !c.Active() {
		t.Fatal("new control should be active")
	}
	if !c.Stop() {
		t.Fatal("first stop should report the transition")
	}
	if c.Stop() {
		t.Fatal("second stop should be a no-op")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("done should be closed after stop")
	}
}
