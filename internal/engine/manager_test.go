package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
	closed  atomic.Bool
	text    string
}

func (b *blockingEngine) Decode(context.Context, []byte, audio.Format) (string, error) {
	if b.entered != nil {
		close(b.entered)
		b.entered = nil
		<-b.release
	}
	return b.text, nil
}

func (b *blockingEngine) Close() error {
	b.closed.Store(true)
	return nil
}

func newTestManager() *Manager {
	catalog := config.EngineConfig{
		Default: "mock",
		Catalog: []config.EngineEntry{
			{ID: "mock", Mode: "mock"},
			{ID: "other", Mode: "mock"},
		},
	}
	return NewManager(NewLoader(catalog, testLogger()), testLogger())
}

func TestManagerDecodeWithoutEngine(t *testing.T) {
	m := newTestManager()
	if _, err := m.Decode(context.Background(), nil, testFormat); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("expected ErrNoEngine, got %v", err)
	}
}

func TestManagerChangeSwapsAndClosesPrevious(t *testing.T) {
	m := newTestManager()
	first := &blockingEngine{text: "first"}
	m.Swap("first", first)

	if err := m.Change(context.Background(), "other"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if _, id := m.Current(); id != "other" {
		t.Fatalf("expected other active, got %q", id)
	}
	if !first.closed.Load() {
		t.Fatal("expected previous engine to be closed")
	}
	if m.Loading() {
		t.Fatal("loading flag should be cleared after change")
	}
}

func TestManagerFailedChangeKeepsPrevious(t *testing.T) {
	m := newTestManager()
	prev := &blockingEngine{text: "still here"}
	m.Swap("mock", prev)

	err := m.Change(context.Background(), "bad-id")
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	eng, id := m.Current()
	if id != "mock" || eng != Engine(prev) {
		t.Fatalf("expected previous engine to stay active, got %q", id)
	}
	text, err := m.Decode(context.Background(), nil, testFormat)
	if err != nil || text != "still here" {
		t.Fatalf("expected previous engine to keep decoding, got %q %v", text, err)
	}
	if prev.closed.Load() {
		t.Fatal("previous engine must not be closed on failed change")
	}
}

func TestSwapWaitsForInflightDecode(t *testing.T) {
	m := newTestManager()
	slow := &blockingEngine{entered: make(chan struct{}), release: make(chan struct{}), text: "slow"}
	entered := slow.entered
	m.Swap("slow", slow)

	decoded := make(chan string, 1)
	go func() {
		text, _ := m.Decode(context.Background(), nil, testFormat)
		decoded <- text
	}()
	<-entered

	swapped := make(chan struct{})
	go func() {
		m.Swap("fast", &blockingEngine{text: "fast"})
		close(swapped)
	}()

	select {
	case <-swapped:
		t.Fatal("swap completed while a decode was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.release)
	if text := <-decoded; text != "slow" {
		t.Fatalf("in-flight decode should finish on the old engine, got %q", text)
	}
	select {
	case <-swapped:
	case <-time.After(time.Second):
		t.Fatal("swap did not complete after decode finished")
	}
	if _, id := m.Current(); id != "fast" {
		t.Fatalf("expected fast engine active, got %q", id)
	}
}

func TestManagerCloseClosesActive(t *testing.T) {
	m := newTestManager()
	eng := &blockingEngine{}
	m.Swap("x", eng)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !eng.closed.Load() {
		t.Fatal("expected active engine closed")
	}
	if cur, _ := m.Current(); cur != nil {
		t.Fatal("expected no engine after close")
	}
}
