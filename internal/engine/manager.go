package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Manager owns the active engine. Decode holds the read lock for the length
// of the call and Swap takes the write lock, so a swap never lands in the
// middle of a decode.
type Manager struct {
	loader *Loader
	logger *slog.Logger

	mu      sync.RWMutex
	id      string
	current Engine

	loading atomic.Bool
}

func NewManager(loader *Loader, logger *slog.Logger) *Manager {
	return &Manager{
		loader: loader,
		logger: logger.With(slog.String("component", "engine")),
	}
}

func (m *Manager) Loader() *Loader {
	return m.loader
}

// Load builds the engine for id without activating it.
func (m *Manager) Load(ctx context.Context, id string) (Engine, error) {
	return m.loader.Load(ctx, id)
}

// Swap activates eng under id and returns the engine it replaced.
func (m *Manager) Swap(id string, eng Engine) Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	m.id = id
	m.current = eng
	return prev
}

func (m *Manager) Current() (Engine, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.id
}

func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

func (m *Manager) Decode(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "", ErrNoEngine
	}
	return m.current.Decode(ctx, pcm, format)
}

// Reset clears decoder state carried over from a previous session.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.current.(Resetter); ok {
		r.Reset()
	}
}

// Change loads id and swaps it in, closing the previous engine. A failed
// load leaves the previous engine active.
func (m *Manager) Change(ctx context.Context, id string) error {
	m.loading.Store(true)
	defer m.loading.Store(false)

	m.logger.Info("loading engine", slog.String("engine", id))
	eng, err := m.Load(ctx, id)
	if err != nil {
		m.logger.Warn("engine load failed", slog.String("engine", id), slogError(err))
		return err
	}
	prev := m.Swap(id, eng)
	if prev != nil {
		if err := prev.Close(); err != nil {
			m.logger.Warn("failed to close previous engine", slogError(err))
		}
	}
	m.logger.Info("engine ready", slog.String("engine", id))
	return nil
}

// Loading reports whether a Change is in progress.
func (m *Manager) Loading() bool {
	return m.loading.Load()
}

func (m *Manager) Close() error {
	prev := m.Swap("", nil)
	if prev == nil {
		return nil
	}
	return prev.Close()
}
