package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ErrModelLoad reports an unknown engine id or a failure to construct the engine.
var ErrModelLoad = errors.New("model load failed")

// ErrNoEngine is returned by Decode before any engine has been swapped in.
var ErrNoEngine = errors.New("no active engine")

// Engine is a stateful decoder. Decode receives one batch of s16 PCM and
// returns the text recognised so far for it; an empty string means nothing
// was recognised.
type Engine interface {
	Decode(ctx context.Context, pcm []byte, format audio.Format) (string, error)
	Close() error
}

// Resetter is implemented by engines that keep decoding state between batches.
type Resetter interface {
	Reset()
}

// Factory builds an engine from a catalog entry.
type Factory func(ctx context.Context, entry config.EngineEntry) (Engine, error)

// Loader resolves catalog ids to engines through per-mode factories.
type Loader struct {
	catalog config.EngineConfig
	logger  *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

func NewLoader(catalog config.EngineConfig, logger *slog.Logger) *Loader {
	l := &Loader{
		catalog:   catalog,
		logger:    logger,
		factories: make(map[string]Factory),
	}
	l.Register("mock", func(_ context.Context, entry config.EngineEntry) (Engine, error) {
		return NewMock(), nil
	})
	l.Register("exec", func(_ context.Context, entry config.EngineEntry) (Engine, error) {
		return NewExec(entry)
	})
	return l
}

func (l *Loader) Register(mode string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[mode] = factory
}

// Modes lists the registered factory modes.
func (l *Loader) Modes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	modes := make([]string, 0, len(l.factories))
	for mode := range l.factories {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

func (l *Loader) Catalog() []string {
	return l.catalog.IDs()
}

func (l *Loader) Default() string {
	return l.catalog.Default
}

func (l *Loader) Load(ctx context.Context, id string) (Engine, error) {
	entry, ok := l.catalog.Entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown engine %q", ErrModelLoad, id)
	}
	l.mu.RLock()
	factory := l.factories[entry.Mode]
	l.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: engine %q: mode %q not available in this build", ErrModelLoad, id, entry.Mode)
	}
	l.logger.Debug("building engine", slog.String("engine", id), slog.String("mode", entry.Mode))
	eng, err := factory(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("%w: engine %q: %w", ErrModelLoad, id, err)
	}
	if eng == nil {
		return nil, fmt.Errorf("%w: engine %q: factory returned no engine", ErrModelLoad, id)
	}
	return eng, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
