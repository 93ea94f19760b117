// Package whisper runs whisper.cpp over each batch.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
)

// minSamples is 0.1s at the model rate; whisper hallucinates on shorter input.
const minSamples = whisper.SampleRate / 10

// silenceRMS is the normalised level below which batches are skipped.
const silenceRMS = 0.005

type Engine struct {
	mu       sync.Mutex
	model    whisper.Model
	language string
	threads  uint
}

// New is an engine.Factory for mode "whisper".
func New(_ context.Context, entry config.EngineEntry) (engine.Engine, error) {
	if _, err := os.Stat(entry.Model); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	model, err := whisper.New(entry.Model)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	language := entry.Language
	if language == "" {
		language = "auto"
	}
	threads := entry.Threads
	if threads < 0 {
		threads = 0
	}
	return &Engine{model: model, language: language, threads: uint(threads)}, nil
}

func (e *Engine) Decode(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return "", errors.New("engine closed")
	}
	if audio.RMS(pcm) < silenceRMS {
		return "", nil
	}
	samples := audio.Resample(audio.MonoFloat32(pcm, format.Channels), format.SampleRate, whisper.SampleRate)
	if len(samples) < minSamples {
		return "", nil
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		_ = wctx.SetLanguage("auto")
	}
	wctx.SetTranslate(false)
	if e.threads > 0 {
		wctx.SetThreads(e.threads)
	}

	abort := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, abort, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}
