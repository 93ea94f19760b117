package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// SilenceThreshold is the normalised RMS level below which the mock engine
// treats a batch as silence.
const SilenceThreshold = 0.01

type mockEngine struct {
	mu         sync.Mutex
	utterances int
	frames     int
}

// NewMock returns an engine that recognises one numbered utterance per
// non-silent batch.
func NewMock() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Decode(_ context.Context, pcm []byte, format audio.Format) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fs := format.FrameSize(); fs > 0 {
		m.frames += len(pcm) / fs
	}
	if audio.RMS(pcm) < SilenceThreshold {
		return "", nil
	}
	m.utterances++
	return fmt.Sprintf("[utterance %d frames=%d]", m.utterances, m.frames), nil
}

func (m *mockEngine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utterances = 0
	m.frames = 0
}

func (m *mockEngine) Close() error {
	return nil
}
