// Package sherpa provides a streaming transducer engine backed by sherpa-onnx.
package sherpa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
)

const modelSampleRate = 16000

// Engine keeps one online stream open across batches so hypotheses carry
// over batch boundaries. Decode returns only the text added since the
// previous call.
type Engine struct {
	mu         sync.Mutex
	recognizer *sherpa.OnlineRecognizer
	stream     *sherpa.OnlineStream
	emitted    string
}

// New is an engine.Factory for mode "sherpa".
func New(_ context.Context, entry config.EngineEntry) (engine.Engine, error) {
	for _, path := range []string{entry.Encoder, entry.Decoder, entry.Joiner, entry.Tokens} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("model file: %w", err)
		}
	}
	threads := entry.Threads
	if threads <= 0 {
		threads = 2
	}

	cfg := sherpa.OnlineRecognizerConfig{}
	cfg.FeatConfig = sherpa.FeatureConfig{SampleRate: modelSampleRate, FeatureDim: 80}
	cfg.ModelConfig.Transducer.Encoder = entry.Encoder
	cfg.ModelConfig.Transducer.Decoder = entry.Decoder
	cfg.ModelConfig.Transducer.Joiner = entry.Joiner
	cfg.ModelConfig.Tokens = entry.Tokens
	cfg.ModelConfig.NumThreads = threads
	cfg.ModelConfig.Provider = "cpu"
	cfg.DecodingMethod = "greedy_search"
	cfg.EnableEndpoint = 1
	cfg.Rule1MinTrailingSilence = 2.4
	cfg.Rule2MinTrailingSilence = 1.2
	cfg.Rule3MinUtteranceLength = 20

	recognizer := sherpa.NewOnlineRecognizer(&cfg)
	if recognizer == nil {
		return nil, errors.New("sherpa-onnx rejected the model configuration")
	}
	stream := sherpa.NewOnlineStream(recognizer)
	if stream == nil {
		sherpa.DeleteOnlineRecognizer(recognizer)
		return nil, errors.New("sherpa-onnx could not create a stream")
	}
	return &Engine{recognizer: recognizer, stream: stream}, nil
}

func (e *Engine) Decode(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer == nil {
		return "", errors.New("engine closed")
	}

	samples := audio.Resample(audio.MonoFloat32(pcm, format.Channels), format.SampleRate, modelSampleRate)
	e.stream.AcceptWaveform(modelSampleRate, samples)
	for e.recognizer.IsReady(e.stream) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		e.recognizer.Decode(e.stream)
	}

	text := strings.TrimSpace(e.recognizer.GetResult(e.stream).Text)
	delta := newText(e.emitted, text)
	e.emitted = text
	if e.recognizer.IsEndpoint(e.stream) {
		e.recognizer.Reset(e.stream)
		e.emitted = ""
	}
	return delta, nil
}

// newText returns what current adds to previous. A revised hypothesis that
// no longer extends previous is returned whole.
func newText(previous, current string) string {
	if previous == "" {
		return current
	}
	if strings.HasPrefix(current, previous) {
		return strings.TrimSpace(current[len(previous):])
	}
	return current
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer != nil {
		e.recognizer.Reset(e.stream)
	}
	e.emitted = ""
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer == nil {
		return nil
	}
	sherpa.DeleteOnlineStream(e.stream)
	sherpa.DeleteOnlineRecognizer(e.recognizer)
	e.stream = nil
	e.recognizer = nil
	return nil
}
