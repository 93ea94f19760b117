package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// WAVExporter writes <dir>/<session>.wav.
type WAVExporter struct {
	Dir string
}

func NewWAVExporter(dir string) *WAVExporter {
	return &WAVExporter{Dir: dir}
}

func (e *WAVExporter) Path(sessionID string) string {
	return filepath.Join(e.Dir, sessionID+".wav")
}

func (e *WAVExporter) Export(_ context.Context, sessionID string, pcm []byte, format audio.Format) (string, error) {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := e.Path(sessionID)
	tmp, err := os.CreateTemp(e.Dir, "."+sessionID+"-*.wav")
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := audio.WriteWAV(tmp, pcm, format); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close recording: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("finalise recording: %w", err)
	}
	return path, nil
}
