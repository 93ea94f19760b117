package whisper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := New(context.Background(), config.EngineEntry{
		ID:    "base",
		Mode:  "whisper",
		Model: filepath.Join(t.TempDir(), "ggml-base.en.bin"),
	})
	if err == nil {
		t.Fatal("expected missing model file to be rejected")
	}
}
