package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var (
	// ErrExport wraps any failure to persist a session recording.
	ErrExport = errors.New("export failed")
	// ErrAlreadyExported is returned by a second Export of the same buffer.
	ErrAlreadyExported = errors.New("recording already exported")
)

// Exporter persists one session's PCM and returns where it went.
type Exporter interface {
	Export(ctx context.Context, sessionID string, pcm []byte, format audio.Format) (string, error)
}

// Buffer retains every chunk the recognition side consumed, in order.
type Buffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	exported bool
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exported {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// Len is the number of retained chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Size is the number of retained PCM bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Bytes returns the retained chunks concatenated.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.concat()
}

func (b *Buffer) concat() []byte {
	pcm := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		pcm = append(pcm, c...)
	}
	return pcm
}

// Export writes the recording through exp once and clears the buffer. The
// data is discarded even when the exporter fails.
func (b *Buffer) Export(ctx context.Context, sessionID string, format audio.Format, exp Exporter) (string, error) {
	b.mu.Lock()
	if b.exported {
		b.mu.Unlock()
		return "", ErrAlreadyExported
	}
	b.exported = true
	pcm := b.concat()
	b.chunks = nil
	b.size = 0
	b.mu.Unlock()

	location, err := exp.Export(ctx, sessionID, pcm, format)
	if err != nil {
		return "", fmt.Errorf("%w: session %s: %w", ErrExport, sessionID, err)
	}
	return location, nil
}
