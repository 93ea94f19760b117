package capture

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// ErrDevice marks capture device failures: the stream could not be opened or a read failed.
var ErrDevice = errors.New("capture device error")

// DefaultDevice selects the host's default input device.
const DefaultDevice = -1

// Stream is an open input stream delivering fixed-size chunks.
type Stream interface {
	// Read blocks until one chunk of s16le PCM is available.
	Read() ([]byte, error)
	Close() error
}

// Backend opens input streams on a device. Implementations release any
// partially acquired resources before returning an error from Open.
type Backend interface {
	Open(device int, format audio.Format, chunkSize int) (Stream, error)
}
