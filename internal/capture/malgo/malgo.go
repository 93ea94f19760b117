// Package malgo adapts miniaudio's callback capture into the blocking chunk
// stream the capture worker reads from.
package malgo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
)

var errStopped = errors.New("capture device stopped")

// Backend opens miniaudio capture devices.
type Backend struct {
	// Backlog is how many whole chunks may wait for the reader before the
	// callback blocks the audio thread.
	Backlog int
}

func New() *Backend {
	return &Backend{Backlog: 64}
}

type stream struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	chunks  chan []byte
	stopped chan struct{}

	chunkBytes int
	pending    []byte

	stopOnce  sync.Once
	closeOnce sync.Once
}

func (b *Backend) Open(device int, format audio.Format, chunkSize int) (capture.Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("miniaudio context: %w", err)
	}
	release := func() {
		_ = ctx.Uninit()
		ctx.Free()
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(chunkSize)

	if device != capture.DefaultDevice {
		infos, err := ctx.Devices(malgo.Capture)
		if err != nil {
			release()
			return nil, fmt.Errorf("list capture devices: %w", err)
		}
		if device < 0 || device >= len(infos) {
			release()
			return nil, fmt.Errorf("device index %d out of range (0-%d)", device, len(infos)-1)
		}
		cfg.Capture.DeviceID = infos[device].ID.Pointer()
	}

	backlog := b.Backlog
	if backlog < 1 {
		backlog = 1
	}
	s := &stream{
		ctx:        ctx,
		chunks:     make(chan []byte, backlog),
		stopped:    make(chan struct{}),
		chunkBytes: format.ChunkBytes(chunkSize),
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		release()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	s.device = dev
	return s, nil
}

// onData runs on the audio thread and regroups periods into whole chunks.
func (s *stream) onData(_, input []byte, _ uint32) {
	s.pending = append(s.pending, input...)
	for len(s.pending) >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.pending[:s.chunkBytes])
		s.pending = s.pending[s.chunkBytes:]
		select {
		case s.chunks <- chunk:
		case <-s.stopped:
			return
		}
	}
}

func (s *stream) onStop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *stream) Read() ([]byte, error) {
	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.stopped:
		select {
		case chunk := <-s.chunks:
			return chunk, nil
		default:
		}
		return nil, errStopped
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.onStop()
		if s.device != nil {
			s.device.Uninit()
		}
		err = s.ctx.Uninit()
		s.ctx.Free()
	})
	return err
}
