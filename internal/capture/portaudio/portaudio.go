// Package portaudio opens blocking PortAudio input streams for the capture worker.
package portaudio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
)

// Backend opens PortAudio input streams. Each stream holds its own
// Initialize/Terminate pair so the library is only loaded while capturing.
type Backend struct {
	// TolerateOverflow keeps reading when the host reports an input overflow.
	TolerateOverflow bool
}

func New() *Backend {
	return &Backend{TolerateOverflow: true}
}

type stream struct {
	pa        *portaudio.Stream
	buf       []int16
	tolerate  bool
	closeOnce bool
}

func (b *Backend) Open(device int, format audio.Format, chunkSize int) (capture.Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	info, err := inputDevice(device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if info.MaxInputChannels < format.Channels {
		portaudio.Terminate()
		return nil, fmt.Errorf("device %q supports %d input channels, need %d", info.Name, info.MaxInputChannels, format.Channels)
	}

	buf := make([]int16, chunkSize*format.Channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: chunkSize,
	}
	pa, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open stream on %q: %w", info.Name, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start stream on %q: %w", info.Name, err)
	}
	return &stream{pa: pa, buf: buf, tolerate: b.TolerateOverflow}, nil
}

func inputDevice(index int) (*portaudio.DeviceInfo, error) {
	if index == capture.DefaultDevice {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return info, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("device index %d out of range (0-%d)", index, len(devices)-1)
	}
	info := devices[index]
	if info.MaxInputChannels == 0 {
		return nil, fmt.Errorf("device %d (%s) has no input channels", index, info.Name)
	}
	return info, nil
}

func (s *stream) Read() ([]byte, error) {
	if err := s.pa.Read(); err != nil {
		if !(s.tolerate && errors.Is(err, portaudio.InputOverflowed)) {
			return nil, err
		}
	}
	return audio.PutInt16s(s.buf), nil
}

func (s *stream) Close() error {
	if s.closeOnce {
		return nil
	}
	s.closeOnce = true
	var errs []error
	if err := s.pa.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.pa.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
