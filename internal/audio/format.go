package audio

import "fmt"

// SampleWidth is the byte width of one PCM sample. Capture and export are 16-bit only.
const SampleWidth = 2

// Format describes interleaved little-endian signed 16-bit PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// FrameSize returns the number of bytes in one frame (one sample per channel).
func (f Format) FrameSize() int {
	return f.Channels * SampleWidth
}

// ChunkBytes returns the byte length of a chunk holding frames frames.
func (f Format) ChunkBytes(frames int) int {
	return frames * f.FrameSize()
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/s16le", f.SampleRate, f.Channels)
}
