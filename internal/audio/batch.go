package audio

// Batch is a duration-aligned group of raw chunks handed to recognition as one unit.
type Batch struct {
	Seq    int
	Chunks [][]byte
}

// BatchChunkCount returns how many chunks of chunkSize frames make up durationSeconds of audio at
// frameRate. The result is floored and never below one.
func BatchChunkCount(frameRate, durationSeconds, chunkSize int) int {
	if chunkSize <= 0 {
		return 1
	}
	n := frameRate * durationSeconds / chunkSize
	if n < 1 {
		return 1
	}
	return n
}

// Len returns the total number of PCM bytes in the batch.
func (b Batch) Len() int {
	total := 0
	for _, c := range b.Chunks {
		total += len(c)
	}
	return total
}

// PCM concatenates the chunks into one contiguous buffer.
func (b Batch) PCM() []byte {
	out := make([]byte, 0, b.Len())
	for _, c := range b.Chunks {
		out = append(out, c...)
	}
	return out
}
