package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Valid reports whether both the sample rate and the channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Chunk is a contiguous block of 16-bit little-endian PCM audio. Chunks are
// immutable once created: producers hand them off and never touch Data again.
type Chunk struct {
	// Data holds interleaved int16 LE samples.
	Data []byte

	// SampleRate in Hz (16000 for microphone capture, 24000 for model output).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// Format returns the chunk's sample rate and channel count.
func (c Chunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Duration returns the playback length of the chunk. A chunk with an invalid
// format has zero duration.
func (c Chunk) Duration() time.Duration {
	return PCMDuration(len(c.Data), c.Format())
}

// PCMDuration returns the playback length of n bytes of int16 PCM in format f.
func PCMDuration(n int, f Format) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := n / (2 * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is decoded, de-interleaved float audio ready to be scheduled on an
// [Output]. Samples[c][i] is frame i of channel c.
type Buffer struct {
	Samples    [][]float32
	SampleRate int
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// NewBuffer decodes chunk into a [Buffer] with the chunk's own sample rate.
func NewBuffer(chunk Chunk) (*Buffer, error) {
	if chunk.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: decode chunk: invalid sample rate %d", chunk.SampleRate)
	}
	samples, err := PCM16ToFloat(chunk.Data, chunk.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: decode chunk: %w", err)
	}
	return &Buffer{Samples: samples, SampleRate: chunk.SampleRate}, nil
}
