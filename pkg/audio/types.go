package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// DefaultSampleRate is the declared sample rate of synthesized PCM16 chunks
// and of the mixer's render context.
const DefaultSampleRate = 16000

// ErrOddLength is returned by [DecodePCM16] when a buffer cannot hold a whole
// number of 16-bit samples.
var ErrOddLength = errors.New("audio: pcm16 buffer has odd byte length")

// AudioFrame represents a single frame of interleaved PCM16 audio as it
// arrives from a capture publisher, before conversion to the render format.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for tab audio, 16000 for synthesis).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Chunk is an immutable block of mono PCM16 samples at a declared sample
// rate. Once a Chunk is handed to a queue the producer must not modify
// Samples again; ownership moves with the value.
type Chunk struct {
	Samples    []int16
	SampleRate int
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return len(c.Samples) }

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Bytes encodes the chunk back to little-endian PCM16.
func (c Chunk) Bytes() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 decodes a little-endian PCM16 buffer into a [Chunk]. The
// returned chunk owns a fresh sample slice; buf is not retained.
func DecodePCM16(buf []byte, sampleRate int) (Chunk, error) {
	if len(buf)%2 != 0 {
		return Chunk{}, fmt.Errorf("%w (%d bytes)", ErrOddLength, len(buf))
	}
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return Chunk{Samples: samples, SampleRate: sampleRate}, nil
}

// SampleToFloat converts a signed 16-bit sample to a normalised float by
// dividing by 32768, so -32768 maps to exactly -1.0.
func SampleToFloat(s int16) float32 {
	return float32(s) / 32768
}
