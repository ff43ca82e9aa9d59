// Package opus decodes Opus packets from ingest clients into mono PCM16
// chunks at the render sample rate. [Encoder] produces the packets such
// clients send and is used to build test fixtures.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/tabvoice/pkg/audio"
)

const (
	// FrameDurationMs is the packet duration produced by [Encoder].
	FrameDurationMs = 20

	// maxFrameMs is the longest Opus packet duration.
	maxFrameMs = 120

	// maxPacketBytes bounds an encoded packet.
	maxPacketBytes = 4000
)

// FrameSize returns the number of samples in one [FrameDurationMs] frame at
// sampleRate.
func FrameSize(sampleRate int) int { return sampleRate * FrameDurationMs / 1000 }

// Decoder decodes a single Opus stream. Decoder state carries across packets,
// so each ingest connection needs its own.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
}

// NewDecoder returns a mono decoder producing audio at sampleRate. Opus
// supports 8, 12, 16, 24, and 48 kHz.
func NewDecoder(sampleRate int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, sampleRate: sampleRate}, nil
}

// Decode decodes one packet.
func (d *Decoder) Decode(packet []byte) (audio.Chunk, error) {
	pcm, err := d.dec.Decode(packet, d.sampleRate*maxFrameMs/1000, false)
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Chunk{Samples: pcm, SampleRate: d.sampleRate}, nil
}

// DecodePCM16 decodes one packet and returns little-endian PCM16 bytes, the
// wire format of pcm16 control messages.
func (d *Decoder) DecodePCM16(packet []byte) ([]byte, error) {
	c, err := d.Decode(packet)
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}

// Encoder encodes mono PCM16 into 20 ms Opus packets.
type Encoder struct {
	enc        *gopus.Encoder
	sampleRate int
}

// NewEncoder returns a mono VoIP encoder at sampleRate.
func NewEncoder(sampleRate int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, sampleRate: sampleRate}, nil
}

// Encode encodes exactly one frame of [FrameSize] samples.
func (e *Encoder) Encode(c audio.Chunk) ([]byte, error) {
	if want := FrameSize(e.sampleRate); c.Len() != want {
		return nil, fmt.Errorf("opus: encode: got %d samples, want %d", c.Len(), want)
	}
	packet, err := e.enc.Encode(c.Samples, c.Len(), maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}
