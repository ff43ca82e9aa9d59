// Package audio defines the types and interfaces shared by the tabvoice audio
// pipeline: PCM16 chunks, capture streams, and the mixer contract.
//
// The two capture abstractions are:
//
//   - [CaptureSource]: acquires the output audio of a browser tab by target ID
//     and returns a [Stream].
//   - [Stream]: a live capture whose samples are pulled by the render callback
//     through [Stream.Process]. Its [Track] values can be stopped individually.
//
// Implementations live in sibling packages (audio/tabcapture for websocket
// publishers, audio/mock for tests).
package audio

import (
	"context"
	"errors"
)

// ErrCaptureUnavailable is returned by a [CaptureSource] when no audio can be
// captured for the requested target.
var ErrCaptureUnavailable = errors.New("audio: capture unavailable")

// Track is one media track of a captured [Stream].
type Track interface {
	// ID returns the track's identifier, unique within its stream.
	ID() string

	// Stop ends the track. It is safe to call more than once.
	Stop()

	// Live reports whether the track is still producing audio.
	Live() bool
}

// Stream is a captured audio stream, already converted to the render
// context's sample rate and to mono.
//
// Process is called from the real-time render callback: implementations must
// fill all of out (zero-filling when no data is available) without
// allocating, locking, or blocking.
type Stream interface {
	// Process writes the next len(out) samples into out.
	Process(out []float32)

	// Tracks returns the stream's media tracks.
	Tracks() []Track
}

// StopTracks stops every track of s.
func StopTracks(s Stream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// CaptureSource acquires tab audio for a browser target.
//
// Implementations must be safe for concurrent use.
type CaptureSource interface {
	// Acquire returns a live [Stream] for targetID. The supplied ctx bounds the
	// acquisition only; the stream lives until its tracks are stopped.
	Acquire(ctx context.Context, targetID string) (Stream, error)
}
