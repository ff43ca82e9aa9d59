package audio

import "context"

// Status is the capture/synthesis state reported by a [Mixer]. It is the
// payload of every status message that flows back towards the page.
type Status struct {
	// Capturing is the best-effort truth of whether tab audio is being captured.
	Capturing bool `json:"capturing"`

	// TargetID identifies the captured tab while Capturing is true.
	TargetID string `json:"target_id,omitempty"`

	// Synthesis reports whether the synthesized-audio path is available.
	Synthesis bool `json:"synthesis"`

	// Detail carries free-form page or mixer annotations.
	Detail map[string]string `json:"detail,omitempty"`
}

// Mixer owns the audio graph that mixes captured and synthesized audio.
//
// All methods except Render must be called from a single control goroutine.
// Render is the real-time entry point and may run concurrently with them.
type Mixer interface {
	// Initialize builds the audio graph if it does not exist yet. It is
	// idempotent.
	Initialize(ctx context.Context) error

	// StartCapture acquires tab audio for targetID and reports the result.
	// Acquisition failures degrade to Capturing == false.
	StartCapture(ctx context.Context, targetID string) Status

	// StopCapture releases any tab capture. It is a no-op when idle.
	StopCapture() Status

	// FeedPCM16 hands a little-endian PCM16 buffer to the synthesis queue.
	FeedPCM16(ctx context.Context, buf []byte) error

	// Flush discards queued synthesized audio from the next render block on.
	Flush()

	// Render produces the next block of output samples.
	Render(out []float32)
}
