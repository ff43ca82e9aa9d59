// Package mock provides in-memory implementations of [audio.CaptureSource],
// [audio.Stream], [audio.Track], and [audio.Mixer] for unit tests.
//
// The mocks record every call so tests can assert on call counts and
// arguments, and expose exported fields that control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(0.25, "track-1")
//	src := &mock.CaptureSource{Stream: stream}
//	m := mixer.New(mixer.WithCaptureSource(src))
//	m.StartCapture(ctx, "tab-1")
//	// ... stream.Tracks()[0].Live() == true
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tabvoice/pkg/audio"
)

// ─── Track ───────────────────────────────────────────────────────────────────

// Track is a mock [audio.Track].
type Track struct {
	id    string
	stops atomic.Int32
}

var _ audio.Track = (*Track)(nil)

// NewTrack returns a live track.
func NewTrack(id string) *Track { return &Track{id: id} }

// ID implements [audio.Track].
func (t *Track) ID() string { return t.id }

// Stop implements [audio.Track] and counts calls.
func (t *Track) Stop() { t.stops.Add(1) }

// Live implements [audio.Track]. A track is live until Stop is called.
func (t *Track) Live() bool { return t.stops.Load() == 0 }

// StopCount returns how many times Stop was called.
func (t *Track) StopCount() int { return int(t.stops.Load()) }

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock [audio.Stream] that renders a constant value.
type Stream struct {
	// Level is written to every sample in Process.
	Level float32

	tracks []audio.Track

	processed atomic.Int64
}

var _ audio.Stream = (*Stream)(nil)

// NewStream returns a stream emitting level with one [Track] per ID.
func NewStream(level float32, trackIDs ...string) *Stream {
	s := &Stream{Level: level}
	for _, id := range trackIDs {
		s.tracks = append(s.tracks, NewTrack(id))
	}
	return s
}

// Process implements [audio.Stream].
func (s *Stream) Process(out []float32) {
	for i := range out {
		out[i] = s.Level
	}
	s.processed.Add(int64(len(out)))
}

// Tracks implements [audio.Stream].
func (s *Stream) Tracks() []audio.Track { return s.tracks }

// Processed returns the number of samples rendered so far.
func (s *Stream) Processed() int64 { return s.processed.Load() }

// Track returns the i-th track as a *[Track].
func (s *Stream) Track(i int) *Track { return s.tracks[i].(*Track) }

// ─── CaptureSource ───────────────────────────────────────────────────────────

// CaptureSource is a mock [audio.CaptureSource].
type CaptureSource struct {
	mu sync.Mutex

	// Stream is returned by Acquire when Err is nil.
	Stream audio.Stream

	// Err is returned by Acquire when non-nil.
	Err error

	// AcquireCalls records the target IDs passed to Acquire.
	AcquireCalls []string
}

var _ audio.CaptureSource = (*CaptureSource)(nil)

// Acquire implements [audio.CaptureSource].
func (c *CaptureSource) Acquire(_ context.Context, targetID string) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AcquireCalls = append(c.AcquireCalls, targetID)
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Stream, nil
}

// Calls returns a copy of the recorded target IDs.
func (c *CaptureSource) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.AcquireCalls...)
}

// ─── Mixer ───────────────────────────────────────────────────────────────────

// Mixer is a mock [audio.Mixer] that records calls and tracks capture state.
type Mixer struct {
	mu sync.Mutex

	// InitErr is returned by Initialize.
	InitErr error

	// FeedErr is returned by FeedPCM16.
	FeedErr error

	// CaptureFails makes StartCapture report Capturing == false.
	CaptureFails bool

	// Started records target IDs passed to StartCapture.
	Started []string

	// Fed records buffers passed to FeedPCM16.
	Fed [][]byte

	// InitCalls, StopCalls, and FlushCalls count calls.
	InitCalls  int
	StopCalls  int
	FlushCalls int

	status audio.Status
}

var _ audio.Mixer = (*Mixer)(nil)

// Initialize implements [audio.Mixer].
func (m *Mixer) Initialize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitCalls++
	return m.InitErr
}

// StartCapture implements [audio.Mixer].
func (m *Mixer) StartCapture(_ context.Context, targetID string) audio.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Started = append(m.Started, targetID)
	m.status = audio.Status{Synthesis: true}
	if !m.CaptureFails {
		m.status.Capturing = true
		m.status.TargetID = targetID
	}
	return m.status
}

// StopCapture implements [audio.Mixer].
func (m *Mixer) StopCapture() audio.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	m.status.Capturing = false
	m.status.TargetID = ""
	return m.status
}

// FeedPCM16 implements [audio.Mixer].
func (m *Mixer) FeedPCM16(_ context.Context, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fed = append(m.Fed, append([]byte(nil), buf...))
	return m.FeedErr
}

// Flush implements [audio.Mixer].
func (m *Mixer) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushCalls++
}

// Render implements [audio.Mixer] by writing silence.
func (m *Mixer) Render(out []float32) { clear(out) }

// Snapshot returns copies of the recorded starts and fed buffers.
func (m *Mixer) Snapshot() (started []string, fed [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Started...), append([][]byte(nil), m.Fed...)
}
