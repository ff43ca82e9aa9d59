// Package tabcapture implements [audio.CaptureSource] for tab audio that is
// pushed into the process by publishers, typically a browser extension
// streaming a tab's output over a websocket.
//
// A publisher registers under a target ID and writes PCM16 frames in any
// sample rate and channel count. Frames are converted to the render format
// and queued in a gapless [ring.Processor], which the render callback drains
// through the [audio.Stream] returned by [Hub.Acquire].
package tabcapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/ring"
)

var (
	// ErrNoPublisher is returned by Acquire when nobody publishes the target.
	ErrNoPublisher = fmt.Errorf("%w: no publisher for target", audio.ErrCaptureUnavailable)

	// ErrBusy is returned by Acquire when the target's stream is already held.
	ErrBusy = fmt.Errorf("%w: target already captured", audio.ErrCaptureUnavailable)

	// ErrAlreadyPublishing is returned by Publish for a target that already
	// has a publisher.
	ErrAlreadyPublishing = errors.New("tabcapture: target already has a publisher")

	// ErrClosed is returned by Write after the publisher is closed.
	ErrClosed = errors.New("tabcapture: publisher closed")
)

// Compile-time interface assertions.
var (
	_ audio.CaptureSource = (*Hub)(nil)
	_ audio.Stream        = (*stream)(nil)
	_ audio.Track         = (*track)(nil)
)

// Option configures a [Hub].
type Option func(*Hub)

// WithRingCapacity sets the per-publisher queue capacity in chunks.
func WithRingCapacity(n int) Option {
	return func(h *Hub) { h.ringCap = n }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// Hub tracks publishers by target ID. It is safe for concurrent use.
type Hub struct {
	sampleRate int
	ringCap    int
	log        *slog.Logger

	mu   sync.Mutex
	pubs map[string]*Publisher
}

// NewHub returns a hub that converts published audio to mono at sampleRate.
func NewHub(sampleRate int, opts ...Option) *Hub {
	h := &Hub{
		sampleRate: sampleRate,
		ringCap:    ring.DefaultCapacity,
		log:        slog.Default(),
		pubs:       make(map[string]*Publisher),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish registers a publisher for targetID sending audio in format src.
func (h *Hub) Publish(targetID string, src audio.Format) (*Publisher, error) {
	if targetID == "" {
		return nil, errors.New("tabcapture: empty target id")
	}
	if src.SampleRate <= 0 || src.Channels <= 0 {
		return nil, fmt.Errorf("tabcapture: invalid source format %s", src)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pubs[targetID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPublishing, targetID)
	}
	p := &Publisher{
		hub:      h,
		targetID: targetID,
		src:      src,
		conv:     audio.FormatConverter{Target: audio.Format{SampleRate: h.sampleRate, Channels: 1}},
		queue:    ring.New(ring.WithCapacity(h.ringCap), ring.WithGapless()),
	}
	h.pubs[targetID] = p
	h.log.Info("tabcapture: publisher registered", "target_id", targetID, "format", src.String())
	return p, nil
}

// Acquire implements [audio.CaptureSource]. Only one stream per target can
// be held at a time; stopping its track releases it.
func (h *Hub) Acquire(ctx context.Context, targetID string) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	p, ok := h.pubs[targetID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPublisher, targetID)
	}
	if !p.held.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, targetID)
	}
	// Drop audio that piled up while nobody was listening.
	p.queue.Flush()
	s := &stream{pub: p}
	s.tracks = []audio.Track{&track{id: targetID + "/audio", stream: s}}
	return s, nil
}

// Targets returns the published target IDs in sorted order.
func (h *Hub) Targets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.pubs))
	for id := range h.pubs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (h *Hub) remove(p *Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pubs[p.targetID] == p {
		delete(h.pubs, p.targetID)
		h.log.Info("tabcapture: publisher removed", "target_id", p.targetID)
	}
}

// Publisher feeds one target's audio into the hub. Write must be called from
// a single goroutine.
type Publisher struct {
	hub      *Hub
	targetID string
	src      audio.Format
	conv     audio.FormatConverter
	queue    *ring.Processor

	held   atomic.Bool
	closed atomic.Bool
}

// TargetID returns the published target.
func (p *Publisher) TargetID() string { return p.targetID }

// Write converts one PCM16 frame to the render format and queues it. A full
// queue drops the frame and returns [ring.ErrQueueFull].
func (p *Publisher) Write(pcm []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	chunk, err := p.conv.ConvertChunk(audio.AudioFrame{
		Data:       pcm,
		SampleRate: p.src.SampleRate,
		Channels:   p.src.Channels,
	})
	if err != nil {
		return fmt.Errorf("tabcapture: write: %w", err)
	}
	return p.queue.Enqueue(chunk)
}

// Stats returns the publisher's queue counters.
func (p *Publisher) Stats() ring.Stats { return p.queue.Stats() }

// Close unregisters the publisher. Streams already acquired stop producing
// audio once the queue drains and report their track as not live.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.hub.remove(p)
	return nil
}

type stream struct {
	pub     *Publisher
	tracks  []audio.Track
	stopped atomic.Bool
}

func (s *stream) Process(out []float32) {
	if s.stopped.Load() {
		clear(out)
		return
	}
	s.pub.queue.Process(out)
}

func (s *stream) Tracks() []audio.Track { return s.tracks }

type track struct {
	id     string
	stream *stream
}

func (t *track) ID() string { return t.id }

func (t *track) Stop() {
	if t.stream.stopped.Swap(true) {
		return
	}
	t.stream.pub.held.Store(false)
}

func (t *track) Live() bool {
	return !t.stream.stopped.Load() && !t.stream.pub.closed.Load()
}
