// Package mixer implements the offscreen audio mixer: a gain-staged
// [graph.Context] that plays synthesized PCM16 through a ring processor and
// meters captured tab audio on a separate monitor branch.
//
// Graph layout:
//
//	ring ──▶ input-mix (1.0) ──▶ bus (0.9) ──▶ destination
//	              └──▶ input-analyser (sink)
//
//	capture ──▶ capture-attenuation (0.6) ──▶ capture-merger ──▶ capture-monitor (sink)
//
// The capture branch never connects to input-mix or bus, so tab audio cannot
// be played back into the tab it was captured from.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/graph"
	"github.com/MrWong99/tabvoice/pkg/audio/ring"
)

// Compile-time interface assertion.
var _ audio.Mixer = (*Mixer)(nil)

// ErrNoSynthesis is returned by [Mixer.FeedPCM16] when the ring processor
// could not be loaded.
var ErrNoSynthesis = errors.New("mixer: synthesized audio unavailable")

// Node names used in the graph.
const (
	NodeBus           = "bus"
	NodeInputMix      = "input-mix"
	NodeInputAnalyser = "input-analyser"
	NodeRing          = "ring"
	NodeCapture       = "capture-source"
	NodeAttenuation   = "capture-attenuation"
	NodeMerger        = "capture-merger"
	NodeMonitor       = "capture-monitor"
)

// Config holds the fixed graph parameters.
type Config struct {
	SampleRate   int
	BlockSize    int
	BusGain      float32
	InputGain    float32
	CaptureGain  float32
	AnalyserSize int
	RingCapacity int
	Gapless      bool
}

// DefaultConfig returns the standard graph parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate:   audio.DefaultSampleRate,
		BlockSize:    graph.DefaultBlockSize,
		BusGain:      0.9,
		InputGain:    1.0,
		CaptureGain:  0.6,
		AnalyserSize: 256,
		RingCapacity: ring.DefaultCapacity,
	}
}

// State is the mixer lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateIdle
	StateCapturing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Levels reports analyser readings.
type Levels struct {
	InputRMS    float64 `json:"input_rms"`
	InputPeak   float64 `json:"input_peak"`
	MonitorRMS  float64 `json:"monitor_rms"`
	MonitorPeak float64 `json:"monitor_peak"`
}

// Option configures a [Mixer].
type Option func(*Mixer)

// WithConfig replaces the default graph parameters. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(m *Mixer) {
		def := m.cfg
		if cfg.SampleRate > 0 {
			def.SampleRate = cfg.SampleRate
		}
		if cfg.BlockSize > 0 {
			def.BlockSize = cfg.BlockSize
		}
		if cfg.BusGain != 0 {
			def.BusGain = cfg.BusGain
		}
		if cfg.InputGain != 0 {
			def.InputGain = cfg.InputGain
		}
		if cfg.CaptureGain != 0 {
			def.CaptureGain = cfg.CaptureGain
		}
		if cfg.AnalyserSize > 0 {
			def.AnalyserSize = cfg.AnalyserSize
		}
		if cfg.RingCapacity > 0 {
			def.RingCapacity = cfg.RingCapacity
		}
		def.Gapless = cfg.Gapless
		m.cfg = def
	}
}

// WithCaptureSource sets where tab audio is acquired from. Without one,
// StartCapture always reports Capturing == false.
func WithCaptureSource(src audio.CaptureSource) Option {
	return func(m *Mixer) { m.capture = src }
}

// WithLoader overrides how the ring processor is loaded.
func WithLoader(l WorkletLoader) Option {
	return func(m *Mixer) { m.loader = l }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Mixer) { m.log = l }
}

type captureBranch struct {
	targetID string
	stream   audio.Stream
	nodes    []graph.Node
	monitor  *graph.Analyser
}

// Mixer is the concrete [audio.Mixer].
//
// Control methods serialize on an internal mutex that Render never takes.
// Render only loads the published graph context.
type Mixer struct {
	cfg     Config
	capture audio.CaptureSource
	loader  WorkletLoader
	log     *slog.Logger

	mu            sync.Mutex
	gc            *graph.Context
	bus           *graph.Gain
	input         *graph.Gain
	analyser      *graph.Analyser
	synth         *ring.Processor
	loadAttempted bool
	branch        *captureBranch

	render atomic.Pointer[graph.Context]
	state  atomic.Int32
}

// New creates a mixer. The graph is built lazily by the first control
// operation.
func New(opts ...Option) *Mixer {
	m := &Mixer{cfg: DefaultConfig(), log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	if m.loader == nil {
		ropts := []ring.Option{ring.WithCapacity(m.cfg.RingCapacity)}
		if m.cfg.Gapless {
			ropts = append(ropts, ring.WithGapless())
		}
		m.loader = RingLoader(ropts...)
	}
	return m
}

// Config returns the active graph parameters.
func (m *Mixer) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// State returns the lifecycle state.
func (m *Mixer) State() State { return State(m.state.Load()) }

// Initialize builds the graph if it does not exist yet and attempts to load
// the ring processor once. A load failure is logged and the mixer keeps
// running without synthesized audio.
func (m *Mixer) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx)
}

func (m *Mixer) initLocked(ctx context.Context) error {
	if m.gc == nil {
		gc := graph.NewContext(m.cfg.SampleRate, graph.WithBlockSize(m.cfg.BlockSize))
		bus := gc.NewGain(NodeBus, m.cfg.BusGain)
		input := gc.NewGain(NodeInputMix, m.cfg.InputGain)
		an := gc.NewAnalyser(NodeInputAnalyser, m.cfg.AnalyserSize)
		err := errors.Join(
			gc.Connect(bus, gc.Destination()),
			gc.Connect(input, bus),
			gc.Connect(input, an),
			gc.AddSink(an),
		)
		if err != nil {
			return fmt.Errorf("mixer: build graph: %w", err)
		}
		m.gc, m.bus, m.input, m.analyser = gc, bus, input, an
		m.render.Store(gc)
		m.state.Store(int32(StateIdle))
		m.log.Debug("mixer: graph initialized",
			"sample_rate", m.cfg.SampleRate,
			"block_size", m.cfg.BlockSize,
		)
	}

	if m.loadAttempted {
		return nil
	}
	m.loadAttempted = true
	proc, err := m.loader.Load(ctx, m.cfg.SampleRate)
	if err != nil {
		m.log.Warn("mixer: ring processor unavailable, continuing without synthesized audio", "err", err)
		return nil
	}
	node := m.gc.NewSource(NodeRing, proc)
	if err := m.gc.Connect(node, m.input); err != nil {
		m.log.Warn("mixer: connect ring processor", "err", err)
		return nil
	}
	m.synth = proc
	return nil
}

// StartCapture acquires tab audio for targetID and wires it into the monitor
// branch, replacing any previous capture. Acquisition failures are logged and
// reported as Capturing == false.
func (m *Mixer) StartCapture(ctx context.Context, targetID string) audio.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(ctx); err != nil {
		m.log.Warn("mixer: start capture", "target_id", targetID, "err", err)
		return m.statusLocked()
	}
	if m.releaseLocked() {
		m.log.Debug("mixer: replacing capture", "target_id", targetID)
	}
	if m.capture == nil {
		m.log.Warn("mixer: no capture source configured", "target_id", targetID)
		return m.statusLocked()
	}

	stream, err := m.capture.Acquire(ctx, targetID)
	if err != nil {
		m.log.Warn("mixer: tab capture failed, continuing without it", "target_id", targetID, "err", err)
		return m.statusLocked()
	}
	branch, err := m.attachLocked(targetID, stream)
	if err != nil {
		audio.StopTracks(stream)
		m.log.Warn("mixer: wire capture branch", "target_id", targetID, "err", err)
		return m.statusLocked()
	}
	m.branch = branch
	m.state.Store(int32(StateCapturing))
	m.log.Info("mixer: capture started", "target_id", targetID)
	return m.statusLocked()
}

func (m *Mixer) attachLocked(targetID string, stream audio.Stream) (*captureBranch, error) {
	gc := m.gc
	src := gc.NewSource(NodeCapture, stream)
	atten := gc.NewGain(NodeAttenuation, m.cfg.CaptureGain)
	merger := gc.NewMerger(NodeMerger)
	monitor := gc.NewAnalyser(NodeMonitor, m.cfg.AnalyserSize)
	b := &captureBranch{
		targetID: targetID,
		stream:   stream,
		nodes:    []graph.Node{src, atten, merger, monitor},
		monitor:  monitor,
	}
	err := errors.Join(
		gc.Connect(src, atten),
		gc.Connect(atten, merger),
		gc.Connect(merger, monitor),
		gc.AddSink(monitor),
	)
	if err != nil {
		for _, n := range b.nodes {
			_ = gc.Remove(n)
		}
		return nil, err
	}
	return b, nil
}

// StopCapture disconnects the capture branch and stops every track of its
// stream. Calling it while idle is a no-op.
func (m *Mixer) StopCapture() audio.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target := m.targetLocked(); m.releaseLocked() {
		m.log.Info("mixer: capture stopped", "target_id", target)
	}
	return m.statusLocked()
}

func (m *Mixer) targetLocked() string {
	if m.branch == nil {
		return ""
	}
	return m.branch.targetID
}

// releaseLocked tears down the capture branch. It reports whether there was
// one.
func (m *Mixer) releaseLocked() bool {
	b := m.branch
	if b == nil {
		return false
	}
	for _, n := range b.nodes {
		if err := m.gc.Remove(n); err != nil {
			m.log.Debug("mixer: remove capture node", "node", n.Name(), "err", err)
		}
	}
	audio.StopTracks(b.stream)
	m.branch = nil
	m.state.Store(int32(StateIdle))
	return true
}

// FeedPCM16 decodes buf and hands the chunk to the ring processor. It
// returns [ErrNoSynthesis] when the processor failed to load and wraps
// [ring.ErrQueueFull] when the queue is at capacity.
func (m *Mixer) FeedPCM16(ctx context.Context, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(ctx); err != nil {
		return err
	}
	if m.synth == nil {
		return ErrNoSynthesis
	}
	chunk, err := audio.DecodePCM16(buf, m.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("mixer: feed pcm16: %w", err)
	}
	if err := m.synth.Enqueue(chunk); err != nil {
		return fmt.Errorf("mixer: feed pcm16: %w", err)
	}
	return nil
}

// Flush discards queued synthesized audio from the next block on.
func (m *Mixer) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.synth != nil {
		m.synth.Flush()
	}
}

// Render produces the next len(out) samples. Before initialization it
// writes silence.
func (m *Mixer) Render(out []float32) {
	gc := m.render.Load()
	if gc == nil {
		clear(out)
		return
	}
	gc.Render(out)
}

// Status returns the current capture and synthesis state.
func (m *Mixer) Status() audio.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Mixer) statusLocked() audio.Status {
	st := audio.Status{Synthesis: m.synth != nil}
	if m.branch != nil {
		st.Capturing = true
		st.TargetID = m.branch.targetID
	}
	return st
}

// SetGains updates the bus, input-mix, and capture attenuation levels.
// Non-positive values leave a level unchanged. Live nodes pick up the new
// level on the next block.
func (m *Mixer) SetGains(bus, input, capture float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bus > 0 {
		m.cfg.BusGain = bus
		if m.bus != nil {
			m.bus.SetLevel(bus)
		}
	}
	if input > 0 {
		m.cfg.InputGain = input
		if m.input != nil {
			m.input.SetLevel(input)
		}
	}
	if capture > 0 {
		m.cfg.CaptureGain = capture
		if m.branch != nil {
			for _, n := range m.branch.nodes {
				if g, ok := n.(*graph.Gain); ok {
					g.SetLevel(capture)
				}
			}
		}
	}
}

// Levels returns the analyser readings. Monitor levels are zero while idle.
func (m *Mixer) Levels() Levels {
	m.mu.Lock()
	defer m.mu.Unlock()

	var l Levels
	if m.analyser != nil {
		l.InputRMS, l.InputPeak = m.analyser.RMS(), m.analyser.Peak()
	}
	if m.branch != nil {
		l.MonitorRMS, l.MonitorPeak = m.branch.monitor.RMS(), m.branch.monitor.Peak()
	}
	return l
}

// RingStats returns the ring processor counters. ok is false when no
// processor is loaded.
func (m *Mixer) RingStats() (stats ring.Stats, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.synth == nil {
		return ring.Stats{}, false
	}
	return m.synth.Stats(), true
}

// Graph returns the render context, or nil before initialization.
func (m *Mixer) Graph() *graph.Context { return m.render.Load() }
