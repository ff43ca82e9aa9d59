package graph

import (
	"math"
	"sync/atomic"
)

// Node is a vertex of a [Context]. Inputs are summed before the node renders.
type Node interface {
	ID() int
	Name() string

	context() *Context
	render(in, out []float32)
}

// Processor produces samples for a [Source] node on the render side.
// Implementations must not block, lock, or allocate.
type Processor interface {
	Process(out []float32)
}

type base struct {
	ctx  *Context
	id   int
	name string
}

func (b *base) ID() int           { return b.id }
func (b *base) Name() string      { return b.name }
func (b *base) context() *Context { return b.ctx }

// Destination is the context output.
type Destination struct{ base }

func (d *Destination) render(in, out []float32) { copy(out, in) }

// Gain scales its summed input by an atomically updated level.
type Gain struct {
	base
	level atomic.Uint32
}

// NewGain adds a gain node with the given initial level.
func (c *Context) NewGain(name string, level float32) *Gain {
	g := &Gain{base: c.newBase(name)}
	g.SetLevel(level)
	c.add(g)
	return g
}

// SetLevel updates the gain. Safe from any goroutine; the render side picks
// it up on the next block.
func (g *Gain) SetLevel(level float32) { g.level.Store(math.Float32bits(level)) }

// Level returns the current gain.
func (g *Gain) Level() float32 { return math.Float32frombits(g.level.Load()) }

func (g *Gain) render(in, out []float32) {
	level := g.Level()
	for i, v := range in {
		out[i] = v * level
	}
}

// Merger sums every input into a single channel.
type Merger struct{ base }

// NewMerger adds a single-channel merger node.
func (c *Context) NewMerger(name string) *Merger {
	m := &Merger{base: c.newBase(name)}
	c.add(m)
	return m
}

func (m *Merger) render(in, out []float32) { copy(out, in) }

// Source pulls samples from a [Processor]. Sources have no inputs.
type Source struct {
	base
	proc Processor
}

// NewSource adds a source node rendering from p.
func (c *Context) NewSource(name string, p Processor) *Source {
	s := &Source{base: c.newBase(name), proc: p}
	c.add(s)
	return s
}

func (s *Source) render(_, out []float32) {
	if s.proc == nil {
		clear(out)
		return
	}
	s.proc.Process(out)
}

// Analyser passes audio through unchanged and keeps the most recent window
// of samples for level metering. The window is written by the render side
// and read by the control side through atomic slots.
type Analyser struct {
	base
	window []atomic.Uint32
	write  atomic.Uint64
}

// NewAnalyser adds an analyser with a window of size samples.
func (c *Context) NewAnalyser(name string, size int) *Analyser {
	if size <= 0 {
		size = 256
	}
	a := &Analyser{base: c.newBase(name), window: make([]atomic.Uint32, size)}
	c.add(a)
	return a
}

// Size returns the window length in samples.
func (a *Analyser) Size() int { return len(a.window) }

func (a *Analyser) render(in, out []float32) {
	copy(out, in)
	w := a.write.Load()
	size := uint64(len(a.window))
	for _, v := range in {
		a.window[w%size].Store(math.Float32bits(v))
		w++
	}
	a.write.Store(w)
}

// TimeDomain copies the window, oldest sample first, into dst and returns
// the number of samples written.
func (a *Analyser) TimeDomain(dst []float32) int {
	size := uint64(len(a.window))
	w := a.write.Load()
	n := min(uint64(len(dst)), size)
	start := w + size - n
	for i := range n {
		dst[i] = math.Float32frombits(a.window[(start+i)%size].Load())
	}
	return int(n)
}

// RMS returns the root mean square of the current window.
func (a *Analyser) RMS() float64 {
	var sum float64
	for i := range a.window {
		v := float64(math.Float32frombits(a.window[i].Load()))
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(a.window)))
}

// Peak returns the largest absolute sample in the current window.
func (a *Analyser) Peak() float64 {
	var peak float64
	for i := range a.window {
		if v := math.Abs(float64(math.Float32frombits(a.window[i].Load()))); v > peak {
			peak = v
		}
	}
	return peak
}
