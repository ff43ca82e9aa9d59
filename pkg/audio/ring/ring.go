// Package ring implements the PCM16 ring processor: a bounded,
// single-producer/single-consumer queue of synthesized PCM16 chunks that is
// drained by the real-time render callback.
//
// The control side calls [Processor.Enqueue] and [Processor.Flush]; the
// render side calls [Processor.Process] once per block. Neither side locks,
// and Process never allocates.
package ring

import (
	"errors"
	"math/bits"
	"sync/atomic"

	"github.com/MrWong99/tabvoice/pkg/audio"
)

// DefaultCapacity is the number of chunks a [Processor] queues before
// [Processor.Enqueue] starts returning [ErrQueueFull].
const DefaultCapacity = 256

// ErrQueueFull is returned by [Processor.Enqueue] when the queue is at
// capacity. The rejected chunk is dropped.
var ErrQueueFull = errors.New("ring: queue full")

// Option configures a [Processor].
type Option func(*Processor)

// WithCapacity sets the queue capacity in chunks. It is rounded up to the
// next power of two. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithGapless makes [Processor.Process] fill each block across chunk
// boundaries instead of consuming at most one chunk per block.
func WithGapless() Option {
	return func(p *Processor) { p.gapless = true }
}

// Stats is a snapshot of the processor counters.
type Stats struct {
	Blocks    uint64 // blocks rendered
	Underruns uint64 // blocks rendered with an empty queue
	Consumed  uint64 // chunks dequeued by the render side
	Dropped   uint64 // chunks rejected by Enqueue
	Flushes   uint64 // Flush calls
	Queued    int    // chunks currently waiting
}

type slot struct {
	samples []int16
}

// Processor is a lock-free SPSC chunk queue with a render-side cursor.
//
// Enqueue must be called from a single goroutine at a time; Process must only
// be called from the render callback. Flush and Stats are safe from any
// goroutine.
type Processor struct {
	capacity int
	gapless  bool
	slots    []slot
	mask     uint64

	head    atomic.Uint64 // next slot the consumer reads
	tail    atomic.Uint64 // next slot the producer writes
	flushTo atomic.Uint64 // every sequence below this is discarded

	// Render side only.
	cur    []int16
	pos    int
	curSeq uint64 // sequence of cur plus one; zero when cur is empty

	blocks    atomic.Uint64
	underruns atomic.Uint64
	consumed  atomic.Uint64
	dropped   atomic.Uint64
	flushes   atomic.Uint64
}

// New returns an empty processor.
func New(opts ...Option) *Processor {
	p := &Processor{capacity: DefaultCapacity}
	for _, o := range opts {
		o(p)
	}
	size := 1 << bits.Len(uint(p.capacity-1))
	p.slots = make([]slot, size)
	p.mask = uint64(size - 1)
	return p
}

// Capacity returns the queue capacity in chunks.
func (p *Processor) Capacity() int { return len(p.slots) }

// Enqueue hands ownership of c.Samples to the queue. Empty chunks are ignored.
// When the queue is full the chunk is dropped and [ErrQueueFull] is returned.
func (p *Processor) Enqueue(c audio.Chunk) error {
	if len(c.Samples) == 0 {
		return nil
	}
	tail := p.tail.Load()
	if tail-p.head.Load() >= uint64(len(p.slots)) {
		p.dropped.Add(1)
		return ErrQueueFull
	}
	p.slots[tail&p.mask].samples = c.Samples
	p.tail.Store(tail + 1)
	return nil
}

// Flush discards everything queued so far, including a partially played
// chunk. It takes effect at the start of the next rendered block; chunks
// enqueued after Flush returns are kept. The slots of flushed chunks belong
// to the render side until that block, so a queue that was full keeps
// returning [ErrQueueFull] until the next Process.
func (p *Processor) Flush() {
	t := p.tail.Load()
	for {
		f := p.flushTo.Load()
		if t <= f || p.flushTo.CompareAndSwap(f, t) {
			break
		}
	}
	p.flushes.Add(1)
}

// Process renders one block into out. Queued samples are converted to floats
// by dividing by 32768 and any remaining space is zero-filled. A chunk longer
// than the block keeps its position for the next call.
func (p *Processor) Process(out []float32) {
	p.blocks.Add(1)
	p.applyFlush()

	n := 0
	if p.pos < len(p.cur) || p.next() {
		n = p.fill(out)
		for p.gapless && n < len(out) && p.next() {
			n += p.fill(out[n:])
		}
	} else {
		p.underruns.Add(1)
	}
	clear(out[n:])
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	tail := p.tail.Load()
	head := p.head.Load()
	queued := 0
	if tail > head {
		queued = int(tail - head)
	}
	return Stats{
		Blocks:    p.blocks.Load(),
		Underruns: p.underruns.Load(),
		Consumed:  p.consumed.Load(),
		Dropped:   p.dropped.Load(),
		Flushes:   p.flushes.Load(),
		Queued:    queued,
	}
}

func (p *Processor) applyFlush() {
	f := p.flushTo.Load()
	if p.curSeq != 0 && p.curSeq <= f {
		p.cur, p.pos, p.curSeq = nil, 0, 0
	}
	head := p.head.Load()
	if head >= f {
		return
	}
	for s := head; s < f; s++ {
		p.slots[s&p.mask].samples = nil
	}
	p.head.Store(f)
}

func (p *Processor) next() bool {
	head := p.head.Load()
	if head == p.tail.Load() {
		p.cur, p.pos, p.curSeq = nil, 0, 0
		return false
	}
	s := &p.slots[head&p.mask]
	p.cur, p.pos, p.curSeq = s.samples, 0, head+1
	s.samples = nil
	p.head.Store(head + 1)
	p.consumed.Add(1)
	return true
}

func (p *Processor) fill(out []float32) int {
	n := min(len(out), len(p.cur)-p.pos)
	for i, s := range p.cur[p.pos : p.pos+n] {
		out[i] = audio.SampleToFloat(s)
	}
	p.pos += n
	return n
}
