// Package output drives the real-time render callback. A [Driver] owns the
// audio clock and calls a [RenderFunc] once per block.
package output

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRunning is returned by Start when the driver is already started.
var ErrRunning = errors.New("output: driver already running")

// RenderFunc fills out with the next block of mono samples. It runs on the
// driver's real-time thread and must not block, lock, or allocate.
type RenderFunc func(out []float32)

// Driver plays rendered audio.
type Driver interface {
	// Start begins calling render once per block until Stop.
	Start(render RenderFunc) error

	// Stop halts rendering and releases the device. It is safe to call on a
	// stopped driver.
	Stop() error
}

// Null is a clock-driven [Driver] that renders into a scratch buffer and
// discards the result. It keeps the graph pulled on headless hosts.
type Null struct {
	sampleRate int
	blockSize  int

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	blocks atomic.Uint64

	// Tap, when set, receives every rendered block. It runs on the render
	// goroutine and must not retain out.
	Tap func(out []float32)
}

var _ Driver = (*Null)(nil)

// NewNull returns a null driver ticking at blockSize/sampleRate.
func NewNull(sampleRate, blockSize int) *Null {
	return &Null{sampleRate: sampleRate, blockSize: blockSize}
}

// Period returns the duration of one block.
func (n *Null) Period() time.Duration {
	if n.sampleRate <= 0 {
		return 0
	}
	return time.Duration(n.blockSize) * time.Second / time.Duration(n.sampleRate)
}

// Blocks returns the number of blocks rendered.
func (n *Null) Blocks() uint64 { return n.blocks.Load() }

// Start implements [Driver].
func (n *Null) Start(render RenderFunc) error {
	if n.sampleRate <= 0 || n.blockSize <= 0 {
		return errors.New("output: null driver needs a positive sample rate and block size")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		return ErrRunning
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	go n.loop(render, n.stop, n.done)
	return nil
}

func (n *Null) loop(render RenderFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]float32, n.blockSize)
	ticker := time.NewTicker(n.Period())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			render(buf)
			n.blocks.Add(1)
			if n.Tap != nil {
				n.Tap(buf)
			}
		}
	}
}

// Stop implements [Driver]. It waits for the render goroutine to exit.
func (n *Null) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop == nil {
		return nil
	}
	close(n.stop)
	<-n.done
	n.stop, n.done = nil, nil
	return nil
}
