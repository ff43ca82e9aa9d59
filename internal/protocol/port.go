package protocol

import (
	"sync"
	"sync/atomic"
)

// DefaultPortBuffer is the queue depth used when a port is created with a
// non-positive buffer.
const DefaultPortBuffer = 64

// Port is a bounded, one-directional message endpoint between two
// components. Send never blocks: a full queue or an invalidated port drops
// the envelope and returns a [*DropError].
//
// Invalidate models the far side going away (an extension reload, a closed
// tab). The data channel itself is never closed, so late senders cannot
// panic; receivers select on [Port.Done] instead.
type Port struct {
	name  string
	ch    chan Envelope
	valid atomic.Bool
	done  chan struct{}
	once  sync.Once
}

// NewPort returns a valid port.
func NewPort(name string, buffer int) *Port {
	if buffer <= 0 {
		buffer = DefaultPortBuffer
	}
	p := &Port{name: name, ch: make(chan Envelope, buffer), done: make(chan struct{})}
	p.valid.Store(true)
	return p
}

// Name returns the port name used in logs and metrics.
func (p *Port) Name() string { return p.name }

// Valid reports whether the port still accepts messages.
func (p *Port) Valid() bool { return p.valid.Load() }

// Send queues env without blocking.
func (p *Port) Send(env Envelope) error {
	if !p.valid.Load() {
		return Drop(ReasonPortInvalid, "port %s", p.name)
	}
	select {
	case p.ch <- env:
		return nil
	default:
		return Drop(ReasonQueueFull, "port %s", p.name)
	}
}

// Recv returns the receive side of the port.
func (p *Port) Recv() <-chan Envelope { return p.ch }

// Done is closed when the port is invalidated.
func (p *Port) Done() <-chan struct{} { return p.done }

// Len returns the number of queued envelopes.
func (p *Port) Len() int { return len(p.ch) }

// Invalidate marks the port dead. It is safe to call more than once.
func (p *Port) Invalidate() {
	p.once.Do(func() {
		p.valid.Store(false)
		close(p.done)
	})
}
