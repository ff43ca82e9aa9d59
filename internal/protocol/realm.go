package protocol

import (
	"sync"
	"sync/atomic"
)

// ControlChannel is the in-page broadcast topic shared by the page script
// and the bridge.
const ControlChannel = "control-channel"

// Bus is an in-page message bus. A broadcast bus does not deliver a message
// back to the subscription that posted it; a window bus delivers to every
// subscriber, the poster included.
type Bus struct {
	name     string
	loopback bool

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBroadcastChannel returns a bus with broadcast-channel delivery.
func NewBroadcastChannel(name string) *Bus {
	return &Bus{name: name, subs: make(map[*Subscription]struct{})}
}

// NewWindowBus returns a bus with post-message delivery.
func NewWindowBus() *Bus {
	return &Bus{name: "window", loopback: true, subs: make(map[*Subscription]struct{})}
}

// Name returns the topic name.
func (b *Bus) Name() string { return b.name }

// Subscribe adds a listener with the given queue depth.
func (b *Bus) Subscribe(buffer int) *Subscription {
	s := &Subscription{bus: b, port: NewPort(b.name, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Subscription is one listener on a [Bus].
type Subscription struct {
	bus  *Bus
	port *Port
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Envelope { return s.port.Recv() }

// Done is closed by Close.
func (s *Subscription) Done() <-chan struct{} { return s.port.Done() }

// Post delivers env to the other subscribers (and to s itself on a window
// bus). Full subscribers miss the message. It returns the number of
// deliveries.
func (s *Subscription) Post(env Envelope) int {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	n := 0
	for sub := range s.bus.subs {
		if sub == s && !s.bus.loopback {
			continue
		}
		if sub.port.Send(env) == nil {
			n++
		}
	}
	return n
}

// Close removes the subscription from its bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.port.Invalidate()
}

// Realm is one page's script realm: its broadcast channel, its window
// message bus, and whether the companion script was injected.
type Realm struct {
	ID        string
	Broadcast *Bus
	Window    *Bus

	injected atomic.Bool
}

// NewRealm returns a realm with fresh buses.
func NewRealm(id string) *Realm {
	return &Realm{
		ID:        id,
		Broadcast: NewBroadcastChannel(ControlChannel),
		Window:    NewWindowBus(),
	}
}

// ClaimInjection sets the injection flag and reports whether the caller is
// the first to do so. The flag is never cleared.
func (r *Realm) ClaimInjection() bool { return r.injected.CompareAndSwap(false, true) }

// Injected reports whether the companion script was injected.
func (r *Realm) Injected() bool { return r.injected.Load() }
