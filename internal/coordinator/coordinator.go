// Package coordinator implements the background router that bridges the
// control relay, the offscreen mixer document and any status subscribers.
//
// The coordinator holds no audio. Every forwarding failure is a silent drop
// reported through the drop hook; the status stream is the only feedback
// path.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tabvoice/internal/protocol"
	"github.com/MrWong99/tabvoice/pkg/audio"
)

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithOnDrop registers a callback for every dropped message.
func WithOnDrop(fn func(protocol.DropReason)) Option {
	return func(c *Coordinator) { c.onDrop = fn }
}

// WithOnRoute registers a callback for every forwarded message.
func WithOnRoute(fn func(protocol.Route)) Option {
	return func(c *Coordinator) { c.onRoute = fn }
}

// Ports are the coordinator's endpoints.
type Ports struct {
	FromRelay *protocol.Port
	ToRelay   *protocol.Port
	ToMixer   *protocol.Port
	FromMixer *protocol.Port
}

// Coordinator routes envelopes between contexts that cannot reach each other.
type Coordinator struct {
	ports   Ports
	log     *slog.Logger
	onDrop  func(protocol.DropReason)
	onRoute func(protocol.Route)

	running atomic.Bool
	last    atomic.Pointer[audio.Status]

	mu     sync.Mutex
	subs   map[int]*protocol.Port
	nextID int
}

// New returns a coordinator over ports. Call [Coordinator.Run] to start it.
func New(ports Ports, opts ...Option) *Coordinator {
	c := &Coordinator{
		ports: ports,
		log:   slog.Default(),
		subs:  make(map[int]*protocol.Port),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run routes messages until ctx is cancelled. It always returns nil.
func (c *Coordinator) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)
	c.log.Info("coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopped")
			return nil
		case env := <-c.ports.FromRelay.Recv():
			c.fromRelay(env)
		case env := <-c.ports.FromMixer.Recv():
			c.fromMixer(env)
		}
	}
}

// Running reports whether Run is active.
func (c *Coordinator) Running() bool { return c.running.Load() }

// LastStatus returns the most recent mixer status, if any has been seen.
func (c *Coordinator) LastStatus() (audio.Status, bool) {
	st := c.last.Load()
	if st == nil {
		return audio.Status{}, false
	}
	return *st, true
}

// Subscribe registers a status subscriber. The returned port receives every
// mixer status as a status envelope, starting with the last known one. The
// cancel function unregisters and invalidates the port.
func (c *Coordinator) Subscribe(buffer int) (*protocol.Port, func()) {
	p := protocol.NewPort("status-subscriber", buffer)

	// Replay under c.mu; fromMixer stores and snapshots under it too.
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = p
	if st, ok := c.LastStatus(); ok {
		_ = p.Send(protocol.NewEnvelope(protocol.RouteStatus, protocol.SourceCoordinator, protocol.StatusMessage(st)))
	}
	c.mu.Unlock()

	var once sync.Once
	return p, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			p.Invalidate()
		})
	}
}

// Subscribers returns the number of registered status subscribers.
func (c *Coordinator) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Ingest routes a synthesized PCM16 chunk. It goes to the relay as a
// control_forward so the page and the mixer both see it. Only when the relay
// port is gone does the chunk go straight to the mixer; a full relay port
// drops the chunk and returns the error so chunks never overtake each other.
func (c *Coordinator) Ingest(buf []byte) error {
	env := protocol.NewEnvelope(protocol.RouteControlForward, protocol.SourceCoordinator, protocol.PCM16(buf))
	if err := env.Validate(); err != nil {
		c.dropErr(err)
		return err
	}
	err := c.ports.ToRelay.Send(env)
	if err == nil {
		c.routed(env.Route)
		return nil
	}
	if reason, _ := protocol.ReasonOf(err); reason != protocol.ReasonPortInvalid {
		c.dropErr(err)
		return err
	}
	return c.send(c.ports.ToMixer, env.Rewrap(protocol.RoutePCM16, protocol.SourceCoordinator))
}

// Dispatch injects msg as if a page had sent it. Capture requests go to the
// mixer and pcm16 chunks go through [Coordinator.Ingest].
func (c *Coordinator) Dispatch(msg protocol.ControlMessage) error {
	if err := msg.Validate(); err != nil {
		c.dropErr(err)
		return err
	}
	switch {
	case msg.IsControl():
		return c.send(c.ports.ToMixer, protocol.NewEnvelope(protocol.RouteOffscreenControl, protocol.SourceCoordinator, msg))
	case msg.Kind == protocol.KindPCM16:
		return c.Ingest(msg.Buffer)
	default:
		err := protocol.Drop(protocol.ReasonNoRoute, "dispatch %s", msg.Kind)
		c.dropErr(err)
		return err
	}
}

func (c *Coordinator) fromRelay(env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		c.dropErr(err)
		return
	}
	switch {
	case env.Route == protocol.RoutePCM16:
		_ = c.send(c.ports.ToMixer, env.Rewrap(protocol.RoutePCM16, protocol.SourceCoordinator))
	case env.Route == protocol.RoutePage && env.Message.IsControl():
		_ = c.send(c.ports.ToMixer, env.Rewrap(protocol.RouteOffscreenControl, protocol.SourceCoordinator))
	case env.Route == protocol.RoutePage && env.Message.Kind == protocol.KindStatus:
		c.publish(env.Rewrap(protocol.RouteStatus, protocol.SourcePage))
	default:
		c.drop(protocol.ReasonNoRoute, "route", env.Route, "kind", env.Message.Kind)
	}
}

func (c *Coordinator) fromMixer(env protocol.Envelope) {
	if env.Route != protocol.RouteStatus {
		c.drop(protocol.ReasonNoRoute, "route", env.Route)
		return
	}
	if err := env.Validate(); err != nil {
		c.dropErr(err)
		return
	}
	st := *env.Message.Status
	c.mu.Lock()
	c.last.Store(&st)
	subs := c.subscribersLocked()
	c.mu.Unlock()
	c.log.Debug("coordinator: mixer status", "capturing", st.Capturing, "target", st.TargetID)

	c.publishTo(subs, env.Rewrap(protocol.RouteStatus, protocol.SourceCoordinator))
	_ = c.send(c.ports.ToRelay, env.Rewrap(protocol.RouteControlForward, protocol.SourceCoordinator))
}

func (c *Coordinator) publish(env protocol.Envelope) {
	c.mu.Lock()
	subs := c.subscribersLocked()
	c.mu.Unlock()
	c.publishTo(subs, env)
}

func (c *Coordinator) subscribersLocked() []*protocol.Port {
	subs := make([]*protocol.Port, 0, len(c.subs))
	for _, p := range c.subs {
		subs = append(subs, p)
	}
	return subs
}

func (c *Coordinator) publishTo(subs []*protocol.Port, env protocol.Envelope) {
	for _, p := range subs {
		_ = c.send(p, env)
	}
}

func (c *Coordinator) send(p *protocol.Port, env protocol.Envelope) error {
	if err := p.Send(env); err != nil {
		c.dropErr(err)
		return err
	}
	c.routed(env.Route)
	return nil
}

func (c *Coordinator) routed(route protocol.Route) {
	if c.onRoute != nil {
		c.onRoute(route)
	}
}

func (c *Coordinator) drop(reason protocol.DropReason, args ...any) {
	c.log.Debug("coordinator: message dropped", append([]any{"reason", reason}, args...)...)
	if c.onDrop != nil {
		c.onDrop(reason)
	}
}

func (c *Coordinator) dropErr(err error) {
	reason, _ := protocol.ReasonOf(err)
	c.drop(reason, "err", err)
}
