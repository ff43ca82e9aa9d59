// Package relay implements the control relay: the extension-side hop between
// a page bridge and the coordinator.
//
// Page-originated status and capture requests go to the coordinator
// unchanged. Coordinator control_forward envelopes go back to the page, and
// when they carry a PCM16 chunk the relay also sends a pcm16 envelope to the
// coordinator's mixer route, so one message reaches both the page visualiser
// and the ring buffer.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tabvoice/internal/protocol"
)

// Option configures a [Relay].
type Option func(*Relay)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithOnDrop registers a callback for every dropped message.
func WithOnDrop(fn func(protocol.DropReason)) Option {
	return func(r *Relay) { r.onDrop = fn }
}

// WithOnRoute registers a callback for every forwarded message.
func WithOnRoute(fn func(protocol.Route)) Option {
	return func(r *Relay) { r.onRoute = fn }
}

// Ports are the four endpoints a relay connects.
type Ports struct {
	// FromPage receives envelopes from the page bridge.
	FromPage *protocol.Port
	// ToPage delivers control_forward envelopes to the page bridge.
	ToPage *protocol.Port
	// ToCoordinator delivers page messages and pcm16 fan-out.
	ToCoordinator *protocol.Port
	// FromCoordinator receives control_forward envelopes.
	FromCoordinator *protocol.Port
}

// Relay forwards envelopes between one page and the coordinator.
type Relay struct {
	ports   Ports
	log     *slog.Logger
	onDrop  func(protocol.DropReason)
	onRoute func(protocol.Route)

	attached atomic.Bool
	wg       sync.WaitGroup
}

// New returns an unattached relay.
func New(ports Ports, opts ...Option) *Relay {
	r := &Relay{ports: ports, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attach starts the two forwarding loops. Calling it again is a no-op. The
// loops exit when ctx is cancelled or their inbound port is invalidated.
func (r *Relay) Attach(ctx context.Context) {
	if !r.attached.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(2)
	go r.loop(ctx, r.ports.FromPage, r.fromPage)
	go r.loop(ctx, r.ports.FromCoordinator, r.fromCoordinator)
}

// Attached reports whether Attach has run.
func (r *Relay) Attached() bool { return r.attached.Load() }

// Wait blocks until both loops have exited.
func (r *Relay) Wait() { r.wg.Wait() }

func (r *Relay) loop(ctx context.Context, in *protocol.Port, handle func(protocol.Envelope)) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.Done():
			return
		case env := <-in.Recv():
			handle(env)
		}
	}
}

func (r *Relay) fromPage(env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		r.dropErr(err)
		return
	}
	if env.Route != protocol.RoutePage || (env.Message.Kind != protocol.KindStatus && !env.Message.IsControl()) {
		r.drop(protocol.ReasonNoRoute, "route", env.Route, "kind", env.Message.Kind)
		return
	}
	r.send(r.ports.ToCoordinator, env)
}

func (r *Relay) fromCoordinator(env protocol.Envelope) {
	if env.Route != protocol.RouteControlForward {
		r.drop(protocol.ReasonNoRoute, "route", env.Route)
		return
	}
	if err := env.Validate(); err != nil {
		r.dropErr(err)
		return
	}
	r.send(r.ports.ToPage, env)
	if env.Message.Kind == protocol.KindPCM16 {
		r.send(r.ports.ToCoordinator, env.Rewrap(protocol.RoutePCM16, protocol.SourceRelay))
	}
}

// send forwards env and turns any failure into a drop.
func (r *Relay) send(p *protocol.Port, env protocol.Envelope) {
	if err := p.Send(env); err != nil {
		r.dropErr(err)
		return
	}
	if r.onRoute != nil {
		r.onRoute(env.Route)
	}
}

func (r *Relay) drop(reason protocol.DropReason, args ...any) {
	r.log.Debug("relay: message dropped", append([]any{"reason", reason}, args...)...)
	if r.onDrop != nil {
		r.onDrop(reason)
	}
}

func (r *Relay) dropErr(err error) {
	reason, _ := protocol.ReasonOf(err)
	r.drop(reason, "err", err)
}
