// Package bridge implements the page bridge: the content-script side of the
// pipeline that sits between a page realm and the extension runtime.
//
// Activation injects the page companion once per realm and registers two
// listeners. The first re-emits control_forward payloads from the runtime
// into the page on the broadcast channel and the window bus. The second
// forwards page-originated status and capture requests to the runtime. No
// failure inside the bridge ever reaches the page.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tabvoice/internal/protocol"
)

// Script is code injected into the page realm.
type Script interface {
	Install(ctx context.Context, realm *protocol.Realm) error
}

// ScriptFunc adapts a function to [Script].
type ScriptFunc func(ctx context.Context, realm *protocol.Realm) error

// Install implements [Script].
func (f ScriptFunc) Install(ctx context.Context, realm *protocol.Realm) error { return f(ctx, realm) }

// Option configures a [Bridge].
type Option func(*Bridge)

// WithScript sets the script injected on first activation.
func WithScript(s Script) Option {
	return func(b *Bridge) { b.script = s }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithBuffer sets the queue depth of the bridge's bus subscriptions.
func WithBuffer(n int) Option {
	return func(b *Bridge) { b.buffer = n }
}

// WithOnDrop registers a callback for every dropped message.
func WithOnDrop(fn func(protocol.DropReason)) Option {
	return func(b *Bridge) { b.onDrop = fn }
}

// Bridge connects one page realm to the extension runtime.
type Bridge struct {
	realm     *protocol.Realm
	toRuntime *protocol.Port
	fromRelay *protocol.Port

	script Script
	log    *slog.Logger
	buffer int
	onDrop func(protocol.DropReason)

	seen      *protocol.Dedup
	listeners atomic.Int32
	wg        sync.WaitGroup
}

// New returns a bridge for realm. toRuntime carries page messages out;
// fromRelay carries control_forward envelopes in.
func New(realm *protocol.Realm, toRuntime, fromRelay *protocol.Port, opts ...Option) *Bridge {
	b := &Bridge{
		realm:     realm,
		toRuntime: toRuntime,
		fromRelay: fromRelay,
		log:       slog.Default(),
		buffer:    protocol.DefaultPortBuffer,
		seen:      protocol.NewDedup(protocol.DefaultDedupWindow),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Listeners returns the number of listeners registered by Activate.
func (b *Bridge) Listeners() int { return int(b.listeners.Load()) }

// Activate injects the companion script and registers the listeners, once
// per realm. It does nothing when the runtime port is invalid and never
// returns a panic to the caller. Listeners run until ctx is cancelled or the
// relay port is invalidated.
func (b *Bridge) Activate(ctx context.Context) {
	defer b.recoverPanic("activate")

	if !b.toRuntime.Valid() {
		b.log.Debug("bridge: runtime unavailable, skipping activation", "realm", b.realm.ID)
		return
	}
	if !b.realm.ClaimInjection() {
		return
	}

	if b.script != nil {
		if err := b.install(ctx); err != nil {
			b.log.Warn("bridge: script injection failed", "realm", b.realm.ID, "err", err)
		}
	}

	bc := b.realm.Broadcast.Subscribe(b.buffer)
	win := b.realm.Window.Subscribe(b.buffer)

	b.listeners.Add(2)
	b.wg.Add(2)
	go b.pageListener(ctx, bc, win)
	go b.runtimeListener(ctx, bc, win)
	b.log.Debug("bridge: activated", "realm", b.realm.ID)
}

// Wait blocks until both listeners have exited.
func (b *Bridge) Wait() { b.wg.Wait() }

func (b *Bridge) install(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: script panicked: %v", r)
		}
	}()
	return b.script.Install(ctx, b.realm)
}

// pageListener re-emits control_forward payloads into the page.
func (b *Bridge) pageListener(ctx context.Context, bc, win *protocol.Subscription) {
	defer b.wg.Done()
	defer bc.Close()
	defer win.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.fromRelay.Done():
			return
		case env := <-b.fromRelay.Recv():
			b.toPage(env, bc, win)
		}
	}
}

func (b *Bridge) toPage(env protocol.Envelope, bc, win *protocol.Subscription) {
	defer b.recoverPanic("forward to page")

	if env.Route != protocol.RouteControlForward {
		b.drop(protocol.ReasonNoRoute, "route", env.Route)
		return
	}
	if err := env.Validate(); err != nil {
		b.dropErr(err)
		return
	}
	out := env.Rewrap(protocol.RoutePage, protocol.SourceExtension)
	bc.Post(out)
	win.Post(out)
}

// runtimeListener forwards page-originated status and capture requests.
func (b *Bridge) runtimeListener(ctx context.Context, bc, win *protocol.Subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-bc.Done():
			return
		case env := <-bc.C():
			b.toRuntimePort(env)
		case env := <-win.C():
			b.toRuntimePort(env)
		}
	}
}

func (b *Bridge) toRuntimePort(env protocol.Envelope) {
	defer b.recoverPanic("forward to runtime")

	if env.Source != protocol.SourcePage {
		return
	}
	if b.seen.Seen(env.ID) {
		b.drop(protocol.ReasonDuplicate, "id", env.ID)
		return
	}
	if err := env.Validate(); err != nil {
		b.dropErr(err)
		return
	}
	if env.Message.Kind != protocol.KindStatus && !env.Message.IsControl() {
		return
	}
	if !b.toRuntime.Valid() {
		b.drop(protocol.ReasonPortInvalid, "port", b.toRuntime.Name())
		return
	}
	if err := b.toRuntime.Send(env); err != nil {
		b.dropErr(err)
	}
}

func (b *Bridge) recoverPanic(op string) {
	if r := recover(); r != nil {
		b.log.Warn("bridge: recovered panic", "op", op, "realm", b.realm.ID, "panic", r)
	}
}

func (b *Bridge) drop(reason protocol.DropReason, args ...any) {
	b.log.Debug("bridge: message dropped", append([]any{"reason", reason}, args...)...)
	if b.onDrop != nil {
		b.onDrop(reason)
	}
}

func (b *Bridge) dropErr(err error) {
	reason, _ := protocol.ReasonOf(err)
	b.drop(reason, "err", err)
}
