// Package offscreen hosts the audio mixer behind its own control context, the
// way an offscreen document owns the audio graph in a browser extension.
//
// A single goroutine ([Document.Run]) applies every graph mutation. Other
// goroutines reach the mixer only by message (offscreen_control, pcm16) or
// through [Document.Do]. The render side calls the mixer directly.
package offscreen

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tabvoice/internal/observe"
	"github.com/MrWong99/tabvoice/internal/protocol"
	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/mixer"
	"github.com/MrWong99/tabvoice/pkg/audio/ring"
)

// ErrNotRunning is returned by [Document.Do] when Run has exited or never
// started.
var ErrNotRunning = errors.New("offscreen: document not running")

// Option configures a [Document].
type Option func(*Document)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Document) { d.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Document) { d.metrics = m }
}

// WithOnDrop registers a callback for every dropped message.
func WithOnDrop(fn func(protocol.DropReason)) Option {
	return func(d *Document) { d.onDrop = fn }
}

type task struct {
	fn   func(context.Context, audio.Mixer)
	done chan struct{}
}

// Document owns an [audio.Mixer] and serialises access to it.
type Document struct {
	mixer audio.Mixer
	in    *protocol.Port
	out   *protocol.Port
	tasks chan task

	log     *slog.Logger
	metrics *observe.Metrics
	onDrop  func(protocol.DropReason)

	running   atomic.Bool
	stopped   chan struct{}
	capturing bool
}

// New returns a document for m. in carries offscreen_control and pcm16
// envelopes; out receives status envelopes.
func New(m audio.Mixer, in, out *protocol.Port, opts ...Option) *Document {
	d := &Document{
		mixer:   m,
		in:      in,
		out:     out,
		tasks:   make(chan task),
		log:     slog.Default(),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Running reports whether Run is active.
func (d *Document) Running() bool { return d.running.Load() }

// Run is the mixer's control loop. It returns nil when ctx is cancelled or
// the inbound port is invalidated. Run must be called at most once.
func (d *Document) Run(ctx context.Context) error {
	d.running.Store(true)
	defer func() {
		d.running.Store(false)
		close(d.stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.in.Done():
			return nil
		case t := <-d.tasks:
			t.fn(ctx, d.mixer)
			close(t.done)
		case env := <-d.in.Recv():
			d.handle(ctx, env)
		}
	}
}

// Do runs fn on the control goroutine and waits for it to finish.
func (d *Document) Do(ctx context.Context, fn func(context.Context, audio.Mixer)) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case d.tasks <- t:
	case <-d.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-d.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush discards queued synthesized audio from the next render block on.
func (d *Document) Flush(ctx context.Context) error {
	return d.Do(ctx, func(_ context.Context, m audio.Mixer) { m.Flush() })
}

func (d *Document) handle(ctx context.Context, env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		d.dropErr(ctx, err)
		return
	}
	switch env.Route {
	case protocol.RouteOffscreenControl:
		d.control(ctx, env.Message)
	case protocol.RoutePCM16:
		d.feed(ctx, env)
	default:
		d.drop(ctx, protocol.ReasonNoRoute, "route", env.Route)
	}
}

func (d *Document) control(ctx context.Context, msg protocol.ControlMessage) {
	op := string(msg.Kind)
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "mixer."+op,
		trace.WithAttributes(attribute.String("target_id", msg.TargetID)))
	defer span.End()

	var st audio.Status
	switch msg.Kind {
	case protocol.KindStartCapture:
		st = d.mixer.StartCapture(ctx, msg.TargetID)
		d.metrics.RecordCaptureStart(ctx, st.Capturing)
	case protocol.KindStopCapture:
		st = d.mixer.StopCapture()
	}
	d.setCapturing(ctx, st.Capturing)
	span.SetAttributes(attribute.Bool("capturing", st.Capturing))

	d.metrics.ControlDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("op", op)))
	observe.Logger(ctx).Info("offscreen: capture state", "op", op, "capturing", st.Capturing, "target", st.TargetID)

	d.emit(ctx, st)
}

func (d *Document) setCapturing(ctx context.Context, capturing bool) {
	switch {
	case capturing && !d.capturing:
		d.metrics.CaptureActive.Add(ctx, 1)
	case !capturing && d.capturing:
		d.metrics.CaptureActive.Add(ctx, -1)
	}
	d.capturing = capturing
}

func (d *Document) emit(ctx context.Context, st audio.Status) {
	env := protocol.NewEnvelope(protocol.RouteStatus, protocol.SourceMixer, protocol.StatusMessage(st))
	if err := d.out.Send(env); err != nil {
		d.dropErr(ctx, err)
		return
	}
	d.metrics.RecordRouted(ctx, "offscreen", string(env.Route))
}

func (d *Document) feed(ctx context.Context, env protocol.Envelope) {
	err := d.mixer.FeedPCM16(ctx, env.Message.Buffer)
	switch {
	case err == nil:
		d.metrics.RecordPCM(ctx, string(env.Source), len(env.Message.Buffer))
	case errors.Is(err, ring.ErrQueueFull):
		d.drop(ctx, protocol.ReasonQueueFull, "err", err)
	case errors.Is(err, audio.ErrOddLength):
		d.drop(ctx, protocol.ReasonMalformed, "err", err)
	case errors.Is(err, mixer.ErrNoSynthesis):
		d.drop(ctx, protocol.ReasonNoRoute, "err", err)
	default:
		d.log.Warn("offscreen: feed pcm16 failed", "err", err)
		d.drop(ctx, protocol.ReasonNoRoute, "err", err)
	}
}

func (d *Document) drop(ctx context.Context, reason protocol.DropReason, args ...any) {
	d.log.Debug("offscreen: message dropped", append([]any{"reason", reason}, args...)...)
	d.metrics.RecordDrop(ctx, "offscreen", string(reason))
	if d.onDrop != nil {
		d.onDrop(reason)
	}
}

func (d *Document) dropErr(ctx context.Context, err error) {
	reason, _ := protocol.ReasonOf(err)
	d.drop(ctx, reason, "err", err)
}
