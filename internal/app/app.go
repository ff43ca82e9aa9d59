// Package app wires every tabvoice component into a running process.
//
// New builds the ports and components from a [config.Config]; Run drives
// them until the context is cancelled and then shuts down the HTTP surface
// and the output driver.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tabvoice/internal/bridge"
	"github.com/MrWong99/tabvoice/internal/config"
	"github.com/MrWong99/tabvoice/internal/coordinator"
	"github.com/MrWong99/tabvoice/internal/gateway"
	"github.com/MrWong99/tabvoice/internal/health"
	"github.com/MrWong99/tabvoice/internal/observe"
	"github.com/MrWong99/tabvoice/internal/offscreen"
	"github.com/MrWong99/tabvoice/internal/protocol"
	"github.com/MrWong99/tabvoice/internal/relay"
	"github.com/MrWong99/tabvoice/internal/resilience"
	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/mixer"
	"github.com/MrWong99/tabvoice/pkg/audio/output"
	"github.com/MrWong99/tabvoice/pkg/audio/output/portaudio"
	"github.com/MrWong99/tabvoice/pkg/audio/tabcapture"
)

// pageRealm is the ID of the simulated page realm the bridge is injected into.
const pageRealm = "page"

// App owns all component lifetimes.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	registry *config.Registry
	listener net.Listener
	cfgPath  string

	hub         *tabcapture.Hub
	breaker     *resilience.CircuitBreaker
	mixer       *mixer.Mixer
	document    *offscreen.Document
	coordinator *coordinator.Coordinator
	relay       *relay.Relay
	realm       *protocol.Realm
	bridge      *bridge.Bridge
	companion   *bridge.Companion
	output      output.Driver
	watcher     *config.Watcher
	handler     http.Handler

	// closers run in order after Run returns.
	closers []func() error
}

// Option configures an [App].
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry replaces the built-in capture source and output driver
// factories.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithListener serves HTTP on ln instead of listening on
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigPath enables hot reloading of the log level and mixer gains from
// the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds every component from cfg. Nothing runs until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.hub = tabcapture.NewHub(cfg.Audio.SampleRate,
		tabcapture.WithRingCapacity(cfg.Capture.RingCapacity),
		tabcapture.WithLogger(a.log),
	)
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltins(a.registry, a.hub)
	}

	if err := a.initMixer(); err != nil {
		return nil, fmt.Errorf("app: init mixer: %w", err)
	}
	a.initPipeline()

	drv, err := a.registry.CreateOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: create output %q: %w", cfg.Output.Provider, err)
	}
	a.output = drv

	reg, err := a.metrics.ObserveRing(a.mixer.RingStats)
	if err != nil {
		return nil, fmt.Errorf("app: observe ring: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)

	a.handler = a.buildHandler()

	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.applyConfig)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// RegisterBuiltins registers the capture sources and output drivers that
// ship with tabvoice. hub backs the "tabcapture" source.
func RegisterBuiltins(reg *config.Registry, hub *tabcapture.Hub) {
	reg.RegisterCapture("tabcapture", func(*config.Config) (audio.CaptureSource, error) {
		return hub, nil
	})
	reg.RegisterCapture("none", func(*config.Config) (audio.CaptureSource, error) {
		return nil, nil
	})
	reg.RegisterOutput("null", func(cfg config.AudioConfig) (output.Driver, error) {
		return output.NewNull(cfg.SampleRate, cfg.BlockSize), nil
	})
	reg.RegisterOutput("portaudio", func(cfg config.AudioConfig) (output.Driver, error) {
		return portaudio.New(cfg.SampleRate, cfg.BlockSize), nil
	})
}

// initMixer builds the mixer with the configured capture source behind a
// circuit breaker.
func (a *App) initMixer() error {
	ac := a.cfg.Audio
	opts := []mixer.Option{
		mixer.WithConfig(mixer.Config{
			SampleRate:   ac.SampleRate,
			BlockSize:    ac.BlockSize,
			BusGain:      ac.Gains.Bus,
			InputGain:    ac.Gains.Input,
			CaptureGain:  ac.Gains.Capture,
			AnalyserSize: ac.AnalyserSize,
			RingCapacity: ac.RingCapacity,
			Gapless:      ac.Gapless,
		}),
		mixer.WithLogger(a.log),
	}

	src, err := a.registry.CreateCapture(a.cfg)
	if err != nil {
		return fmt.Errorf("create capture %q: %w", a.cfg.Capture.Provider, err)
	}
	if src != nil {
		bc := a.cfg.Capture.Breaker
		a.breaker = resilience.NewCircuitBreaker(resilience.Config{
			Name:         "capture",
			MaxFailures:  bc.MaxFailures,
			ResetTimeout: bc.ResetTimeout,
			HalfOpenMax:  bc.HalfOpenMax,
		})
		opts = append(opts, mixer.WithCaptureSource(resilience.GuardCapture(src, a.breaker)))
	}

	a.mixer = mixer.New(opts...)
	return nil
}

// initPipeline connects page, bridge, relay, coordinator and the offscreen
// document with bounded ports.
//
//	page ⇄ bridge ⇄ relay ⇄ coordinator ⇄ offscreen document (mixer)
func (a *App) initPipeline() {
	n := a.cfg.Messaging.PortBuffer
	var (
		pageToRelay  = protocol.NewPort("page->relay", n)
		relayToPage  = protocol.NewPort("relay->page", n)
		relayToCoord = protocol.NewPort("relay->coordinator", n)
		coordToRelay = protocol.NewPort("coordinator->relay", n)
		coordToMixer = protocol.NewPort("coordinator->mixer", n)
		mixerToCoord = protocol.NewPort("mixer->coordinator", n)
	)

	a.document = offscreen.New(a.mixer, coordToMixer, mixerToCoord,
		offscreen.WithLogger(a.log),
		offscreen.WithMetrics(a.metrics),
	)
	a.coordinator = coordinator.New(coordinator.Ports{
		FromRelay: relayToCoord,
		ToRelay:   coordToRelay,
		ToMixer:   coordToMixer,
		FromMixer: mixerToCoord,
	},
		coordinator.WithLogger(a.log),
		coordinator.WithOnDrop(a.onDrop("coordinator")),
		coordinator.WithOnRoute(a.onRoute("coordinator")),
	)
	a.relay = relay.New(relay.Ports{
		FromPage:        pageToRelay,
		ToPage:          relayToPage,
		ToCoordinator:   relayToCoord,
		FromCoordinator: coordToRelay,
	},
		relay.WithLogger(a.log),
		relay.WithOnDrop(a.onDrop("relay")),
		relay.WithOnRoute(a.onRoute("relay")),
	)

	a.realm = protocol.NewRealm(pageRealm)
	a.companion = bridge.NewCompanion(a.log)
	a.bridge = bridge.New(a.realm, pageToRelay, relayToPage,
		bridge.WithScript(a.companion),
		bridge.WithLogger(a.log),
		bridge.WithBuffer(n),
		bridge.WithOnDrop(a.onDrop("bridge")),
	)

	a.closers = append(a.closers, func() error {
		for _, p := range []*protocol.Port{pageToRelay, relayToPage, relayToCoord, coordToRelay, coordToMixer, mixerToCoord} {
			p.Invalidate()
		}
		return nil
	})
}

func (a *App) buildHandler() http.Handler {
	gwOpts := []gateway.Option{
		gateway.WithFlusher(a.document),
		gateway.WithSampleRate(a.cfg.Audio.SampleRate),
		gateway.WithStatusBuffer(a.cfg.Messaging.StatusBuffer),
		gateway.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
		gateway.WithMetrics(a.metrics),
		gateway.WithLogger(a.log),
	}
	if a.cfg.Capture.Provider == "tabcapture" {
		gwOpts = append(gwOpts, gateway.WithCaptureHub(a.hub))
	}

	checks := []health.Checker{
		health.Flag("coordinator", "coordinator not running", a.coordinator.Running),
		health.Flag("offscreen", "offscreen document not running", a.document.Running),
		health.Flag("relay", "relay not attached", a.relay.Attached),
		health.Flag("bridge", "page bridge not active", func() bool { return a.bridge.Listeners() == 2 }),
	}
	if a.breaker != nil {
		checks = append(checks, health.Flag("capture", "capture circuit open", func() bool {
			return a.breaker.State() != resilience.StateOpen
		}))
	}

	mux := http.NewServeMux()
	gateway.New(a.coordinator, gwOpts...).Register(mux)
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) onDrop(component string) func(protocol.DropReason) {
	return func(r protocol.DropReason) {
		a.metrics.RecordDrop(context.Background(), component, string(r))
	}
}

func (a *App) onRoute(component string) func(protocol.Route) {
	return func(r protocol.Route) {
		a.metrics.RecordRouted(context.Background(), component, string(r))
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP surface: gateway, health and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Hub returns the tab capture hub.
func (a *App) Hub() *tabcapture.Hub { return a.hub }

// Companion returns the script running in the simulated page realm.
func (a *App) Companion() *bridge.Companion { return a.companion }

// Mixer returns the audio mixer.
func (a *App) Mixer() *mixer.Mixer { return a.mixer }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every component and serves HTTP until ctx is cancelled. It
// returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	if err := a.output.Start(a.mixer.Render); err != nil {
		ln.Close()
		return fmt.Errorf("app: start output: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.coordinator.Run(ctx) })
	g.Go(func() error { return a.document.Run(ctx) })
	a.relay.Attach(ctx)
	a.bridge.Activate(ctx)
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.shutdown()
	return err
}

// shutdown stops the output driver, then runs the closers and waits for the
// in-page listeners.
func (a *App) shutdown() {
	a.log.Info("shutting down", "closers", len(a.closers))
	if err := a.output.Stop(); err != nil {
		a.log.Warn("output stop error", "err", err)
	}
	a.mixer.StopCapture()
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.relay.Wait()
	a.bridge.Wait()
	a.companion.Wait()
	a.log.Info("shutdown complete")
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// applyConfig applies the hot-reloadable part of a changed config file.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GainsChanged {
		g := d.NewGains
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := a.document.Do(ctx, func(context.Context, audio.Mixer) {
			a.mixer.SetGains(g.Bus, g.Input, g.Capture)
		})
		if err != nil {
			a.log.Warn("gain reload failed", "err", err)
		} else {
			a.log.Info("mixer gains changed", "bus", g.Bus, "input", g.Input, "capture", g.Capture)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "fields", d.RestartRequired)
	}
}
