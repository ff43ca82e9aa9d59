package app

import (
	"context"
	"log/slog"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/tabvoice/internal/config"
	"github.com/MrWong99/tabvoice/internal/observe"
)

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	old := &config.Config{}
	config.ApplyDefaults(old)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	level := new(slog.LevelVar)
	a, err := New(old, WithMetrics(m), WithLevelVar(level), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.document.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Audio.Gains = config.GainsConfig{Bus: 0.5, Input: 0.8, Capture: 0.3}
	next.Server.ListenAddr = ":9999"
	a.applyConfig(old, &next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	got := a.mixer.Config()
	if got.BusGain != 0.5 || got.InputGain != 0.8 || got.CaptureGain != 0.3 {
		t.Errorf("gains = %v/%v/%v, want 0.5/0.8/0.3", got.BusGain, got.InputGain, got.CaptureGain)
	}
}
