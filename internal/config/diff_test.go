package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/tabvoice/internal/config"
)

func defaults() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	if d := config.Diff(defaults(), defaults()); !d.Empty() {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	old, updated := defaults(), defaults()
	updated.Server.LogLevel = config.LogDebug
	updated.Audio.Gains.Bus = 0.5

	d := config.Diff(old, updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.GainsChanged || d.NewGains.Bus != 0.5 || d.NewGains.Input != 1.0 {
		t.Errorf("gains diff = %v %+v", d.GainsChanged, d.NewGains)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old, updated := defaults(), defaults()
	updated.Server.ListenAddr = ":1"
	updated.Audio.SampleRate = 48000
	updated.Capture.Breaker.MaxFailures = 10
	updated.Output.Provider = "portaudio"

	d := config.Diff(old, updated)
	want := []string{"server.listen_addr", "audio.sample_rate", "capture", "output.provider"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("restart required = %v, want %v", d.RestartRequired, want)
	}
	if d.GainsChanged || d.LogLevelChanged {
		t.Error("unexpected hot-reload change")
	}
}
