package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in driver names per kind. [Validate]
// warns about names outside this list; they may still be registered by the
// caller.
var ValidProviderNames = map[string][]string{
	"capture": {"tabcapture", "none"},
	"output":  {"null", "portaudio"},
}

// Load reads, defaults and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults and validates. An
// empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg after defaults have been applied and returns every
// problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.BlockSize < 16 || a.BlockSize > 8192 {
		errs = append(errs, fmt.Errorf("audio.block_size %d is out of range [16, 8192]", a.BlockSize))
	}
	for name, g := range map[string]float32{"bus": a.Gains.Bus, "input": a.Gains.Input, "capture": a.Gains.Capture} {
		if g < 0 || g > 4 {
			errs = append(errs, fmt.Errorf("audio.gains.%s %.2f is out of range [0, 4]", name, g))
		}
	}
	if a.AnalyserSize < 0 {
		errs = append(errs, fmt.Errorf("audio.analyser_size %d must be positive", a.AnalyserSize))
	}
	if a.RingCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.ring_capacity %d must be positive", a.RingCapacity))
	}

	if cfg.Messaging.PortBuffer < 0 {
		errs = append(errs, fmt.Errorf("messaging.port_buffer %d must be positive", cfg.Messaging.PortBuffer))
	}
	if cfg.Messaging.StatusBuffer < 0 {
		errs = append(errs, fmt.Errorf("messaging.status_buffer %d must be positive", cfg.Messaging.StatusBuffer))
	}

	b := cfg.Capture.Breaker
	if b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("capture.breaker values must not be negative"))
	}

	validateProviderName("capture", cfg.Capture.Provider)
	validateProviderName("output", cfg.Output.Provider)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not a built-in driver.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom driver",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
