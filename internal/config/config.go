// Package config provides the configuration schema, loader, watcher and
// driver registry for tabvoice.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching [slog.Level]. Unknown or empty levels map to
// info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration, typically loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Messaging MessagingConfig `yaml:"messaging"`
	Capture   CaptureConfig   `yaml:"capture"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP gateway. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists origin patterns allowed to open websockets. Empty
	// means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful HTTP shutdown. Default 5s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AudioConfig configures the mixer graph and ring processor.
type AudioConfig struct {
	// SampleRate of the render context in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per render block. Default 128.
	BlockSize int `yaml:"block_size"`

	// Gains are linear levels. Zero keeps the default. Hot-reloadable.
	Gains GainsConfig `yaml:"gains"`

	// AnalyserSize is the analyser window in samples. Default 256.
	AnalyserSize int `yaml:"analyser_size"`

	// RingCapacity bounds the synthesized-audio queue in chunks. Default 256.
	RingCapacity int `yaml:"ring_capacity"`

	// Gapless packs several short chunks into one render block.
	Gapless bool `yaml:"gapless"`
}

// GainsConfig holds the mixer's gain stages.
type GainsConfig struct {
	Bus     float32 `yaml:"bus"`
	Input   float32 `yaml:"input"`
	Capture float32 `yaml:"capture"`
}

// MessagingConfig sizes the inter-component ports.
type MessagingConfig struct {
	// PortBuffer is the queue depth of every component port. Default 64.
	PortBuffer int `yaml:"port_buffer"`

	// StatusBuffer is the queue depth of each status subscriber. Default 16.
	StatusBuffer int `yaml:"status_buffer"`
}

// CaptureConfig selects the tab capture source.
type CaptureConfig struct {
	// Provider names a registered capture source ("tabcapture" or "none").
	Provider string `yaml:"provider"`

	// RingCapacity bounds each publisher's frame queue. Default 256.
	RingCapacity int `yaml:"ring_capacity"`

	// Breaker guards stream acquisition.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the capture circuit breaker.
type BreakerConfig struct {
	// MaxFailures before the breaker opens. Default 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default 10s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probes allowed while half-open. Default 1.
	HalfOpenMax int `yaml:"half_open_max"`
}

// OutputConfig selects the audio output driver.
type OutputConfig struct {
	// Provider names a registered output driver ("null" or "portaudio").
	Provider string `yaml:"provider"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName reported in telemetry. Default "tabvoice".
	ServiceName string `yaml:"service_name"`

	// ServiceVersion reported in telemetry.
	ServiceVersion string `yaml:"service_version"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, 5*time.Second)

	setDefault(&cfg.Audio.SampleRate, 16000)
	setDefault(&cfg.Audio.BlockSize, 128)
	setDefault(&cfg.Audio.Gains.Bus, 0.9)
	setDefault(&cfg.Audio.Gains.Input, 1.0)
	setDefault(&cfg.Audio.Gains.Capture, 0.6)
	setDefault(&cfg.Audio.AnalyserSize, 256)
	setDefault(&cfg.Audio.RingCapacity, 256)

	setDefault(&cfg.Messaging.PortBuffer, 64)
	setDefault(&cfg.Messaging.StatusBuffer, 16)

	setDefault(&cfg.Capture.Provider, "tabcapture")
	setDefault(&cfg.Capture.RingCapacity, 256)
	setDefault(&cfg.Capture.Breaker.MaxFailures, 3)
	setDefault(&cfg.Capture.Breaker.ResetTimeout, 10*time.Second)
	setDefault(&cfg.Capture.Breaker.HalfOpenMax, 1)

	setDefault(&cfg.Output.Provider, "null")
	setDefault(&cfg.Telemetry.ServiceName, "tabvoice")
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
