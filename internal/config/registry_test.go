package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/tabvoice/internal/config"
	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/mock"
	"github.com/MrWong99/tabvoice/pkg/audio/output"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	src := &mock.CaptureSource{}
	r.RegisterCapture("mock", func(*config.Config) (audio.CaptureSource, error) { return src, nil })
	r.RegisterOutput("null", func(a config.AudioConfig) (output.Driver, error) {
		return output.NewNull(a.SampleRate, a.BlockSize), nil
	})

	cfg := defaults()
	cfg.Capture.Provider = "mock"

	got, err := r.CreateCapture(cfg)
	if err != nil || got != src {
		t.Errorf("CreateCapture = %v, %v", got, err)
	}
	drv, err := r.CreateOutput(cfg)
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}
	if n, ok := drv.(*output.Null); !ok || n.Period() <= 0 {
		t.Errorf("driver = %T", drv)
	}

	capture, out := r.Names()
	if !slices.Equal(capture, []string{"mock"}) || !slices.Equal(out, []string{"null"}) {
		t.Errorf("names = %v %v", capture, out)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	cfg := defaults()
	if _, err := r.CreateCapture(cfg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateCapture = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateOutput(cfg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateOutput = %v, want ErrProviderNotRegistered", err)
	}
}
