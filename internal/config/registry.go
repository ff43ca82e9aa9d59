package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/output"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// CaptureFactory builds a capture source. A nil source with a nil error
// means capture is disabled.
type CaptureFactory func(cfg *Config) (audio.CaptureSource, error)

// OutputFactory builds an output driver.
type OutputFactory func(cfg AudioConfig) (output.Driver, error)

// Registry maps driver names to factories. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	capture map[string]CaptureFactory
	output  map[string]OutputFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		capture: make(map[string]CaptureFactory),
		output:  make(map[string]OutputFactory),
	}
}

// RegisterCapture registers a capture source factory under name, replacing
// any previous one.
func (r *Registry) RegisterCapture(name string, f CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = f
}

// RegisterOutput registers an output driver factory under name.
func (r *Registry) RegisterOutput(name string, f OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = f
}

// CreateCapture builds the capture source named by cfg.Capture.Provider.
func (r *Registry) CreateCapture(cfg *Config) (audio.CaptureSource, error) {
	r.mu.RLock()
	f, ok := r.capture[cfg.Capture.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture %q", ErrProviderNotRegistered, cfg.Capture.Provider)
	}
	return f(cfg)
}

// CreateOutput builds the output driver named by cfg.Output.Provider.
func (r *Registry) CreateOutput(cfg *Config) (output.Driver, error) {
	r.mu.RLock()
	f, ok := r.output[cfg.Output.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output %q", ErrProviderNotRegistered, cfg.Output.Provider)
	}
	return f(cfg.Audio)
}

// Names returns the registered capture and output names, sorted.
func (r *Registry) Names() (capture, output []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.capture {
		capture = append(capture, n)
	}
	for n := range r.output {
		output = append(output, n)
	}
	slices.Sort(capture)
	slices.Sort(output)
	return capture, output
}
