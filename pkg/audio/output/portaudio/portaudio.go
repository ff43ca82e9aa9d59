// Package portaudio plays rendered audio on the default output device
// through PortAudio's callback API.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/tabvoice/pkg/audio/output"
)

var _ output.Driver = (*Driver)(nil)

// Driver is an [output.Driver] backed by a mono PortAudio stream.
type Driver struct {
	sampleRate int
	blockSize  int

	mu     sync.Mutex
	stream *portaudio.Stream
}

// New returns a driver for the default output device.
func New(sampleRate, blockSize int) *Driver {
	return &Driver{sampleRate: sampleRate, blockSize: blockSize}
}

// Start initializes PortAudio, opens the default output stream, and starts
// calling render from PortAudio's callback thread.
func (d *Driver) Start(render output.RenderFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return output.ErrRunning
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(d.sampleRate), d.blockSize, func(out []float32) {
		render(out)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	d.stream = stream
	return nil
}

// Stop stops and closes the stream and terminates PortAudio.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	stream := d.stream
	d.stream = nil

	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}
