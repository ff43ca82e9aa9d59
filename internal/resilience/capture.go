package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/tabvoice/pkg/audio"
)

// GuardedCapture is an [audio.CaptureSource] behind a [CircuitBreaker].
type GuardedCapture struct {
	src audio.CaptureSource
	cb  *CircuitBreaker
}

var _ audio.CaptureSource = (*GuardedCapture)(nil)

// GuardCapture wraps src with cb.
func GuardCapture(src audio.CaptureSource, cb *CircuitBreaker) *GuardedCapture {
	return &GuardedCapture{src: src, cb: cb}
}

// Acquire implements [audio.CaptureSource]. An open breaker fails with an
// error wrapping both [audio.ErrCaptureUnavailable] and [ErrCircuitOpen].
func (g *GuardedCapture) Acquire(ctx context.Context, targetID string) (audio.Stream, error) {
	var stream audio.Stream
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		s, err := g.src.Acquire(ctx, targetID)
		stream = s
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", audio.ErrCaptureUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Breaker returns the guarding breaker.
func (g *GuardedCapture) Breaker() *CircuitBreaker { return g.cb }
