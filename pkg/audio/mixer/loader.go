package mixer

import (
	"context"

	"github.com/MrWong99/tabvoice/pkg/audio/ring"
)

// WorkletLoader loads the ring processor module for a render context.
type WorkletLoader interface {
	Load(ctx context.Context, sampleRate int) (*ring.Processor, error)
}

// LoaderFunc adapts a function to [WorkletLoader].
type LoaderFunc func(ctx context.Context, sampleRate int) (*ring.Processor, error)

// Load implements [WorkletLoader].
func (f LoaderFunc) Load(ctx context.Context, sampleRate int) (*ring.Processor, error) {
	return f(ctx, sampleRate)
}

// RingLoader returns a loader that builds an in-process [ring.Processor].
func RingLoader(opts ...ring.Option) WorkletLoader {
	return LoaderFunc(func(ctx context.Context, _ int) (*ring.Processor, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return ring.New(opts...), nil
	})
}
