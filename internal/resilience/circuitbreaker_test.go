package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *clock, *[][2]State) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	var changes [][2]State
	cfg.Now = clk.Now
	cfg.OnStateChange = func(from, to State) { changes = append(changes, [2]State{from, to}) }
	return NewCircuitBreaker(cfg), clk, &changes
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	cb, _, changes := newBreaker(t, Config{MaxFailures: 3, ResetTimeout: time.Second})
	ctx := context.Background()

	for i := range 3 {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
	if len(*changes) != 1 || (*changes)[0] != [2]State{StateClosed, StateOpen} {
		t.Errorf("changes = %v", *changes)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	cb, _, _ := newBreaker(t, Config{MaxFailures: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{"success closes", succeed, StateClosed},
		{"failure re-opens", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb, clk, _ := newBreaker(t, Config{MaxFailures: 1, ResetTimeout: 10 * time.Second})
			ctx := context.Background()

			_ = cb.Execute(ctx, fail)
			clk.Advance(5 * time.Second)
			if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("before timeout: err = %v, want ErrCircuitOpen", err)
			}

			clk.Advance(5 * time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %s, want half-open", cb.State())
			}
			_ = cb.Execute(ctx, tt.probe)
			if got := cb.State(); got != tt.want {
				t.Errorf("state after probe = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	cb, clk, _ := newBreaker(t, Config{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe: err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	cb, _, _ := newBreaker(t, Config{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _, changes := newBreaker(t, Config{MaxFailures: 1})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
	want := [][2]State{{StateClosed, StateOpen}, {StateOpen, StateClosed}}
	if len(*changes) != len(want) || (*changes)[0] != want[0] || (*changes)[1] != want[1] {
		t.Errorf("changes = %v, want %v", *changes, want)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}
