package bridge

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/tabvoice/internal/protocol"
	"github.com/MrWong99/tabvoice/pkg/audio"
)

var _ Script = (*Companion)(nil)

// CompanionState is what the page visualiser currently shows.
type CompanionState struct {
	Capturing bool
	TargetID  string
	Chunks    int
	Level     float64 // RMS of the last PCM16 chunk, 0..1
}

// Companion is the script injected into the page realm. It listens on the
// control channel, tracks capture status and the level of forwarded PCM16
// chunks, and lets page code request capture changes.
type Companion struct {
	log *slog.Logger

	mu    sync.Mutex
	realm *protocol.Realm
	bc    *protocol.Subscription
	win   *protocol.Subscription
	seen  *protocol.Dedup
	state CompanionState
	wg    sync.WaitGroup
}

// NewCompanion returns an uninstalled companion.
func NewCompanion(log *slog.Logger) *Companion {
	if log == nil {
		log = slog.Default()
	}
	return &Companion{log: log, seen: protocol.NewDedup(protocol.DefaultDedupWindow)}
}

// Install implements [Script]. The companion listens until ctx is cancelled.
func (c *Companion) Install(ctx context.Context, realm *protocol.Realm) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.realm != nil {
		return errors.New("bridge: companion already installed")
	}
	c.realm = realm
	c.bc = realm.Broadcast.Subscribe(protocol.DefaultPortBuffer)
	c.win = realm.Window.Subscribe(protocol.DefaultPortBuffer)
	c.wg.Add(1)
	go c.listen(ctx, c.bc, c.win)
	return nil
}

// Wait blocks until the listener exits.
func (c *Companion) Wait() { c.wg.Wait() }

func (c *Companion) listen(ctx context.Context, bc, win *protocol.Subscription) {
	defer c.wg.Done()
	defer bc.Close()
	defer win.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-bc.C():
			c.handle(env)
		case env := <-win.C():
			c.handle(env)
		}
	}
}

func (c *Companion) handle(env protocol.Envelope) {
	if env.Source == protocol.SourcePage || c.seen.Seen(env.ID) {
		return
	}
	if env.Validate() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch env.Message.Kind {
	case protocol.KindStatus:
		c.state.Capturing = env.Message.Status.Capturing
		c.state.TargetID = env.Message.Status.TargetID
	case protocol.KindPCM16:
		chunk, err := audio.DecodePCM16(env.Message.Buffer, audio.DefaultSampleRate)
		if err != nil {
			return
		}
		c.state.Chunks++
		c.state.Level = rms(chunk.Samples)
	}
}

// State returns the visualiser state.
func (c *Companion) State() CompanionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestStart asks the extension to capture targetID.
func (c *Companion) RequestStart(targetID string) error {
	return c.post(protocol.StartCapture(targetID))
}

// RequestStop asks the extension to stop capturing.
func (c *Companion) RequestStop() error {
	return c.post(protocol.StopCapture())
}

// ReportStatus publishes a page-side status annotation.
func (c *Companion) ReportStatus(detail map[string]string) error {
	st := c.State()
	return c.post(protocol.StatusMessage(audio.Status{
		Capturing: st.Capturing,
		TargetID:  st.TargetID,
		Detail:    detail,
	}))
}

// post sends msg on both page paths with a single ID.
func (c *Companion) post(msg protocol.ControlMessage) error {
	c.mu.Lock()
	bc, win := c.bc, c.win
	c.mu.Unlock()
	if bc == nil {
		return errors.New("bridge: companion not installed")
	}
	env := protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, msg)
	if err := env.Validate(); err != nil {
		return err
	}
	bc.Post(env)
	win.Post(env)
	return nil
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(audio.SampleToFloat(s))
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
