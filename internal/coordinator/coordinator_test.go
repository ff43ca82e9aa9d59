package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tabvoice/internal/protocol"
	"github.com/MrWong99/tabvoice/internal/relay"
	"github.com/MrWong99/tabvoice/pkg/audio"
)

type fixture struct {
	c     *Coordinator
	ports Ports

	mu    sync.Mutex
	drops []protocol.DropReason
}

func (f *fixture) dropped() []protocol.DropReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.DropReason(nil), f.drops...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRelayBuffer(t, 8)
}

func newFixtureWithRelayBuffer(t *testing.T, toRelay int) *fixture {
	t.Helper()
	f := &fixture{ports: Ports{
		FromRelay: protocol.NewPort("relay->coordinator", 8),
		ToRelay:   protocol.NewPort("coordinator->relay", toRelay),
		ToMixer:   protocol.NewPort("coordinator->mixer", 8),
		FromMixer: protocol.NewPort("mixer->coordinator", 8),
	}}
	f.c = New(f.ports, WithOnDrop(func(r protocol.DropReason) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.drops = append(f.drops, r)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.Run(ctx) }()
	eventually(t, f.c.Running)
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return f
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func receive(t *testing.T, p *protocol.Port) protocol.Envelope {
	t.Helper()
	select {
	case env := <-p.Recv():
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope on %s", p.Name())
		return protocol.Envelope{}
	}
}

func expectEmpty(t *testing.T, p *protocol.Port) {
	t.Helper()
	select {
	case env := <-p.Recv():
		t.Fatalf("unexpected %s envelope on %s", env.Route, p.Name())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinator_PageControlBecomesOffscreenControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_ = f.ports.FromRelay.Send(protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.StartCapture("tab-1")))

	got := receive(t, f.ports.ToMixer)
	if got.Route != protocol.RouteOffscreenControl || got.Source != protocol.SourceCoordinator {
		t.Errorf("envelope = %s from %s, want offscreen_control from coordinator", got.Route, got.Source)
	}
	if got.Message.TargetID != "tab-1" {
		t.Errorf("target = %q, want tab-1", got.Message.TargetID)
	}
}

func TestCoordinator_RelayPCMGoesToMixer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_ = f.ports.FromRelay.Send(protocol.NewEnvelope(protocol.RoutePCM16, protocol.SourceRelay, protocol.PCM16([]byte{1, 0, 2, 0})))
	if got := receive(t, f.ports.ToMixer); got.Route != protocol.RoutePCM16 || len(got.Message.Buffer) != 4 {
		t.Errorf("mixer got %s with %d bytes", got.Route, len(got.Message.Buffer))
	}
	expectEmpty(t, f.ports.ToRelay)
}

func TestCoordinator_MixerStatusFansOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub, cancel := f.c.Subscribe(4)
	defer cancel()

	st := audio.Status{Capturing: true, TargetID: "tab-1", Synthesis: true}
	_ = f.ports.FromMixer.Send(protocol.NewEnvelope(protocol.RouteStatus, protocol.SourceMixer, protocol.StatusMessage(st)))

	fwd := receive(t, f.ports.ToRelay)
	if fwd.Route != protocol.RouteControlForward || fwd.Message.Kind != protocol.KindStatus {
		t.Errorf("relay got %s %s, want control_forward status", fwd.Route, fwd.Message)
	}
	pub := receive(t, sub)
	if pub.Route != protocol.RouteStatus || !reflect.DeepEqual(*pub.Message.Status, st) {
		t.Errorf("subscriber got %+v", pub.Message.Status)
	}
	if last, ok := f.c.LastStatus(); !ok || !reflect.DeepEqual(last, st) {
		t.Errorf("LastStatus = %+v, %v", last, ok)
	}
}

func TestCoordinator_SubscribeReplaysLastStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_ = f.ports.FromMixer.Send(protocol.NewEnvelope(protocol.RouteStatus, protocol.SourceMixer, protocol.StatusMessage(audio.Status{Capturing: true})))
	receive(t, f.ports.ToRelay)

	sub, cancel := f.c.Subscribe(1)
	if got := receive(t, sub); !got.Message.Status.Capturing {
		t.Error("replayed status not capturing")
	}
	cancel()
	cancel()
	if sub.Valid() {
		t.Error("subscriber port still valid after cancel")
	}
	if n := f.c.Subscribers(); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestCoordinator_PageStatusReachesSubscribers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub, cancel := f.c.Subscribe(4)
	defer cancel()

	_ = f.ports.FromRelay.Send(protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.StatusMessage(audio.Status{Detail: map[string]string{"visualiser": "ready"}})))
	got := receive(t, sub)
	if got.Source != protocol.SourcePage || got.Message.Status.Detail["visualiser"] != "ready" {
		t.Errorf("subscriber got %s from %s", got.Message, got.Source)
	}
	if _, ok := f.c.LastStatus(); ok {
		t.Error("page status must not replace mixer status")
	}
}

func TestCoordinator_IngestPrefersRelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.c.Ingest([]byte{100, 0}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	got := receive(t, f.ports.ToRelay)
	if got.Route != protocol.RouteControlForward || got.Message.Kind != protocol.KindPCM16 {
		t.Errorf("relay got %s %s", got.Route, got.Message)
	}
	expectEmpty(t, f.ports.ToMixer)
}

func TestCoordinator_IngestFallsBackToMixer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ports.ToRelay.Invalidate()

	if err := f.c.Ingest([]byte{100, 0}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := receive(t, f.ports.ToMixer); got.Route != protocol.RoutePCM16 {
		t.Errorf("mixer got %s, want pcm16", got.Route)
	}
}

func TestCoordinator_IngestKeepsChunkOrderWhenRelayIsFull(t *testing.T) {
	t.Parallel()
	f := newFixtureWithRelayBuffer(t, 1)

	if err := f.c.Ingest([]byte{'A', 0}); err != nil {
		t.Fatalf("Ingest A: %v", err)
	}
	err := f.c.Ingest([]byte{'B', 0})
	if reason, ok := protocol.ReasonOf(err); !ok || reason != protocol.ReasonQueueFull {
		t.Fatalf("Ingest B = %v, want queue_full backpressure", err)
	}
	expectEmpty(t, f.ports.ToMixer)

	r := relay.New(relay.Ports{
		FromPage:        protocol.NewPort("page->relay", 4),
		ToPage:          protocol.NewPort("relay->page", 4),
		ToCoordinator:   f.ports.FromRelay,
		FromCoordinator: f.ports.ToRelay,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		r.Wait()
	}()
	r.Attach(ctx)

	if got := receive(t, f.ports.ToMixer); got.Message.Buffer[0] != 'A' {
		t.Errorf("mixer got chunk %q first, want A", got.Message.Buffer[0])
	}
	expectEmpty(t, f.ports.ToMixer)
}

func TestCoordinator_SubscribeNeverEndsOnStaleStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	const updates = 100
	final := fmt.Sprintf("tab-%d", updates-1)
	go func() {
		for i := range updates {
			env := protocol.NewEnvelope(protocol.RouteStatus, protocol.SourceMixer,
				protocol.StatusMessage(audio.Status{Capturing: i%2 == 0, TargetID: fmt.Sprintf("tab-%d", i)}))
			for f.ports.FromMixer.Send(env) != nil {
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	var subs []*protocol.Port
	for range 50 {
		sub, cancel := f.c.Subscribe(2 * updates)
		defer cancel()
		subs = append(subs, sub)
		time.Sleep(50 * time.Microsecond)
	}

	eventually(t, func() bool {
		st, ok := f.c.LastStatus()
		return ok && st.TargetID == final
	})
	last, _ := f.c.LastStatus()
	for i, sub := range subs {
		var got protocol.Envelope
		for got.Message.Status == nil || got.Message.Status.TargetID != final {
			got = receive(t, sub)
		}
		expectEmpty(t, sub)
		if !reflect.DeepEqual(*got.Message.Status, last) {
			t.Errorf("subscriber %d ended on %+v, want %+v", i, *got.Message.Status, last)
		}
	}
}

func TestCoordinator_IngestRejectsOddBuffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.c.Ingest([]byte{1, 2, 3})
	if reason, ok := protocol.ReasonOf(err); !ok || reason != protocol.ReasonMalformed {
		t.Errorf("Ingest error = %v, want malformed drop", err)
	}
}

func TestCoordinator_Dispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.c.Dispatch(protocol.StopCapture()); err != nil {
		t.Fatalf("Dispatch stop: %v", err)
	}
	if got := receive(t, f.ports.ToMixer); got.Message.Kind != protocol.KindStopCapture || got.Route != protocol.RouteOffscreenControl {
		t.Errorf("mixer got %s %s", got.Route, got.Message)
	}

	if err := f.c.Dispatch(protocol.PCM16([]byte{0, 1})); err != nil {
		t.Fatalf("Dispatch pcm16: %v", err)
	}
	receive(t, f.ports.ToRelay)

	err := f.c.Dispatch(protocol.StatusMessage(audio.Status{}))
	if !errors.Is(err, protocol.ErrDropped) {
		t.Errorf("Dispatch status = %v, want ErrDropped", err)
	}
}

func TestCoordinator_SilentDrops(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ports.ToMixer.Invalidate()

	_ = f.ports.FromRelay.Send(protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.StopCapture()))
	_ = f.ports.FromMixer.Send(protocol.NewEnvelope(protocol.RoutePCM16, protocol.SourceMixer, protocol.PCM16([]byte{0, 0})))
	_ = f.ports.FromRelay.Send(protocol.NewEnvelope(protocol.RouteStatus, protocol.SourceRelay, protocol.StatusMessage(audio.Status{})))

	eventually(t, func() bool { return len(f.dropped()) == 3 })
	want := map[protocol.DropReason]int{protocol.ReasonPortInvalid: 1, protocol.ReasonNoRoute: 2}
	got := map[protocol.DropReason]int{}
	for _, r := range f.dropped() {
		got[r]++
	}
	for r, n := range want {
		if got[r] != n {
			t.Errorf("drops[%s] = %d, want %d (all: %v)", r, got[r], n, f.dropped())
		}
	}
	if !f.c.Running() {
		t.Error("coordinator stopped after drops")
	}
}
