package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tabvoice/internal/protocol"
	"github.com/MrWong99/tabvoice/pkg/audio"
)

type recorder struct {
	mu      sync.Mutex
	reasons []protocol.DropReason
	routes  []protocol.Route
}

func (r *recorder) drop(reason protocol.DropReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recorder) route(route protocol.Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

func (r *recorder) dropped() []protocol.DropReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.DropReason(nil), r.reasons...)
}

func newRelay(t *testing.T) (*Relay, Ports, *recorder) {
	t.Helper()
	ports := Ports{
		FromPage:        protocol.NewPort("page->relay", 8),
		ToPage:          protocol.NewPort("relay->page", 8),
		ToCoordinator:   protocol.NewPort("relay->coordinator", 8),
		FromCoordinator: protocol.NewPort("coordinator->relay", 8),
	}
	rec := &recorder{}
	r := New(ports, WithOnDrop(rec.drop), WithOnRoute(rec.route))

	ctx, cancel := context.WithCancel(context.Background())
	r.Attach(ctx)
	t.Cleanup(func() {
		cancel()
		r.Wait()
	})
	return r, ports, rec
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
		t.Fatalf("unexpected envelope on %s: %s %s", p.Name(), env.Route, env.Message)
	case <-time.After(50 * time.Millisecond):
	}
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

func TestRelay_PageStatusReachesCoordinatorUnchanged(t *testing.T) {
	t.Parallel()
	_, ports, _ := newRelay(t)

	in := protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage,
		protocol.StatusMessage(audio.Status{Capturing: true, TargetID: "tab-1"}))
	if err := ports.FromPage.Send(in); err != nil {
		t.Fatal(err)
	}

	got := receive(t, ports.ToCoordinator)
	if got.ID != in.ID || got.Route != in.Route || got.Source != in.Source {
		t.Errorf("envelope changed: got %+v, want %+v", got, in)
	}
	if !got.Message.Status.Capturing || got.Message.Status.TargetID != "tab-1" {
		t.Errorf("status payload = %+v", got.Message.Status)
	}
	expectEmpty(t, ports.ToPage)
}

func TestRelay_PageControlRequest(t *testing.T) {
	t.Parallel()
	_, ports, _ := newRelay(t)

	_ = ports.FromPage.Send(protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.StartCapture("tab-9")))
	if got := receive(t, ports.ToCoordinator); got.Message.Kind != protocol.KindStartCapture || got.Message.TargetID != "tab-9" {
		t.Errorf("forwarded %s, want start_capture(tab-9)", got.Message)
	}
}

func TestRelay_ControlForwardFansOutPCM(t *testing.T) {
	t.Parallel()
	_, ports, rec := newRelay(t)

	in := protocol.NewEnvelope(protocol.RouteControlForward, protocol.SourceCoordinator, protocol.PCM16([]byte{100, 0, 200, 0}))
	_ = ports.FromCoordinator.Send(in)

	page := receive(t, ports.ToPage)
	if page.Route != protocol.RouteControlForward || page.ID != in.ID {
		t.Errorf("page envelope = %s %s, want control_forward %s", page.Route, page.ID, in.ID)
	}

	mixer := receive(t, ports.ToCoordinator)
	if mixer.Route != protocol.RoutePCM16 || mixer.Source != protocol.SourceRelay {
		t.Errorf("fan-out envelope = %s from %s, want pcm16 from relay", mixer.Route, mixer.Source)
	}
	if len(mixer.Message.Buffer) != 4 {
		t.Errorf("fan-out buffer = %d bytes, want 4", len(mixer.Message.Buffer))
	}

	eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.routes) == 2
	})
}

func TestRelay_ControlForwardStatusOnlyReachesPage(t *testing.T) {
	t.Parallel()
	_, ports, _ := newRelay(t)

	_ = ports.FromCoordinator.Send(protocol.NewEnvelope(protocol.RouteControlForward, protocol.SourceCoordinator,
		protocol.StatusMessage(audio.Status{})))

	if got := receive(t, ports.ToPage); got.Message.Kind != protocol.KindStatus {
		t.Errorf("page got %s, want status", got.Message)
	}
	expectEmpty(t, ports.ToCoordinator)
}

func TestRelay_InvalidPageStillFeedsMixer(t *testing.T) {
	t.Parallel()
	_, ports, rec := newRelay(t)
	ports.ToPage.Invalidate()

	_ = ports.FromCoordinator.Send(protocol.NewEnvelope(protocol.RouteControlForward, protocol.SourceCoordinator, protocol.PCM16([]byte{1, 0})))

	if got := receive(t, ports.ToCoordinator); got.Route != protocol.RoutePCM16 {
		t.Errorf("route = %s, want pcm16", got.Route)
	}
	eventually(t, func() bool {
		for _, r := range rec.dropped() {
			if r == protocol.ReasonPortInvalid {
				return true
			}
		}
		return false
	})
}

func TestRelay_Drops(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		port   func(Ports) *protocol.Port
		env    protocol.Envelope
		reason protocol.DropReason
	}{
		{
			name:   "page pcm16 has no route",
			port:   func(p Ports) *protocol.Port { return p.FromPage },
			env:    protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.PCM16([]byte{1, 0})),
			reason: protocol.ReasonNoRoute,
		},
		{
			name:   "malformed page request",
			port:   func(p Ports) *protocol.Port { return p.FromPage },
			env:    protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.StartCapture("")),
			reason: protocol.ReasonMalformed,
		},
		{
			name:   "coordinator status route",
			port:   func(p Ports) *protocol.Port { return p.FromCoordinator },
			env:    protocol.NewEnvelope(protocol.RouteStatus, protocol.SourceMixer, protocol.StatusMessage(audio.Status{})),
			reason: protocol.ReasonNoRoute,
		},
		{
			name:   "unknown kind",
			port:   func(p Ports) *protocol.Port { return p.FromCoordinator },
			env:    protocol.NewEnvelope(protocol.RouteControlForward, protocol.SourceCoordinator, protocol.ControlMessage{Kind: "reboot"}),
			reason: protocol.ReasonUnknownKind,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, ports, rec := newRelay(t)
			_ = tt.port(ports).Send(tt.env)
			eventually(t, func() bool { return len(rec.dropped()) > 0 })
			if got := rec.dropped()[0]; got != tt.reason {
				t.Errorf("reason = %s, want %s", got, tt.reason)
			}
			expectEmpty(t, ports.ToCoordinator)
			expectEmpty(t, ports.ToPage)
		})
	}
}

func TestRelay_AttachIdempotent(t *testing.T) {
	t.Parallel()
	r, ports, _ := newRelay(t)
	r.Attach(context.Background())
	if !r.Attached() {
		t.Fatal("relay not attached")
	}

	_ = ports.FromPage.Send(protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.StopCapture()))
	receive(t, ports.ToCoordinator)
	expectEmpty(t, ports.ToCoordinator)
}

func TestRelay_StopsOnInvalidatedPorts(t *testing.T) {
	t.Parallel()
	ports := Ports{
		FromPage:        protocol.NewPort("a", 1),
		ToPage:          protocol.NewPort("b", 1),
		ToCoordinator:   protocol.NewPort("c", 1),
		FromCoordinator: protocol.NewPort("d", 1),
	}
	r := New(ports)
	r.Attach(context.Background())
	ports.FromPage.Invalidate()
	ports.FromCoordinator.Invalidate()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay loops did not exit")
	}

	err := ports.FromPage.Send(protocol.NewEnvelope(protocol.RoutePage, protocol.SourcePage, protocol.StopCapture()))
	if !errors.Is(err, protocol.ErrDropped) {
		t.Errorf("send on invalid port = %v, want ErrDropped", err)
	}
}
