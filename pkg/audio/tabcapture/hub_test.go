package tabcapture_test

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/ring"
	"github.com/MrWong99/tabvoice/pkg/audio/tabcapture"
)

func pcm(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestAcquire_NoPublisher(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	_, err := h.Acquire(context.Background(), "tab-1")
	if !errors.Is(err, tabcapture.ErrNoPublisher) {
		t.Fatalf("err = %v, want ErrNoPublisher", err)
	}
	if !errors.Is(err, audio.ErrCaptureUnavailable) {
		t.Errorf("err = %v, want it to wrap ErrCaptureUnavailable", err)
	}
}

func TestPublish_Duplicate(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	f := audio.Format{SampleRate: 16000, Channels: 1}
	p, err := h.Publish("tab-1", f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Publish("tab-1", f); !errors.Is(err, tabcapture.ErrAlreadyPublishing) {
		t.Errorf("err = %v, want ErrAlreadyPublishing", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Publish("tab-1", f); err != nil {
		t.Errorf("publish after close: %v", err)
	}
}

func TestPublish_InvalidArguments(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	if _, err := h.Publish("", audio.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Error("expected error for empty target")
	}
	if _, err := h.Publish("tab", audio.Format{}); err == nil {
		t.Error("expected error for zero format")
	}
}

func TestStream_ConvertsAndPlaysGapless(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	p, err := h.Publish("tab-1", audio.Format{SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatal(err)
	}
	s, err := h.Acquire(context.Background(), "tab-1")
	if err != nil {
		t.Fatal(err)
	}

	// Stereo frames average down to mono.
	if err := p.Write(pcm(100, 300, 200, 400)); err != nil {
		t.Fatal(err)
	}
	if err := p.Write(pcm(-100, -300)); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 4)
	s.Process(out)
	want := []float32{200.0 / 32768, 300.0 / 32768, -200.0 / 32768, 0}
	if !slices.Equal(out, want) {
		t.Errorf("out = %v, want %v", out, want)
	}
}

func TestAcquire_OneHolderAtATime(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	if _, err := h.Publish("tab-1", audio.Format{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s, err := h.Acquire(ctx, "tab-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Acquire(ctx, "tab-1"); !errors.Is(err, tabcapture.ErrBusy) {
		t.Fatalf("second Acquire = %v, want ErrBusy", err)
	}

	audio.StopTracks(s)
	if s.Tracks()[0].Live() {
		t.Error("track live after Stop")
	}
	if _, err := h.Acquire(ctx, "tab-1"); err != nil {
		t.Errorf("Acquire after stop: %v", err)
	}
}

func TestStoppedStreamIsSilent(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	p, _ := h.Publish("tab-1", audio.Format{SampleRate: 16000, Channels: 1})
	s, _ := h.Acquire(context.Background(), "tab-1")
	_ = p.Write(pcm(1000, 1000))
	audio.StopTracks(s)

	out := []float32{9, 9}
	s.Process(out)
	if out[0] != 0 || out[1] != 0 {
		t.Errorf("out = %v, want silence", out)
	}
}

func TestPublisher_CloseEndsTrack(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	p, _ := h.Publish("tab-1", audio.Format{SampleRate: 16000, Channels: 1})
	s, _ := h.Acquire(context.Background(), "tab-1")
	_ = p.Close()
	_ = p.Close()

	if s.Tracks()[0].Live() {
		t.Error("track live after publisher closed")
	}
	if err := p.Write(pcm(1)); !errors.Is(err, tabcapture.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if got := h.Targets(); len(got) != 0 {
		t.Errorf("Targets() = %v, want none", got)
	}
}

func TestPublisher_Backpressure(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000, tabcapture.WithRingCapacity(1))
	p, _ := h.Publish("tab-1", audio.Format{SampleRate: 16000, Channels: 1})
	if err := p.Write(pcm(1)); err != nil {
		t.Fatal(err)
	}
	if err := p.Write(pcm(2)); !errors.Is(err, ring.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if d := p.Stats().Dropped; d != 1 {
		t.Errorf("Dropped = %d, want 1", d)
	}
}

func TestTargets_Sorted(t *testing.T) {
	t.Parallel()

	h := tabcapture.NewHub(16000)
	for _, id := range []string{"b", "c", "a"} {
		if _, err := h.Publish(id, audio.Format{SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.Targets(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("Targets() = %v", got)
	}
}
