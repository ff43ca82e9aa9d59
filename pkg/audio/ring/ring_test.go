package ring_test

import (
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/ring"
)

func chunk(samples ...int16) audio.Chunk {
	return audio.Chunk{Samples: samples, SampleRate: audio.DefaultSampleRate}
}

// dirty returns a block pre-filled with NaN so stale data is detectable.
func dirty(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.NaN())
	}
	return out
}

func floats(samples ...int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

func TestProcess_EmptyQueueWritesSilence(t *testing.T) {
	t.Parallel()

	for _, size := range []int{1, 127, 128, 129, 1024} {
		p := ring.New()
		out := dirty(size)
		p.Process(out)
		for i, v := range out {
			if v != 0 {
				t.Fatalf("block %d: out[%d] = %v, want 0", size, i, v)
			}
		}
	}
}

func TestProcess_SampleConversion(t *testing.T) {
	t.Parallel()

	p := ring.New()
	if err := p.Enqueue(chunk(-32768, 32767, 0, 100)); err != nil {
		t.Fatal(err)
	}
	out := dirty(6)
	p.Process(out)

	want := []float32{-1.0, 0.999969482421875, 0, 100.0 / 32768, 0, 0}
	if !slices.Equal(out, want) {
		t.Errorf("out = %v, want %v", out, want)
	}
}

func TestProcess_OneChunkPerBlock(t *testing.T) {
	t.Parallel()

	p := ring.New()
	for _, c := range []audio.Chunk{chunk(1, 1), chunk(2, 2), chunk(3, 3)} {
		if err := p.Enqueue(c); err != nil {
			t.Fatal(err)
		}
	}

	wants := [][]float32{
		floats(1, 1, 0, 0),
		floats(2, 2, 0, 0),
		floats(3, 3, 0, 0),
		floats(0, 0, 0, 0),
	}
	for i, want := range wants {
		out := dirty(4)
		p.Process(out)
		if !slices.Equal(out, want) {
			t.Errorf("block %d = %v, want %v", i, out, want)
		}
	}

	st := p.Stats()
	if st.Blocks != 4 || st.Consumed != 3 || st.Underruns != 1 || st.Queued != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestProcess_LongChunkCarriesOver(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 300)
	for i := range samples {
		samples[i] = int16(i + 1)
	}
	p := ring.New()
	if err := p.Enqueue(chunk(samples...)); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(chunk(-5)); err != nil {
		t.Fatal(err)
	}

	var got []float32
	for range 3 {
		out := dirty(128)
		p.Process(out)
		got = append(got, out...)
	}
	want := append(floats(samples...), make([]float32, 3*128-300)...)
	if !slices.Equal(got, want) {
		t.Fatal("long chunk was not played contiguously across three blocks")
	}

	out := dirty(128)
	p.Process(out)
	if out[0] != float32(-5)/32768 || out[1] != 0 {
		t.Errorf("next block starts %v, want the queued chunk", out[:2])
	}
}

func TestProcess_Gapless(t *testing.T) {
	t.Parallel()

	p := ring.New(ring.WithGapless())
	for _, c := range []audio.Chunk{chunk(1, 2, 3), chunk(4, 5, 6)} {
		if err := p.Enqueue(c); err != nil {
			t.Fatal(err)
		}
	}

	first := dirty(4)
	p.Process(first)
	if want := floats(1, 2, 3, 4); !slices.Equal(first, want) {
		t.Errorf("first block = %v, want %v", first, want)
	}
	second := dirty(4)
	p.Process(second)
	if want := floats(5, 6, 0, 0); !slices.Equal(second, want) {
		t.Errorf("second block = %v, want %v", second, want)
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	t.Parallel()

	p := ring.New(ring.WithCapacity(2))
	if p.Capacity() != 2 {
		t.Fatalf("Capacity() = %d, want 2", p.Capacity())
	}
	for i := range 2 {
		if err := p.Enqueue(chunk(int16(i + 1))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := p.Enqueue(chunk(9)); !errors.Is(err, ring.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if st := p.Stats(); st.Dropped != 1 || st.Queued != 2 {
		t.Errorf("stats = %+v, want 1 dropped and 2 queued", st)
	}

	// Draining one block frees a slot.
	p.Process(make([]float32, 4))
	if err := p.Enqueue(chunk(3)); err != nil {
		t.Errorf("enqueue after drain: %v", err)
	}
}

func TestWithCapacity_RoundsUp(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want int }{
		{1, 1}, {3, 4}, {200, 256}, {256, 256}, {0, ring.DefaultCapacity}, {-4, ring.DefaultCapacity},
	}
	for _, tt := range tests {
		if got := ring.New(ring.WithCapacity(tt.in)).Capacity(); got != tt.want {
			t.Errorf("WithCapacity(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEnqueue_EmptyChunkIgnored(t *testing.T) {
	t.Parallel()

	p := ring.New()
	if err := p.Enqueue(chunk()); err != nil {
		t.Fatal(err)
	}
	if q := p.Stats().Queued; q != 0 {
		t.Errorf("Queued = %d, want 0", q)
	}
}

func TestFlush_TakesEffectNextBlock(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 10)
	for i := range samples {
		samples[i] = 7
	}
	p := ring.New()
	_ = p.Enqueue(chunk(samples...))
	_ = p.Enqueue(chunk(8))

	// Start playing the long chunk, then flush mid-chunk.
	p.Process(make([]float32, 4))
	p.Flush()

	out := dirty(4)
	p.Process(out)
	if !slices.Equal(out, make([]float32, 4)) {
		t.Errorf("block after flush = %v, want silence", out)
	}

	if err := p.Enqueue(chunk(9)); err != nil {
		t.Fatal(err)
	}
	out = dirty(2)
	p.Process(out)
	if want := floats(9, 0); !slices.Equal(out, want) {
		t.Errorf("chunk enqueued after flush = %v, want %v", out, want)
	}

	st := p.Stats()
	if st.Flushes != 1 || st.Queued != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFlush_FullQueueFreesOnNextBlock(t *testing.T) {
	t.Parallel()
	p := ring.New(ring.WithCapacity(2))
	_ = p.Enqueue(chunk(1))
	_ = p.Enqueue(chunk(2))

	p.Flush()
	if err := p.Enqueue(chunk(3)); !errors.Is(err, ring.ErrQueueFull) {
		t.Fatalf("Enqueue before next block = %v, want ErrQueueFull", err)
	}

	out := dirty(4)
	p.Process(out)
	if !slices.Equal(out, make([]float32, 4)) {
		t.Errorf("flushed block = %v, want silence", out)
	}
	if err := p.Enqueue(chunk(4)); err != nil {
		t.Fatalf("Enqueue after next block: %v", err)
	}
	p.Process(out)
	if want := append(floats(4), 0, 0, 0); !slices.Equal(out, want) {
		t.Errorf("block = %v, want %v", out, want)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const total = 2000
	p := ring.New(ring.WithCapacity(16), ring.WithGapless())

	go func() {
		for i := 1; i <= total; {
			if err := p.Enqueue(chunk(int16(i))); err != nil {
				time.Sleep(10 * time.Microsecond)
				continue
			}
			i++
		}
	}()

	out := make([]float32, 8)
	last := 0
	deadline := time.Now().Add(10 * time.Second)
	for last < total {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after sample %d", last)
		}
		p.Process(out)
		for _, v := range out {
			if v == 0 {
				continue
			}
			got := int(math.Round(float64(v) * 32768))
			if got != last+1 {
				t.Fatalf("sample %d after %d, want strictly sequential", got, last)
			}
			last = got
		}
	}
}
