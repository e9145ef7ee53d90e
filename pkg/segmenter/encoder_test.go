package segmenter

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
	"github.com/MrWong99/voxseg/pkg/provider/vad/mock"
)

// ramp returns n samples with values 1, 2, …, n so that frame contents can be
// traced back to sample indices.
func ramp(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(i + 1)
	}
	return w
}

// drain iterates the encoder and returns every probability for batch item 0.
func drain(t *testing.T, enc *FrameEncoder) []float32 {
	t.Helper()
	var out []float32
	for p := range enc.Probabilities(context.Background()) {
		out = append(out, p[0])
	}
	if err := enc.Err(); err != nil {
		t.Fatalf("encoder: %v", err)
	}
	return out
}

// assertFrame compares a recorded frame against the expected sample values,
// where want[i] == 0 marks zero padding.
func assertFrame(t *testing.T, hop int, got []float32, want func(i int) float32) {
	t.Helper()
	if len(got) != FrameSize {
		t.Fatalf("hop %d: frame len = %d, want %d", hop, len(got), FrameSize)
	}
	for i := range got {
		if w := want(i); got[i] != w {
			t.Fatalf("hop %d: frame[%d] = %v, want %v", hop, i, got[i], w)
		}
	}
}

func TestHopCount(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 0}, {1, 1}, {512, 1}, {513, 2}, {1024, 2}, {1124, 3},
	}
	for _, tt := range tests {
		if got := HopCount(tt.n); got != tt.want {
			t.Errorf("HopCount(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestFrameEncoder_FrameLayout(t *testing.T) {
	const n = 2*HopSize + 100
	sc := &mock.Scorer{}
	cur := NewInferenceCursor(sc, nil, 1, SampleRate)
	enc, err := NewFrameEncoder(cur, [][]float32{ramp(n)})
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	if got := len(drain(t, enc)); got != 3 {
		t.Fatalf("probabilities = %d, want 3", got)
	}

	calls := sc.Calls()
	if len(calls) != 3 {
		t.Fatalf("score calls = %d, want 3", len(calls))
	}

	// Hop 0: ContextSize zeros, then samples 0..511.
	assertFrame(t, 0, calls[0].Frames, func(i int) float32 {
		if i < ContextSize {
			return 0
		}
		return float32(i - ContextSize + 1)
	})
	// Hop 1: samples 448..1023.
	assertFrame(t, 1, calls[1].Frames, func(i int) float32 {
		return float32(HopSize - ContextSize + i + 1)
	})
	// Hop 2: last 100+64 samples (960..1123), then zeros.
	assertFrame(t, 2, calls[2].Frames, func(i int) float32 {
		if i < 100+ContextSize {
			return float32(n - 100 - ContextSize + i + 1)
		}
		return 0
	})
}

func TestFrameEncoder_ExactMultipleHasNoPaddedTail(t *testing.T) {
	sc := &mock.Scorer{}
	cur := NewInferenceCursor(sc, nil, 1, SampleRate)
	enc, err := NewFrameEncoder(cur, [][]float32{ramp(2 * HopSize)})
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	drain(t, enc)
	calls := sc.Calls()
	if len(calls) != 2 {
		t.Fatalf("score calls = %d, want 2", len(calls))
	}
	last := calls[1].Frames
	if last[FrameSize-1] != float32(2*HopSize) {
		t.Errorf("last frame ends with %v, want %v", last[FrameSize-1], float32(2*HopSize))
	}
}

func TestFrameEncoder_ThreadsState(t *testing.T) {
	sc := &mock.Scorer{}
	cur := NewInferenceCursor(sc, nil, 1, SampleRate)
	enc, err := NewFrameEncoder(cur, [][]float32{ramp(5 * HopSize)})
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	drain(t, enc)

	for k, c := range sc.Calls() {
		if len(c.State) != vad.StateLen(1) {
			t.Fatalf("call %d: state len = %d, want %d", k, len(c.State), vad.StateLen(1))
		}
		for i, v := range c.State {
			if v != float32(k) {
				t.Fatalf("call %d: state[%d] = %v, want %v", k, i, v, float32(k))
			}
		}
		if c.SampleRate != SampleRate {
			t.Errorf("call %d: sample rate = %d, want %d", k, c.SampleRate, SampleRate)
		}
		if c.BatchSize != 1 {
			t.Errorf("call %d: batch = %d, want 1", k, c.BatchSize)
		}
	}
	if cur.Steps() != 5 {
		t.Errorf("Steps() = %d, want 5", cur.Steps())
	}
	if got := cur.State()[0]; got != 5 {
		t.Errorf("final state = %v, want 5", got)
	}
}

func TestFrameEncoder_Batch(t *testing.T) {
	sc := &mock.Scorer{}
	a, b := ramp(HopSize+10), make([]float32, HopSize+10)
	for i := range b {
		b[i] = -a[i]
	}
	cur := NewInferenceCursor(sc, nil, 2, SampleRate)
	enc, err := NewFrameEncoder(cur, [][]float32{a, b})
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}

	n := 0
	for p := range enc.Probabilities(context.Background()) {
		if len(p) != 2 {
			t.Fatalf("probabilities per hop = %d, want 2", len(p))
		}
		n++
	}
	if n != 2 {
		t.Fatalf("hops = %d, want 2", n)
	}

	for k, c := range sc.Calls() {
		if len(c.Frames) != 2*FrameSize {
			t.Fatalf("call %d: frames len = %d, want %d", k, len(c.Frames), 2*FrameSize)
		}
		for i := range FrameSize {
			if c.Frames[FrameSize+i] != -c.Frames[i] {
				t.Fatalf("call %d: batch item 1 sample %d = %v, want %v", k, i, c.Frames[FrameSize+i], -c.Frames[i])
			}
		}
		if len(c.State) != vad.StateLen(2) {
			t.Errorf("call %d: state len = %d, want %d", k, len(c.State), vad.StateLen(2))
		}
	}
}

func TestNewFrameEncoder_Validation(t *testing.T) {
	sc := &mock.Scorer{}
	tests := []struct {
		name  string
		batch [][]float32
		curB  int
	}{
		{"empty batch", nil, 1},
		{"too short", [][]float32{make([]float32, MinWaveformLen-1)}, 1},
		{"empty waveform", [][]float32{{}}, 1},
		{"ragged batch", [][]float32{make([]float32, 600), make([]float32, 700)}, 2},
		{"cursor batch mismatch", [][]float32{make([]float32, 600)}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := NewInferenceCursor(sc, nil, tt.curB, SampleRate)
			_, err := NewFrameEncoder(cur, tt.batch)
			if !errors.Is(err, ErrInputValidation) {
				t.Errorf("err = %v, want ErrInputValidation", err)
			}
		})
	}
}

func TestFrameEncoder_SinglePass(t *testing.T) {
	sc := &mock.Scorer{}
	cur := NewInferenceCursor(sc, nil, 1, SampleRate)
	enc, err := NewFrameEncoder(cur, [][]float32{ramp(3 * HopSize)})
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	drain(t, enc)

	for range enc.Probabilities(context.Background()) {
		t.Fatal("second iteration yielded a value")
	}
	if !errors.Is(enc.Err(), errConsumed) {
		t.Errorf("Err() = %v, want errConsumed", enc.Err())
	}
	if got := len(sc.Calls()); got != 3 {
		t.Errorf("score calls = %d, want 3", got)
	}
}

func TestFrameEncoder_StopsOnError(t *testing.T) {
	backendErr := errors.New("session run failed")
	sc := &mock.Scorer{ScoreErr: backendErr, ErrAtCall: 1}
	cur := NewInferenceCursor(sc, nil, 1, SampleRate)
	enc, err := NewFrameEncoder(cur, [][]float32{ramp(4 * HopSize)})
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	n := 0
	for range enc.Probabilities(context.Background()) {
		n++
	}
	if n != 1 {
		t.Errorf("yielded %d probabilities before failure, want 1", n)
	}
	if !errors.Is(enc.Err(), ErrInference) || !errors.Is(enc.Err(), backendErr) {
		t.Errorf("Err() = %v, want ErrInference wrapping backend error", enc.Err())
	}
	if got := len(sc.Calls()); got != 2 {
		t.Errorf("score calls = %d, want 2", got)
	}
}

func TestFrameEncoder_ContextCancelled(t *testing.T) {
	sc := &mock.Scorer{}
	cur := NewInferenceCursor(sc, nil, 1, SampleRate)
	enc, err := NewFrameEncoder(cur, [][]float32{ramp(4 * HopSize)})
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	for range enc.Probabilities(ctx) {
		n++
		if n == 2 {
			cancel()
		}
	}
	if n != 2 {
		t.Errorf("yielded %d probabilities, want 2", n)
	}
	if !errors.Is(enc.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", enc.Err())
	}
}

func TestInferenceCursor_RejectsBadOutput(t *testing.T) {
	nan := float32(math.NaN())

	tests := []struct {
		name string
		sc   *mock.Scorer
	}{
		{"nan probability", &mock.Scorer{Default: nan}},
		{"short state", &mock.Scorer{StateFunc: func(_ int, s []float32) []float32 { return s[:1] }}},
		{"non-finite state", &mock.Scorer{StateFunc: func(_ int, s []float32) []float32 {
			s[3] = nan
			return s
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := NewInferenceCursor(tt.sc, nil, 1, SampleRate)
			before := cur.State()
			_, err := cur.Step(context.Background(), make([]float32, FrameSize))
			if !errors.Is(err, ErrInference) {
				t.Fatalf("err = %v, want ErrInference", err)
			}
			if cur.Steps() != 0 {
				t.Errorf("Steps() = %d after failure, want 0", cur.Steps())
			}
			after := cur.State()
			for i := range before {
				if before[i] != after[i] {
					t.Fatalf("state changed after failed step at %d", i)
				}
			}
		})
	}
}

func TestInferenceCursor_RejectsWrongFrameLength(t *testing.T) {
	cur := NewInferenceCursor(&mock.Scorer{}, nil, 1, SampleRate)
	if _, err := cur.Step(context.Background(), make([]float32, FrameSize-1)); !errors.Is(err, ErrInference) {
		t.Errorf("err = %v, want ErrInference", err)
	}
}
