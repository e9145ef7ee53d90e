package segmenter_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxseg/pkg/audio"
	"github.com/MrWong99/voxseg/pkg/provider/vad"
	"github.com/MrWong99/voxseg/pkg/provider/vad/energy"
	"github.com/MrWong99/voxseg/pkg/provider/vad/mock"
	"github.com/MrWong99/voxseg/pkg/segmenter"
)

const hop = segmenter.HopSize

// bursts returns a ProbabilityFunc that yields 0.9 for hops inside any of the
// half-open [from, to) ranges and 0 elsewhere.
func bursts(ranges ...[2]int) func(int, vad.Input) float32 {
	return func(call int, _ vad.Input) float32 {
		for _, r := range ranges {
			if call >= r[0] && call < r[1] {
				return 0.9
			}
		}
		return 0
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestSegment_Scenarios(t *testing.T) {
	t.Parallel()

	shortMax := segmenter.DefaultConfig()
	shortMax.MaxSpeechDurationS = 1

	tests := []struct {
		name   string
		scorer *mock.Scorer
		hops   int
		cfg    *segmenter.Config
		want   []segmenter.Segment
	}{
		{
			name:   "silence",
			scorer: &mock.Scorer{},
			hops:   31,
			want:   []segmenter.Segment{},
		},
		{
			name:   "speech throughout",
			scorer: &mock.Scorer{Default: 1},
			hops:   100,
			want:   []segmenter.Segment{{Start: 0, End: 51200}},
		},
		{
			name:   "two bursts separated by long silence",
			scorer: &mock.Scorer{ProbabilityFunc: bursts([2]int{0, 20}, [2]int{40, 60})},
			hops:   80,
			want:   []segmenter.Segment{{Start: 0, End: 10720}, {Start: 20000, End: 31200}},
		},
		{
			name:   "over-long speech split",
			scorer: &mock.Scorer{Default: 1},
			hops:   100,
			cfg:    &shortMax,
			want: []segmenter.Segment{
				{Start: 0, End: 14560},
				{Start: 14560, End: 29600},
				{Start: 29600, End: 44640},
				{Start: 44640, End: 51200},
			},
		},
		{
			name:   "short burst dropped",
			scorer: &mock.Scorer{ProbabilityFunc: bursts([2]int{10, 15})},
			hops:   40,
			want:   []segmenter.Segment{},
		},
		{
			name:   "speech open at end with non-positive neg threshold is dropped",
			scorer: &mock.Scorer{Default: 1},
			hops:   40,
			cfg:    &segmenter.Config{SampleRate: 16000, Threshold: 0.1, MinSpeechDurationMs: 250, MaxSpeechDurationS: 20, MinSilenceDurationMs: 100, SpeechPadMs: 30},
			want:   []segmenter.Segment{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			seg := segmenter.New(tt.scorer, segmenter.WithLogger(quietLogger()))
			got, err := seg.Segment(context.Background(), make([]float32, tt.hops*hop), tt.cfg)
			if err != nil {
				t.Fatalf("Segment: %v", err)
			}
			if got == nil {
				t.Fatal("Segment returned nil slice, want non-nil")
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("segments = %v, want %v", got, tt.want)
			}
			if calls := len(tt.scorer.Calls()); calls != tt.hops {
				t.Errorf("score calls = %d, want %d", calls, tt.hops)
			}
		})
	}
}

func TestSegment_WarnsWhenSpanDropped(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	seg := segmenter.New(&mock.Scorer{Default: 1},
		segmenter.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	cfg := segmenter.DefaultConfig()
	cfg.NegThreshold = segmenter.Float64(0)
	if _, err := seg.Segment(context.Background(), make([]float32, 20*hop), &cfg); err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if !strings.Contains(logs.String(), "still active") {
		t.Errorf("expected warning about open span, got %q", logs.String())
	}
}

func TestSegment_Errors(t *testing.T) {
	t.Parallel()
	backendErr := errors.New("backend exploded")

	tests := []struct {
		name      string
		scorer    *mock.Scorer
		samples   int
		cfg       *segmenter.Config
		wantErr   error
		wantCalls int
	}{
		{
			name:      "backend error",
			scorer:    &mock.Scorer{ScoreErr: backendErr, ErrAtCall: 3},
			samples:   10 * hop,
			wantErr:   segmenter.ErrInference,
			wantCalls: 4,
		},
		{
			name:      "NaN probability",
			scorer:    &mock.Scorer{Default: float32(math.NaN())},
			samples:   10 * hop,
			wantErr:   segmenter.ErrInference,
			wantCalls: 1,
		},
		{
			name: "wrong state shape",
			scorer: &mock.Scorer{StateFunc: func(_ int, s []float32) []float32 {
				return append(s, 0)
			}},
			samples:   10 * hop,
			wantErr:   segmenter.ErrInference,
			wantCalls: 1,
		},
		{
			name:    "too short",
			scorer:  &mock.Scorer{},
			samples: hop - 1,
			wantErr: segmenter.ErrInputValidation,
		},
		{
			name:    "empty",
			scorer:  &mock.Scorer{},
			samples: 0,
			wantErr: segmenter.ErrInputValidation,
		},
		{
			name:    "invalid threshold",
			scorer:  &mock.Scorer{},
			samples: 10 * hop,
			cfg:     &segmenter.Config{SampleRate: 16000, Threshold: 0, MinSpeechDurationMs: 250, MaxSpeechDurationS: 20, MinSilenceDurationMs: 100, SpeechPadMs: 30},
			wantErr: segmenter.ErrConfiguration,
		},
		{
			name:    "unsupported sample rate",
			scorer:  &mock.Scorer{},
			samples: 10 * hop,
			cfg:     &segmenter.Config{SampleRate: 8000, Threshold: 0.5, MinSpeechDurationMs: 250, MaxSpeechDurationS: 20, MinSilenceDurationMs: 100, SpeechPadMs: 30},
			wantErr: segmenter.ErrInputValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			seg := segmenter.New(tt.scorer, segmenter.WithLogger(quietLogger()))
			got, err := seg.Segment(context.Background(), make([]float32, tt.samples), tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != nil {
				t.Errorf("segments = %v, want nil on error", got)
			}
			if calls := len(tt.scorer.Calls()); calls != tt.wantCalls {
				t.Errorf("score calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}

	t.Run("backend error is wrapped", func(t *testing.T) {
		t.Parallel()
		seg := segmenter.New(&mock.Scorer{ScoreErr: backendErr}, segmenter.WithLogger(quietLogger()))
		_, err := seg.Segment(context.Background(), make([]float32, 4*hop), nil)
		if !errors.Is(err, backendErr) {
			t.Errorf("err = %v, want wrapping %v", err, backendErr)
		}
	})
}

func TestSegment_ContextCancelled(t *testing.T) {
	t.Parallel()
	sc := &mock.Scorer{}
	seg := segmenter.New(sc, segmenter.WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := seg.Segment(ctx, make([]float32, 10*hop), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got != nil {
		t.Errorf("segments = %v, want nil", got)
	}
	if n := len(sc.Calls()); n != 0 {
		t.Errorf("score calls = %d, want 0", n)
	}
}

func TestSegment_DoesNotModifyWaveform(t *testing.T) {
	t.Parallel()
	w := make([]float32, 7*hop+13)
	for i := range w {
		w[i] = float32(math.Sin(float64(i) / 10))
	}
	orig := slices.Clone(w)

	seg := segmenter.New(&mock.Scorer{Default: 1}, segmenter.WithLogger(quietLogger()))
	if _, err := seg.Segment(context.Background(), w, nil); err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if !slices.Equal(w, orig) {
		t.Error("Segment modified the input waveform")
	}
}

func TestSegment_Deterministic(t *testing.T) {
	t.Parallel()
	probs := func(call int, _ vad.Input) float32 {
		return float32(0.5 + 0.5*math.Sin(float64(call)/7))
	}
	w := make([]float32, 300*hop+77)

	run := func() []segmenter.Segment {
		seg := segmenter.New(&mock.Scorer{ProbabilityFunc: probs}, segmenter.WithLogger(quietLogger()))
		got, err := seg.Segment(context.Background(), w, nil)
		if err != nil {
			t.Fatalf("Segment: %v", err)
		}
		return got
	}
	first, second := run(), run()
	if !slices.Equal(first, second) {
		t.Errorf("non-deterministic output:\n%v\n%v", first, second)
	}
	if len(first) == 0 {
		t.Error("expected at least one segment")
	}
}

// TestSegment_OutputInvariants checks ordering and bounds over random
// probability sequences and configurations.
func TestSegment_OutputInvariants(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))

	for iter := range 200 {
		hops := 1 + rng.IntN(400)
		length := hops*hop - rng.IntN(hop)
		if length < segmenter.MinWaveformLen {
			length = segmenter.MinWaveformLen
		}

		probs := make([]float32, segmenter.HopCount(length))
		p := float32(0)
		for i := range probs {
			if rng.Float64() < 0.15 {
				p = rng.Float32()
			}
			probs[i] = p
		}

		cfg := segmenter.DefaultConfig()
		cfg.Threshold = 0.2 + 0.6*rng.Float64()
		cfg.MinSpeechDurationMs = 10 + 300*rng.Float64()
		cfg.MinSilenceDurationMs = 10 + 300*rng.Float64()
		cfg.MaxSpeechDurationS = 0.5 + 3*rng.Float64()
		cfg.SpeechPadMs = 1 + 60*rng.Float64()

		seg := segmenter.New(&mock.Scorer{Probabilities: probs}, segmenter.WithLogger(quietLogger()))
		got, err := seg.Segment(context.Background(), make([]float32, length), &cfg)
		if err != nil {
			t.Fatalf("iteration %d: Segment: %v", iter, err)
		}

		prevEnd := 0
		for i, s := range got {
			if s.Start < 0 || s.End > length || s.Start > s.End {
				t.Fatalf("iteration %d: segment %d %v out of bounds [0, %d]", iter, i, s, length)
			}
			if s.Start < prevEnd {
				t.Fatalf("iteration %d: segment %d %v overlaps previous end %d", iter, i, s, prevEnd)
			}
			prevEnd = s.End
		}
	}
}

// hopStateScorer checks that the state it receives at hop k equals k. Each
// waveform sample holds the index of its hop, so the last sample of a frame
// identifies the hop being scored.
type hopStateScorer struct {
	concurrent bool
	inflight   atomic.Int32
	overlapped atomic.Bool
	mismatch   atomic.Bool
}

func (s *hopStateScorer) Score(_ context.Context, in vad.Input) (vad.Output, error) {
	if s.inflight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	defer s.inflight.Add(-1)
	time.Sleep(20 * time.Microsecond)

	hopIdx := in.Frames[in.FrameSize-1]
	state := make([]float32, len(in.State))
	for i, v := range in.State {
		if v != hopIdx {
			s.mismatch.Store(true)
		}
		state[i] = v + 1
	}
	return vad.Output{Probabilities: make([]float32, in.BatchSize), State: state}, nil
}

func (s *hopStateScorer) ConcurrentSafe() bool { return s.concurrent }

func hopIndexed(hops int) []float32 {
	w := make([]float32, hops*hop)
	for i := range w {
		w[i] = float32(i / hop)
	}
	return w
}

func TestSegment_ConcurrentCallsKeepSeparateState(t *testing.T) {
	t.Parallel()
	sc := &hopStateScorer{concurrent: true}
	seg := segmenter.New(sc, segmenter.WithLogger(quietLogger()))
	w := hopIndexed(30)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := seg.Segment(context.Background(), w, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Segment: %v", err)
	}
	if sc.mismatch.Load() {
		t.Error("a call observed recurrent state from another call")
	}
}

func TestSegment_SerialisesUnsafeScorer(t *testing.T) {
	t.Parallel()
	sc := &hopStateScorer{}
	seg := segmenter.New(sc, segmenter.WithLogger(quietLogger()))
	w := hopIndexed(20)

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := seg.Segment(context.Background(), w, nil); err != nil {
				t.Errorf("Segment: %v", err)
			}
		}()
	}
	wg.Wait()
	if sc.overlapped.Load() {
		t.Error("Score was called concurrently on a scorer that is not concurrency safe")
	}
	if sc.mismatch.Load() {
		t.Error("a call observed recurrent state from another call")
	}
}

func TestSegment_EnergyScorer(t *testing.T) {
	t.Parallel()
	sc, err := energy.New(energy.WithHopSize(hop))
	if err != nil {
		t.Fatalf("energy.New: %v", err)
	}
	w := make([]float32, 48000)
	for i := 16000; i < 32000; i++ {
		if i%2 == 0 {
			w[i] = 0.5
		} else {
			w[i] = -0.5
		}
	}

	seg := segmenter.New(sc, segmenter.WithLogger(quietLogger()))
	got, err := seg.Segment(context.Background(), w, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	want := []segmenter.Segment{{Start: 15392, End: 32736}}
	if !slices.Equal(got, want) {
		t.Errorf("segments = %v, want %v", got, want)
	}
}

func TestSegmentBuffer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		buf     audio.Buffer
		wantErr bool
	}{
		{"mono at 16 kHz", audio.Buffer{Samples: make([]float32, 4*hop), Channels: 1, SampleRate: 16000}, false},
		{"mono with unknown rate", audio.Buffer{Samples: make([]float32, 4*hop), Channels: 1}, false},
		{"stereo", audio.Buffer{Samples: make([]float32, 8*hop), Channels: 2, SampleRate: 16000}, true},
		{"wrong rate", audio.Buffer{Samples: make([]float32, 4*hop), Channels: 1, SampleRate: 48000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc := &mock.Scorer{}
			seg := segmenter.New(sc, segmenter.WithLogger(quietLogger()))
			_, err := seg.SegmentBuffer(context.Background(), tt.buf, nil)
			if tt.wantErr {
				if !errors.Is(err, segmenter.ErrInputValidation) {
					t.Fatalf("err = %v, want ErrInputValidation", err)
				}
				if n := len(sc.Calls()); n != 0 {
					t.Errorf("score calls = %d, want 0", n)
				}
				return
			}
			if err != nil {
				t.Fatalf("SegmentBuffer: %v", err)
			}
		})
	}
}

func TestClose_DelegatesOnce(t *testing.T) {
	t.Parallel()
	sc := &mock.Scorer{}
	seg := segmenter.New(sc)
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sc.CloseCallCount != 1 {
		t.Errorf("CloseCallCount = %d, want 1", sc.CloseCallCount)
	}
}

func TestToFloat32(t *testing.T) {
	t.Parallel()
	if got := segmenter.ToFloat32([]int16{-32768, 0, 16384}); !slices.Equal(got, []float32{-1, 0, 0.5}) {
		t.Errorf("int16: got %v", got)
	}
	if got := segmenter.ToFloat32([]int32{math.MinInt32, 1 << 30}); !slices.Equal(got, []float32{-1, 0.5}) {
		t.Errorf("int32: got %v", got)
	}
	if got := segmenter.ToFloat32([]float64{0.25, -0.75}); !slices.Equal(got, []float32{0.25, -0.75}) {
		t.Errorf("float64: got %v", got)
	}
}
