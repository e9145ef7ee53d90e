// Package energy provides a model-free vad.Scorer based on signal energy.
//
// The probability for a frame is the RMS of its trailing hop divided by a
// reference level, clipped to [0, 1]. The recurrent state is passed through
// unchanged. It is useful where the neural model is unavailable and as a
// deterministic backend for tests.
package energy

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// DefaultReference is the RMS level mapped to probability 1.
const DefaultReference = 0.1

// Compile-time assertion that Scorer satisfies vad.Scorer.
var _ vad.Scorer = (*Scorer)(nil)

// Scorer implements vad.Scorer from frame energy.
type Scorer struct {
	reference float64
	hop       int
}

// Option is a functional option for configuring a Scorer.
type Option func(*Scorer)

// WithReference sets the RMS level that maps to probability 1. Defaults to
// [DefaultReference].
func WithReference(ref float64) Option {
	return func(s *Scorer) { s.reference = ref }
}

// WithHopSize sets how many trailing samples of each frame are measured.
// Defaults to the whole frame.
func WithHopSize(n int) Option {
	return func(s *Scorer) { s.hop = n }
}

// New returns an energy Scorer.
func New(opts ...Option) (*Scorer, error) {
	s := &Scorer{reference: DefaultReference}
	for _, o := range opts {
		o(s)
	}
	if !(s.reference > 0) || math.IsInf(s.reference, 0) {
		return nil, fmt.Errorf("energy: reference must be positive and finite, got %v", s.reference)
	}
	if s.hop < 0 {
		return nil, fmt.Errorf("energy: hop size must not be negative, got %d", s.hop)
	}
	return s, nil
}

// Score returns min(1, rms/reference) per batch item.
func (s *Scorer) Score(_ context.Context, in vad.Input) (vad.Output, error) {
	if err := in.Validate(); err != nil {
		return vad.Output{}, err
	}
	hop := s.hop
	if hop == 0 || hop > in.FrameSize {
		hop = in.FrameSize
	}

	probs := make([]float32, in.BatchSize)
	for b := range in.BatchSize {
		frame := in.Frames[b*in.FrameSize : (b+1)*in.FrameSize]
		var sum float64
		for _, v := range frame[in.FrameSize-hop:] {
			sum += float64(v) * float64(v)
		}
		rms := math.Sqrt(sum / float64(hop))
		probs[b] = float32(min(1, rms/s.reference))
	}
	return vad.Output{
		Probabilities: probs,
		State:         append([]float32(nil), in.State...),
	}, nil
}

// ConcurrentSafe reports true: Score keeps no state between calls.
func (s *Scorer) ConcurrentSafe() bool { return true }
