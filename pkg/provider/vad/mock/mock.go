// Package mock provides test doubles for the vad package interfaces.
//
// Use Scorer to script per-call speech probabilities and inspect the frames
// and recurrent state that were submitted for scoring.
//
// Example:
//
//	sc := &mock.Scorer{Probabilities: []float32{0.9, 0.9, 0.1}}
//	seg := segmenter.New(sc)
//	spans, _ := seg.Segment(ctx, waveform, nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// ScoreCall records a single invocation of Scorer.Score.
type ScoreCall struct {
	// Frames is a copy of the frames passed to Score.
	Frames []float32

	// State is a copy of the recurrent state passed to Score.
	State []float32

	// BatchSize and SampleRate are copied from the input.
	BatchSize  int
	SampleRate int
}

// Scorer is a mock implementation of vad.Scorer.
type Scorer struct {
	mu sync.Mutex

	// Probabilities is consumed one value per call. Every batch item receives
	// the same value. Once exhausted, Default is returned.
	Probabilities []float32

	// Default is returned after Probabilities is exhausted.
	Default float32

	// ProbabilityFunc, if non-nil, overrides Probabilities and Default. It
	// receives the zero-based call index and a copy of the input.
	ProbabilityFunc func(call int, in vad.Input) float32

	// StateFunc, if non-nil, computes the returned state from the call index
	// and the incoming state. When nil, every state value is incremented by 1
	// so that tests can verify threading.
	StateFunc func(call int, state []float32) []float32

	// ScoreErr, if non-nil, is returned by the call with index ErrAtCall.
	ScoreErr  error
	ErrAtCall int

	// Concurrent is reported by ConcurrentSafe.
	Concurrent bool

	// --- Call records ---

	// ScoreCalls records every call to Score in order.
	ScoreCalls []ScoreCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Score records the call and returns the scripted probability.
func (s *Scorer) Score(_ context.Context, in vad.Input) (vad.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := len(s.ScoreCalls)
	s.ScoreCalls = append(s.ScoreCalls, ScoreCall{
		Frames:     append([]float32(nil), in.Frames...),
		State:      append([]float32(nil), in.State...),
		BatchSize:  in.BatchSize,
		SampleRate: in.SampleRate,
	})
	if s.ScoreErr != nil && call == s.ErrAtCall {
		return vad.Output{}, s.ScoreErr
	}

	var p float32
	switch {
	case s.ProbabilityFunc != nil:
		p = s.ProbabilityFunc(call, in)
	case call < len(s.Probabilities):
		p = s.Probabilities[call]
	default:
		p = s.Default
	}
	probs := make([]float32, in.BatchSize)
	for i := range probs {
		probs[i] = p
	}

	var state []float32
	if s.StateFunc != nil {
		state = s.StateFunc(call, append([]float32(nil), in.State...))
	} else {
		state = make([]float32, len(in.State))
		for i, v := range in.State {
			state[i] = v + 1
		}
	}
	return vad.Output{Probabilities: probs, State: state}, nil
}

// ConcurrentSafe returns Concurrent.
func (s *Scorer) ConcurrentSafe() bool {
	return s.Concurrent
}

// Close records the call.
func (s *Scorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Calls returns a snapshot of the recorded Score calls. Thread-safe.
func (s *Scorer) Calls() []ScoreCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScoreCall(nil), s.ScoreCalls...)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Scorer) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScoreCalls = nil
	s.CloseCallCount = 0
}

// Ensure Scorer implements vad.Scorer at compile time.
var (
	_ vad.Scorer              = (*Scorer)(nil)
	_ vad.ConcurrencyReporter = (*Scorer)(nil)
)
