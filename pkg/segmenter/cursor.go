package segmenter

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// InferenceCursor owns the recurrent state for one pass over a batch of
// waveforms. The state starts zeroed and is replaced after every Step; it is
// never shared between passes.
type InferenceCursor struct {
	scorer     vad.Scorer
	lock       sync.Locker
	batch      int
	sampleRate int
	state      []float32
	steps      int
}

// NewInferenceCursor returns a cursor with a zeroed state for batch streams.
// If lock is non-nil it is held around every backend call.
func NewInferenceCursor(scorer vad.Scorer, lock sync.Locker, batch, sampleRate int) *InferenceCursor {
	return &InferenceCursor{
		scorer:     scorer,
		lock:       lock,
		batch:      batch,
		sampleRate: sampleRate,
		state:      make([]float32, vad.StateLen(batch)),
	}
}

// Steps returns the number of successful Step calls.
func (c *InferenceCursor) Steps() int { return c.steps }

// State returns a copy of the current recurrent state.
func (c *InferenceCursor) State() []float32 {
	return append([]float32(nil), c.state...)
}

// Step scores one batch of frames (batch × FrameSize samples, row-major) and
// replaces the cursor's state with the backend's updated state. It returns one
// probability per batch item. Backend failures, shape mismatches and
// non-finite output are reported as [ErrInference]; the state is left
// untouched in that case.
func (c *InferenceCursor) Step(ctx context.Context, frames []float32) ([]float32, error) {
	in := vad.Input{
		Frames:     frames,
		FrameSize:  FrameSize,
		BatchSize:  c.batch,
		State:      c.state,
		SampleRate: c.sampleRate,
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: hop %d: %w", ErrInference, c.steps, err)
	}

	if c.lock != nil {
		c.lock.Lock()
	}
	out, err := c.scorer.Score(ctx, in)
	if c.lock != nil {
		c.lock.Unlock()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: hop %d: %w", ErrInference, c.steps, err)
	}

	if len(out.Probabilities) != c.batch {
		return nil, fmt.Errorf("%w: hop %d: backend returned %d probabilities for batch %d",
			ErrInference, c.steps, len(out.Probabilities), c.batch)
	}
	if len(out.State) != len(c.state) {
		return nil, fmt.Errorf("%w: hop %d: backend returned state of %d values, want %d",
			ErrInference, c.steps, len(out.State), len(c.state))
	}
	if i, ok := firstNonFinite(out.Probabilities); ok {
		return nil, fmt.Errorf("%w: hop %d: non-finite probability %v for batch item %d",
			ErrInference, c.steps, out.Probabilities[i], i)
	}
	if i, ok := firstNonFinite(out.State); ok {
		return nil, fmt.Errorf("%w: hop %d: non-finite state value at index %d", ErrInference, c.steps, i)
	}

	c.state = out.State
	c.steps++
	return out.Probabilities, nil
}

func firstNonFinite(vs []float32) (int, bool) {
	for i, v := range vs {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i, true
		}
	}
	return 0, false
}
