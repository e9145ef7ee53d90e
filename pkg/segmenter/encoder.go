package segmenter

import (
	"context"
	"fmt"
	"iter"
)

// HopCount returns the number of probabilities produced for a waveform of n
// samples: one per started hop.
func HopCount(n int) int {
	return (n + HopSize - 1) / HopSize
}

// FrameEncoder slices a batch of equal-length waveforms into context+hop
// frames and scores them strictly in order through an [InferenceCursor].
//
// Probability i always covers samples [i·HopSize, (i+1)·HopSize). The first
// frame is left-padded with ContextSize zeros; a trailing partial hop is
// right-padded with zeros.
type FrameEncoder struct {
	cursor *InferenceCursor
	batch  [][]float32
	length int

	used bool
	err  error
}

// NewFrameEncoder returns an encoder over batch. All waveforms must have the
// same length of at least [MinWaveformLen] samples, and the cursor must have
// been created for len(batch) streams.
func NewFrameEncoder(cursor *InferenceCursor, batch [][]float32) (*FrameEncoder, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInputValidation)
	}
	if cursor.batch != len(batch) {
		return nil, fmt.Errorf("%w: cursor batch %d does not match %d waveforms", ErrInputValidation, cursor.batch, len(batch))
	}
	n := len(batch[0])
	for i, w := range batch {
		if len(w) != n {
			return nil, fmt.Errorf("%w: waveform %d has %d samples, want %d", ErrInputValidation, i, len(w), n)
		}
	}
	if n < MinWaveformLen {
		return nil, fmt.Errorf("%w: waveform has %d samples, need at least %d", ErrInputValidation, n, MinWaveformLen)
	}
	return &FrameEncoder{cursor: cursor, batch: batch, length: n}, nil
}

// Hops returns the number of probabilities the encoder will produce.
func (e *FrameEncoder) Hops() int { return HopCount(e.length) }

// Probabilities returns a single-use sequence of per-hop probabilities, one
// value per batch item. Iteration stops early on the first inference error
// or context cancellation; check [FrameEncoder.Err] afterwards. A second
// iteration yields nothing and sets Err.
//
// The yielded slice is owned by the consumer.
func (e *FrameEncoder) Probabilities(ctx context.Context) iter.Seq[[]float32] {
	return func(yield func([]float32) bool) {
		if e.used {
			e.err = errConsumed
			return
		}
		e.used = true

		frames := make([]float32, len(e.batch)*FrameSize)
		for hop := range e.Hops() {
			if err := ctx.Err(); err != nil {
				e.err = err
				return
			}
			for b, w := range e.batch {
				fillFrame(frames[b*FrameSize:(b+1)*FrameSize], w, hop)
			}
			probs, err := e.cursor.Step(ctx, frames)
			if err != nil {
				e.err = err
				return
			}
			if !yield(probs) {
				return
			}
		}
	}
}

// Err returns the error that terminated iteration, if any.
func (e *FrameEncoder) Err() error { return e.err }

// fillFrame writes the frame for hop into dst (len FrameSize). Hop 0 gets
// ContextSize leading zeros. A trailing partial hop takes the last
// (n mod HopSize)+ContextSize samples and is zero-filled on the right. Every
// other hop is the window starting ContextSize samples before the hop.
func fillFrame(dst, w []float32, hop int) {
	n := len(w)
	start := hop*HopSize - ContextSize
	switch {
	case hop == 0:
		clear(dst[:ContextSize])
		copy(dst[ContextSize:], w[:HopSize])
	case (hop+1)*HopSize <= n:
		copy(dst, w[start:start+FrameSize])
	default:
		rem := n % HopSize
		copied := copy(dst, w[n-rem-ContextSize:])
		clear(dst[copied:])
	}
}
