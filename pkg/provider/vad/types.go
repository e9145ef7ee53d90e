package vad

import "fmt"

// Input is the argument of a single [Scorer.Score] call.
type Input struct {
	// Frames holds BatchSize frames of FrameSize samples each, row-major.
	Frames []float32

	// FrameSize is the number of samples per frame (context + hop).
	FrameSize int

	// BatchSize is the number of independent streams scored in this call.
	BatchSize int

	// State is the recurrent state of shape (StatePlanes × BatchSize ×
	// StateFeatures), row-major.
	State []float32

	// SampleRate is the audio sample rate in Hz.
	SampleRate int
}

// Validate checks that the slice lengths agree with the declared shape.
func (in Input) Validate() error {
	if in.BatchSize <= 0 {
		return fmt.Errorf("vad: batch size must be positive, got %d", in.BatchSize)
	}
	if in.FrameSize <= 0 {
		return fmt.Errorf("vad: frame size must be positive, got %d", in.FrameSize)
	}
	if got, want := len(in.Frames), in.BatchSize*in.FrameSize; got != want {
		return fmt.Errorf("vad: frames has %d samples, want %d", got, want)
	}
	if got, want := len(in.State), StateLen(in.BatchSize); got != want {
		return fmt.Errorf("vad: state has %d values, want %d", got, want)
	}
	return nil
}

// Output is the result of a single [Scorer.Score] call.
type Output struct {
	// Probabilities holds one speech probability per batch item.
	Probabilities []float32

	// State is the updated recurrent state, same shape as [Input.State].
	State []float32
}
