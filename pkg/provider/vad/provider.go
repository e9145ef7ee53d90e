// Package vad defines the Scorer interface for neural voice-activity backends.
//
// A Scorer wraps a single call to a stateful speech scorer (e.g., the Silero
// VAD ONNX model): given a batch of fixed-length audio frames, the running
// recurrent state and the sample rate, it returns one speech probability per
// batch item and the updated recurrent state.
//
// Scorers are stateless between calls: the recurrent state is owned by the
// caller and passed in explicitly on every call, so a single Scorer can serve
// many independent audio streams. Whether two calls may run at the same time
// is backend specific; see [ConcurrencyReporter].
package vad

import "context"

const (
	// StatePlanes is the size of the leading dimension of the recurrent state
	// tensor.
	StatePlanes = 2

	// StateFeatures is the size of the trailing dimension of the recurrent
	// state tensor.
	StateFeatures = 128
)

// StateLen returns the number of float32 values in a recurrent state tensor of
// shape (StatePlanes × batch × StateFeatures).
func StateLen(batch int) int {
	return StatePlanes * batch * StateFeatures
}

// Scorer is the abstraction over one inference step of a recurrent speech
// scorer.
//
// Implementations must not retain or mutate in.Frames or in.State after Score
// returns. Returned slices are owned by the caller.
type Scorer interface {
	// Score runs one inference step. It returns an error if the backend fails
	// or if the input shape does not match the model's expectations.
	Score(ctx context.Context, in Input) (Output, error)
}

// ConcurrencyReporter is implemented by scorers that may be called from
// multiple goroutines at the same time. Callers must serialise Score calls on
// scorers that do not implement it or that report false.
type ConcurrencyReporter interface {
	ConcurrentSafe() bool
}

// IsConcurrentSafe reports whether s declares itself safe for concurrent Score
// calls.
func IsConcurrentSafe(s Scorer) bool {
	r, ok := s.(ConcurrencyReporter)
	return ok && r.ConcurrentSafe()
}
