package segmenter

import "errors"

// Error classes returned by this package. Every error returned from
// [Segmenter.Segment] and [Config.Validate] wraps at least one of them; test
// with [errors.Is].
var (
	// ErrInputValidation is returned for waveforms that cannot be segmented:
	// multi-channel or too short input, or an unsupported sample rate. It is
	// raised before any inference runs.
	ErrInputValidation = errors.New("segmenter: invalid input")

	// ErrConfiguration is returned for invalid threshold relationships and
	// non-positive duration fields.
	ErrConfiguration = errors.New("segmenter: invalid configuration")

	// ErrInference is returned when the scoring backend fails or yields
	// non-finite output. No partial segment list is returned alongside it.
	ErrInference = errors.New("segmenter: inference failed")

	// errConsumed is returned by FrameEncoder.Err when Probabilities is
	// iterated a second time.
	errConsumed = errors.New("segmenter: probability sequence already consumed")
)
