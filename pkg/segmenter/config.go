package segmenter

import (
	"errors"
	"fmt"
	"math"
)

const (
	// SampleRate is the only sample rate supported by the engine, in Hz.
	SampleRate = 16000

	// HopSize is the stride between consecutive probabilities, in samples.
	HopSize = 512

	// ContextSize is the number of preceding samples prepended to each hop.
	ContextSize = 64

	// FrameSize is the length of a single inference frame.
	FrameSize = ContextSize + HopSize

	// MinWaveformLen is the shortest waveform accepted by Segment. Shorter
	// input cannot be framed without reading before the start of the signal.
	MinWaveformLen = HopSize

	// negThresholdOffset is subtracted from Threshold when NegThreshold is
	// unset. The result is intentionally not clamped.
	negThresholdOffset = 0.15
)

// Config holds the segmentation thresholds and duration limits. The zero
// value is not valid; start from [DefaultConfig].
type Config struct {
	// SampleRate must equal [SampleRate].
	SampleRate int

	// Threshold is the probability at or above which speech starts. Range (0, 1).
	Threshold float64

	// NegThreshold is the probability strictly below which speech ends. When
	// nil it defaults to Threshold − 0.15, which may be negative.
	NegThreshold *float64

	// MinSpeechDurationMs discards merged segments that are not longer than this.
	MinSpeechDurationMs float64

	// MaxSpeechDurationS splits segments longer than this.
	MaxSpeechDurationS float64

	// MinSilenceDurationMs is the shortest gap that separates two segments.
	MinSilenceDurationMs float64

	// SpeechPadMs is added on both sides of every emitted segment.
	SpeechPadMs float64
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:           SampleRate,
		Threshold:            0.5,
		MinSpeechDurationMs:  250,
		MaxSpeechDurationS:   20,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	}
}

// Float64 returns a pointer to v. Handy for setting [Config.NegThreshold].
func Float64(v float64) *float64 {
	return &v
}

// EffectiveNegThreshold returns NegThreshold or its default.
func (c Config) EffectiveNegThreshold() float64 {
	if c.NegThreshold != nil {
		return *c.NegThreshold
	}
	return c.Threshold - negThresholdOffset
}

// Validate checks that c contains a coherent set of values. It returns a
// joined error listing every failure; each wraps [ErrConfiguration]. An
// unsupported sample rate additionally wraps [ErrInputValidation].
func (c Config) Validate() error {
	var errs []error

	if c.SampleRate != SampleRate {
		errs = append(errs, fmt.Errorf("%w: %w: sample_rate %d is unsupported; only %d Hz is accepted",
			ErrConfiguration, ErrInputValidation, c.SampleRate, SampleRate))
	}
	if !(c.Threshold > 0 && c.Threshold < 1) {
		errs = append(errs, fmt.Errorf("%w: threshold %v is out of range (0, 1)", ErrConfiguration, c.Threshold))
	}
	if c.NegThreshold != nil {
		neg := *c.NegThreshold
		if math.IsNaN(neg) || neg > c.Threshold {
			errs = append(errs, fmt.Errorf("%w: neg_threshold %v must not exceed threshold %v", ErrConfiguration, neg, c.Threshold))
		}
	}

	durations := []struct {
		name  string
		value float64
	}{
		{"min_speech_duration_ms", c.MinSpeechDurationMs},
		{"max_speech_duration_s", c.MaxSpeechDurationS},
		{"min_silence_duration_ms", c.MinSilenceDurationMs},
		{"speech_pad_ms", c.SpeechPadMs},
	}
	durationsOK := true
	for _, d := range durations {
		if !(d.value > 0) || math.IsInf(d.value, 0) {
			errs = append(errs, fmt.Errorf("%w: %s must be positive and finite, got %v", ErrConfiguration, d.name, d.value))
			durationsOK = false
		}
	}

	if durationsOK && c.SampleRate == SampleRate {
		if l := c.limits(); l.maxSpeech <= 0 {
			errs = append(errs, fmt.Errorf("%w: max_speech_duration_s %v leaves no room for 2×speech_pad_ms %v",
				ErrConfiguration, c.MaxSpeechDurationS, c.SpeechPadMs))
		}
	}

	return errors.Join(errs...)
}

// limits holds the padded duration thresholds in samples.
type limits struct {
	speechPad  int
	minSpeech  int
	maxSpeech  int
	minSilence int
}

// limits derives the padded thresholds from the configured durations.
func (c Config) limits() limits {
	rate := float64(c.SampleRate)
	pad := int(math.Floor(c.SpeechPadMs * rate / 1000))
	return limits{
		speechPad:  pad,
		minSpeech:  int(math.Floor(c.MinSpeechDurationMs*rate/1000)) - 2*pad,
		maxSpeech:  int(c.MaxSpeechDurationS*rate) - 2*pad,
		minSilence: int(math.Floor(c.MinSilenceDurationMs*rate/1000)) + 2*pad,
	}
}
