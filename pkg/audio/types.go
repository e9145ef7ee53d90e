// Package audio holds the sample buffer type shared by the segmentation
// front-ends, together with PCM and WAV conversion helpers.
//
// Samples are float32 in [-1, 1]. Multi-channel audio is interleaved
// (L0 R0 L1 R1 …); the segmenter only accepts mono buffers, so callers that
// read multi-channel files get a buffer they can inspect but not segment.
package audio

import "time"

// Buffer is a block of decoded audio.
type Buffer struct {
	// Samples are interleaved float32 samples.
	Samples []float32

	// Channels is the number of interleaved channels (1 for mono).
	Channels int

	// SampleRate in Hz (e.g., 16000 for segmentation input).
	SampleRate int
}

// Frames returns the number of samples per channel.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer. It is zero when the
// sample rate is unknown.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}
