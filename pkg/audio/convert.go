package audio

import (
	"fmt"
	"math"
)

// PCM16ToFloat32 decodes little-endian int16 PCM into float32 samples scaled
// to [-1, 1). A trailing odd byte is an error.
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: odd byte count %d in 16-bit PCM", len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out, nil
}

// Float32ToPCM16 encodes float32 samples as little-endian int16 PCM. Values
// outside [-1, 1] are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := floatToInt(v, 16)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// intToFloat scales a signed integer sample of the given bit depth to [-1, 1).
// 8-bit samples are unsigned with a 128 midpoint, as stored in WAV files.
func intToFloat(v, bitDepth int) float32 {
	if bitDepth == 8 {
		return float32(v-128) / 128
	}
	return float32(float64(v) / float64(int64(1)<<(bitDepth-1)))
}

// floatToInt is the inverse of intToFloat for signed bit depths, clamping to
// the representable range.
func floatToInt(v float32, bitDepth int) int {
	full := float64(int64(1) << (bitDepth - 1))
	s := math.Round(float64(v) * full)
	if s > full-1 {
		s = full - 1
	} else if s < -full {
		s = -full
	}
	return int(s)
}
