package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned by [DecodeWAV] when the input is not a PCM WAV file.
var ErrInvalidWAV = errors.New("audio: not a valid PCM WAV file")

// DecodeWAV reads a complete PCM WAV stream into a [Buffer]. Channels and
// sample rate are taken from the file header; no resampling or downmixing
// is performed.
func DecodeWAV(r io.ReadSeeker) (Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Buffer{}, ErrInvalidWAV
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if pcm == nil {
		return Buffer{}, fmt.Errorf("%w: missing PCM data", ErrInvalidWAV)
	}
	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return Buffer{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bitDepth)
	}

	samples := make([]float32, len(pcm.Data))
	for i, v := range pcm.Data {
		samples[i] = intToFloat(v, bitDepth)
	}
	return Buffer{
		Samples:    samples,
		Channels:   pcm.Format.NumChannels,
		SampleRate: pcm.Format.SampleRate,
	}, nil
}

// EncodeWAV writes buf as a 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, buf Buffer) error {
	if buf.Channels <= 0 || buf.SampleRate <= 0 {
		return fmt.Errorf("audio: encode wav: invalid format %d Hz, %d channels", buf.SampleRate, buf.Channels)
	}
	const bitDepth = 16
	enc := wav.NewEncoder(w, buf.SampleRate, bitDepth, buf.Channels, 1)

	data := make([]int, len(buf.Samples))
	for i, v := range buf.Samples {
		data[i] = floatToInt(v, bitDepth)
	}
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: buf.Channels, SampleRate: buf.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	return nil
}
