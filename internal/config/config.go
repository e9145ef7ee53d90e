// Package config provides the configuration schema, loader, hot-reload
// watcher and scorer registry for the voxseg CLI and HTTP service.
package config

import (
	"time"

	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// FailurePolicy decides what a batch run does when one file fails.
type FailurePolicy string

const (
	// FailureSkip records the error and continues with the remaining files.
	FailureSkip FailurePolicy = "skip"

	// FailureAbort cancels the remaining files on the first error.
	FailureAbort FailurePolicy = "abort"
)

// IsValid reports whether p is a recognised failure policy.
func (p FailurePolicy) IsValid() bool {
	return p == FailureSkip || p == FailureAbort
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Model        ModelConfig        `yaml:"model"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Batch        BatchConfig        `yaml:"batch"`
}

// ServerConfig holds network and logging settings for the HTTP service.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxBodyBytes caps the size of an uploaded WAV file. Zero means
	// [DefaultMaxBodyBytes].
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ShutdownTimeout bounds graceful shutdown. Zero means 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TraceSampleRatio is the fraction of new traces sampled, in [0, 1].
	// Zero means every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// DefaultMaxBodyBytes is the upload limit used when ServerConfig.MaxBodyBytes
// is zero: ten minutes of 16-bit mono audio at 16 kHz plus headroom.
const DefaultMaxBodyBytes = 32 << 20

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ModelConfig selects and configures the scoring backend. Backend is used to
// look up the constructor in the [Registry].
type ModelConfig struct {
	// Backend selects the registered scorer (e.g., "silero", "energy").
	Backend string `yaml:"backend"`

	// Path is the model artifact location for file-based backends.
	Path string `yaml:"path"`

	// SharedLibraryPath points at the ONNX Runtime shared library. Leave empty
	// to use the platform default.
	SharedLibraryPath string `yaml:"shared_library_path"`

	// Providers lists execution providers in order of preference
	// (e.g., ["cuda", "cpu"]).
	Providers []string `yaml:"providers"`

	// IntraOpThreads limits per-operator threads. Zero keeps the runtime default.
	IntraOpThreads int `yaml:"intra_op_threads"`

	// EnergyReference is the RMS level mapped to probability 1 by the energy
	// backend. Zero means the backend default.
	EnergyReference float64 `yaml:"energy_reference"`

	// Fallback, if set, is a second backend that takes over a segmentation
	// call when this one fails with an inference error.
	Fallback *ModelConfig `yaml:"fallback"`

	// Breaker tunes the circuit breaker in front of each backend. Only used
	// when Fallback is set.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a backend circuit breaker. Zero fields take the
// breaker defaults (5 failures, 30s, 3 probes).
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// SegmentationConfig mirrors [segmenter.Config] for YAML. Zero fields take
// the segmenter defaults.
type SegmentationConfig struct {
	SampleRate           int      `yaml:"sample_rate"`
	Threshold            float64  `yaml:"threshold"`
	NegThreshold         *float64 `yaml:"neg_threshold"`
	MinSpeechDurationMs  float64  `yaml:"min_speech_duration_ms"`
	MaxSpeechDurationS   float64  `yaml:"max_speech_duration_s"`
	MinSilenceDurationMs float64  `yaml:"min_silence_duration_ms"`
	SpeechPadMs          float64  `yaml:"speech_pad_ms"`
}

// Segmenter returns the effective segmenter configuration.
func (s SegmentationConfig) Segmenter() segmenter.Config {
	c := segmenter.DefaultConfig()
	if s.SampleRate != 0 {
		c.SampleRate = s.SampleRate
	}
	if s.Threshold != 0 {
		c.Threshold = s.Threshold
	}
	if s.NegThreshold != nil {
		c.NegThreshold = segmenter.Float64(*s.NegThreshold)
	}
	if s.MinSpeechDurationMs != 0 {
		c.MinSpeechDurationMs = s.MinSpeechDurationMs
	}
	if s.MaxSpeechDurationS != 0 {
		c.MaxSpeechDurationS = s.MaxSpeechDurationS
	}
	if s.MinSilenceDurationMs != 0 {
		c.MinSilenceDurationMs = s.MinSilenceDurationMs
	}
	if s.SpeechPadMs != 0 {
		c.SpeechPadMs = s.SpeechPadMs
	}
	return c
}

// BatchConfig controls the `segment` command when it is given several files.
type BatchConfig struct {
	// Workers is the number of files processed at once. Zero means one per CPU.
	Workers int `yaml:"workers"`

	// FailurePolicy selects skip or abort. Empty means skip.
	FailurePolicy FailurePolicy `yaml:"failure_policy"`
}
