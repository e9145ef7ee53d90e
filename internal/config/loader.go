package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownBackends lists the scorer backends built into voxseg. Used by
// [Validate] to warn about unrecognised names.
var KnownBackends = []string{"silero", "energy"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes %d must not be negative", cfg.Server.MaxBodyBytes))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Model
	errs = append(errs, validateModel("model", cfg.Model)...)
	if fb := cfg.Model.Fallback; fb != nil {
		if fb.Backend == "" {
			errs = append(errs, errors.New("model.fallback.backend is required"))
		}
		if fb.Fallback != nil {
			errs = append(errs, errors.New("model.fallback.fallback is not supported; chain at most one fallback"))
		}
		errs = append(errs, validateModel("model.fallback", *fb)...)
	}
	if b := cfg.Model.Breaker; b.MaxFailures < 0 || b.ResetTimeout < 0 || b.HalfOpenMax < 0 {
		errs = append(errs, errors.New("model.breaker values must not be negative"))
	}

	// Segmentation
	if err := cfg.Segmentation.Segmenter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmentation: %w", err))
	}

	// Batch
	if cfg.Batch.Workers < 0 {
		errs = append(errs, fmt.Errorf("batch.workers %d must not be negative", cfg.Batch.Workers))
	}
	if cfg.Batch.FailurePolicy != "" && !cfg.Batch.FailurePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("batch.failure_policy %q is invalid; valid values: skip, abort", cfg.Batch.FailurePolicy))
	}

	return errors.Join(errs...)
}

func validateModel(prefix string, m ModelConfig) []error {
	var errs []error
	validateBackendName(m.Backend)
	if m.Backend == "silero" && m.Path == "" {
		errs = append(errs, fmt.Errorf("%s.path is required when backend is silero", prefix))
	}
	if m.IntraOpThreads < 0 {
		errs = append(errs, fmt.Errorf("%s.intra_op_threads %d must not be negative", prefix, m.IntraOpThreads))
	}
	if m.EnergyReference < 0 {
		errs = append(errs, fmt.Errorf("%s.energy_reference %v must not be negative", prefix, m.EnergyReference))
	}
	return errs
}

// validateBackendName logs a warning if name is non-empty and not one of
// [KnownBackends]. Third-party scorers may still be registered under it.
func validateBackendName(name string) {
	if name == "" || slices.Contains(KnownBackends, name) {
		return
	}
	slog.Warn("unknown model backend, may be a typo or third-party scorer",
		"name", name,
		"known", KnownBackends,
	)
}
