package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxseg/internal/batch"
	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/health"
	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/internal/resilience"
	"github.com/MrWong99/voxseg/pkg/provider/vad"
	"github.com/MrWong99/voxseg/pkg/provider/vad/energy"
	"github.com/MrWong99/voxseg/pkg/provider/vad/silero"
	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// registerBuiltinBackends wires the scorer backends that ship with voxseg
// into reg. Each factory receives the model section of the configuration.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register("silero", func(mc config.ModelConfig) (vad.Scorer, error) {
		opts := []silero.Option{silero.WithProviders(mc.Providers...)}
		if mc.SharedLibraryPath != "" {
			opts = append(opts, silero.WithSharedLibraryPath(mc.SharedLibraryPath))
		}
		if mc.IntraOpThreads > 0 {
			opts = append(opts, silero.WithIntraOpThreads(mc.IntraOpThreads))
		}
		return silero.New(mc.Path, opts...)
	})

	reg.Register("energy", func(mc config.ModelConfig) (vad.Scorer, error) {
		var opts []energy.Option
		if mc.EnergyReference > 0 {
			opts = append(opts, energy.WithReference(mc.EnergyReference))
		}
		return energy.New(opts...)
	})
}

// runtimeSegmenter is what the segment and serve commands run on: a single
// Segmenter, or a SegmenterFallback when a fallback backend is configured.
type runtimeSegmenter interface {
	batch.Segmenter
	Close() error
}

// buildSegmenter creates the configured backends and returns the segmenter
// together with the readiness checks that cover them.
func buildSegmenter(cfg config.ModelConfig, reg *config.Registry, m *observe.Metrics) (runtimeSegmenter, []health.Checker, error) {
	primary, err := reg.Create(cfg)
	if err != nil {
		return nil, nil, err
	}
	seg := segmenter.New(primary)
	checks := []health.Checker{health.ScorerCheck(cfg.Backend, primary)}
	slog.Info("scorer ready", "backend", cfg.Backend, "path", cfg.Path)
	if cfg.Fallback == nil {
		return seg, checks, nil
	}

	secondary, err := reg.Create(*cfg.Fallback)
	if err != nil {
		_ = seg.Close()
		return nil, nil, fmt.Errorf("fallback: %w", err)
	}
	fb := resilience.NewSegmenterFallback(seg, cfg.Backend, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
			HalfOpenMax:  cfg.Breaker.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	name := cfg.Fallback.Backend
	if name == cfg.Backend {
		name += "-fallback"
	}
	fb.AddFallback(name, segmenter.New(secondary))
	slog.Info("fallback scorer ready", "backend", cfg.Fallback.Backend)

	// Readiness only fails when no backend can take work.
	return fb, []health.Checker{{Name: "backends", Check: fb.Check}}, nil
}
