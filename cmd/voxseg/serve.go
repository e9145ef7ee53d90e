package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/health"
	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/internal/server"
)

func runServe(ctx context.Context, cfg *config.Config, configPath string, reg *config.Registry, level *slog.LevelVar, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.Server.ListenAddr, "listen address, overrides server.listen_addr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	srvCfg := cfg.Server
	srvCfg.ListenAddr = *addr
	if srvCfg.ListenAddr == "" {
		srvCfg.ListenAddr = ":8080"
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Backend:        cfg.Model.Backend,
		SampleRatio:    cfg.Server.TraceSampleRatio,
		Registerer:     prometheus.DefaultRegisterer,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Scorer ────────────────────────────────────────────────────────────────
	seg, checks, err := buildSegmenter(cfg.Model, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build scorer", "err", err)
		return 1
	}
	defer func() {
		if err := seg.Close(); err != nil {
			slog.Warn("scorer close error", "err", err)
		}
	}()

	hh := health.New(checks...)
	maxBody := cfg.Server.MaxBodyBytes
	if maxBody == 0 {
		maxBody = config.DefaultMaxBodyBytes
	}
	srv := server.New(seg,
		server.WithDefaults(cfg.Segmentation.Segmenter()),
		server.WithMaxBodyBytes(maxBody),
		server.WithHealth(hh),
	)

	// ── Hot reload ────────────────────────────────────────────────────────────
	if configPath != "" {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		w, err := config.NewWatcher(configPath, func(d config.ConfigDiff, _ *config.Config) {
			applyReload(d, level, srv)
		}, config.WithReloadSignal(hup))
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		go w.Run(ctx)
	}

	slog.Info("voxseg serving",
		"version", version,
		"listen_addr", srvCfg.ListenAddr,
		"backend", cfg.Model.Backend,
		"tls", srvCfg.TLS != nil,
	)
	if err := srv.ListenAndServe(ctx, srvCfg); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload pushes the hot-reloadable parts of a config change into the
// running process and warns about the rest.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, srv *server.Server) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SegmentationChanged {
		if err := srv.SetDefaults(d.NewSegmentation); err != nil {
			slog.Warn("ignoring reloaded segmentation settings", "err", err)
		} else {
			slog.Info("segmentation defaults reloaded",
				"threshold", d.NewSegmentation.Threshold,
				"neg_threshold", d.NewSegmentation.EffectiveNegThreshold(),
			)
		}
	}
	for _, field := range d.RestartRequired {
		slog.Warn("setting changed; restart to apply", "field", field)
	}
}
