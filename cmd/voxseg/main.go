// Command voxseg segments 16 kHz mono speech recordings into voiced regions.
//
// Usage:
//
//	voxseg [-config voxseg.yaml] [-backend silero] [-model silero_vad.onnx] segment [-json] a.wav b.wav
//	voxseg [-config voxseg.yaml] serve [-addr :8080]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/voxseg/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// globalFlags are accepted before the subcommand.
type globalFlags struct {
	configPath string
	backend    string
	modelPath  string
	logLevel   string
}

func run(args []string, stdout, stderr io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var gf globalFlags
	fs := flag.NewFlagSet("voxseg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&gf.configPath, "config", "", "path to the YAML configuration file (optional)")
	fs.StringVar(&gf.backend, "backend", "", "scorer backend, overrides model.backend (silero, energy)")
	fs.StringVar(&gf.modelPath, "model", "", "model artifact path, overrides model.path")
	fs.StringVar(&gf.logLevel, "log-level", "", "log level, overrides server.log_level")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: voxseg [flags] <segment|serve> [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(gf)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "voxseg: config file %q not found\n", gf.configPath)
		} else {
			fmt.Fprintf(stderr, "voxseg: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(stderr, level)
	slog.SetDefault(logger)

	// ── Scorer registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "segment":
		return runSegment(ctx, cfg, reg, rest, stdout, stderr)
	case "serve":
		return runServe(ctx, cfg, gf.configPath, reg, level, rest, stderr)
	case "version":
		fmt.Fprintln(stdout, "voxseg", version)
		return 0
	default:
		fmt.Fprintf(stderr, "voxseg: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

// loadConfig reads the config file, if any, and applies command-line
// overrides. Without a file the built-in defaults are used.
func loadConfig(gf globalFlags) (*config.Config, error) {
	cfg := &config.Config{}
	if gf.configPath != "" {
		var err error
		if cfg, err = config.Load(gf.configPath); err != nil {
			return nil, err
		}
	}
	if gf.backend != "" {
		cfg.Model.Backend = gf.backend
	}
	if gf.modelPath != "" {
		cfg.Model.Path = gf.modelPath
	}
	if gf.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(gf.logLevel)
	}
	if cfg.Model.Backend == "" {
		cfg.Model.Backend = "silero"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
