// Package batch segments many WAV files with a bounded worker pool.
//
// Files are decoded with [audio.DecodeWAV] and handed to a [Segmenter]. The
// [config.FailurePolicy] decides what happens when one file fails: with
// [config.FailureSkip] the error is stored in that file's [Result] and the
// run continues; with [config.FailureAbort] the remaining files are cancelled
// and [Runner.Run] returns the first error.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/pkg/audio"
	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// Segmenter is the subset of [segmenter.Segmenter] used by the runner.
type Segmenter interface {
	SegmentBuffer(ctx context.Context, buf audio.Buffer, cfg *segmenter.Config) ([]segmenter.Segment, error)
}

// Result is the outcome for one input file.
type Result struct {
	Path       string
	SampleRate int
	Samples    int

	// Segments is nil when Err is set.
	Segments []segmenter.Segment

	// Err is the decode or segmentation failure, if any.
	Err error
}

// Runner segments files concurrently. A Runner may be reused; it holds no
// per-run state.
type Runner struct {
	seg     Segmenter
	cfg     segmenter.Config
	workers int
	policy  config.FailurePolicy
	metrics *observe.Metrics
	logger  *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Runner)

// WithConfig sets the segmentation parameters used for every file.
func WithConfig(cfg segmenter.Config) Option {
	return func(r *Runner) { r.cfg = cfg }
}

// WithWorkers sets the number of files processed at once. Values below one
// mean one worker per CPU.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithFailurePolicy sets the policy applied when a file fails.
func WithFailurePolicy(p config.FailurePolicy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New returns a Runner that segments with seg.
func New(seg Segmenter, opts ...Option) *Runner {
	r := &Runner{
		seg:    seg,
		cfg:    segmenter.DefaultConfig(),
		policy: config.FailureSkip,
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers < 1 {
		r.workers = runtime.GOMAXPROCS(0)
	}
	if r.policy == "" {
		r.policy = config.FailureSkip
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run segments every path and returns one [Result] per path, in input order.
//
// Under [config.FailureAbort] the first failure cancels the files that have
// not finished yet and is returned wrapped with its path; the results of files
// that completed before it are still filled in. Under [config.FailureSkip] Run
// only returns an error when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, path := range paths {
		results[i].Path = path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return err
			}
			r.process(gctx, &results[i])
			if results[i].Err != nil && r.policy == config.FailureAbort {
				return fmt.Errorf("batch: %s: %w", path, results[i].Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (r *Runner) process(ctx context.Context, res *Result) {
	done := r.metrics.TrackActive(ctx)
	defer done()
	ctx, span := observe.StartSegmentation(ctx, "batch", res.Path)

	start := time.Now()
	buf, err := DecodeFile(res.Path)
	if err == nil {
		res.SampleRate = buf.SampleRate
		res.Samples = buf.Frames()
		res.Segments, err = r.seg.SegmentBuffer(ctx, buf, &r.cfg)
	}
	res.Err = err
	observe.EndSegmentation(span, err, res.Samples, len(res.Segments))

	r.metrics.RecordSegmentation(ctx, "batch", err, time.Since(start), res.Samples, len(res.Segments), res.SampleRate)
	r.metrics.RecordBatchFile(ctx, observe.SegmentStatus(err))

	if err != nil {
		r.logger.WarnContext(ctx, "batch: file failed", "path", res.Path, "err", err)
		return
	}
	r.logger.DebugContext(ctx, "batch: file segmented",
		"path", res.Path,
		"segments", len(res.Segments),
		"elapsed", time.Since(start),
	)
}

// DecodeFile reads a WAV file from disk. Decode failures wrap
// [segmenter.ErrInputValidation] so that they are classified as bad input.
func DecodeFile(path string) (audio.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Buffer{}, err
	}
	defer f.Close()

	buf, err := audio.DecodeWAV(f)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %w", segmenter.ErrInputValidation, err)
	}
	return buf, nil
}
