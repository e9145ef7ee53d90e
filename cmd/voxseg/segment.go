package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/MrWong99/voxseg/internal/batch"
	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/observe"
)

// fileOutput is the JSON shape of one file's result.
type fileOutput struct {
	Path       string          `json:"path"`
	SampleRate int             `json:"sample_rate,omitempty"`
	Segments   []segmentOutput `json:"segments"`
	Error      string          `json:"error,omitempty"`
}

type segmentOutput struct {
	Start     int     `json:"start"`
	End       int     `json:"end"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

func runSegment(ctx context.Context, cfg *config.Config, reg *config.Registry, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("segment", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print results as JSON")
	workers := fs.Int("workers", cfg.Batch.Workers, "files processed at once (0 = one per CPU)")
	policy := fs.String("on-error", string(cfg.Batch.FailurePolicy), "failure policy: skip or abort")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: voxseg segment [-json] [-workers n] [-on-error skip|abort] file.wav...")
		return 2
	}
	if p := config.FailurePolicy(*policy); p != "" && !p.IsValid() {
		fmt.Fprintf(stderr, "voxseg: invalid -on-error %q; valid values: skip, abort\n", *policy)
		return 2
	}

	seg, _, err := buildSegmenter(cfg.Model, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build scorer", "err", err)
		return 1
	}
	defer func() {
		if err := seg.Close(); err != nil {
			slog.Warn("scorer close error", "err", err)
		}
	}()

	runner := batch.New(seg,
		batch.WithConfig(cfg.Segmentation.Segmenter()),
		batch.WithWorkers(*workers),
		batch.WithFailurePolicy(config.FailurePolicy(*policy)),
	)
	results, runErr := runner.Run(ctx, fs.Args())

	if *asJSON {
		err = writeJSONResults(stdout, results)
	} else {
		err = writeTextResults(stdout, results)
	}
	if err != nil {
		slog.Error("failed to write results", "err", err)
		return 1
	}

	if runErr != nil {
		slog.Error("segmentation aborted", "err", runErr)
		return 1
	}
	for _, r := range results {
		if r.Err != nil {
			return 1
		}
	}
	return 0
}

func toOutput(r batch.Result) fileOutput {
	out := fileOutput{Path: r.Path, SampleRate: r.SampleRate, Segments: []segmentOutput{}}
	if r.Err != nil {
		out.Error = r.Err.Error()
		return out
	}
	for _, s := range r.Segments {
		out.Segments = append(out.Segments, segmentOutput{
			Start:     s.Start,
			End:       s.End,
			StartTime: s.StartTime(r.SampleRate).Seconds(),
			EndTime:   s.EndTime(r.SampleRate).Seconds(),
		})
	}
	return out
}

func writeJSONResults(w io.Writer, results []batch.Result) error {
	out := make([]fileOutput, len(results))
	for i, r := range results {
		out[i] = toOutput(r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// writeTextResults prints one line per segment: path, sample range and
// times in seconds. Failed files print their error instead.
func writeTextResults(w io.Writer, results []batch.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		o := toOutput(r)
		if o.Error != "" {
			fmt.Fprintf(tw, "%s\terror: %s\n", o.Path, o.Error)
			continue
		}
		for _, s := range o.Segments {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.3f\t%.3f\n", o.Path, s.Start, s.End, s.StartTime, s.EndTime)
		}
	}
	return tw.Flush()
}
