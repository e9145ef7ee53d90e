package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/pkg/audio"
	"github.com/MrWong99/voxseg/pkg/provider/vad/energy"
	"github.com/MrWong99/voxseg/pkg/provider/vad/mock"
	"github.com/MrWong99/voxseg/pkg/segmenter"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeWAV writes samples as a 16 kHz mono WAV file in dir.
func writeWAV(t *testing.T, dir, name string, samples []float32) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	if err := audio.EncodeWAV(f, audio.Buffer{Samples: samples, Channels: 1, SampleRate: 16000}); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	return path
}

// burst returns three seconds of silence with a ±0.5 square wave between
// samples 16000 and 32000.
func burst() []float32 {
	w := make([]float32, 48000)
	for i := 16000; i < 32000; i++ {
		if i%2 == 0 {
			w[i] = 0.5
		} else {
			w[i] = -0.5
		}
	}
	return w
}

func energySegmenter(t *testing.T) *segmenter.Segmenter {
	t.Helper()
	sc, err := energy.New()
	if err != nil {
		t.Fatalf("energy.New: %v", err)
	}
	return segmenter.New(sc, segmenter.WithLogger(quietLogger()))
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newRunner(t *testing.T, seg Segmenter, opts ...Option) *Runner {
	t.Helper()
	m, _ := testMetrics(t)
	return New(seg, append([]Option{WithMetrics(m), WithLogger(quietLogger())}, opts...)...)
}

func TestNew_Defaults(t *testing.T) {
	r := New(energySegmenter(t), WithWorkers(0), WithFailurePolicy(""))
	if r.workers != runtime.GOMAXPROCS(0) {
		t.Errorf("workers = %d, want GOMAXPROCS", r.workers)
	}
	if r.policy != config.FailureSkip {
		t.Errorf("policy = %q, want skip", r.policy)
	}
	if r.metrics != observe.DefaultMetrics() {
		t.Error("metrics should default to DefaultMetrics")
	}
}

func TestRun_SegmentsFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeWAV(t, dir, "a.wav", burst()),
		writeWAV(t, dir, "b.wav", make([]float32, 16000)),
		writeWAV(t, dir, "c.wav", burst()),
	}

	results, err := newRunner(t, energySegmenter(t), WithWorkers(2)).Run(context.Background(), paths)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	want := [][]segmenter.Segment{
		{{Start: 15392, End: 32736}},
		{},
		{{Start: 15392, End: 32736}},
	}
	for i, res := range results {
		if res.Path != paths[i] {
			t.Errorf("results[%d].Path = %q, want %q", i, res.Path, paths[i])
		}
		if res.Err != nil {
			t.Errorf("results[%d].Err = %v", i, res.Err)
		}
		if res.SampleRate != 16000 {
			t.Errorf("results[%d].SampleRate = %d", i, res.SampleRate)
		}
		if !slices.Equal(res.Segments, want[i]) {
			t.Errorf("results[%d].Segments = %v, want %v", i, res.Segments, want[i])
		}
	}
	if results[0].Samples != 48000 {
		t.Errorf("Samples = %d, want 48000", results[0].Samples)
	}
}

func TestRun_SkipPolicyContinues(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wav")
	if err := os.WriteFile(bad, []byte("not a wav file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := writeWAV(t, dir, "good.wav", burst())
	missing := filepath.Join(dir, "missing.wav")

	results, err := newRunner(t, energySegmenter(t), WithFailurePolicy(config.FailureSkip)).
		Run(context.Background(), []string{bad, good, missing})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !errors.Is(results[0].Err, segmenter.ErrInputValidation) {
		t.Errorf("bad file error = %v, want ErrInputValidation", results[0].Err)
	}
	if !errors.Is(results[0].Err, audio.ErrInvalidWAV) {
		t.Errorf("bad file error = %v, want ErrInvalidWAV", results[0].Err)
	}
	if results[0].Segments != nil {
		t.Errorf("failed file has segments %v", results[0].Segments)
	}
	if results[1].Err != nil || len(results[1].Segments) != 1 {
		t.Errorf("good file = %+v", results[1])
	}
	if !errors.Is(results[2].Err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want ErrNotExist", results[2].Err)
	}
}

func TestRun_AbortPolicyStops(t *testing.T) {
	dir := t.TempDir()
	first := writeWAV(t, dir, "first.wav", burst())
	second := writeWAV(t, dir, "second.wav", burst())

	sc := &mock.Scorer{ScoreErr: errors.New("device lost"), ErrAtCall: 0}
	seg := segmenter.New(sc, segmenter.WithLogger(quietLogger()))

	results, err := newRunner(t, seg, WithWorkers(1), WithFailurePolicy(config.FailureAbort)).
		Run(context.Background(), []string{first, second})
	if !errors.Is(err, segmenter.ErrInference) {
		t.Fatalf("Run error = %v, want ErrInference", err)
	}
	if !strings.Contains(err.Error(), first) {
		t.Errorf("error %q does not name the failing file", err)
	}
	if !errors.Is(results[1].Err, context.Canceled) {
		t.Errorf("second file error = %v, want context.Canceled", results[1].Err)
	}
	if got := len(sc.Calls()); got != 1 {
		t.Errorf("scorer called %d times, want 1", got)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeWAV(t, dir, "a.wav", burst())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := newRunner(t, energySegmenter(t)).Run(ctx, []string{path})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("result error = %v, want context.Canceled", results[0].Err)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wav")
	if err := os.WriteFile(bad, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := writeWAV(t, dir, "good.wav", burst())

	m, reader := testMetrics(t)
	r := New(energySegmenter(t), WithMetrics(m), WithLogger(quietLogger()))
	if _, err := r.Run(context.Background(), []string{good, bad}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxseg.batch.files" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("status"))
				counts[v.AsString()] += dp.Value
			}
		}
	}
	if counts[observe.StatusOK] != 1 || counts[observe.StatusInputError] != 1 {
		t.Errorf("batch.files by status = %v, want ok=1 input_error=1", counts)
	}
}
