// Package silero provides a vad.Scorer backed by the Silero VAD ONNX model
// running in ONNX Runtime.
//
// The ONNX Runtime shared library is loaded once per process. Its location is
// taken from [WithSharedLibraryPath] on the first successful call to [New];
// later calls reuse the environment and ignore the option. When unset the
// platform default library name is used.
package silero

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// Execution provider names accepted by [WithProviders].
const (
	ProviderCPU      = "cpu"
	ProviderCUDA     = "cuda"
	ProviderCoreML   = "coreml"
	ProviderDirectML = "directml"
)

// Model tensor names.
const (
	inputName    = "input"
	stateName    = "state"
	srName       = "sr"
	outputName   = "output"
	stateOutName = "stateN"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the ONNX Runtime library exactly once.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("silero: initialise onnxruntime: %w", err)
		}
	})
	return envErr
}

// Compile-time assertions.
var (
	_ vad.Scorer              = (*Scorer)(nil)
	_ vad.ConcurrencyReporter = (*Scorer)(nil)
)

// Scorer implements vad.Scorer with an ONNX Runtime session. The session is
// created once and reused for every Score call.
type Scorer struct {
	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
}

type options struct {
	libPath        string
	providers      []string
	intraOpThreads int
}

// Option is a functional option for configuring a Scorer.
type Option func(*options)

// WithSharedLibraryPath sets the path of the ONNX Runtime shared library.
func WithSharedLibraryPath(path string) Option {
	return func(o *options) { o.libPath = path }
}

// WithProviders sets the execution providers in order of preference. CPU is
// always available as the final fallback and need not be listed.
func WithProviders(names ...string) Option {
	return func(o *options) { o.providers = names }
}

// WithIntraOpThreads limits the number of threads used inside a single
// operator. Zero keeps the runtime default.
func WithIntraOpThreads(n int) Option {
	return func(o *options) { o.intraOpThreads = n }
}

// ParseProviders normalises execution provider names and rejects unknown
// ones. Duplicates are removed; order is preserved.
func ParseProviders(names []string) ([]string, error) {
	var out []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		switch n {
		case ProviderCPU, ProviderCUDA, ProviderCoreML, ProviderDirectML:
		case "":
			continue
		default:
			return nil, fmt.Errorf("silero: unknown execution provider %q", n)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// New loads the model at modelPath. The caller must call Close when the
// Scorer is no longer needed.
func New(modelPath string, opts ...Option) (*Scorer, error) {
	if modelPath == "" {
		return nil, errors.New("silero: modelPath must not be empty")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.intraOpThreads < 0 {
		return nil, fmt.Errorf("silero: intra-op threads must not be negative, got %d", o.intraOpThreads)
	}
	providers, err := ParseProviders(o.providers)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model %q: %w", modelPath, err)
	}
	if err := initEnvironment(o.libPath); err != nil {
		return nil, err
	}

	so, err := sessionOptions(o.intraOpThreads, providers)
	if err != nil {
		return nil, err
	}
	defer so.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputName, stateName, srName},
		[]string{outputName, stateOutName},
		so)
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", modelPath, err)
	}
	return &Scorer{session: session}, nil
}

func sessionOptions(intraOp int, providers []string) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("silero: session options: %w", err)
	}
	// Graph optimisation is left at the runtime default, which enables all
	// levels.
	fail := func(step string, err error) (*ort.SessionOptions, error) {
		so.Destroy()
		return nil, fmt.Errorf("silero: %s: %w", step, err)
	}

	if err := so.SetCpuMemArena(true); err != nil {
		return fail("enable memory arena", err)
	}
	if err := so.SetMemPattern(true); err != nil {
		return fail("enable memory pattern", err)
	}
	if intraOp > 0 {
		if err := so.SetIntraOpNumThreads(intraOp); err != nil {
			return fail("set intra-op threads", err)
		}
	}

	for _, p := range providers {
		var err error
		switch p {
		case ProviderCUDA:
			err = appendCUDA(so)
		case ProviderCoreML:
			err = so.AppendExecutionProviderCoreML(0)
		case ProviderDirectML:
			err = so.AppendExecutionProviderDirectML(0)
		}
		if err != nil {
			return fail("enable "+p+" provider", err)
		}
	}
	return so, nil
}

func appendCUDA(so *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	return so.AppendExecutionProviderCUDA(cuda)
}

// Score runs one model step.
func (s *Scorer) Score(_ context.Context, in vad.Input) (vad.Output, error) {
	if err := in.Validate(); err != nil {
		return vad.Output{}, err
	}
	batch := int64(in.BatchSize)

	var values []ort.Value
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()

	input, err := ort.NewTensor(ort.NewShape(batch, int64(in.FrameSize)), slices.Clone(in.Frames))
	if err != nil {
		return vad.Output{}, fmt.Errorf("silero: input tensor: %w", err)
	}
	values = append(values, input)

	state, err := ort.NewTensor(ort.NewShape(vad.StatePlanes, batch, vad.StateFeatures), slices.Clone(in.State))
	if err != nil {
		return vad.Output{}, fmt.Errorf("silero: state tensor: %w", err)
	}
	values = append(values, state)

	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(in.SampleRate)})
	if err != nil {
		return vad.Output{}, fmt.Errorf("silero: sample rate tensor: %w", err)
	}
	values = append(values, sr)

	probs, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, 1))
	if err != nil {
		return vad.Output{}, fmt.Errorf("silero: output tensor: %w", err)
	}
	values = append(values, probs)

	stateOut, err := ort.NewEmptyTensor[float32](ort.NewShape(vad.StatePlanes, batch, vad.StateFeatures))
	if err != nil {
		return vad.Output{}, fmt.Errorf("silero: state output tensor: %w", err)
	}
	values = append(values, stateOut)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return vad.Output{}, errors.New("silero: scorer is closed")
	}
	if err := s.session.Run([]ort.Value{input, state, sr}, []ort.Value{probs, stateOut}); err != nil {
		return vad.Output{}, fmt.Errorf("silero: run: %w", err)
	}

	return vad.Output{
		Probabilities: slices.Clone(probs.GetData()),
		State:         slices.Clone(stateOut.GetData()),
	}, nil
}

// ConcurrentSafe reports true: ONNX Runtime sessions accept concurrent Run
// calls and the recurrent state is passed in on every call.
func (s *Scorer) ConcurrentSafe() bool { return true }

// Close releases the ONNX Runtime session. Calling Close more than once is
// safe.
func (s *Scorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

// NewSegmenter loads the model at modelPath with the given execution
// providers and returns a Segmenter that owns it.
func NewSegmenter(modelPath string, providers []string, opts ...segmenter.Option) (*segmenter.Segmenter, error) {
	sc, err := New(modelPath, WithProviders(providers...))
	if err != nil {
		return nil, err
	}
	return segmenter.New(sc, opts...), nil
}
