// Package server exposes segmentation over HTTP.
//
// Routes:
//
//	POST /v1/segment   audio body → JSON segments
//	GET  /v1/config    effective default segmentation parameters
//	GET  /healthz      liveness
//	GET  /readyz       readiness (scorer probe, draining state)
//	GET  /metrics      Prometheus scrape endpoint
//
// The request body is a WAV file by default. With ?encoding=pcm16 it is raw
// little-endian 16-bit mono PCM at ?sample_rate (default 16000). Query
// parameters override the server's default segmentation parameters for one
// request. Defaults can be replaced at runtime with [Server.SetDefaults], which
// is how configuration hot-reload reaches the service.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/health"
	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/pkg/audio"
	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// errBadRequest marks malformed request parameters.
var errBadRequest = errors.New("server: bad request")

// Segmenter is the subset of [segmenter.Segmenter] used by the server.
type Segmenter interface {
	SegmentBuffer(ctx context.Context, buf audio.Buffer, cfg *segmenter.Config) ([]segmenter.Segment, error)
}

// Server handles segmentation requests. Create it with [New].
type Server struct {
	seg      Segmenter
	defaults atomic.Pointer[segmenter.Config]
	maxBody  int64
	health   *health.Handler
	gatherer prometheus.Gatherer
	metrics  *observe.Metrics
	logger   *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Server)

// WithDefaults sets the segmentation parameters used when a request does not
// override them.
func WithDefaults(cfg segmenter.Config) Option {
	return func(s *Server) { s.defaults.Store(&cfg) }
}

// WithMaxBodyBytes caps the request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithHealth sets the health handler mounted on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithGatherer sets the Prometheus gatherer served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server backed by seg.
func New(seg Segmenter, opts ...Option) *Server {
	s := &Server{seg: seg, maxBody: config.DefaultMaxBodyBytes}
	for _, o := range opts {
		o(s)
	}
	if s.defaults.Load() == nil {
		def := segmenter.DefaultConfig()
		s.defaults.Store(&def)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Defaults returns the current default segmentation parameters.
func (s *Server) Defaults() segmenter.Config {
	return *s.defaults.Load()
}

// SetDefaults atomically replaces the default segmentation parameters.
// In-flight requests keep the parameters they started with.
func (s *Server) SetDefaults(cfg segmenter.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.defaults.Store(&cfg)
	return nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/segment", s.handleSegment)
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return observe.Middleware(s.metrics, s.logger)(mux)
}

// ListenAndServe serves [Server.Handler] on cfg.ListenAddr until ctx is
// cancelled, then marks the health handler as draining and shuts down within
// cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.health.SetDraining(true)
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// segmentJSON is one segment in the response body.
type segmentJSON struct {
	Start     int     `json:"start"`
	End       int     `json:"end"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// segmentResponse is the body of a successful POST /v1/segment.
type segmentResponse struct {
	SampleRate int           `json:"sample_rate"`
	Samples    int           `json:"samples"`
	Duration   float64       `json:"duration"`
	Segments   []segmentJSON `json:"segments"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	done := s.metrics.TrackActive(r.Context())
	defer done()
	ctx, span := observe.StartSegmentation(r.Context(), "http", "")
	log := observe.WithTrace(ctx, s.logger)

	start := time.Now()
	buf, segs, cfg, err := s.segment(w, r.WithContext(ctx))
	observe.EndSegmentation(span, err, buf.Frames(), len(segs))
	s.metrics.RecordSegmentation(ctx, "http", err, time.Since(start), buf.Frames(), len(segs), cfg.SampleRate)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.ErrorContext(ctx, "segment request failed", "err", err)
		} else {
			log.DebugContext(ctx, "segment request rejected", "status", status, "err", err)
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	resp := segmentResponse{
		SampleRate: cfg.SampleRate,
		Samples:    buf.Frames(),
		Duration:   buf.Duration().Seconds(),
		Segments:   make([]segmentJSON, len(segs)),
	}
	if resp.Duration == 0 {
		resp.Duration = float64(resp.Samples) / float64(cfg.SampleRate)
	}
	for i, sg := range segs {
		resp.Segments[i] = segmentJSON{
			Start:     sg.Start,
			End:       sg.End,
			StartTime: sg.StartTime(cfg.SampleRate).Seconds(),
			EndTime:   sg.EndTime(cfg.SampleRate).Seconds(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// segment decodes the request and runs the segmenter. The returned config is
// valid for metrics even when err is set.
func (s *Server) segment(w http.ResponseWriter, r *http.Request) (audio.Buffer, []segmenter.Segment, segmenter.Config, error) {
	cfg, err := applyOverrides(s.Defaults(), r.URL.Query())
	if err != nil {
		return audio.Buffer{}, nil, cfg, err
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		return audio.Buffer{}, nil, cfg, fmt.Errorf("%w: read body: %w", errBadRequest, err)
	}
	buf, err := decodeBody(body, r.URL.Query(), cfg.SampleRate)
	if err != nil {
		return audio.Buffer{}, nil, cfg, err
	}
	// A WAV header is authoritative for the sample rate unless the client
	// asked for one explicitly.
	if !r.URL.Query().Has("sample_rate") && buf.SampleRate > 0 {
		cfg.SampleRate = buf.SampleRate
	}

	segs, err := s.seg.SegmentBuffer(r.Context(), buf, &cfg)
	return buf, segs, cfg, err
}

func decodeBody(body []byte, q url.Values, rate int) (audio.Buffer, error) {
	switch enc := q.Get("encoding"); enc {
	case "", "wav":
		buf, err := audio.DecodeWAV(bytes.NewReader(body))
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("%w: %w", segmenter.ErrInputValidation, err)
		}
		return buf, nil
	case "pcm16":
		samples, err := audio.PCM16ToFloat32(body)
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("%w: %w", segmenter.ErrInputValidation, err)
		}
		return audio.Buffer{Samples: samples, Channels: 1, SampleRate: rate}, nil
	default:
		return audio.Buffer{}, fmt.Errorf("%w: unknown encoding %q", errBadRequest, enc)
	}
}

// applyOverrides returns cfg with any segmentation parameters present in q
// replaced. It does not validate the result; the segmenter does.
func applyOverrides(cfg segmenter.Config, q url.Values) (segmenter.Config, error) {
	floats := []struct {
		key string
		dst *float64
	}{
		{"threshold", &cfg.Threshold},
		{"min_speech_duration_ms", &cfg.MinSpeechDurationMs},
		{"max_speech_duration_s", &cfg.MaxSpeechDurationS},
		{"min_silence_duration_ms", &cfg.MinSilenceDurationMs},
		{"speech_pad_ms", &cfg.SpeechPadMs},
	}
	for _, f := range floats {
		if !q.Has(f.key) {
			continue
		}
		v, err := strconv.ParseFloat(q.Get(f.key), 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", errBadRequest, f.key, err)
		}
		*f.dst = v
	}
	if q.Has("neg_threshold") {
		v, err := strconv.ParseFloat(q.Get("neg_threshold"), 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: neg_threshold: %w", errBadRequest, err)
		}
		cfg.NegThreshold = segmenter.Float64(v)
	}
	if q.Has("sample_rate") {
		v, err := strconv.Atoi(q.Get("sample_rate"))
		if err != nil {
			return cfg, fmt.Errorf("%w: sample_rate: %w", errBadRequest, err)
		}
		cfg.SampleRate = v
	}
	return cfg, nil
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	c := s.Defaults()
	writeJSON(w, http.StatusOK, map[string]any{
		"sample_rate":             c.SampleRate,
		"threshold":               c.Threshold,
		"neg_threshold":           c.EffectiveNegThreshold(),
		"min_speech_duration_ms":  c.MinSpeechDurationMs,
		"max_speech_duration_s":   c.MaxSpeechDurationS,
		"min_silence_duration_ms": c.MinSilenceDurationMs,
		"speech_pad_ms":           c.SpeechPadMs,
	})
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	// An unsupported sample rate matches both sentinels; it is bad input.
	case errors.Is(err, segmenter.ErrInputValidation):
		return http.StatusBadRequest
	case errors.Is(err, segmenter.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
