package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zombor/ocr-agent/internal/metrics"
	"github.com/zombor/ocr-agent/internal/scanning"
	"github.com/zombor/ocr-agent/internal/sink"
)

// Scanner extracts and classifies document text
type Scanner interface {
	ExtractText(ctx context.Context, img scanning.Image) (string, error)
	Classify(ctx context.Context, rawText string) (scanning.Result, error)
}

// Service runs the extract, classify and route pipeline for one image at a
// time. It is safe for concurrent use when its scanner and store are.
type Service struct {
	scanner Scanner
	router  *Router
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   TimeSource
}

// NewService creates a Service with the local clock and default logger
func NewService(scanner Scanner, store sink.Store, sinkTimeout time.Duration, m *metrics.Metrics) *Service {
	return NewServiceWithDeps(scanner, store, sinkTimeout, m, &defaultTimeSource{}, slog.Default())
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(scanner Scanner, store sink.Store, sinkTimeout time.Duration, m *metrics.Metrics, clock TimeSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = &defaultTimeSource{}
	}
	return &Service{
		scanner: scanner,
		router: NewRouter(
			NewExpenseHandler(store, sinkTimeout, clock),
			NewLogHandler(store, sinkTimeout, clock),
		),
		metrics: m,
		logger:  logger,
		clock:   clock,
	}
}

// Process extracts text from the image, classifies it and appends one row
// to the matching table. Any failure aborts the run before a row is written,
// and no partial result is returned.
func (s *Service) Process(ctx context.Context, input ImageInput) (RoutedResult, error) {
	start := s.clock.Now()
	source := input.Provenance()

	result, err := s.process(ctx, input)
	elapsed := s.clock.Now().Sub(start)
	if err != nil {
		code, _ := ErrorCode(err)
		s.metrics.RecordRun(string(source), code, elapsed)
		s.logger.Error("Pipeline run failed",
			"source", source,
			"file", input.Name(),
			"size", input.Size(),
			"code", code,
			"error", err,
		)
		return RoutedResult{}, err
	}

	s.metrics.RecordRun(string(source), string(result.Action), elapsed)
	s.logger.Info("Pipeline run complete",
		"source", source,
		"action", result.Action,
		"tab", result.Tab,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

func (s *Service) process(ctx context.Context, input ImageInput) (RoutedResult, error) {
	step := s.clock.Now()
	rawText, err := s.scanner.ExtractText(ctx, input.image())
	s.metrics.RecordUpstreamCall("extract", s.clock.Now().Sub(step))
	if err != nil {
		return RoutedResult{}, err
	}

	step = s.clock.Now()
	parsed, err := s.scanner.Classify(ctx, rawText)
	s.metrics.RecordUpstreamCall("classify", s.clock.Now().Sub(step))
	if err != nil {
		return RoutedResult{}, err
	}
	if parsed.Degraded() {
		s.metrics.RecordDegraded()
	}

	routed, err := s.router.Route(ctx, parsed.Classification, rawText, input.Provenance())
	if err != nil {
		return RoutedResult{}, err
	}

	routed.RawText = rawText
	routed.Classification = parsed.Classification
	return routed, nil
}

// ErrorCode names the failure category of err and whether it is a known one
func ErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrBadInput):
		return "bad_input", true
	case errors.Is(err, scanning.ErrUpstreamTimeout):
		return "upstream_timeout", true
	case errors.Is(err, scanning.ErrUpstreamUnavailable):
		return "upstream_unavailable", true
	case errors.Is(err, scanning.ErrUpstreamError):
		return "upstream_error", true
	case errors.Is(err, sink.ErrWrite):
		return "sink_write_error", true
	}
	return "internal_error", false
}
