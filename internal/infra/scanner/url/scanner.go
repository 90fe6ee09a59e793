// Package url counts matching rows in remote tab-separated files.
package url

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/pkg/common"
	"github.com/ahrav/tally/pkg/common/logger"
)

// urlColumn is the zero-based column holding the URL in each row.
const urlColumn = 1

// ErrFetch is returned when a file could not be downloaded.
var ErrFetch = errors.New("fetch failed")

// Config controls how files are fetched.
type Config struct {
	// Timeout bounds a single HTTP attempt, including reading the body.
	Timeout time.Duration
	// MaxElapsed bounds all attempts for one file. Zero means one attempt.
	MaxElapsed time.Duration
	// RPS and Burst limit the request rate. RPS <= 0 disables limiting.
	RPS   float64
	Burst int
}

// Scanner downloads one file per item and counts rows whose URL column
// satisfies its Matcher.
type Scanner struct {
	cfg     Config
	client  *http.Client
	limiter *common.RateLimiter
	matcher Matcher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a scanner. Outgoing requests are traced through
// otelhttp using tp.
func NewScanner(cfg Config, matcher Matcher, log *logger.Logger, tracer trace.Tracer, tp trace.TracerProvider) *Scanner {
	return &Scanner{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
		},
		limiter: common.NewRateLimiter(cfg.RPS, cfg.Burst),
		matcher: matcher,
		logger:  log.With("component", "url_scanner"),
		tracer:  tracer,
	}
}

// Process fetches the file named by itemID and returns the number of
// matching rows. Transport errors and 5xx responses are retried. Malformed
// URLs and other non-2xx responses fail immediately with an error wrapping
// work.ErrUnprocessable.
func (s *Scanner) Process(ctx context.Context, itemID string) (uint64, error) {
	logr := logger.NewLoggerContext(s.logger.With("url", itemID))
	ctx, span := s.tracer.Start(ctx, "url_scanner.process",
		trace.WithAttributes(attribute.String("url", itemID)))
	defer span.End()

	start := time.Now()
	var (
		count    uint64
		attempts int
	)
	op := func() error {
		attempts++
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var err error
		count, err = s.fetchAndCount(ctx, itemID)
		if err != nil {
			logr.Debug(ctx, "fetch attempt failed", "attempt", attempts, "error", err)
		}
		return err
	}

	if err := backoff.Retry(op, s.retryPolicy(ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process failed")
		logr.Add("attempts", attempts)
		logr.Warn(ctx, "giving up on file", "error", err)
		return 0, fmt.Errorf("%w: %s: %w", ErrFetch, itemID, err)
	}

	span.SetAttributes(
		attribute.Int64("rows.matched", int64(count)),
		attribute.Int("attempts", attempts),
	)
	span.SetStatus(codes.Ok, "processed")
	logr.Debug(ctx, "file processed", "count", count, "duration", time.Since(start))
	return count, nil
}

func (s *Scanner) retryPolicy(ctx context.Context) backoff.BackOff {
	if s.cfg.MaxElapsed <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.cfg.MaxElapsed
	return backoff.WithContext(b, ctx)
}

func (s *Scanner) fetchAndCount(ctx context.Context, url string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: creating request: %w", work.ErrUnprocessable, err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return 0, fmt.Errorf("non-2xx response code %d", resp.StatusCode)
		}
		return 0, backoff.Permanent(fmt.Errorf("%w: response code %d", work.ErrUnprocessable, resp.StatusCode))
	}

	count, err := CountMatches(resp.Body, s.matcher)
	if err != nil {
		return 0, fmt.Errorf("reading body: %w", err)
	}
	return count, nil
}

// CountMatches reads newline-separated rows of tab-separated columns and
// counts the rows whose URL column satisfies m. A final row without a
// trailing newline is still counted.
func CountMatches(r io.Reader, m Matcher) (uint64, error) {
	br := bufio.NewReader(r)
	var count uint64
	for {
		row, err := br.ReadString('\n')
		if len(row) > 0 && matchRow(row, m) {
			count++
		}
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
	}
}

func matchRow(row string, m Matcher) bool {
	row = strings.TrimRight(row, "\r\n")
	for i := 0; i < urlColumn; i++ {
		_, rest, ok := strings.Cut(row, "\t")
		if !ok {
			return false
		}
		row = rest
	}
	column, _, _ := strings.Cut(row, "\t")
	return m.Match(column)
}
