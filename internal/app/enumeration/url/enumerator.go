// Package url loads the list of work items from a remote newline-delimited
// file.
package url

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/pkg/common/logger"
)

// ErrListFetch is returned when the item list cannot be retrieved.
var ErrListFetch = errors.New("item list fetch failed")

// Config controls list retrieval.
type Config struct {
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxElapsed bounds all attempts. Zero means a single attempt.
	MaxElapsed time.Duration
}

// Enumerator fetches the item list for a run.
type Enumerator struct {
	cfg    Config
	client *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEnumerator constructs a new enumerator for URL-based item lists.
func NewEnumerator(cfg Config, log *logger.Logger, tracer trace.Tracer, tp trace.TracerProvider) *Enumerator {
	return &Enumerator{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
		},
		logger: log.With("component", "url_enumerator"),
		tracer: tracer,
	}
}

// Enumerate downloads listURL and returns one item per non-blank line, in
// file order. Transport errors and 5xx responses are retried.
func (e *Enumerator) Enumerate(ctx context.Context, listURL string) ([]work.Item, error) {
	ctx, span := e.tracer.Start(ctx, "url_enumerator.enumerate",
		trace.WithAttributes(attribute.String("list_url", listURL)))
	defer span.End()

	var (
		items    []work.Item
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		items, err = e.fetch(ctx, listURL)
		if err != nil {
			e.logger.Warn(ctx, "item list fetch attempt failed",
				"list_url", listURL, "attempt", attempts, "error", err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if e.cfg.MaxElapsed > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 250 * time.Millisecond
		exp.MaxElapsedTime = e.cfg.MaxElapsed
		b = exp
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enumeration failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrListFetch, listURL, err)
	}

	span.AddEvent("items_parsed", trace.WithAttributes(attribute.Int("items.count", len(items))))
	e.logger.Info(ctx, "item list loaded", "list_url", listURL, "items", len(items), "attempts", attempts)
	return items, nil
}

func (e *Enumerator) fetch(ctx context.Context, listURL string) ([]work.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("non-2xx response code %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	items, err := work.ParseList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading item list: %w", err)
	}
	return items, nil
}
