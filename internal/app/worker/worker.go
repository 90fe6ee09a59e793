// Package worker implements the worker process: it connects to a
// coordinator, answers each job frame with one result frame, and
// reconnects when the session is lost.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/internal/infra/messaging/protocol"
	"github.com/ahrav/tally/pkg/common/logger"
)

var (
	// ErrConnect is returned when no session could be established within
	// the reconnect budget.
	ErrConnect = errors.New("cannot connect to coordinator")

	// ErrProcessing wraps a job failure that ended the session.
	ErrProcessing = errors.New("job processing failed")
)

// DefaultReconnectMaxElapsed bounds (re)connect attempts when unset.
const DefaultReconnectMaxElapsed = time.Minute

// Processor computes the count for one item.
type Processor interface {
	Process(ctx context.Context, itemID string) (uint64, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, itemID string) (uint64, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, itemID string) (uint64, error) {
	return f(ctx, itemID)
}

// Config controls the worker's connection handling.
type Config struct {
	// Addr is the coordinator's host:port.
	Addr string
	// MaxFrameBytes bounds job frame payloads.
	MaxFrameBytes uint64
	// FrameTimeout bounds how long a partially received frame may stall.
	FrameTimeout time.Duration
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// ReconnectMaxElapsed bounds the time spent trying to (re)connect.
	ReconnectMaxElapsed time.Duration
}

// Worker serves jobs from one coordinator.
type Worker struct {
	id        string
	cfg       Config
	processor Processor

	metrics WorkerMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New creates a worker. id only labels logs and spans.
func New(
	id string,
	cfg Config,
	processor Processor,
	metrics WorkerMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Worker {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectMaxElapsed <= 0 {
		cfg.ReconnectMaxElapsed = DefaultReconnectMaxElapsed
	}
	return &Worker{
		id:        id,
		cfg:       cfg,
		processor: processor,
		metrics:   metrics,
		logger:    log.With("component", "worker", "worker_id", id, "coordinator", cfg.Addr),
		tracer:    tracer,
	}
}

// Run serves sessions until the coordinator closes an idle session, which
// means all work is done and Run returns nil. A lost session is followed by
// a reconnect. Run fails with ErrConnect once reconnecting exceeds its
// budget, or with the context's error when ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for sessions := 0; ; sessions++ {
		conn, err := w.connect(ctx)
		if err != nil {
			return err
		}
		if sessions > 0 {
			w.metrics.IncReconnects(ctx)
		}
		w.metrics.IncSessions(ctx)

		err = w.serve(ctx, conn)
		_ = conn.Close()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err == nil {
			w.logger.Info(ctx, "coordinator closed the session, all work done")
			return nil
		}
		w.logger.Warn(ctx, "session lost, reconnecting", "error", err)
	}
}

func (w *Worker) connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: w.cfg.DialTimeout}

	var (
		conn     net.Conn
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", w.cfg.Addr)
		if err != nil {
			w.logger.Debug(ctx, "connect attempt failed", "attempt", attempts, "error", err)
		}
		return err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	expBackoff.MaxElapsedTime = w.cfg.ReconnectMaxElapsed

	if err := backoff.Retry(op, backoff.WithContext(expBackoff, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w at %s after %d attempts: %w", ErrConnect, w.cfg.Addr, attempts, err)
	}

	w.logger.Info(ctx, "connected to coordinator", "local_addr", conn.LocalAddr().String(), "attempts", attempts)
	return conn, nil
}

// serve runs one session. It returns nil when the coordinator closes the
// connection between jobs.
func (w *Worker) serve(ctx context.Context, conn net.Conn) error {
	// Closing the connection is what unblocks a pending read on cancel.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	dec := protocol.NewDecoder(conn,
		protocol.WithMaxPayload(w.cfg.MaxFrameBytes),
		protocol.WithBodyTimeout(w.cfg.FrameTimeout),
	)
	enc := protocol.NewEncoder(conn)

	for {
		job, err := dec.ReadJob()
		if errors.Is(err, protocol.ErrPeerClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading job: %w", err)
		}

		count, err := w.process(ctx, job)
		if err != nil {
			return err
		}

		if err := enc.WriteResult(count); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, job string) (uint64, error) {
	ctx, span := w.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("worker_id", w.id),
			attribute.String("item", job),
		))
	defer span.End()

	start := time.Now()
	count, err := w.processor.Process(ctx, job)
	w.metrics.ObserveJobDuration(ctx, time.Since(start))

	switch {
	case err == nil:
	case errors.Is(err, work.ErrUnprocessable):
		// Answered with zero; the item is not handed back.
		span.RecordError(err)
		w.metrics.IncJobsUnprocessable(ctx)
		w.logger.Error(ctx, "item cannot be processed, reporting zero", "item", job, "error", err)
		count = 0
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		w.metrics.IncJobErrors(ctx)
		// Dropping the session hands the item back to the coordinator.
		return 0, fmt.Errorf("%w: %s: %w", ErrProcessing, job, err)
	}

	w.metrics.IncJobsProcessed(ctx)
	w.metrics.ObserveJobCount(ctx, count)
	span.SetAttributes(attribute.Int64("count", int64(count)))
	w.logger.Debug(ctx, "job processed", "item", job, "count", count, "duration", time.Since(start))
	return count, nil
}
