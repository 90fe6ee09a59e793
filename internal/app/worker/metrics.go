package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics defines metrics operations needed by the worker.
type WorkerMetrics interface {
	// Job metrics
	IncJobsProcessed(ctx context.Context)
	IncJobErrors(ctx context.Context)
	IncJobsUnprocessable(ctx context.Context)
	ObserveJobDuration(ctx context.Context, d time.Duration)
	ObserveJobCount(ctx context.Context, count uint64)

	// Session metrics
	IncSessions(ctx context.Context)
	IncReconnects(ctx context.Context)
}

// workerMetrics implements WorkerMetrics
type workerMetrics struct {
	jobsProcessed     metric.Int64Counter
	jobErrors         metric.Int64Counter
	jobsUnprocessable metric.Int64Counter
	jobDuration       metric.Float64Histogram
	jobCount          metric.Int64Histogram

	sessions   metric.Int64Counter
	reconnects metric.Int64Counter
}

const namespace = "worker"

// NewWorkerMetrics creates the worker's instruments on mp.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.jobsProcessed, err = meter.Int64Counter(
		"jobs_processed_total",
		metric.WithDescription("Total number of jobs answered with a result"),
	); err != nil {
		return nil, err
	}

	if m.jobErrors, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that failed and were handed back"),
	); err != nil {
		return nil, err
	}

	if m.jobsUnprocessable, err = meter.Int64Counter(
		"jobs_unprocessable_total",
		metric.WithDescription("Total number of jobs answered with zero because they cannot be processed"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time taken to process each job"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.jobCount, err = meter.Int64Histogram(
		"job_result_count",
		metric.WithDescription("Count reported for each job"),
	); err != nil {
		return nil, err
	}

	if m.sessions, err = meter.Int64Counter(
		"sessions_total",
		metric.WithDescription("Total number of coordinator sessions established"),
	); err != nil {
		return nil, err
	}

	if m.reconnects, err = meter.Int64Counter(
		"reconnects_total",
		metric.WithDescription("Total number of reconnects after a lost session"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncJobsProcessed(ctx context.Context)     { m.jobsProcessed.Add(ctx, 1) }
func (m *workerMetrics) IncJobErrors(ctx context.Context)         { m.jobErrors.Add(ctx, 1) }
func (m *workerMetrics) IncJobsUnprocessable(ctx context.Context) { m.jobsUnprocessable.Add(ctx, 1) }

func (m *workerMetrics) ObserveJobDuration(ctx context.Context, d time.Duration) {
	m.jobDuration.Record(ctx, d.Seconds())
}

func (m *workerMetrics) ObserveJobCount(ctx context.Context, count uint64) {
	m.jobCount.Record(ctx, int64(count))
}

func (m *workerMetrics) IncSessions(ctx context.Context)   { m.sessions.Add(ctx, 1) }
func (m *workerMetrics) IncReconnects(ctx context.Context) { m.reconnects.Add(ctx, 1) }
