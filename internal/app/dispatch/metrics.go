package dispatch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/tally/internal/infra/messaging/connections"
)

// DispatchMetrics defines metrics operations needed by the dispatcher.
type DispatchMetrics interface {
	// Connection metrics
	connections.RegistryMetrics

	// Work metrics
	IncDispatched(ctx context.Context)
	IncCompleted(ctx context.Context)
	AddRequeued(ctx context.Context, n int)
	ObserveItemResult(ctx context.Context, count uint64)
	SetPending(ctx context.Context, n int)
	SetInFlight(ctx context.Context, n int)

	// Failure metrics, by reason (closed, framing, timeout, send).
	IncWorkerFailures(ctx context.Context, reason string)
}

// Coordinator implements DispatchMetrics with Prometheus collectors.
type Coordinator struct {
	ConnectedWorkers prometheus.Gauge
	WorkersAdmitted  prometheus.Counter
	WorkersRemoved   prometheus.Counter
	StragglerEvents  prometheus.Counter

	ItemsDispatched prometheus.Counter
	ItemsCompleted  prometheus.Counter
	ItemsRequeued   prometheus.Counter
	ItemResults     prometheus.Histogram
	PendingItems    prometheus.Gauge
	InFlightItems   prometheus.Gauge

	WorkerFailures *prometheus.CounterVec // labels: reason
}

const namespace = "coordinator"

// NewMetrics registers the coordinator collectors with reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Coordinator {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Coordinator{
		ConnectedWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_workers",
			Help:      "Number of currently admitted worker connections",
		}),
		WorkersAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_admitted_total",
			Help:      "Total number of worker connections admitted",
		}),
		WorkersRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_removed_total",
			Help:      "Total number of worker connections removed",
		}),
		StragglerEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "straggler_events_total",
			Help:      "Events discarded because their worker was already removed",
		}),

		ItemsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dispatched_total",
			Help:      "Total number of job frames sent to workers",
		}),
		ItemsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_completed_total",
			Help:      "Total number of items whose result was accepted",
		}),
		ItemsRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_requeued_total",
			Help:      "Total number of items returned to the queue after a worker failure",
		}),
		ItemResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_result_count",
			Help:      "Distribution of per-item counts",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),
		PendingItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_items",
			Help:      "Items waiting to be dispatched",
		}),
		InFlightItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_items",
			Help:      "Items sent to a worker and awaiting a result",
		}),

		WorkerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Worker connections dropped, by reason",
		}, []string{"reason"}),
	}
}

func (m *Coordinator) IncConnectedWorkers(context.Context) { m.WorkersAdmitted.Inc() }
func (m *Coordinator) DecConnectedWorkers(context.Context) { m.WorkersRemoved.Inc() }
func (m *Coordinator) SetConnectedWorkers(_ context.Context, n int) {
	m.ConnectedWorkers.Set(float64(n))
}
func (m *Coordinator) IncStragglerEvents(context.Context) { m.StragglerEvents.Inc() }

func (m *Coordinator) IncDispatched(context.Context)        { m.ItemsDispatched.Inc() }
func (m *Coordinator) IncCompleted(context.Context)         { m.ItemsCompleted.Inc() }
func (m *Coordinator) AddRequeued(_ context.Context, n int) { m.ItemsRequeued.Add(float64(n)) }
func (m *Coordinator) SetPending(_ context.Context, n int)  { m.PendingItems.Set(float64(n)) }
func (m *Coordinator) SetInFlight(_ context.Context, n int) { m.InFlightItems.Set(float64(n)) }
func (m *Coordinator) ObserveItemResult(_ context.Context, count uint64) {
	m.ItemResults.Observe(float64(count))
}

func (m *Coordinator) IncWorkerFailures(_ context.Context, reason string) {
	m.WorkerFailures.WithLabelValues(reason).Inc()
}

type noopMetrics struct{}

func (noopMetrics) IncConnectedWorkers(context.Context)       {}
func (noopMetrics) DecConnectedWorkers(context.Context)       {}
func (noopMetrics) SetConnectedWorkers(context.Context, int)  {}
func (noopMetrics) IncStragglerEvents(context.Context)        {}
func (noopMetrics) IncDispatched(context.Context)             {}
func (noopMetrics) IncCompleted(context.Context)              {}
func (noopMetrics) AddRequeued(context.Context, int)          {}
func (noopMetrics) ObserveItemResult(context.Context, uint64) {}
func (noopMetrics) SetPending(context.Context, int)           {}
func (noopMetrics) SetInFlight(context.Context, int)          {}
func (noopMetrics) IncWorkerFailures(context.Context, string) {}
