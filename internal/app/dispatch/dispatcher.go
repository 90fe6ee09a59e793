// Package dispatch implements the coordinator's dispatch loop: it admits
// worker connections, hands each writable worker the next pending item,
// attributes incoming results to the oldest item in flight on that worker,
// and requeues everything a failed worker was holding.
//
// All dispatch state is owned by the goroutine running Dispatcher.Run. The
// only place the loop suspends is the registry's readiness wait.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/internal/infra/messaging/acktracking"
	"github.com/ahrav/tally/internal/infra/messaging/connections"
	"github.com/ahrav/tally/internal/infra/messaging/protocol"
	"github.com/ahrav/tally/pkg/common/logger"
	"github.com/ahrav/tally/pkg/common/timeutil"
)

var (
	// ErrSetup wraps failures to bind or listen on the coordinator address.
	ErrSetup = errors.New("coordinator setup failed")

	// ErrListenerLost is returned when the listener fails while work remains
	// and no worker is connected to finish it.
	ErrListenerLost = errors.New("listener lost with work remaining and no workers")
)

// State is the dispatcher's lifecycle phase.
type State int

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Failure reasons reported to metrics and logs.
const (
	reasonClosed  = "closed"
	reasonFraming = "framing"
	reasonTimeout = "timeout"
	reasonSend    = "send"
)

// DefaultJobTimeout bounds how long a worker may hold its oldest item.
const DefaultJobTimeout = 10 * time.Minute

// Config controls the dispatch loop.
type Config struct {
	// ListenAddr is the host:port to listen on. Ignored when a listener is
	// supplied with WithListener.
	ListenAddr string

	// MaxInFlight caps the items a single worker may hold. Zero means no cap.
	MaxInFlight int

	// JobTimeout drops a worker whose oldest in-flight item is older than
	// this. Zero disables the watchdog.
	JobTimeout time.Duration

	// MaxFrameBytes bounds result frame payloads.
	MaxFrameBytes uint64

	// FrameTimeout bounds how long a partially received frame may stall.
	FrameTimeout time.Duration
}

// Stats is a snapshot of the dispatcher taken between loop iterations.
type Stats struct {
	State     State
	Total     int
	Pending   int
	InFlight  int
	Completed int
	Workers   int
}

// Dispatcher distributes a fixed list of items over connected workers and
// aggregates their results.
type Dispatcher struct {
	cfg   Config
	total int

	queue    *work.PendingQueue
	ledger   *acktracking.Ledger
	agg      *Aggregator
	registry *connections.Registry
	listener net.Listener

	state          State
	listenerFailed error
	requeued       int
	admitted       int

	sink         ResultSink
	hook         func(Stats)
	metrics      DispatchMetrics
	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithListener makes the dispatcher serve on an already bound listener.
func WithListener(ln net.Listener) Option {
	return func(d *Dispatcher) { d.listener = ln }
}

// WithMetrics sets the metrics sink. It is shared with the registry.
func WithMetrics(m DispatchMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithResultSink forwards every accepted result and the final summary.
func WithResultSink(s ResultSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithIterationHook registers fn to observe the dispatcher before every
// readiness wait and once more on completion.
func WithIterationHook(fn func(Stats)) Option {
	return func(d *Dispatcher) { d.hook = fn }
}

// WithTimeProvider sets the clock used for assignment times and the watchdog.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(d *Dispatcher) { d.timeProvider = tp }
}

// NewDispatcher creates a dispatcher for items. Items must have distinct
// Seq values, as produced by work.ParseList.
func NewDispatcher(
	cfg Config,
	items []work.Item,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		cfg:          cfg,
		total:        len(items),
		queue:        work.NewPendingQueue(items),
		ledger:       acktracking.NewLedger(),
		state:        StateInit,
		metrics:      noopMetrics{},
		timeProvider: timeutil.Default(),
		logger:       log.With("component", "dispatcher"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.agg = NewAggregator(log, d.sink)
	d.registry = connections.NewRegistry(
		connections.Config{MaxPayload: cfg.MaxFrameBytes, FrameTimeout: cfg.FrameTimeout},
		log,
		tracer,
		connections.WithMetrics(d.metrics),
		connections.WithTimeProvider(d.timeProvider),
	)
	return d
}

// Run listens for workers and dispatches until every item has a result, the
// context is canceled, or the listener is lost with nobody left to finish.
func (d *Dispatcher) Run(ctx context.Context) (work.Summary, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.run",
		trace.WithAttributes(attribute.Int("items.total", d.total)))
	defer span.End()

	start := d.timeProvider.Now()

	if err := d.listen(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		return work.Summary{}, err
	}
	defer d.registry.Close(ctx)

	d.logger.Info(ctx, "dispatcher listening",
		"addr", d.listener.Addr().String(),
		"items", d.total,
		"max_in_flight", d.cfg.MaxInFlight,
		"job_timeout", d.cfg.JobTimeout,
	)

	for {
		d.advanceState(ctx)
		d.observe(ctx)
		if d.state == StateDone {
			break
		}

		ready, err := d.registry.PollReady(ctx, d.waitDuration())
		if err != nil {
			span.RecordError(err)
			d.logOutstanding(ctx)
			return d.summary(start), err
		}

		for _, r := range ready {
			switch r := r.(type) {
			case connections.ListenerReady:
				d.admit(ctx, r.Conn)
			case connections.ListenerFailed:
				d.listenerFailed = r.Err
				d.logger.Error(ctx, "listener failed, no further workers can join", "error", r.Err)
				span.AddEvent("listener_failed", trace.WithAttributes(attribute.String("error", r.Err.Error())))
			case connections.WorkerReady:
				d.handleWorker(ctx, r)
			}
		}

		d.expireStalled(ctx)

		if d.listenerFailed != nil && d.registry.Len() == 0 && !d.finished() {
			err := fmt.Errorf("%w: %w", ErrListenerLost, d.listenerFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, "listener lost")
			d.logOutstanding(ctx)
			return d.summary(start), err
		}
	}

	// Closing the registry tells idle workers there is nothing left.
	d.registry.Close(ctx)

	summary := d.summary(start)
	d.agg.publishSummary(ctx, summary)

	span.SetAttributes(
		attribute.Int64("total", int64(summary.Total)),
		attribute.Int("requeued", summary.Requeued),
		attribute.Int("workers", summary.Workers),
	)
	d.logger.Info(ctx, "all work completed",
		"total", summary.Total,
		"completed", summary.Completed,
		"requeued", summary.Requeued,
		"workers", summary.Workers,
		"duration", summary.Duration,
	)
	return summary, nil
}

func (d *Dispatcher) listen(ctx context.Context) error {
	if d.listener != nil {
		d.registry.RegisterListener(ctx, d.listener)
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", ErrSetup, d.cfg.ListenAddr, err)
	}
	d.listener = ln
	d.registry.RegisterListener(ctx, ln)
	return nil
}

func (d *Dispatcher) finished() bool { return d.queue.Len() == 0 && d.ledger.Empty() }

func (d *Dispatcher) advanceState(ctx context.Context) {
	next := StateRunning
	switch {
	case d.finished():
		next = StateDone
	case d.queue.Len() == 0:
		next = StateDraining
	}
	if next != d.state {
		d.logger.Debug(ctx, "state transition", "from", d.state.String(), "to", next.String())
		d.state = next
	}
}

func (d *Dispatcher) observe(ctx context.Context) {
	d.metrics.SetPending(ctx, d.queue.Len())
	d.metrics.SetInFlight(ctx, d.ledger.InFlight())
	if d.hook != nil {
		d.hook(d.Stats())
	}
}

// Stats returns a snapshot of the dispatcher. It must only be called from
// the goroutine running Run, such as from an iteration hook.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		State:     d.state,
		Total:     d.total,
		Pending:   d.queue.Len(),
		InFlight:  d.ledger.InFlight(),
		Completed: d.agg.Completed(),
		Workers:   d.registry.Len(),
	}
}

// waitDuration picks the readiness wait: never block while a writable
// worker could take pending work, otherwise block until the next event or
// the next job deadline.
func (d *Dispatcher) waitDuration() time.Duration {
	if d.queue.Len() > 0 {
		for _, id := range d.registry.Writable() {
			if d.underCap(id) {
				return 0
			}
		}
	}

	if d.cfg.JobTimeout > 0 {
		if deadline, ok := d.ledger.NextDeadline(d.cfg.JobTimeout); ok {
			wait := deadline.Sub(d.timeProvider.Now())
			if wait <= 0 {
				return 0
			}
			return wait
		}
	}
	return -1
}

func (d *Dispatcher) underCap(id connections.WorkerID) bool {
	return d.cfg.MaxInFlight <= 0 || d.ledger.Count(id) < d.cfg.MaxInFlight
}

func (d *Dispatcher) admit(ctx context.Context, conn net.Conn) {
	id := d.registry.AdmitWorker(ctx, conn)
	d.admitted++
	d.logger.Info(ctx, "worker admitted",
		"worker_id", id.String(),
		"remote_addr", conn.RemoteAddr().String(),
		"workers", d.registry.Len(),
	)
}

// handleWorker applies one coalesced readiness entry. A closed worker gets
// nothing else this iteration; otherwise write capacity is used before
// results are consumed.
func (d *Dispatcher) handleWorker(ctx context.Context, r connections.WorkerReady) {
	if r.Closed {
		d.failWorker(ctx, r.ID, classify(r.Err), r.Err)
		return
	}

	if r.CanWrite && !d.assign(ctx, r.ID) {
		return
	}

	for _, count := range r.Results {
		d.complete(ctx, r.ID, count)
	}
}

// assign sends the next pending item to the worker if it has room. It
// returns false if the worker was dropped.
func (d *Dispatcher) assign(ctx context.Context, id connections.WorkerID) bool {
	if d.queue.Len() == 0 || !d.underCap(id) {
		return true
	}

	item, _ := d.queue.Pop()
	if err := d.ledger.Assign(id, item, d.timeProvider.Now()); err != nil {
		d.queue.PushFront(item)
		d.logger.Error(ctx, "refusing double assignment", "item", item.String(), "error", err)
		return true
	}

	if err := d.registry.Send(id, item.ID); err != nil {
		d.failWorker(ctx, id, reasonSend, err)
		return false
	}

	d.metrics.IncDispatched(ctx)
	d.logger.Debug(ctx, "item dispatched",
		"worker_id", id.String(),
		"item", item.String(),
		"worker_in_flight", d.ledger.Count(id),
	)
	return true
}

func (d *Dispatcher) complete(ctx context.Context, id connections.WorkerID, count uint64) {
	item, ok := d.ledger.RecordCompletion(id)
	if !ok {
		d.logger.Warn(ctx, "discarding result with no item in flight",
			"worker_id", id.String(), "count", count)
		d.metrics.IncStragglerEvents(ctx)
		return
	}

	d.agg.Add(ctx, item, count)
	d.metrics.IncCompleted(ctx)
	d.metrics.ObserveItemResult(ctx, count)
	d.logger.Debug(ctx, "result recorded",
		"worker_id", id.String(),
		"item", item.String(),
		"count", count,
		"completed", d.agg.Completed(),
		"total", d.total,
	)
}

// failWorker requeues everything the worker holds and then drops it.
func (d *Dispatcher) failWorker(ctx context.Context, id connections.WorkerID, reason string, cause error) {
	items := d.ledger.Drain(id)
	d.queue.PushFront(items...)
	d.requeued += len(items)

	addr := d.registry.RemoteAddr(id)
	d.registry.RemoveWorker(ctx, id)

	d.metrics.AddRequeued(ctx, len(items))
	d.metrics.IncWorkerFailures(ctx, reason)

	trace.SpanFromContext(ctx).AddEvent("worker_failed", trace.WithAttributes(
		attribute.String("worker_id", id.String()),
		attribute.String("reason", reason),
		attribute.Int("requeued", len(items)),
	))

	args := []any{
		"worker_id", id.String(),
		"remote_addr", addr,
		"reason", reason,
		"requeued", len(items),
		"workers", d.registry.Len(),
	}
	if cause != nil {
		args = append(args, "error", cause)
	}
	if len(items) == 0 && errors.Is(cause, protocol.ErrPeerClosed) {
		d.logger.Info(ctx, "idle worker disconnected", args...)
		return
	}
	d.logger.Warn(ctx, "worker dropped", args...)
}

// expireStalled drops every worker whose oldest item has outlived the job
// timeout. The whole worker goes, since results carry no item identity.
func (d *Dispatcher) expireStalled(ctx context.Context) {
	if d.cfg.JobTimeout <= 0 {
		return
	}
	for _, id := range d.ledger.Expired(d.timeProvider.Now(), d.cfg.JobTimeout) {
		d.failWorker(ctx, id, reasonTimeout, nil)
	}
}

// logOutstanding records the items a run abandoned.
func (d *Dispatcher) logOutstanding(ctx context.Context) {
	for _, id := range d.ledger.Workers() {
		d.logger.Debug(ctx, "abandoned in-flight items",
			"worker_id", id.String(),
			"items", itemIDs(d.ledger.Items(id)),
		)
	}
	if d.queue.Len() > 0 {
		d.logger.Debug(ctx, "abandoned pending items", "items", itemIDs(d.queue.Snapshot()))
	}
}

func itemIDs(items []work.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func (d *Dispatcher) summary(start time.Time) work.Summary {
	return work.Summary{
		Total:     d.agg.Total(),
		Completed: d.agg.Completed(),
		Requeued:  d.requeued,
		Workers:   d.admitted,
		Duration:  d.timeProvider.Now().Sub(start),
	}
}

// Results returns the per-item counts recorded so far, keyed by position.
// Like Stats, it is only safe once Run has returned or from Run's goroutine.
func (d *Dispatcher) Results() map[int]uint64 { return d.agg.Results() }

func classify(err error) string {
	if errors.Is(err, protocol.ErrFraming) {
		return reasonFraming
	}
	return reasonClosed
}
