package connections

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/tally/internal/infra/messaging/protocol"
	"github.com/ahrav/tally/pkg/common/logger"
	"github.com/ahrav/tally/pkg/common/timeutil"
)

// ErrNotWritable is returned by Send when the worker cannot take a job now.
var ErrNotWritable = errors.New("worker not writable")

// ErrUnknownWorker is returned for operations on ids that are not registered.
var ErrUnknownWorker = errors.New("unknown worker")

// RegistryMetrics defines metrics collected by the registry.
type RegistryMetrics interface {
	IncConnectedWorkers(ctx context.Context)
	DecConnectedWorkers(ctx context.Context)
	SetConnectedWorkers(ctx context.Context, count int)
	IncStragglerEvents(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) IncConnectedWorkers(context.Context)      {}
func (noopMetrics) DecConnectedWorkers(context.Context)      {}
func (noopMetrics) SetConnectedWorkers(context.Context, int) {}
func (noopMetrics) IncStragglerEvents(context.Context)       {}

// Config holds the framing limits applied to every admitted worker.
type Config struct {
	// MaxPayload bounds result frame payloads. Zero uses the protocol default.
	MaxPayload uint64
	// FrameTimeout bounds how long a partially received frame may stall.
	// Zero disables the bound.
	FrameTimeout time.Duration
	// EventBuffer is the capacity of the internal event stream.
	EventBuffer int
}

type eventKind int

const (
	eventAccept eventKind = iota
	eventListenerFailed
	eventResult
	eventWritable
	eventClosed
)

// event is what the pumps send to the owner goroutine.
type event struct {
	kind   eventKind
	id     WorkerID
	conn   net.Conn
	result uint64
	err    error
}

// Registry tracks the listening endpoint and every admitted worker, and
// multiplexes their readiness into a single stream consumed by PollReady.
//
// Each worker connection is serviced by a read pump and a write pump; the
// listener by an accept pump. The pumps own only their socket and report
// through one buffered channel. Everything else (the worker map and each
// worker's write state) belongs to the goroutine that calls PollReady,
// AdmitWorker, Send and RemoveWorker, which must be the same goroutine.
// Workers are keyed by stable ids, so removing one never disturbs another.
type Registry struct {
	cfg Config

	workers  map[WorkerID]*workerConnection
	listener net.Listener

	events    chan event
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	timeProvider timeutil.Provider
	metrics      RegistryMetrics
	logger       *logger.Logger
	tracer       trace.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics sets the metrics sink.
func WithMetrics(m RegistryMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTimeProvider sets the clock used for admission timestamps.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(r *Registry) { r.timeProvider = tp }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, log *logger.Logger, tracer trace.Tracer, opts ...Option) *Registry {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	r := &Registry{
		cfg:          cfg,
		workers:      make(map[WorkerID]*workerConnection),
		events:       make(chan event, cfg.EventBuffer),
		done:         make(chan struct{}),
		timeProvider: timeutil.Default(),
		metrics:      noopMetrics{},
		logger:       log.With("component", "worker_registry"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// emit hands an event to the owner goroutine. It returns false once the
// registry is closed.
func (r *Registry) emit(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// RegisterListener starts accepting connections on ln. Accepted connections
// are reported as ListenerReady and are not admitted until AdmitWorker.
func (r *Registry) RegisterListener(ctx context.Context, ln net.Listener) {
	r.listener = ln
	r.logger.Info(ctx, "listener registered", "addr", ln.Addr().String())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptPump(ctx, ln)
	}()
}

func (r *Registry) acceptPump(ctx context.Context, ln net.Listener) {
	const maxDelay = time.Second
	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}

			// Transient accept failures are retried without surfacing.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > maxDelay {
					delay = maxDelay
				}
				r.logger.Warn(ctx, "transient accept error, retrying", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-r.done:
					return
				}
			}

			r.emit(event{kind: eventListenerFailed, err: err})
			return
		}
		delay = 0

		if !r.emit(event{kind: eventAccept, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

// AdmitWorker registers conn as a worker, starts its pumps and returns its
// id. The worker is immediately writable.
func (r *Registry) AdmitWorker(ctx context.Context, conn net.Conn) WorkerID {
	span := trace.SpanFromContext(ctx)

	id := uuid.New()
	wc := newWorkerConnection(id, conn, r.timeProvider.Now(), r.logger)
	r.workers[id] = wc

	span.AddEvent("worker_admitted", trace.WithAttributes(
		attribute.String("worker_id", id.String()),
		attribute.String("remote_addr", conn.RemoteAddr().String()),
	))
	r.metrics.IncConnectedWorkers(ctx)
	r.metrics.SetConnectedWorkers(ctx, len(r.workers))

	dec := protocol.NewDecoder(conn,
		protocol.WithMaxPayload(r.cfg.MaxPayload),
		protocol.WithBodyTimeout(r.cfg.FrameTimeout),
	)
	enc := protocol.NewEncoder(conn)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		wc.readPump(ctx, dec, r.emit)
	}()
	go func() {
		defer r.wg.Done()
		wc.writePump(ctx, enc, r.emit)
	}()

	return id
}

// RemoveWorker closes the worker's connection and forgets it. Unknown ids
// are ignored. Events the worker's pumps produced before removal are
// discarded by later polls.
func (r *Registry) RemoveWorker(ctx context.Context, id WorkerID) bool {
	wc, ok := r.workers[id]
	if !ok {
		return false
	}
	delete(r.workers, id)
	wc.close()

	trace.SpanFromContext(ctx).AddEvent("worker_removed", trace.WithAttributes(
		attribute.String("worker_id", id.String()),
	))
	r.metrics.DecConnectedWorkers(ctx)
	r.metrics.SetConnectedWorkers(ctx, len(r.workers))
	return true
}

// Send queues one job frame for the worker. It never blocks; it fails with
// ErrNotWritable unless the worker was reported writable and has not been
// sent anything since.
func (r *Registry) Send(id WorkerID, job string) error {
	wc, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if !wc.writable {
		return fmt.Errorf("%w: %s", ErrNotWritable, id)
	}

	select {
	case wc.out <- job:
		wc.writable = false
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotWritable, id)
	}
}

// Writable returns the ids of workers that can accept a job now.
func (r *Registry) Writable() []WorkerID {
	var out []WorkerID
	for id, wc := range r.workers {
		if wc.writable {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of admitted workers.
func (r *Registry) Len() int { return len(r.workers) }

// RemoteAddr returns the worker's peer address, or "" for unknown ids.
func (r *Registry) RemoteAddr(id WorkerID) string {
	if wc, ok := r.workers[id]; ok {
		return wc.conn.RemoteAddr().String()
	}
	return ""
}

// PollReady waits for readiness and returns every actionable entry.
//
// A negative wait blocks until at least one event arrives; zero never
// blocks; a positive wait blocks for at most that long. After the wait, all
// further events already queued are collected too. Worker entries are
// coalesced per worker, and every currently writable worker is reported
// with CanWrite even if nothing else happened to it. Events from workers
// that are no longer registered are dropped.
func (r *Registry) PollReady(ctx context.Context, wait time.Duration) ([]Readiness, error) {
	var batch []event

	if wait != 0 {
		var timeout <-chan time.Time
		if wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			timeout = t.C
		}

		select {
		case ev := <-r.events:
			batch = append(batch, ev)
		case <-timeout:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			continue
		default:
		}
		break
	}

	return r.coalesce(ctx, batch), nil
}

func (r *Registry) coalesce(ctx context.Context, batch []event) []Readiness {
	var (
		out     []Readiness
		byID    = make(map[WorkerID]int)
		workers []WorkerReady
	)

	entry := func(id WorkerID) *WorkerReady {
		idx, ok := byID[id]
		if !ok {
			idx = len(workers)
			byID[id] = idx
			workers = append(workers, WorkerReady{ID: id})
		}
		return &workers[idx]
	}

	for _, ev := range batch {
		switch ev.kind {
		case eventAccept:
			out = append(out, ListenerReady{Conn: ev.conn})
		case eventListenerFailed:
			out = append(out, ListenerFailed{Err: ev.err})
		default:
			wc, ok := r.workers[ev.id]
			if !ok {
				// Teardown of a removed worker is expected; only late
				// results count as stragglers.
				if ev.kind == eventResult {
					r.metrics.IncStragglerEvents(ctx)
				}
				continue
			}

			wr := entry(ev.id)
			switch ev.kind {
			case eventResult:
				wr.Results = append(wr.Results, ev.result)
			case eventWritable:
				wc.writable = true
			case eventClosed:
				if !wr.Closed {
					wr.Closed, wr.Err = true, ev.err
				}
			}
		}
	}

	for id, wc := range r.workers {
		if wc.writable {
			entry(id).CanWrite = true
		}
	}

	for _, wr := range workers {
		out = append(out, wr)
	}
	return out
}

// Close stops the listener and every worker, then waits for all pumps to
// exit. Connections accepted but never admitted are closed as well.
func (r *Registry) Close(ctx context.Context) {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.listener != nil {
			_ = r.listener.Close()
		}
		for id, wc := range r.workers {
			wc.close()
			delete(r.workers, id)
		}
		r.metrics.SetConnectedWorkers(ctx, 0)
		r.wg.Wait()

		for {
			select {
			case ev := <-r.events:
				if ev.kind == eventAccept {
					_ = ev.conn.Close()
				}
				continue
			default:
			}
			break
		}
		r.logger.Info(ctx, "registry closed")
	})
}
