package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/tally/internal/app/dispatch"
	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/internal/infra/messaging/protocol"
	"github.com/ahrav/tally/pkg/common/logger"
)

type runResult struct {
	summary work.Summary
	err     error
}

// harness runs a dispatcher on a loopback listener and checks the
// conservation invariant before every readiness wait.
type harness struct {
	t          *testing.T
	addr       string
	done       chan runResult
	cancel     context.CancelFunc
	violations []dispatch.Stats
	snapshots  []dispatch.Stats
	dispatcher *dispatch.Dispatcher
}

func startDispatcher(t *testing.T, cfg dispatch.Config, items []work.Item, opts ...dispatch.Option) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &harness{t: t, addr: ln.Addr().String(), done: make(chan runResult, 1)}
	hook := func(s dispatch.Stats) {
		h.snapshots = append(h.snapshots, s)
		if s.Pending+s.InFlight+s.Completed != s.Total {
			h.violations = append(h.violations, s)
		}
	}

	opts = append([]dispatch.Option{
		dispatch.WithListener(ln),
		dispatch.WithIterationHook(hook),
	}, opts...)
	h.dispatcher = dispatch.NewDispatcher(cfg, items, logger.Noop(), noop.NewTracerProvider().Tracer("test"), opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() {
		s, err := h.dispatcher.Run(ctx)
		h.done <- runResult{summary: s, err: err}
	}()
	return h
}

func (h *harness) wait() runResult {
	h.t.Helper()
	select {
	case r := <-h.done:
		assert.Empty(h.t, h.violations, "conservation must hold between iterations")
		return r
	case <-time.After(10 * time.Second):
		h.t.Fatal("dispatcher did not finish")
		return runResult{}
	}
}

type fakeWorker struct {
	conn net.Conn
	dec  *protocol.Decoder
	enc  *protocol.Encoder
}

func dialWorker(t *testing.T, addr string) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeWorker{conn: conn, dec: protocol.NewDecoder(conn), enc: protocol.NewEncoder(conn)}
}

// serve answers every job with counts[job] until the coordinator closes the
// connection, which it reports as a nil error.
func (w *fakeWorker) serve(counts map[string]uint64) error {
	for {
		job, err := w.dec.ReadJob()
		if errors.Is(err, protocol.ErrPeerClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.enc.WriteResult(counts[job]); err != nil {
			return err
		}
	}
}

func serveAsync(w *fakeWorker, counts map[string]uint64) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- w.serve(counts) }()
	return errc
}

func itemsOf(ids ...string) []work.Item {
	items := make([]work.Item, len(ids))
	for i, id := range ids {
		items[i] = work.NewItem(i, id)
	}
	return items
}

func TestScenarioSingleWorkerCompletesAll(t *testing.T) {
	counts := map[string]uint64{"a": 1, "b": 20, "c": 300}
	h := startDispatcher(t, dispatch.Config{}, itemsOf("a", "b", "c"))

	errc := serveAsync(dialWorker(t, h.addr), counts)

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, uint64(321), res.summary.Total)
	assert.Equal(t, 3, res.summary.Completed)
	assert.Zero(t, res.summary.Requeued)
	assert.Equal(t, 1, res.summary.Workers)
	assert.Equal(t, map[int]uint64{0: 1, 1: 20, 2: 300}, h.dispatcher.Results())

	last := h.snapshots[len(h.snapshots)-1]
	assert.Equal(t, dispatch.StateDone, last.State)

	// The idle worker observes an orderly close once the run is done.
	assert.NoError(t, <-errc)
}

func TestScenarioDisconnectRequeuesToSurvivor(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	counts := map[string]uint64{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5}
	h := startDispatcher(t, dispatch.Config{MaxInFlight: 2}, itemsOf(ids...))

	// The first worker takes two items and vanishes without answering.
	w1 := dialWorker(t, h.addr)
	var held []string
	for range 2 {
		job, err := w1.dec.ReadJob()
		require.NoError(t, err)
		held = append(held, job)
	}
	assert.Equal(t, []string{"a", "b"}, held)
	require.NoError(t, w1.conn.Close())

	errc := serveAsync(dialWorker(t, h.addr), counts)

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, uint64(15), res.summary.Total)
	assert.Equal(t, 5, res.summary.Completed)
	assert.Equal(t, 2, res.summary.Requeued)
	assert.Equal(t, 2, res.summary.Workers)
	assert.NoError(t, <-errc)
}

func TestScenarioMalformedFrameIsPerConnection(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{
			name:  "declared length exceeds bytes sent",
			frame: []byte{0, 0, 0, 0, 0, 0, 0, 8, 0xde, 0xad},
		},
		{
			name:  "declared length above limit",
			frame: []byte{0, 0, 0, 0, 0, 1, 0, 0},
		},
		{
			name:  "wrong result size",
			frame: []byte{0, 0, 0, 0, 0, 0, 0, 2, 0, 1},
		},
		{
			name:  "header stalls partway",
			frame: []byte{0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counts := map[string]uint64{"a": 7, "b": 11, "c": 13}
			cfg := dispatch.Config{MaxInFlight: 1, MaxFrameBytes: 64, FrameTimeout: 100 * time.Millisecond}
			h := startDispatcher(t, cfg, itemsOf("a", "b", "c"))

			bad := dialWorker(t, h.addr)
			job, err := bad.dec.ReadJob()
			require.NoError(t, err)
			assert.Equal(t, "a", job)

			// The connection stays open; only the frame is broken.
			_, err = bad.conn.Write(tt.frame)
			require.NoError(t, err)

			errc := serveAsync(dialWorker(t, h.addr), counts)

			res := h.wait()
			require.NoError(t, res.err)
			assert.Equal(t, uint64(31), res.summary.Total)
			assert.Equal(t, 1, res.summary.Requeued)
			assert.NoError(t, <-errc)
		})
	}
}

func TestWatchdogDropsStalledWorker(t *testing.T) {
	counts := map[string]uint64{"a": 1, "b": 2, "c": 3}
	cfg := dispatch.Config{MaxInFlight: 1, JobTimeout: 200 * time.Millisecond}
	h := startDispatcher(t, cfg, itemsOf("a", "b", "c"))

	stalled := dialWorker(t, h.addr)
	job, err := stalled.dec.ReadJob()
	require.NoError(t, err)
	assert.Equal(t, "a", job)

	errc := serveAsync(dialWorker(t, h.addr), counts)

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, uint64(6), res.summary.Total)
	assert.Equal(t, 1, res.summary.Requeued)
	assert.NoError(t, <-errc)

	_, err = stalled.dec.ReadJob()
	assert.ErrorIs(t, err, protocol.ErrPeerClosed, "the stalled worker is disconnected")
}

func TestDuplicateIdentifiersAreDistinctItems(t *testing.T) {
	h := startDispatcher(t, dispatch.Config{}, itemsOf("u", "u", "u"))
	errc := serveAsync(dialWorker(t, h.addr), map[string]uint64{"u": 4})

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, uint64(12), res.summary.Total)
	assert.Equal(t, 3, res.summary.Completed)
	assert.NoError(t, <-errc)
}

func TestManyWorkersConserveWork(t *testing.T) {
	const n = 200
	ids := make([]string, n)
	counts := make(map[string]uint64, n)
	var want uint64
	for i := range n {
		ids[i] = string(rune('A'+i%26)) + string(rune('a'+i/26))
		counts[ids[i]] = uint64(i)
		want += uint64(i)
	}

	h := startDispatcher(t, dispatch.Config{MaxInFlight: 4}, itemsOf(ids...))

	var errcs []<-chan error
	for range 4 {
		errcs = append(errcs, serveAsync(dialWorker(t, h.addr), counts))
	}

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, want, res.summary.Total)
	assert.Equal(t, n, res.summary.Completed)
	assert.Len(t, h.dispatcher.Results(), n)
	for _, errc := range errcs {
		assert.NoError(t, <-errc)
	}
}

func TestMetricsTrackDispatch(t *testing.T) {
	m := dispatch.NewMetrics(prometheus.NewRegistry())
	counts := map[string]uint64{"a": 2, "b": 3}
	h := startDispatcher(t, dispatch.Config{MaxInFlight: 1}, itemsOf("a", "b"), dispatch.WithMetrics(m))

	w1 := dialWorker(t, h.addr)
	_, err := w1.dec.ReadJob()
	require.NoError(t, err)
	require.NoError(t, w1.conn.Close())

	errc := serveAsync(dialWorker(t, h.addr), counts)

	res := h.wait()
	require.NoError(t, res.err)
	assert.NoError(t, <-errc)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ItemsDispatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsRequeued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkersAdmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerFailures.WithLabelValues("closed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectedWorkers))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingItems))
}

func TestEmptyListCompletesImmediately(t *testing.T) {
	h := startDispatcher(t, dispatch.Config{}, nil)

	res := h.wait()
	require.NoError(t, res.err)
	assert.Zero(t, res.summary.Total)
	assert.Zero(t, res.summary.Workers)
	require.Len(t, h.snapshots, 1)
	assert.Equal(t, dispatch.StateDone, h.snapshots[0].State)
}

func TestUnsolicitedResultIsDiscarded(t *testing.T) {
	h := startDispatcher(t, dispatch.Config{}, itemsOf("a"))

	w := dialWorker(t, h.addr)
	job, err := w.dec.ReadJob()
	require.NoError(t, err)
	require.Equal(t, "a", job)

	// Two answers for one job: the second has nothing to acknowledge.
	require.NoError(t, w.enc.WriteResult(5))
	require.NoError(t, w.enc.WriteResult(99))

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, uint64(5), res.summary.Total)
}

func TestSetupFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	d := dispatch.NewDispatcher(
		dispatch.Config{ListenAddr: taken.Addr().String()},
		itemsOf("a"),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	_, err = d.Run(context.Background())
	assert.ErrorIs(t, err, dispatch.ErrSetup)
}

func TestListenerLostWithNoWorkers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := dispatch.NewDispatcher(
		dispatch.Config{},
		itemsOf("a"),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
		dispatch.WithListener(ln),
	)

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ln.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, dispatch.ErrListenerLost)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not notice the lost listener")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := startDispatcher(t, dispatch.Config{}, itemsOf("a"))
	time.Sleep(50 * time.Millisecond)
	h.cancel()

	res := h.wait()
	assert.ErrorIs(t, res.err, context.Canceled)
}

// lockedBuffer serializes writes from the dispatcher and its pumps.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCancelLogsAbandonedItems(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var out lockedBuffer
	log := logger.New(&out, logger.LevelDebug, "coordinator", nil)
	d := dispatch.NewDispatcher(dispatch.Config{MaxInFlight: 1}, itemsOf("a", "b"), log,
		noop.NewTracerProvider().Tracer("test"), dispatch.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := d.Run(ctx)
		done <- err
	}()

	held := dialWorker(t, ln.Addr().String())
	job, err := held.dec.ReadJob()
	require.NoError(t, err)
	assert.Equal(t, "a", job)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	logs := out.String()
	assert.Contains(t, logs, "abandoned in-flight items")
	assert.Contains(t, logs, `"items":["a"]`)
	assert.Contains(t, logs, "abandoned pending items")
	assert.Contains(t, logs, `"items":["b"]`)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "INIT", dispatch.StateInit.String())
	assert.Equal(t, "RUNNING", dispatch.StateRunning.String())
	assert.Equal(t, "DRAINING", dispatch.StateDraining.String())
	assert.Equal(t, "DONE", dispatch.StateDone.String())
}
