package connections

import (
	"context"
	"net"
	"time"

	"github.com/ahrav/tally/internal/infra/messaging/protocol"
	"github.com/ahrav/tally/pkg/common/logger"
)

// workerConnection tracks one admitted worker and owns the two goroutines
// that move frames between its socket and the registry's event stream.
//
// Only the registry's owner goroutine touches writable; the pumps never do.
type workerConnection struct {
	id        WorkerID
	conn      net.Conn
	connected time.Time

	// out holds at most one job waiting for the write pump. The worker is
	// writable exactly when out is empty and the previous frame was flushed.
	out      chan string
	writable bool

	logger *logger.Logger
}

func newWorkerConnection(id WorkerID, conn net.Conn, now time.Time, log *logger.Logger) *workerConnection {
	return &workerConnection{
		id:        id,
		conn:      conn,
		connected: now,
		out:       make(chan string, 1),
		writable:  true,
		logger:    log.With("worker_id", id.String(), "remote_addr", conn.RemoteAddr().String()),
	}
}

// readPump decodes result frames until the connection fails. Every decoded
// result and the terminal error are reported through emit.
func (c *workerConnection) readPump(ctx context.Context, dec *protocol.Decoder, emit func(event) bool) {
	for {
		count, err := dec.ReadResult()
		if err != nil {
			c.logger.Debug(ctx, "read pump stopped", "error", err)
			emit(event{kind: eventClosed, id: c.id, err: err})
			return
		}
		if !emit(event{kind: eventResult, id: c.id, result: count}) {
			return
		}
	}
}

// writePump flushes queued jobs and reports write capacity after each
// complete frame.
func (c *workerConnection) writePump(ctx context.Context, enc *protocol.Encoder, emit func(event) bool) {
	for job := range c.out {
		if err := enc.WriteJob(job); err != nil {
			c.logger.Debug(ctx, "write pump stopped", "error", err)
			emit(event{kind: eventClosed, id: c.id, err: err})
			return
		}
		if !emit(event{kind: eventWritable, id: c.id}) {
			return
		}
	}
}

func (c *workerConnection) close() {
	close(c.out)
	_ = c.conn.Close()
}
