package connections

import (
	"net"

	"github.com/google/uuid"
)

// WorkerID identifies one admitted worker connection. Ids are assigned at
// admission, never reused, and stay valid regardless of how many other
// workers join or leave.
type WorkerID = uuid.UUID

// Readiness is one actionable entry reported by Registry.PollReady. It is a
// closed set of variants; callers dispatch on the concrete type:
//
//	switch r := r.(type) {
//	case ListenerReady:  // a new connection is waiting to be admitted
//	case ListenerFailed: // the listener can accept no more connections
//	case WorkerReady:    // results, write capacity, or closure for one worker
//	}
type Readiness interface{ isReadiness() }

// ListenerReady reports an accepted connection that has not been admitted yet.
type ListenerReady struct {
	Conn net.Conn
}

// ListenerFailed reports a non-transient accept error. No further
// ListenerReady entries will follow.
type ListenerFailed struct {
	Err error
}

// WorkerReady aggregates everything observed for a single worker since the
// previous poll.
type WorkerReady struct {
	ID WorkerID

	// Results holds decoded result counts in arrival order.
	Results []uint64

	// CanWrite is true when the worker can accept another job frame now.
	CanWrite bool

	// Closed is true when the connection failed, was closed by the peer, or
	// delivered a malformed frame. Err carries the cause.
	Closed bool
	Err    error
}

func (ListenerReady) isReadiness()  {}
func (ListenerFailed) isReadiness() {}
func (WorkerReady) isReadiness()    {}
