// Package acktracking records which work items have been sent to which worker
// and are still waiting for a result.
//
// Results on the wire carry no item identifier, so acknowledgment is
// positional: the next result from a worker always acknowledges the oldest
// item still in flight on that worker. The Ledger therefore keeps one ordered
// sequence per worker, in send order.
package acktracking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/tally/internal/domain/work"
)

// ErrAlreadyInFlight is returned when an item is assigned while it is still
// in flight on some worker.
var ErrAlreadyInFlight = errors.New("item already in flight")

// Assignment is one in-flight item and the time it was handed out.
type Assignment struct {
	Item       work.Item
	AssignedAt time.Time
}

type entry struct {
	assignments []Assignment
}

// Ledger is the per-worker record of assigned, unacknowledged items.
//
// A worker has an entry only while it holds at least one item; an idle
// worker legitimately has none. The Ledger is owned by the dispatch loop and
// is not safe for concurrent use.
type Ledger struct {
	entries map[uuid.UUID]*entry
	owner   map[int]uuid.UUID // item seq -> worker holding it
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[uuid.UUID]*entry),
		owner:   make(map[int]uuid.UUID),
	}
}

// Assign appends item to the worker's in-flight sequence.
func (l *Ledger) Assign(workerID uuid.UUID, item work.Item, at time.Time) error {
	if holder, ok := l.owner[item.Seq]; ok {
		return fmt.Errorf("%w: %s held by worker %s", ErrAlreadyInFlight, item, holder)
	}

	e, ok := l.entries[workerID]
	if !ok {
		e = new(entry)
		l.entries[workerID] = e
	}
	e.assignments = append(e.assignments, Assignment{Item: item, AssignedAt: at})
	l.owner[item.Seq] = workerID
	return nil
}

// RecordCompletion removes and returns the oldest in-flight item of the
// worker. The boolean is false when the worker has no entry, meaning there
// is nothing a result from it could acknowledge.
func (l *Ledger) RecordCompletion(workerID uuid.UUID) (work.Item, bool) {
	e, ok := l.entries[workerID]
	if !ok || len(e.assignments) == 0 {
		return work.Item{}, false
	}

	item := e.assignments[0].Item
	e.assignments[0] = Assignment{}
	e.assignments = e.assignments[1:]
	delete(l.owner, item.Seq)

	if len(e.assignments) == 0 {
		delete(l.entries, workerID)
	}
	return item, true
}

// Drain removes the worker's entry and returns its in-flight items in send
// order. The caller is responsible for requeueing them.
func (l *Ledger) Drain(workerID uuid.UUID) []work.Item {
	e, ok := l.entries[workerID]
	if !ok {
		return nil
	}
	delete(l.entries, workerID)

	items := make([]work.Item, len(e.assignments))
	for i, a := range e.assignments {
		items[i] = a.Item
		delete(l.owner, a.Item.Seq)
	}
	return items
}

// Count returns how many items the worker currently holds.
func (l *Ledger) Count(workerID uuid.UUID) int {
	if e, ok := l.entries[workerID]; ok {
		return len(e.assignments)
	}
	return 0
}

// InFlight returns the total number of in-flight items across all workers.
func (l *Ledger) InFlight() int { return len(l.owner) }

// Empty reports whether no worker holds any item.
func (l *Ledger) Empty() bool { return len(l.entries) == 0 }

// Workers returns the ids of all workers currently holding items.
func (l *Ledger) Workers() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	return ids
}

// Items returns a copy of the worker's in-flight sequence.
func (l *Ledger) Items(workerID uuid.UUID) []work.Item {
	e, ok := l.entries[workerID]
	if !ok {
		return nil
	}
	out := make([]work.Item, len(e.assignments))
	for i, a := range e.assignments {
		out[i] = a.Item
	}
	return out
}

// Expired returns the workers whose oldest in-flight item was assigned more
// than timeout before now.
func (l *Ledger) Expired(now time.Time, timeout time.Duration) []uuid.UUID {
	var out []uuid.UUID
	for id, e := range l.entries {
		if now.Sub(e.assignments[0].AssignedAt) > timeout {
			out = append(out, id)
		}
	}
	return out
}

// NextDeadline returns the earliest time at which some worker's oldest item
// will exceed timeout. The boolean is false when nothing is in flight.
func (l *Ledger) NextDeadline(timeout time.Duration) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, e := range l.entries {
		at := e.assignments[0].AssignedAt.Add(timeout)
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	return earliest, found
}
