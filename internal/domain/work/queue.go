package work

// PendingQueue is the FIFO of items not yet assigned to any worker.
//
// It is owned by the dispatch loop and is not safe for concurrent use.
type PendingQueue struct {
	items []Item
	head  int
}

// NewPendingQueue returns a queue holding items in order.
func NewPendingQueue(items []Item) *PendingQueue {
	q := &PendingQueue{items: make([]Item, 0, len(items))}
	q.items = append(q.items, items...)
	return q
}

// Len reports how many items are waiting.
func (q *PendingQueue) Len() int { return len(q.items) - q.head }

// Push appends an item to the back of the queue.
func (q *PendingQueue) Push(item Item) { q.items = append(q.items, item) }

// PushFront places items at the front of the queue, preserving their
// relative order, so they are the next to be popped. Used when a worker's
// in-flight items are requeued.
func (q *PendingQueue) PushFront(items ...Item) {
	if len(items) == 0 {
		return
	}

	if len(items) <= q.head {
		q.head -= len(items)
		copy(q.items[q.head:], items)
		return
	}

	rest := q.items[q.head:]
	merged := make([]Item, 0, len(items)+len(rest))
	merged = append(merged, items...)
	merged = append(merged, rest...)
	q.items, q.head = merged, 0
}

// Pop removes and returns the front item. The boolean is false when the
// queue is empty.
func (q *PendingQueue) Pop() (Item, bool) {
	if q.Len() == 0 {
		return Item{}, false
	}

	item := q.items[q.head]
	q.items[q.head] = Item{}
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head > 32 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

// Snapshot returns a copy of the waiting items in pop order.
func (q *PendingQueue) Snapshot() []Item {
	out := make([]Item, q.Len())
	copy(out, q.items[q.head:])
	return out
}
