package work

import "time"

// Result is the count a worker reported for one completed item.
type Result struct {
	Seq   int    `json:"seq"`
	ID    string `json:"id"`
	Count uint64 `json:"count"`
}

// NewResult pairs an item with its reported count.
func NewResult(item Item, count uint64) Result {
	return Result{Seq: item.Seq, ID: item.ID, Count: count}
}

// Summary describes a finished run.
type Summary struct {
	// Total is the sum of all per-item counts.
	Total uint64 `json:"total"`
	// Completed is the number of items whose result was accepted.
	Completed int `json:"completed"`
	// Requeued counts items returned to the queue after a worker failure.
	// An item requeued twice is counted twice.
	Requeued int `json:"requeued"`
	// Workers is the number of worker connections admitted over the run.
	Workers  int           `json:"workers"`
	Duration time.Duration `json:"duration_ns"`
}
