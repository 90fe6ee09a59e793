package dispatch

import (
	"context"

	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/pkg/common/logger"
)

// ResultSink receives completed results and the final run summary. It is
// optional; publish failures are logged and never affect the total.
type ResultSink interface {
	PublishResult(ctx context.Context, r work.Result) error
	PublishSummary(ctx context.Context, s work.Summary) error
}

// Aggregator folds per-item counts into the running total. Addition is
// commutative, so the order in which results arrive does not matter.
// The sum wraps on uint64 overflow.
type Aggregator struct {
	total   uint64
	results map[int]uint64

	sink   ResultSink
	logger *logger.Logger
}

// NewAggregator creates an empty aggregator. sink may be nil.
func NewAggregator(log *logger.Logger, sink ResultSink) *Aggregator {
	return &Aggregator{
		results: make(map[int]uint64),
		sink:    sink,
		logger:  log.With("component", "aggregator"),
	}
}

// Add records the count for a completed item.
func (a *Aggregator) Add(ctx context.Context, item work.Item, count uint64) {
	a.total += count
	a.results[item.Seq] = count

	if a.sink == nil {
		return
	}
	if err := a.sink.PublishResult(ctx, work.NewResult(item, count)); err != nil {
		a.logger.Warn(ctx, "failed to publish result", "item", item.String(), "error", err)
	}
}

// Total returns the sum of all recorded counts.
func (a *Aggregator) Total() uint64 { return a.total }

// Completed returns how many items have a recorded count.
func (a *Aggregator) Completed() int { return len(a.results) }

// Results returns a copy of the per-item counts keyed by item position.
func (a *Aggregator) Results() map[int]uint64 {
	out := make(map[int]uint64, len(a.results))
	for seq, c := range a.results {
		out[seq] = c
	}
	return out
}

func (a *Aggregator) publishSummary(ctx context.Context, s work.Summary) {
	if a.sink == nil {
		return
	}
	if err := a.sink.PublishSummary(ctx, s); err != nil {
		a.logger.Warn(ctx, "failed to publish summary", "error", err)
	}
}
