package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/pkg/common/logger"
)

type mockResultSink struct{ mock.Mock }

func (m *mockResultSink) PublishResult(ctx context.Context, r work.Result) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockResultSink) PublishSummary(ctx context.Context, s work.Summary) error {
	return m.Called(ctx, s).Error(0)
}

func TestAggregatorOrderIndependent(t *testing.T) {
	counts := []uint64{0, 1, 7, 42, 1 << 20, 3, 3, 9}

	want := NewAggregator(logger.Noop(), nil)
	for i, c := range counts {
		want.Add(context.Background(), work.NewItem(i, "x"), c)
	}

	rng := rand.New(rand.NewSource(1))
	for range 20 {
		order := rng.Perm(len(counts))
		agg := NewAggregator(logger.Noop(), nil)
		for _, i := range order {
			agg.Add(context.Background(), work.NewItem(i, "x"), counts[i])
		}
		assert.Equal(t, want.Total(), agg.Total())
		assert.Equal(t, want.Results(), agg.Results())
	}
	assert.Equal(t, len(counts), want.Completed())
}

func TestAggregatorForwardsToSink(t *testing.T) {
	ctx := context.Background()
	sink := new(mockResultSink)
	item := work.NewItem(3, "https://example.com/a.tsv")

	sink.On("PublishResult", ctx, work.Result{Seq: 3, ID: item.ID, Count: 12}).Return(nil).Once()
	sink.On("PublishResult", ctx, mock.Anything).Return(errors.New("broker down")).Once()
	sink.On("PublishSummary", ctx, work.Summary{Total: 13, Completed: 2}).Return(nil).Once()

	agg := NewAggregator(logger.Noop(), sink)
	agg.Add(ctx, item, 12)
	// A failing sink never affects the total.
	agg.Add(ctx, work.NewItem(4, "b"), 1)
	agg.publishSummary(ctx, work.Summary{Total: agg.Total(), Completed: agg.Completed()})

	assert.Equal(t, uint64(13), agg.Total())
	sink.AssertExpectations(t)
}

func TestAggregatorResultsIsACopy(t *testing.T) {
	agg := NewAggregator(logger.Noop(), nil)
	agg.Add(context.Background(), work.NewItem(0, "a"), 5)

	res := agg.Results()
	res[0] = 100
	assert.Equal(t, uint64(5), agg.Results()[0])
}
