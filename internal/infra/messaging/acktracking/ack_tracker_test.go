package acktracking_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/internal/infra/messaging/acktracking"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewLedgerIsEmpty(t *testing.T) {
	l := acktracking.NewLedger()
	assert.True(t, l.Empty())
	assert.Zero(t, l.InFlight())
	assert.Zero(t, l.Count(uuid.New()))
}

// TestRecordCompletionIsOldestFirst verifies results acknowledge items in the
// order they were sent to the worker.
func TestRecordCompletionIsOldestFirst(t *testing.T) {
	l := acktracking.NewLedger()
	w := uuid.New()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Assign(w, work.NewItem(i, id), epoch))
	}
	assert.Equal(t, 3, l.Count(w))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := l.RecordCompletion(w)
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}

	// Entry disappears once the worker holds nothing.
	assert.True(t, l.Empty())
	_, ok := l.RecordCompletion(w)
	assert.False(t, ok, "a result with no authorising entry must be rejected")
}

func TestAssignRejectsDoubleAssignment(t *testing.T) {
	l := acktracking.NewLedger()
	w1, w2 := uuid.New(), uuid.New()
	item := work.NewItem(4, "dup")

	require.NoError(t, l.Assign(w1, item, epoch))
	err := l.Assign(w2, item, epoch)
	assert.ErrorIs(t, err, acktracking.ErrAlreadyInFlight)

	err = l.Assign(w1, item, epoch)
	assert.ErrorIs(t, err, acktracking.ErrAlreadyInFlight)

	// Same identifier, different position, is a different item.
	require.NoError(t, l.Assign(w2, work.NewItem(5, "dup"), epoch))

	assert.Equal(t, []work.Item{item}, l.Items(w1))
	assert.Equal(t, 2, l.InFlight())
	assert.ElementsMatch(t, []uuid.UUID{w1, w2}, l.Workers())
}

// TestDrainReturnsSendOrderAndReleasesItems verifies requeue support: the
// drained items come back in send order and may be assigned again.
func TestDrainReturnsSendOrderAndReleasesItems(t *testing.T) {
	l := acktracking.NewLedger()
	w1, w2 := uuid.New(), uuid.New()

	require.NoError(t, l.Assign(w1, work.NewItem(0, "a"), epoch))
	require.NoError(t, l.Assign(w2, work.NewItem(1, "b"), epoch))
	require.NoError(t, l.Assign(w1, work.NewItem(2, "c"), epoch))

	drained := l.Drain(w1)
	assert.Equal(t, []work.Item{work.NewItem(0, "a"), work.NewItem(2, "c")}, drained)
	assert.Zero(t, l.Count(w1))
	assert.Equal(t, 1, l.InFlight())
	assert.Nil(t, l.Drain(w1))

	// Drained items are no longer in flight anywhere.
	require.NoError(t, l.Assign(w2, drained[0], epoch))
	assert.Equal(t, []work.Item{work.NewItem(1, "b"), work.NewItem(0, "a")}, l.Items(w2))
}

func TestExpiredAndNextDeadline(t *testing.T) {
	l := acktracking.NewLedger()
	slow, fast := uuid.New(), uuid.New()
	timeout := 10 * time.Second

	_, ok := l.NextDeadline(timeout)
	assert.False(t, ok)

	require.NoError(t, l.Assign(slow, work.NewItem(0, "a"), epoch))
	require.NoError(t, l.Assign(fast, work.NewItem(1, "b"), epoch.Add(5*time.Second)))
	require.NoError(t, l.Assign(slow, work.NewItem(2, "c"), epoch.Add(9*time.Second)))

	deadline, ok := l.NextDeadline(timeout)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(timeout), deadline)

	assert.Empty(t, l.Expired(epoch.Add(timeout), timeout))
	assert.Equal(t, []uuid.UUID{slow}, l.Expired(epoch.Add(timeout+time.Second), timeout))

	// Completing the oldest item moves the worker's deadline forward.
	_, ok = l.RecordCompletion(slow)
	require.True(t, ok)
	assert.Empty(t, l.Expired(epoch.Add(timeout+time.Second), timeout))

	deadline, ok = l.NextDeadline(timeout)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(5*time.Second+timeout), deadline)
}
