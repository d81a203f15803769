package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/models"
)

func testTimedSpec(triggerAt time.Time) models.TimedSignalSpec {
	return models.TimedSignalSpec{
		TriggerAt:  triggerAt,
		SignalType: "timed_signal.fired",
		Payload:    map[string]any{"message": "water the plants"},
		Target:     "user:anna",
		Origin:     "reminder",
	}
}

func TestTimedStoreCreateValidates(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	_, err := s.Timed.Create(ctx, models.TimedSignalSpec{TriggerAt: time.Now()})
	assert.True(t, IsValidationError(err), "missing signal_type must fail")

	_, err = s.Timed.Create(ctx, models.TimedSignalSpec{SignalType: "timed_signal.fired"})
	assert.True(t, IsValidationError(err), "missing trigger_at must fail")
}

func TestTimedStoreDueOrdering(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	now := time.Now()

	later, err := s.Timed.Create(ctx, testTimedSpec(now.Add(-time.Minute)))
	require.NoError(t, err)
	sooner, err := s.Timed.Create(ctx, testTimedSpec(now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = s.Timed.Create(ctx, testTimedSpec(now.Add(time.Hour)))
	require.NoError(t, err)

	due, err := s.Timed.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "future rows are not due")
	assert.Equal(t, sooner, due[0].ID, "oldest trigger first")
	assert.Equal(t, later, due[1].ID)
}

func TestTimedStoreClaimIsExclusive(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id, err := s.Timed.Create(ctx, testTimedSpec(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	require.NoError(t, s.Timed.Claim(ctx, id, "worker-1"))
	assert.ErrorIs(t, s.Timed.Claim(ctx, id, "worker-2"), ErrNotClaimable)

	row, err := s.Timed.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TimedProcessing, row.Status)
	assert.Equal(t, "worker-1", row.WorkerID)
	assert.Equal(t, 1, row.Attempts)
}

func TestTimedStoreMarkFired(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id, err := s.Timed.Create(ctx, testTimedSpec(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.NoError(t, s.Timed.Claim(ctx, id, "worker-1"))
	require.NoError(t, s.Timed.MarkFired(ctx, id))

	row, err := s.Timed.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TimedFired, row.Status)
	require.NotNil(t, row.FiredAt)
	assert.WithinDuration(t, time.Now(), *row.FiredAt, 5*time.Second)
}

func TestTimedStoreScheduleNext(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	spec := testTimedSpec(time.Now().Add(-time.Minute))
	spec.RRule = "FREQ=DAILY"
	id, err := s.Timed.Create(ctx, spec)
	require.NoError(t, err)

	parent, err := s.Timed.Get(ctx, id)
	require.NoError(t, err)
	next := time.Now().Add(24 * time.Hour)

	childID, err := s.Timed.ScheduleNext(ctx, parent, next)
	require.NoError(t, err)
	require.NotEqual(t, id, childID)

	child, err := s.Timed.Get(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, models.TimedPending, child.Status)
	assert.Equal(t, parent.SignalType, child.SignalType)
	assert.Equal(t, parent.RRule, child.RRule)
	assert.WithinDuration(t, next, child.TriggerAt, time.Second)

	parent, err = s.Timed.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, parent.NextTriggerAt)
	assert.WithinDuration(t, next, *parent.NextTriggerAt, time.Second)
}

func TestTimedStoreCancel(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id, err := s.Timed.Create(ctx, testTimedSpec(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, s.Timed.Cancel(ctx, id))

	row, err := s.Timed.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TimedCancelled, row.Status)

	// Only pending rows can be withdrawn.
	assert.ErrorIs(t, s.Timed.Cancel(ctx, id), ErrNotFound)
}

func TestTimedStoreReclaimStale(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id, err := s.Timed.Create(ctx, testTimedSpec(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.NoError(t, s.Timed.Claim(ctx, id, "worker-1"))

	n, err := s.Timed.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err := s.Timed.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TimedPending, row.Status)
	assert.Empty(t, row.WorkerID)
	assert.Equal(t, 1, row.Attempts, "attempts survive a reclaim")
}

func TestTimedStoreListFiltersByStatus(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	pending, err := s.Timed.Create(ctx, testTimedSpec(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	claimed, err := s.Timed.Create(ctx, testTimedSpec(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.NoError(t, s.Timed.Claim(ctx, claimed, "worker-1"))

	rows, err := s.Timed.List(ctx, models.TimedPending, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, pending, rows[0].ID)

	all, err := s.Timed.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
