package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-crawler/internal/store"
)

func TestCycleStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewCycleStore()
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, s.StartCycle(ctx, id, "api", now))
	require.NoError(t, s.StartCycle(ctx, id, "api", now.Add(time.Minute)))
	require.NoError(t, s.RecordSource(ctx, store.SourceRun{CycleID: id, SourceID: "b", Processed: 2}))
	require.NoError(t, s.RecordReconcile(ctx, id, "b", 1, nil))
	reason := "zero yield"
	require.NoError(t, s.RecordReconcile(ctx, id, "a", 0, &reason))
	require.NoError(t, s.RecordSource(ctx, store.SourceRun{CycleID: id, SourceID: "a", ZeroYield: true}))
	require.NoError(t, s.CompleteCycle(ctx, id, now.Add(2*time.Minute), store.CyclePartial, 1, nil))

	run, err := s.GetCycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.CyclePartial, run.Status)
	require.True(t, run.StartedAt.Equal(now))
	require.NotNil(t, run.FinishedAt)

	sources, err := s.ListCycleSources(ctx, id, 10, 0)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	require.Equal(t, "a", sources[0].SourceID)
	require.Equal(t, "zero yield", *sources[0].Exempt)
	require.Equal(t, int64(1), sources[1].Closed)
	require.Equal(t, int64(2), sources[1].Processed)

	_, err = s.GetCycle(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCycleStoreListFilters(t *testing.T) {
	t.Parallel()

	s := NewCycleStore()
	ctx := context.Background()
	base := time.Now().UTC()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		require.NoError(t, s.StartCycle(ctx, id, "schedule", base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.CompleteCycle(ctx, ids[0], base, store.CycleSuccess, 0, nil))

	all, err := s.ListCycles(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ids[2], all[0].ID)

	running := store.CycleRunning
	filtered, err := s.ListCycles(ctx, &running, 1, 1)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, ids[1], filtered[0].ID)
}
