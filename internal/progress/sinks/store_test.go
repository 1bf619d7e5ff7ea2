package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-crawler/internal/progress"
	"github.com/JakeFAU/procurement-crawler/internal/store"
)

func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeCycleRepo{}
	sink := NewStoreSink(repo, nil)
	cycleUUID := uuid.New()
	cycleID := progress.UUIDToBytes(cycleUUID)
	now := time.Now()

	batch := []progress.Event{
		{CycleID: cycleID, Stage: progress.StageCycleDone, TS: now.Add(4 * time.Second), Outcome: "partial", Closed: 2},
		{CycleID: cycleID, Stage: progress.StageCycleStart, TS: now, Trigger: "schedule"},
		{CycleID: cycleID, Stage: progress.StageSourceDone, Source: "a", Processed: 1, TS: now.Add(time.Second)},
		{CycleID: cycleID, Stage: progress.StageSourceDone, Source: "a", Processed: 5, Created: 5, TS: now.Add(2 * time.Second)},
		{CycleID: cycleID, Stage: progress.StageSourceFailed, Source: "b", ZeroYield: true, Note: "timeout", TS: now.Add(2 * time.Second)},
		{CycleID: cycleID, Stage: progress.StageReconcileDone, Source: "a", Closed: 2, TS: now.Add(3 * time.Second)},
		{CycleID: cycleID, Stage: progress.StageReconcileDone, Source: "b", Note: "zero yield", TS: now.Add(3 * time.Second)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"start", "source:a", "reconcile:a", "source:b", "reconcile:b", "complete"}, repo.calls)
	require.Len(t, repo.sources, 2)
	require.Equal(t, int64(5), repo.sources[0].Processed)
	require.Equal(t, "timeout", *repo.sources[1].Error)
	require.Equal(t, store.CyclePartial, repo.completeStatus)
	require.Equal(t, int64(2), repo.completeClosed)
	require.Equal(t, "zero yield", *repo.exempt["b"])
	require.Nil(t, repo.exempt["a"])
}

func TestStoreSinkMapsCycleError(t *testing.T) {
	t.Parallel()

	repo := &fakeCycleRepo{}
	sink := NewStoreSink(repo, nil)
	cycleID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CycleID: cycleID, Stage: progress.StageCycleError, TS: time.Now(), Note: "atomicity"},
	}))
	require.Equal(t, store.CycleError, repo.completeStatus)
}

func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeCycleRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	cycleID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{CycleID: cycleID, Stage: progress.StageCycleStart, TS: time.Now()},
	})
	require.Error(t, err)
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageCycleStart}}))
}

type fakeCycleRepo struct {
	fail           bool
	calls          []string
	sources        []store.SourceRun
	exempt         map[string]*string
	completeStatus store.CycleStatus
	completeClosed int64
}

func (f *fakeCycleRepo) StartCycle(context.Context, uuid.UUID, string, time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.calls = append(f.calls, "start")
	return nil
}

func (f *fakeCycleRepo) CompleteCycle(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.CycleStatus,
	closed int64,
	_ *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	f.calls = append(f.calls, "complete")
	f.completeStatus = status
	f.completeClosed = closed
	return nil
}

func (f *fakeCycleRepo) RecordSource(_ context.Context, run store.SourceRun) error {
	if f.fail {
		return assertErr("source")
	}
	f.calls = append(f.calls, "source:"+run.SourceID)
	f.sources = append(f.sources, run)
	return nil
}

func (f *fakeCycleRepo) RecordReconcile(_ context.Context, _ uuid.UUID, sourceID string, _ int64, exempt *string) error {
	if f.fail {
		return assertErr("reconcile")
	}
	f.calls = append(f.calls, "reconcile:"+sourceID)
	if f.exempt == nil {
		f.exempt = make(map[string]*string)
	}
	f.exempt[sourceID] = exempt
	return nil
}

func (f *fakeCycleRepo) GetCycle(context.Context, uuid.UUID) (store.CycleRun, error) {
	return store.CycleRun{}, assertErr("read")
}

func (f *fakeCycleRepo) ListCycles(context.Context, *store.CycleStatus, int, int) ([]store.CycleRun, error) {
	return nil, assertErr("list")
}

func (f *fakeCycleRepo) ListCycleSources(context.Context, uuid.UUID, int, int) ([]store.SourceRun, error) {
	return nil, assertErr("sources")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
