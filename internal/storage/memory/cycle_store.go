package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/procurement-crawler/internal/store"
)

// CycleStore keeps cycle history in memory for development and tests.
type CycleStore struct {
	mu      sync.RWMutex
	cycles  map[uuid.UUID]store.CycleRun
	sources map[uuid.UUID]map[string]store.SourceRun
}

// NewCycleStore constructs a CycleStore.
func NewCycleStore() *CycleStore {
	return &CycleStore{
		cycles:  make(map[uuid.UUID]store.CycleRun),
		sources: make(map[uuid.UUID]map[string]store.SourceRun),
	}
}

// StartCycle records a running cycle. Repeated calls keep the first start time.
func (s *CycleStore) StartCycle(_ context.Context, cycleID uuid.UUID, trigger string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[cycleID]; ok {
		return nil
	}
	s.cycles[cycleID] = store.CycleRun{
		ID:        cycleID,
		Trigger:   trigger,
		StartedAt: startedAt.UTC(),
		Status:    store.CycleRunning,
	}
	return nil
}

// CompleteCycle marks the cycle finished.
func (s *CycleStore) CompleteCycle(
	_ context.Context,
	cycleID uuid.UUID,
	finishedAt time.Time,
	status store.CycleStatus,
	closed int64,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.cycles[cycleID]
	if !ok {
		run = store.CycleRun{ID: cycleID, StartedAt: finishedAt.UTC()}
	}
	finished := finishedAt.UTC()
	run.FinishedAt = &finished
	run.Status = status
	run.Closed = closed
	run.ErrorMessage = errMsg
	s.cycles[cycleID] = run
	return nil
}

// RecordSource upserts the per-source summary, keeping any reconcile fields.
func (s *CycleStore) RecordSource(_ context.Context, run store.SourceRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sourceRows(run.CycleID)
	if prev, ok := rows[run.SourceID]; ok {
		run.Closed = prev.Closed
		run.Exempt = prev.Exempt
	}
	rows[run.SourceID] = run
	return nil
}

// RecordReconcile stores the closure result for one source.
func (s *CycleStore) RecordReconcile(_ context.Context, cycleID uuid.UUID, sourceID string, closed int64, exempt *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sourceRows(cycleID)
	run, ok := rows[sourceID]
	if !ok {
		run = store.SourceRun{CycleID: cycleID, SourceID: sourceID}
	}
	run.Closed = closed
	run.Exempt = exempt
	rows[sourceID] = run
	return nil
}

// GetCycle loads one cycle.
func (s *CycleStore) GetCycle(_ context.Context, cycleID uuid.UUID) (store.CycleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.cycles[cycleID]
	if !ok {
		return store.CycleRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListCycles returns cycles newest first.
func (s *CycleStore) ListCycles(_ context.Context, status *store.CycleStatus, limit, offset int) ([]store.CycleRun, error) {
	s.mu.RLock()
	out := make([]store.CycleRun, 0, len(s.cycles))
	for _, run := range s.cycles {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

// ListCycleSources returns source rows for one cycle ordered by source ID.
func (s *CycleStore) ListCycleSources(_ context.Context, cycleID uuid.UUID, limit, offset int) ([]store.SourceRun, error) {
	s.mu.RLock()
	rows := s.sources[cycleID]
	out := make([]store.SourceRun, 0, len(rows))
	for _, run := range rows {
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return page(out, limit, offset), nil
}

func (s *CycleStore) sourceRows(cycleID uuid.UUID) map[string]store.SourceRun {
	rows, ok := s.sources[cycleID]
	if !ok {
		rows = make(map[string]store.SourceRun)
		s.sources[cycleID] = rows
	}
	return rows
}

func page[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return []T{}
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
