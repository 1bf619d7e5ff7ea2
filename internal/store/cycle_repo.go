package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("cycle record not found")

// CycleStatus mirrors the cycle_runs status column.
type CycleStatus string

// Cycle statuses persisted in cycle_runs.status.
const (
	CycleRunning CycleStatus = "running"
	CycleSuccess CycleStatus = "success"
	CyclePartial CycleStatus = "partial"
	CycleError   CycleStatus = "error"
)

// Valid reports whether s is a known status.
func (s CycleStatus) Valid() bool {
	switch s {
	case CycleRunning, CycleSuccess, CyclePartial, CycleError:
		return true
	}
	return false
}

// CycleRun models the cycle_runs table for API responses.
type CycleRun struct {
	ID      uuid.UUID
	Trigger string
	// StartedAt captures when the cycle was marked running.
	StartedAt time.Time
	// FinishedAt is nil until the cycle completes.
	FinishedAt *time.Time
	Status     CycleStatus
	// Closed totals records closed by the reconciler in this cycle.
	Closed       int64
	ErrorMessage *string
}

// SourceRun captures one adapter's summary within a cycle.
type SourceRun struct {
	CycleID    uuid.UUID
	SourceID   string
	State      string
	Processed  int64
	Created    int64
	Updated    int64
	Failed     int64
	Closed     int64
	ZeroYield  bool
	Exempt     *string
	Error      *string
	Duration   time.Duration
	FinishedAt time.Time
}

// CycleRepository persists cycle history.
type CycleRepository interface {
	// StartCycle inserts (or idempotently refreshes) a running cycle row.
	StartCycle(ctx context.Context, cycleID uuid.UUID, trigger string, startedAt time.Time) error
	// CompleteCycle marks the cycle finished with a status, closure total and error.
	CompleteCycle(
		ctx context.Context,
		cycleID uuid.UUID,
		finishedAt time.Time,
		status CycleStatus,
		closed int64,
		errMsg *string,
	) error
	// RecordSource upserts a per-source summary row.
	RecordSource(ctx context.Context, run SourceRun) error
	// RecordReconcile stores the closure count or exemption reason for a source.
	RecordReconcile(ctx context.Context, cycleID uuid.UUID, sourceID string, closed int64, exempt *string) error

	// GetCycle loads a single cycle or returns ErrNotFound.
	GetCycle(ctx context.Context, cycleID uuid.UUID) (CycleRun, error)
	// ListCycles returns cycles filtered by optional status plus limit/offset.
	ListCycles(ctx context.Context, status *CycleStatus, limit, offset int) ([]CycleRun, error)
	// ListCycleSources returns per-source rows for one cycle.
	ListCycleSources(ctx context.Context, cycleID uuid.UUID, limit, offset int) ([]SourceRun, error)
}
