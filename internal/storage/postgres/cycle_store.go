package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/procurement-crawler/internal/store"
)

// CycleStore implements store.CycleRepository using Postgres.
type CycleStore struct {
	db DB
}

// NewCycleStore creates a CycleStore over an existing pool.
func NewCycleStore(db DB) *CycleStore {
	return &CycleStore{db: db}
}

// StartCycle inserts a running cycle row. Replays keep the original start.
func (s *CycleStore) StartCycle(ctx context.Context, cycleID uuid.UUID, trigger string, startedAt time.Time) error {
	query := `
		INSERT INTO cycle_runs (id, trigger, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, query, cycleID, trigger, startedAt, string(store.CycleRunning)); err != nil {
		return fmt.Errorf("failed to start cycle: %w", err)
	}
	return nil
}

// CompleteCycle marks a cycle finished with a status, closure total and optional error.
func (s *CycleStore) CompleteCycle(
	ctx context.Context,
	cycleID uuid.UUID,
	finishedAt time.Time,
	status store.CycleStatus,
	closed int64,
	errMsg *string,
) error {
	query := `
		UPDATE cycle_runs
		SET finished_at = $1, status = $2, closed = $3, error_message = $4
		WHERE id = $5;
	`
	res, err := s.db.Exec(ctx, query, finishedAt, string(status), closed, errMsg, cycleID)
	if err != nil {
		return fmt.Errorf("failed to complete cycle: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordSource upserts the summary row of one adapter run.
func (s *CycleStore) RecordSource(ctx context.Context, run store.SourceRun) error {
	query := `
		INSERT INTO cycle_sources (
			cycle_id, source_id, state, processed, created, updated, failed,
			zero_yield, error_message, duration_ms, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (cycle_id, source_id) DO UPDATE SET
			state = EXCLUDED.state,
			processed = EXCLUDED.processed,
			created = EXCLUDED.created,
			updated = EXCLUDED.updated,
			failed = EXCLUDED.failed,
			zero_yield = EXCLUDED.zero_yield,
			error_message = EXCLUDED.error_message,
			duration_ms = EXCLUDED.duration_ms,
			finished_at = EXCLUDED.finished_at;
	`
	_, err := s.db.Exec(
		ctx,
		query,
		run.CycleID,
		run.SourceID,
		run.State,
		run.Processed,
		run.Created,
		run.Updated,
		run.Failed,
		run.ZeroYield,
		run.Error,
		run.Duration.Milliseconds(),
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record source run: %w", err)
	}
	return nil
}

// RecordReconcile stores the closure count or exemption reason for a source.
func (s *CycleStore) RecordReconcile(
	ctx context.Context,
	cycleID uuid.UUID,
	sourceID string,
	closed int64,
	exempt *string,
) error {
	query := `
		INSERT INTO cycle_sources (cycle_id, source_id, closed, exempt_reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cycle_id, source_id) DO UPDATE SET
			closed = EXCLUDED.closed,
			exempt_reason = EXCLUDED.exempt_reason;
	`
	if _, err := s.db.Exec(ctx, query, cycleID, sourceID, closed, exempt); err != nil {
		return fmt.Errorf("failed to record reconcile: %w", err)
	}
	return nil
}

// GetCycle retrieves one cycle by ID.
func (s *CycleStore) GetCycle(ctx context.Context, cycleID uuid.UUID) (store.CycleRun, error) {
	query := `
		SELECT id, trigger, started_at, finished_at, status, closed, error_message
		FROM cycle_runs
		WHERE id = $1;
	`
	var (
		run    store.CycleRun
		status string
	)
	err := s.db.QueryRow(ctx, query, cycleID).Scan(
		&run.ID,
		&run.Trigger,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Closed,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CycleRun{}, store.ErrNotFound
		}
		return store.CycleRun{}, fmt.Errorf("failed to get cycle: %w", err)
	}
	run.Status = store.CycleStatus(status)
	return run, nil
}

// ListCycles retrieves cycles newest first, with optional status filtering.
func (s *CycleStore) ListCycles(
	ctx context.Context,
	status *store.CycleStatus,
	limit,
	offset int,
) ([]store.CycleRun, error) {
	query := `
		SELECT id, trigger, started_at, finished_at, status, closed, error_message
		FROM cycle_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	rows, err := s.db.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	runs := make([]store.CycleRun, 0)
	for rows.Next() {
		var (
			run store.CycleRun
			st  string
		)
		if err := rows.Scan(
			&run.ID,
			&run.Trigger,
			&run.StartedAt,
			&run.FinishedAt,
			&st,
			&run.Closed,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		run.Status = store.CycleStatus(st)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycles: %w", err)
	}
	return runs, nil
}

// ListCycleSources retrieves per-source rows for a cycle ordered by source ID.
func (s *CycleStore) ListCycleSources(
	ctx context.Context,
	cycleID uuid.UUID,
	limit,
	offset int,
) ([]store.SourceRun, error) {
	query := `
		SELECT cycle_id, source_id, state, processed, created, updated, failed, closed,
			zero_yield, exempt_reason, error_message, duration_ms, finished_at
		FROM cycle_sources
		WHERE cycle_id = $1
		ORDER BY source_id
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, cycleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle sources: %w", err)
	}
	defer rows.Close()

	out := make([]store.SourceRun, 0)
	for rows.Next() {
		var (
			run        store.SourceRun
			durationMS int64
			finishedAt *time.Time
		)
		if err := rows.Scan(
			&run.CycleID,
			&run.SourceID,
			&run.State,
			&run.Processed,
			&run.Created,
			&run.Updated,
			&run.Failed,
			&run.Closed,
			&run.ZeroYield,
			&run.Exempt,
			&run.Error,
			&durationMS,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle source row: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if finishedAt != nil {
			run.FinishedAt = *finishedAt
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycle sources: %w", err)
	}
	return out, nil
}
