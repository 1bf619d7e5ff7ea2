package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/progress"
	"github.com/JakeFAU/procurement-crawler/internal/store"
)

// StoreSink persists cycle history via a store.CycleRepository. Within a batch
// it collapses repeated source events so each (cycle, source) row is written
// once, and applies writes in an order that keeps parent rows first.
type StoreSink struct {
	repo   store.CycleRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.CycleRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository. Repository errors are returned
// verbatim after wrapping.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var (
		starts     []progress.Event
		finishes   []progress.Event
		sources    = make(map[sourceKey]progress.Event)
		reconciles = make(map[sourceKey]progress.Event)
		order      []sourceKey
	)
	for _, evt := range batch {
		key := sourceKey{cycleID: evt.CycleUUID(), source: evt.Source}
		switch evt.Stage {
		case progress.StageCycleStart:
			starts = append(starts, evt)
		case progress.StageCycleDone, progress.StageCycleError:
			finishes = append(finishes, evt)
		case progress.StageSourceDone, progress.StageSourceFailed:
			if _, seen := sources[key]; !seen {
				if _, seenR := reconciles[key]; !seenR {
					order = append(order, key)
				}
			}
			sources[key] = evt
		case progress.StageReconcileDone:
			if _, seen := reconciles[key]; !seen {
				if _, seenS := sources[key]; !seenS {
					order = append(order, key)
				}
			}
			reconciles[key] = evt
		}
	}

	for _, evt := range starts {
		if err := s.repo.StartCycle(ctx, evt.CycleUUID(), evt.Trigger, evt.TS); err != nil {
			return fmt.Errorf("start cycle: %w", err)
		}
	}
	for _, key := range order {
		if evt, ok := sources[key]; ok {
			if err := s.repo.RecordSource(ctx, sourceRun(evt)); err != nil {
				return fmt.Errorf("record source %s: %w", key.source, err)
			}
		}
		if evt, ok := reconciles[key]; ok {
			if err := s.repo.RecordReconcile(ctx, key.cycleID, key.source, evt.Closed, optional(evt.Note)); err != nil {
				return fmt.Errorf("record reconcile %s: %w", key.source, err)
			}
		}
	}
	for _, evt := range finishes {
		status := store.CycleStatus(evt.Outcome)
		if !status.Valid() || status == store.CycleRunning {
			status = store.CycleSuccess
			if evt.Stage == progress.StageCycleError {
				status = store.CycleError
			}
		}
		if err := s.repo.CompleteCycle(ctx, evt.CycleUUID(), evt.TS, status, evt.Closed, optional(evt.Note)); err != nil {
			return fmt.Errorf("complete cycle: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func sourceRun(evt progress.Event) store.SourceRun {
	run := store.SourceRun{
		CycleID:    evt.CycleUUID(),
		SourceID:   evt.Source,
		State:      evt.State,
		Processed:  evt.Processed,
		Created:    evt.Created,
		Updated:    evt.Updated,
		Failed:     evt.Failed,
		ZeroYield:  evt.ZeroYield,
		Duration:   evt.Dur,
		FinishedAt: evt.TS,
	}
	if evt.Stage == progress.StageSourceFailed {
		run.Error = optional(evt.Note)
	}
	return run
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type sourceKey struct {
	cycleID uuid.UUID
	source  string
}
