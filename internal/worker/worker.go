// Package worker implements the enrichment execution loop.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/enrich"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/queue/memory"
	"github.com/JakeFAU/procurement-crawler/internal/telemetry"
)

// Queue is the consumer side of the enrichment queue.
type Queue interface {
	Dequeue(ctx context.Context) (opportunity.EnrichmentTask, error)
	Len() int
}

// Enricher processes one task.
type Enricher interface {
	Enrich(ctx context.Context, task opportunity.EnrichmentTask) enrich.Result
}

// Worker consumes enrichment tasks until its context ends or the queue closes.
type Worker struct {
	id       int
	queue    Queue
	enricher Enricher
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, queue Queue, enricher Enricher, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		enricher: enricher,
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		telemetry.SetQueueDepth(w.queue.Len())
		w.logger.Debug("dequeued task", zap.String("id", task.ID), zap.String("url", task.URL))
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task opportunity.EnrichmentTask) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	res := w.enricher.Enrich(ctx, task)
	if res.Outcome == enrich.OutcomeFailed {
		w.logger.Warn("enrichment failed",
			zap.String("id", task.ID),
			zap.String("source_id", task.SourceID),
			zap.Error(errors.Join(res.Errs...)),
		)
	}
}
