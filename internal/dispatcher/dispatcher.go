// Package dispatcher manages enrichment worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/telemetry"
	"github.com/JakeFAU/procurement-crawler/internal/worker"
)

// Queue is the producer side of the enrichment queue.
type Queue interface {
	TryEnqueue(task opportunity.EnrichmentTask) error
	Len() int
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until they exit, either because the
// context finished or because the queue was closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Submit enqueues task without blocking. A full queue is reported to the
// caller, which leaves the record for backfill.
func (d *Dispatcher) Submit(task opportunity.EnrichmentTask) error {
	if err := d.queue.TryEnqueue(task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	telemetry.SetQueueDepth(d.queue.Len())
	return nil
}
