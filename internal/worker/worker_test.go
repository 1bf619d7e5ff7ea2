package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/enrich"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/queue/memory"
)

type fakeEnricher struct {
	mu      sync.Mutex
	seen    []string
	outcome enrich.Outcome
}

func (f *fakeEnricher) Enrich(_ context.Context, task opportunity.EnrichmentTask) enrich.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, task.ID)
	return enrich.Result{ID: task.ID, Outcome: f.outcome}
}

func (f *fakeEnricher) Seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func TestWorkerDrainsQueueInOrder(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.TryEnqueue(opportunity.EnrichmentTask{ID: id}))
	}
	enricher := &fakeEnricher{outcome: enrich.OutcomeEnriched}
	w := New(1, q, enricher, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(enricher.Seen()) == 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, enricher.Seen())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	require.NoError(t, q.TryEnqueue(opportunity.EnrichmentTask{ID: "only"}))
	q.Close()

	enricher := &fakeEnricher{outcome: enrich.OutcomeFailed}
	done := make(chan struct{})
	go func() {
		New(2, q, enricher, nil).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after close")
	}
	require.Equal(t, []string{"only"}, enricher.Seen())
}
