package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

func record(url, fp string, due *time.Time) opportunity.Record {
	return opportunity.Record{
		CandidateRecord: opportunity.CandidateRecord{
			SourceID:   "x",
			URL:        url,
			Title:      "Roof Repair",
			DueAt:      due,
			StatusHint: opportunity.StatusOpen,
		},
		Fingerprint: fp,
	}
}

func TestOpportunityStoreFirstInsert(t *testing.T) {
	t.Parallel()

	s := NewOpportunityStore(&seqIDs{})
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	due := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	res, err := s.Upsert(context.Background(), record("https://x/1", "fp1", &due), now)
	require.NoError(t, err)
	require.Equal(t, opportunity.OutcomeCreated, res.Outcome)

	row, err := s.GetByURL(context.Background(), "https://x/1")
	require.NoError(t, err)
	require.Equal(t, opportunity.StatusOpen, row.Status)
	require.True(t, row.DateAdded.Equal(now))
	require.True(t, row.LastSeen.Equal(now))
	require.Nil(t, row.Category)
	require.Nil(t, row.Summary)
	require.Equal(t, 1, s.Len())
}

func TestOpportunityStoreUpdateKeepsDateAdded(t *testing.T) {
	t.Parallel()

	s := NewOpportunityStore(&seqIDs{})
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	due := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	newDue := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	first, err := s.Upsert(ctx, record("https://x/1", "fp1", &due), now)
	require.NoError(t, err)
	second, err := s.Upsert(ctx, record("https://x/1", "fp2", &newDue), now.Add(2*time.Hour))
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, opportunity.OutcomeUpdated, second.Outcome)
	require.True(t, second.ContentChanged)
	row, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, row.DateAdded.Equal(now))
	require.True(t, row.LastSeen.Equal(now.Add(2*time.Hour)))
	require.True(t, row.DueAt.Equal(newDue))
	require.Equal(t, "fp2", row.Fingerprint)
	require.NotNil(t, row.ContentChangedAt)
}

func TestOpportunityStoreIdempotentAndMonotonic(t *testing.T) {
	t.Parallel()

	s := NewOpportunityStore(&seqIDs{})
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	rec := record("https://x/1", "fp1", nil)

	_, err := s.Upsert(ctx, rec, now)
	require.NoError(t, err)
	res, err := s.Upsert(ctx, rec, now)
	require.NoError(t, err)
	require.False(t, res.ContentChanged)
	require.False(t, res.StatusChanged)
	require.Equal(t, 1, s.Len())

	// An older observation never moves last_seen backwards.
	res, err = s.Upsert(ctx, rec, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, res.LastSeen.Equal(now))
}

func TestOpportunityStoreCloseStale(t *testing.T) {
	t.Parallel()

	s := NewOpportunityStore(&seqIDs{})
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Upsert(ctx, record("https://x/1", "fp1", nil), t0)
	require.NoError(t, err)
	other := record("https://y/1", "fp", nil)
	other.SourceID = "y"
	_, err = s.Upsert(ctx, other, t0)
	require.NoError(t, err)

	n, err := s.CloseStale(ctx, "x", 24*time.Hour, t0.Add(10*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.CloseStale(ctx, "x", 24*time.Hour, t0.Add(30*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Already closed rows are untouched on a second sweep.
	n, err = s.CloseStale(ctx, "x", 24*time.Hour, t0.Add(40*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	row, err := s.GetByURL(ctx, "https://x/1")
	require.NoError(t, err)
	require.Equal(t, opportunity.StatusClosed, row.Status)
	row, err = s.GetByURL(ctx, "https://y/1")
	require.NoError(t, err)
	require.Equal(t, opportunity.StatusOpen, row.Status)

	// Only a fresh observation reopens.
	res, err := s.Upsert(ctx, record("https://x/1", "fp1", nil), t0.Add(41*time.Hour))
	require.NoError(t, err)
	require.True(t, res.StatusChanged)
	require.Equal(t, opportunity.StatusOpen, res.Status)
}

func TestOpportunityStoreEnrichmentIsolation(t *testing.T) {
	t.Parallel()

	s := NewOpportunityStore(&seqIDs{})
	ctx := context.Background()
	now := time.Now().UTC()
	res, err := s.Upsert(ctx, record("https://x/1", "fp1", nil), now)
	require.NoError(t, err)

	summary := "replace roof"
	require.NoError(t, s.ApplyEnrichment(ctx, res.ID, opportunity.Enrichment{Summary: &summary}))
	pending, err := s.ListPendingEnrichment(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	cat := "construction"
	conf := 0.9
	require.NoError(t, s.ApplyEnrichment(ctx, res.ID, opportunity.Enrichment{
		Category: &cat, Confidence: &conf, Tags: []string{"roofing"}, Version: 1, Complete: true, At: now,
	}))
	pending, err = s.ListPendingEnrichment(ctx, 1, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Re-ingesting never clears enrichment fields.
	_, err = s.Upsert(ctx, record("https://x/1", "fp2", nil), now.Add(time.Hour))
	require.NoError(t, err)
	row, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, "construction", *row.Category)
	require.Equal(t, "replace roof", *row.Summary)
	require.Equal(t, 1, row.EnrichmentVersion)

	require.ErrorIs(t, s.ApplyEnrichment(ctx, "missing", opportunity.Enrichment{}), opportunity.ErrNotFound)
}

func TestOpportunityStoreConcurrentDistinctURLs(t *testing.T) {
	t.Parallel()

	s := NewOpportunityStore(&seqIDs{})
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Upsert(ctx, record(fmt.Sprintf("https://x/%d", i%10), "fp", nil), time.Now())
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 10, s.Len())
}

func TestOpportunityStoreList(t *testing.T) {
	t.Parallel()

	s := NewOpportunityStore(&seqIDs{})
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.Upsert(ctx, record(fmt.Sprintf("https://x/%d", i), "fp", nil), t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	_, err := s.CloseStale(ctx, "x", time.Hour, t0.Add(2*time.Hour))
	require.NoError(t, err)

	open := opportunity.StatusOpen
	rows, err := s.List(ctx, opportunity.ListFilter{Status: &open})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "https://x/2", rows[0].URL)

	rows, err = s.List(ctx, opportunity.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "https://x/1", rows[0].URL)

	rows, err = s.List(ctx, opportunity.ListFilter{SourceID: "nope"})
	require.NoError(t, err)
	require.Empty(t, rows)
}
