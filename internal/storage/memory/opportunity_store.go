package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

// OpportunityStore keeps the catalog in memory for development and tests. It
// follows the same upsert and closure rules as the Postgres store.
type OpportunityStore struct {
	mu    sync.RWMutex
	byURL map[string]*opportunity.CanonicalOpportunity
	byID  map[string]*opportunity.CanonicalOpportunity
	ids   opportunity.IDGenerator
	caps  opportunity.Capabilities
}

// NewOpportunityStore constructs an in-memory store with every capability enabled.
func NewOpportunityStore(ids opportunity.IDGenerator) *OpportunityStore {
	return &OpportunityStore{
		byURL: make(map[string]*opportunity.CanonicalOpportunity),
		byID:  make(map[string]*opportunity.CanonicalOpportunity),
		ids:   ids,
		caps: opportunity.NewCapabilities(
			opportunity.CapabilityEnrichment,
			opportunity.CapabilityAttachments,
			opportunity.CapabilityChangeTracking,
			opportunity.CapabilityEnrichmentTags,
		),
	}
}

// Capabilities returns the optional features supported by the store.
func (s *OpportunityStore) Capabilities() opportunity.Capabilities {
	return s.caps
}

// Upsert inserts rec or updates the row sharing its URL.
func (s *OpportunityStore) Upsert(_ context.Context, rec opportunity.Record, seenAt time.Time) (opportunity.UpsertResult, error) {
	seenAt = seenAt.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byURL[rec.URL]
	if !ok {
		id, err := s.ids.NewID()
		if err != nil {
			return opportunity.UpsertResult{}, fmt.Errorf("allocate id: %w", err)
		}
		row = &opportunity.CanonicalOpportunity{
			ID:        id,
			Record:    rec,
			Status:    rec.StatusHint,
			DateAdded: seenAt,
			LastSeen:  seenAt,
		}
		s.byURL[rec.URL] = row
		s.byID[id] = row
		return opportunity.UpsertResult{
			ID:        id,
			Outcome:   opportunity.OutcomeCreated,
			Status:    row.Status,
			DateAdded: row.DateAdded,
			LastSeen:  row.LastSeen,
		}, nil
	}

	contentChanged := row.Fingerprint != rec.Fingerprint
	statusChanged := row.Status != rec.StatusHint
	row.Record = rec
	if seenAt.After(row.LastSeen) {
		row.LastSeen = seenAt
	}
	if contentChanged {
		row.ContentChangedAt = timePtr(seenAt)
	}
	if statusChanged {
		row.Status = rec.StatusHint
		row.StatusChangedAt = timePtr(seenAt)
	}
	return opportunity.UpsertResult{
		ID:             row.ID,
		Outcome:        opportunity.OutcomeUpdated,
		ContentChanged: contentChanged,
		StatusChanged:  statusChanged,
		Status:         row.Status,
		DateAdded:      row.DateAdded,
		LastSeen:       row.LastSeen,
	}, nil
}

// CloseStale closes open rows of sourceID unseen since asOf-grace.
func (s *OpportunityStore) CloseStale(_ context.Context, sourceID string, grace time.Duration, asOf time.Time) (int64, error) {
	cutoff := asOf.UTC().Add(-grace)
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed int64
	for _, row := range s.byURL {
		if row.SourceID != sourceID || row.Status != opportunity.StatusOpen {
			continue
		}
		if row.LastSeen.Before(cutoff) {
			row.Status = opportunity.StatusClosed
			row.StatusChangedAt = timePtr(asOf.UTC())
			closed++
		}
	}
	return closed, nil
}

// ApplyEnrichment writes only the enrichment fields of the row.
func (s *OpportunityStore) ApplyEnrichment(_ context.Context, id string, e opportunity.Enrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[id]
	if !ok {
		return opportunity.ErrNotFound
	}
	if e.Category != nil {
		row.Category = stringPtr(*e.Category)
	}
	if e.Confidence != nil {
		c := *e.Confidence
		row.Confidence = &c
	}
	if e.Summary != nil {
		row.Summary = stringPtr(*e.Summary)
	}
	if e.Tags != nil {
		row.Tags = append([]string(nil), e.Tags...)
	}
	if e.Complete {
		row.EnrichmentVersion = e.Version
		row.EnrichedAt = timePtr(e.At.UTC())
	}
	return nil
}

// ListPendingEnrichment returns rows whose enrichment version is below version,
// oldest first.
func (s *OpportunityStore) ListPendingEnrichment(_ context.Context, version int, limit int) ([]opportunity.CanonicalOpportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]opportunity.CanonicalOpportunity, 0)
	for _, row := range s.byURL {
		if row.EnrichmentVersion < version {
			out = append(out, clone(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateAdded.Equal(out[j].DateAdded) {
			return out[i].ID < out[j].ID
		}
		return out[i].DateAdded.Before(out[j].DateAdded)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get fetches a row by ID.
func (s *OpportunityStore) Get(_ context.Context, id string) (opportunity.CanonicalOpportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byID[id]
	if !ok {
		return opportunity.CanonicalOpportunity{}, opportunity.ErrNotFound
	}
	return clone(row), nil
}

// GetByURL fetches a row by canonical URL.
func (s *OpportunityStore) GetByURL(_ context.Context, url string) (opportunity.CanonicalOpportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byURL[url]
	if !ok {
		return opportunity.CanonicalOpportunity{}, opportunity.ErrNotFound
	}
	return clone(row), nil
}

// List returns rows matching filter, most recently seen first.
func (s *OpportunityStore) List(_ context.Context, filter opportunity.ListFilter) ([]opportunity.CanonicalOpportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]opportunity.CanonicalOpportunity, 0)
	for _, row := range s.byURL {
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		if filter.SourceID != "" && row.SourceID != filter.SourceID {
			continue
		}
		out = append(out, clone(row))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []opportunity.CanonicalOpportunity{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len reports the number of stored rows.
func (s *OpportunityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byURL)
}

// Close is a no-op.
func (s *OpportunityStore) Close() {}

func clone(row *opportunity.CanonicalOpportunity) opportunity.CanonicalOpportunity {
	cp := *row
	cp.Attachments = append([]opportunity.Attachment(nil), row.Attachments...)
	cp.Tags = append([]string(nil), row.Tags...)
	return cp
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
