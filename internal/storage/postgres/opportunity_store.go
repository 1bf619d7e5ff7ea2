package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

const opportunitiesTable = "opportunities"

// ErrCapabilityMissing reports a call that needs a schema feature the
// database has not been migrated to.
var ErrCapabilityMissing = errors.New("schema capability missing")

// SQLSTATE codes that indicate a conflicting concurrent write.
var conflictCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"23505": {}, // unique_violation
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// OpportunityStore persists the catalog in Postgres. Optional columns are
// read and written only when the matching capability was present at startup.
type OpportunityStore struct {
	db   DB
	caps opportunity.Capabilities
	ids  opportunity.IDGenerator
}

// NewOpportunityStore loads the schema capabilities once and returns a store.
func NewOpportunityStore(ctx context.Context, db DB, ids opportunity.IDGenerator) (*OpportunityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	caps, err := LoadCapabilities(ctx, db)
	if err != nil {
		return nil, err
	}
	return NewOpportunityStoreWithCapabilities(db, caps, ids), nil
}

// NewOpportunityStoreWithCapabilities constructs a store with a known capability set.
func NewOpportunityStoreWithCapabilities(db DB, caps opportunity.Capabilities, ids opportunity.IDGenerator) *OpportunityStore {
	if caps == nil {
		caps = opportunity.NewCapabilities()
	}
	return &OpportunityStore{db: db, caps: caps, ids: ids}
}

// Capabilities returns the feature set computed when the store opened.
func (s *OpportunityStore) Capabilities() opportunity.Capabilities {
	return s.caps
}

// Close releases the underlying pool.
func (s *OpportunityStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Upsert writes rec in a single INSERT ... ON CONFLICT statement. date_added
// is never part of the update set and last_seen only moves forward.
func (s *OpportunityStore) Upsert(ctx context.Context, rec opportunity.Record, seenAt time.Time) (opportunity.UpsertResult, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return opportunity.UpsertResult{}, fmt.Errorf("allocate id: %w", err)
	}
	query, args, err := s.upsertSQL(id, rec, seenAt.UTC())
	if err != nil {
		return opportunity.UpsertResult{}, fmt.Errorf("build upsert: %w", err)
	}

	var (
		res        opportunity.UpsertResult
		inserted   bool
		status     string
		prevFP     *string
		prevStatus *string
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(
		&res.ID, &inserted, &res.DateAdded, &res.LastSeen, &status, &prevFP, &prevStatus,
	)
	if err != nil {
		return opportunity.UpsertResult{}, classifyWriteError(rec.URL, err)
	}
	res.Status = opportunity.Status(status)
	if inserted {
		res.Outcome = opportunity.OutcomeCreated
		return res, nil
	}
	res.Outcome = opportunity.OutcomeUpdated
	res.ContentChanged = prevFP != nil && *prevFP != rec.Fingerprint
	res.StatusChanged = prevStatus != nil && *prevStatus != status
	return res, nil
}

func (s *OpportunityStore) upsertSQL(id string, rec opportunity.Record, seenAt time.Time) (string, []any, error) {
	cols := []string{
		"id", "source_id", "canonical_url", "title", "body", "category_hint", "agency", "location",
		"posted_at", "due_at", "external_ref", "fingerprint", "status", "date_added", "last_seen",
	}
	vals := []any{
		id, rec.SourceID, rec.URL, rec.Title, rec.Body, rec.CategoryHint, rec.Agency, rec.Location,
		rec.PostedAt, rec.DueAt, rec.ExternalRef, rec.Fingerprint, string(rec.StatusHint), seenAt, seenAt,
	}
	updates := []string{
		"source_id = EXCLUDED.source_id",
		"title = EXCLUDED.title",
		"body = EXCLUDED.body",
		"category_hint = EXCLUDED.category_hint",
		"agency = EXCLUDED.agency",
		"location = EXCLUDED.location",
		"posted_at = EXCLUDED.posted_at",
		"due_at = EXCLUDED.due_at",
		"external_ref = EXCLUDED.external_ref",
	}
	if s.caps.Has(opportunity.CapabilityAttachments) {
		attachments, err := json.Marshal(attachmentsOrEmpty(rec.Attachments))
		if err != nil {
			return "", nil, fmt.Errorf("marshal attachments: %w", err)
		}
		cols = append(cols, "pre_bid_at", "attachments")
		vals = append(vals, rec.PreBidAt, attachments)
		updates = append(updates, "pre_bid_at = EXCLUDED.pre_bid_at", "attachments = EXCLUDED.attachments")
	}
	if s.caps.Has(opportunity.CapabilityChangeTracking) {
		// Evaluated against the pre-update row.
		updates = append(updates,
			"content_changed_at = CASE WHEN opportunities.fingerprint IS DISTINCT FROM EXCLUDED.fingerprint "+
				"THEN EXCLUDED.last_seen ELSE opportunities.content_changed_at END",
			"status_changed_at = CASE WHEN opportunities.status IS DISTINCT FROM EXCLUDED.status "+
				"THEN EXCLUDED.last_seen ELSE opportunities.status_changed_at END",
		)
	}
	updates = append(updates,
		"fingerprint = EXCLUDED.fingerprint",
		"status = EXCLUDED.status",
		"last_seen = GREATEST(opportunities.last_seen, EXCLUDED.last_seen)",
	)

	suffix := "ON CONFLICT (canonical_url) DO UPDATE SET " + strings.Join(updates, ", ") +
		" RETURNING id::text, (xmax = 0) AS inserted, date_added, last_seen, status," +
		" (SELECT fingerprint FROM prev), (SELECT status FROM prev)"

	return psql.Insert(opportunitiesTable).
		Prefix("WITH prev AS (SELECT fingerprint, status FROM opportunities WHERE canonical_url = ?)", rec.URL).
		Columns(cols...).
		Values(vals...).
		Suffix(suffix).
		ToSql()
}

// CloseStale flips open rows of sourceID whose last_seen predates asOf-grace.
// Closed rows never match, so the sweep is idempotent and never reopens.
func (s *OpportunityStore) CloseStale(ctx context.Context, sourceID string, grace time.Duration, asOf time.Time) (int64, error) {
	asOf = asOf.UTC()
	b := psql.Update(opportunitiesTable).Set("status", string(opportunity.StatusClosed))
	if s.caps.Has(opportunity.CapabilityChangeTracking) {
		b = b.Set("status_changed_at", asOf)
	}
	query, args, err := b.
		Where(sq.Eq{"source_id": sourceID, "status": string(opportunity.StatusOpen)}).
		Where(sq.Lt{"last_seen": asOf.Add(-grace)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build close stale: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("close stale %s: %w", sourceID, err)
	}
	return tag.RowsAffected(), nil
}

// ApplyEnrichment updates only enrichment columns. Nil fields are left as is.
func (s *OpportunityStore) ApplyEnrichment(ctx context.Context, id string, e opportunity.Enrichment) error {
	if !s.caps.Has(opportunity.CapabilityEnrichment) {
		return fmt.Errorf("apply enrichment: %w (%s)", ErrCapabilityMissing, opportunity.CapabilityEnrichment)
	}
	b := psql.Update(opportunitiesTable)
	set := 0
	if e.Category != nil {
		b = b.Set("category", *e.Category)
		set++
	}
	if e.Confidence != nil {
		b = b.Set("confidence", *e.Confidence)
		set++
	}
	if e.Summary != nil {
		b = b.Set("summary", *e.Summary)
		set++
	}
	if e.Tags != nil && s.caps.Has(opportunity.CapabilityEnrichmentTags) {
		b = b.Set("tags", e.Tags)
		set++
	}
	if e.Complete {
		b = b.Set("enrichment_version", e.Version).Set("enriched_at", e.At.UTC())
		set++
	}
	if set == 0 {
		return nil
	}
	query, args, err := b.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build apply enrichment: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply enrichment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return opportunity.ErrNotFound
	}
	return nil
}

// ListPendingEnrichment returns rows stamped below version, oldest first.
func (s *OpportunityStore) ListPendingEnrichment(ctx context.Context, version int, limit int) ([]opportunity.CanonicalOpportunity, error) {
	if !s.caps.Has(opportunity.CapabilityEnrichment) {
		return nil, fmt.Errorf("list pending enrichment: %w (%s)", ErrCapabilityMissing, opportunity.CapabilityEnrichment)
	}
	b := s.selectBuilder().
		Where(sq.Lt{"enrichment_version": version}).
		OrderBy("date_added ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.queryRows(ctx, b)
}

// Get fetches one row by ID.
func (s *OpportunityStore) Get(ctx context.Context, id string) (opportunity.CanonicalOpportunity, error) {
	return s.queryOne(ctx, s.selectBuilder().Where(sq.Eq{"id": id}))
}

// GetByURL fetches one row by canonical URL.
func (s *OpportunityStore) GetByURL(ctx context.Context, url string) (opportunity.CanonicalOpportunity, error) {
	return s.queryOne(ctx, s.selectBuilder().Where(sq.Eq{"canonical_url": url}))
}

// List returns rows matching filter, most recently seen first.
func (s *OpportunityStore) List(ctx context.Context, filter opportunity.ListFilter) ([]opportunity.CanonicalOpportunity, error) {
	b := s.selectBuilder().OrderBy("last_seen DESC", "id ASC")
	if filter.Status != nil {
		b = b.Where(sq.Eq{"status": string(*filter.Status)})
	}
	if filter.SourceID != "" {
		b = b.Where(sq.Eq{"source_id": filter.SourceID})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}
	return s.queryRows(ctx, b)
}

func (s *OpportunityStore) columns() []string {
	cols := []string{
		"id::text", "source_id", "canonical_url", "title", "body", "category_hint", "agency", "location",
		"posted_at", "due_at", "external_ref", "fingerprint", "status", "date_added", "last_seen",
	}
	if s.caps.Has(opportunity.CapabilityAttachments) {
		cols = append(cols, "pre_bid_at", "attachments")
	}
	if s.caps.Has(opportunity.CapabilityChangeTracking) {
		cols = append(cols, "content_changed_at", "status_changed_at")
	}
	if s.caps.Has(opportunity.CapabilityEnrichment) {
		cols = append(cols, "category", "confidence", "summary", "enrichment_version", "enriched_at")
	}
	if s.caps.Has(opportunity.CapabilityEnrichmentTags) {
		cols = append(cols, "tags")
	}
	return cols
}

func (s *OpportunityStore) selectBuilder() sq.SelectBuilder {
	return psql.Select(s.columns()...).From(opportunitiesTable)
}

func (s *OpportunityStore) queryOne(ctx context.Context, b sq.SelectBuilder) (opportunity.CanonicalOpportunity, error) {
	rows, err := s.queryRows(ctx, b.Limit(1))
	if err != nil {
		return opportunity.CanonicalOpportunity{}, err
	}
	if len(rows) == 0 {
		return opportunity.CanonicalOpportunity{}, opportunity.ErrNotFound
	}
	return rows[0], nil
}

func (s *OpportunityStore) queryRows(ctx context.Context, b sq.SelectBuilder) ([]opportunity.CanonicalOpportunity, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()

	out := make([]opportunity.CanonicalOpportunity, 0)
	for rows.Next() {
		row, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate opportunities: %w", err)
	}
	return out, nil
}

func (s *OpportunityStore) scan(rows pgx.Rows) (opportunity.CanonicalOpportunity, error) {
	var (
		row         opportunity.CanonicalOpportunity
		status      string
		attachments []byte
	)
	dest := []any{
		&row.ID, &row.SourceID, &row.URL, &row.Title, &row.Body, &row.CategoryHint, &row.Agency, &row.Location,
		&row.PostedAt, &row.DueAt, &row.ExternalRef, &row.Fingerprint, &status, &row.DateAdded, &row.LastSeen,
	}
	if s.caps.Has(opportunity.CapabilityAttachments) {
		dest = append(dest, &row.PreBidAt, &attachments)
	}
	if s.caps.Has(opportunity.CapabilityChangeTracking) {
		dest = append(dest, &row.ContentChangedAt, &row.StatusChangedAt)
	}
	if s.caps.Has(opportunity.CapabilityEnrichment) {
		dest = append(dest, &row.Category, &row.Confidence, &row.Summary, &row.EnrichmentVersion, &row.EnrichedAt)
	}
	if s.caps.Has(opportunity.CapabilityEnrichmentTags) {
		dest = append(dest, &row.Tags)
	}
	if err := rows.Scan(dest...); err != nil {
		return opportunity.CanonicalOpportunity{}, fmt.Errorf("scan opportunity: %w", err)
	}
	row.Status = opportunity.Status(status)
	row.StatusHint = row.Status
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &row.Attachments); err != nil {
			return opportunity.CanonicalOpportunity{}, fmt.Errorf("decode attachments for %s: %w", row.ID, err)
		}
		if len(row.Attachments) == 0 {
			row.Attachments = nil
		}
	}
	return row, nil
}

// classifyWriteError maps driver errors to the store taxonomy. A missing
// RETURNING row means the conditional write did not take effect.
func classifyWriteError(url string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("upsert %s returned no row: %w", url, opportunity.ErrAtomicityViolation)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := conflictCodes[pgErr.Code]; ok {
			return &opportunity.StoreConflictError{URL: url, Err: err}
		}
	}
	return fmt.Errorf("upsert %s: %w", url, err)
}

func attachmentsOrEmpty(in []opportunity.Attachment) []opportunity.Attachment {
	if in == nil {
		return []opportunity.Attachment{}
	}
	return in
}
