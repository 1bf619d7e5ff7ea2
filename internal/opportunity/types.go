package opportunity

import (
	"sort"
	"time"
)

// Status is the inferred lifecycle state of an opportunity.
type Status string

// Supported lifecycle states.
const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Attachment references a document published alongside a listing.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CandidateRecord is the shape every adapter must produce.
type CandidateRecord struct {
	SourceID     string       `json:"source_id"`
	URL          string       `json:"url"`
	Title        string       `json:"title"`
	Body         string       `json:"body"`
	CategoryHint string       `json:"category_hint,omitempty"`
	Agency       string       `json:"agency,omitempty"`
	Location     string       `json:"location,omitempty"`
	PostedAt     *time.Time   `json:"posted_at,omitempty"`
	DueAt        *time.Time   `json:"due_at,omitempty"`
	PreBidAt     *time.Time   `json:"pre_bid_at,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	ExternalRef  string       `json:"external_ref,omitempty"`
	StatusHint   Status       `json:"status_hint,omitempty"`
}

// Record is a normalized candidate carrying its content fingerprint.
type Record struct {
	CandidateRecord
	Fingerprint string `json:"fingerprint"`
}

// CanonicalOpportunity is the persisted entity keyed by canonical URL.
type CanonicalOpportunity struct {
	ID string `json:"id"`
	Record
	Status           Status     `json:"status"`
	DateAdded        time.Time  `json:"date_added"`
	LastSeen         time.Time  `json:"last_seen"`
	ContentChangedAt *time.Time `json:"content_changed_at,omitempty"`
	StatusChangedAt  *time.Time `json:"status_changed_at,omitempty"`

	Category          *string    `json:"category"`
	Confidence        *float64   `json:"confidence"`
	Summary           *string    `json:"summary"`
	Tags              []string   `json:"tags"`
	EnrichmentVersion int        `json:"enrichment_version"`
	EnrichedAt        *time.Time `json:"enriched_at,omitempty"`
}

// UpsertOutcome tells whether an upsert inserted or updated a row.
type UpsertOutcome string

// Upsert outcomes.
const (
	OutcomeCreated UpsertOutcome = "created"
	OutcomeUpdated UpsertOutcome = "updated"
)

// UpsertResult reports the stored state after an upsert.
type UpsertResult struct {
	ID             string
	Outcome        UpsertOutcome
	ContentChanged bool
	StatusChanged  bool
	Status         Status
	DateAdded      time.Time
	LastSeen       time.Time
}

// Enrichment carries the fields written by the enrichment path. Nil fields are
// left untouched; Version is stamped only when Complete is true.
type Enrichment struct {
	Category   *string
	Confidence *float64
	Summary    *string
	Tags       []string
	Version    int
	Complete   bool
	At         time.Time
}

// Empty reports whether the payload carries no field at all.
func (e Enrichment) Empty() bool {
	return e.Category == nil && e.Confidence == nil && e.Summary == nil && len(e.Tags) == 0
}

// EnrichmentTask is one unit of queued enrichment work.
type EnrichmentTask struct {
	ID       string
	URL      string
	SourceID string
	Title    string
	Body     string
}

// TaskFor builds an enrichment task for a persisted record.
func TaskFor(id string, rec Record) EnrichmentTask {
	return EnrichmentTask{
		ID:       id,
		URL:      rec.URL,
		SourceID: rec.SourceID,
		Title:    rec.Title,
		Body:     rec.Body,
	}
}

// ListFilter narrows catalog reads.
type ListFilter struct {
	Status   *Status
	SourceID string
	Limit    int
	Offset   int
}

// Capability names for optional schema features.
const (
	CapabilityEnrichment     = "enrichment"
	CapabilityAttachments    = "attachments"
	CapabilityChangeTracking = "change_tracking"
	CapabilityEnrichmentTags = "enrichment_tags"
)

// Capabilities is the set of optional schema features available to callers.
// It is computed once when the store opens and passed around by value.
type Capabilities map[string]struct{}

// NewCapabilities builds a capability set.
func NewCapabilities(names ...string) Capabilities {
	c := make(Capabilities, len(names))
	for _, n := range names {
		c[n] = struct{}{}
	}
	return c
}

// Has reports whether name is present.
func (c Capabilities) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Names returns the sorted capability names.
func (c Capabilities) Names() []string {
	out := make([]string, 0, len(c))
	for n := range c {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ChangeKind labels a published catalog change.
type ChangeKind string

// Published change kinds.
const (
	ChangeCreated  ChangeKind = "opportunity.created"
	ChangeUpdated  ChangeKind = "opportunity.updated"
	ChangeReopened ChangeKind = "opportunity.reopened"
	ChangeClosed   ChangeKind = "source.closed"
)

// ChangeEvent is the payload published for catalog changes.
type ChangeEvent struct {
	Kind        ChangeKind `json:"kind"`
	CycleID     string     `json:"cycle_id"`
	SourceID    string     `json:"source_id"`
	ID          string     `json:"id,omitempty"`
	URL         string     `json:"url,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Count       int64      `json:"count,omitempty"`
	At          time.Time  `json:"at"`
}

// EventKind exposes the kind as a message attribute.
func (e ChangeEvent) EventKind() string {
	return string(e.Kind)
}
