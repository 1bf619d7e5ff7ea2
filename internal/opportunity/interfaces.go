package opportunity

import (
	"context"
	"io"
	"time"
)

// Store is the only mutable shared resource of an ingestion cycle.
type Store interface {
	// Upsert inserts or atomically updates the row keyed by rec.URL.
	Upsert(ctx context.Context, rec Record, seenAt time.Time) (UpsertResult, error)
	// CloseStale flips open rows of sourceID unseen since asOf-grace to closed.
	CloseStale(ctx context.Context, sourceID string, grace time.Duration, asOf time.Time) (int64, error)
	// Capabilities returns the optional features computed when the store opened.
	Capabilities() Capabilities
}

// EnrichmentStore is the isolated write path for enrichment fields.
type EnrichmentStore interface {
	ApplyEnrichment(ctx context.Context, id string, e Enrichment) error
	ListPendingEnrichment(ctx context.Context, version int, limit int) ([]CanonicalOpportunity, error)
}

// Reader serves catalog reads.
type Reader interface {
	Get(ctx context.Context, id string) (CanonicalOpportunity, error)
	GetByURL(ctx context.Context, url string) (CanonicalOpportunity, error)
	List(ctx context.Context, filter ListFilter) ([]CanonicalOpportunity, error)
}

// Repository bundles every store role implemented by a backend.
type Repository interface {
	Store
	EnrichmentStore
	Reader
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// BlobReader reads artifacts back. Missing objects return ErrObjectNotFound.
type BlobReader interface {
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// SnapshotStore writes and reads snapshots.
type SnapshotStore interface {
	BlobStore
	BlobReader
}

// SnapshotPath is the blob path of one source's raw candidates in a cycle.
func SnapshotPath(cycleID, sourceID string) string {
	return "snapshots/" + cycleID + "/" + sourceID + ".json"
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
