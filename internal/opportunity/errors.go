package opportunity

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("opportunity not found")

// ErrObjectNotFound signals a missing blob.
var ErrObjectNotFound = errors.New("object not found")

// ErrAtomicityViolation is the only store error that is fatal to a cycle.
var ErrAtomicityViolation = errors.New("store atomicity violation")

// AdapterError reports a source-level fetch failure. Partial is true when the
// adapter still returned some records alongside the error.
type AdapterError struct {
	SourceID string
	Partial  bool
	Err      error
}

func (e *AdapterError) Error() string {
	kind := "failed"
	if e.Partial {
		kind = "partially failed"
	}
	return fmt.Sprintf("adapter %s %s: %v", e.SourceID, kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NormalizationError marks a malformed candidate that must be skipped.
type NormalizationError struct {
	SourceID string
	URL      string
	Reason   string
}

func (e *NormalizationError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("normalize %s record: %s", e.SourceID, e.Reason)
	}
	return fmt.Sprintf("normalize %s record %q: %s", e.SourceID, e.URL, e.Reason)
}

// StoreConflictError reports a conflicting concurrent write on one record.
type StoreConflictError struct {
	URL string
	Err error
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("store conflict on %q: %v", e.URL, e.Err)
}

func (e *StoreConflictError) Unwrap() error { return e.Err }

// EnrichmentError reports a failed enrichment call. It is never fatal.
type EnrichmentError struct {
	ID  string
	Op  string
	Err error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich %s (%s): %v", e.ID, e.Op, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// ReconcilerScopeError explains why a source was exempted from closure.
type ReconcilerScopeError struct {
	SourceID string
	Reason   string
}

func (e *ReconcilerScopeError) Error() string {
	return fmt.Sprintf("source %s exempt from reconciliation: %s", e.SourceID, e.Reason)
}

// IsConflict reports whether err is (or wraps) a StoreConflictError.
func IsConflict(err error) bool {
	var conflict *StoreConflictError
	return errors.As(err, &conflict)
}
