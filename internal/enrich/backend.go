// Package enrich derives category, confidence, summary and tags for stored
// opportunities through a pluggable Backend. It runs beside ingestion and only
// ever writes enrichment columns.
package enrich

import (
	"context"
	"errors"
)

// ErrBackendUnavailable is returned by the disabled backend.
var ErrBackendUnavailable = errors.New("enrichment backend unavailable")

// Backend performs the three enrichment calls.
type Backend interface {
	Classify(ctx context.Context, text string) (category string, confidence float64, err error)
	Summarize(ctx context.Context, text string) (string, error)
	ExtractTags(ctx context.Context, text string) ([]string, error)
}

// Disabled fails every call immediately.
type Disabled struct{}

// Classify implements Backend.
func (Disabled) Classify(context.Context, string) (string, float64, error) {
	return "", 0, ErrBackendUnavailable
}

// Summarize implements Backend.
func (Disabled) Summarize(context.Context, string) (string, error) {
	return "", ErrBackendUnavailable
}

// ExtractTags implements Backend.
func (Disabled) ExtractTags(context.Context, string) ([]string, error) {
	return nil, ErrBackendUnavailable
}
