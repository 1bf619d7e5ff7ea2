// Package uuid issues opportunity and cycle identifiers.
package uuid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotCycleID is returned by ParseCycleID for well-formed UUIDs that were
// not issued by NewCycleID.
var ErrNotCycleID = errors.New("not a cycle id")

// Generator issues v7 UUIDs. Opportunity IDs and cycle IDs come from the same
// monotonic source, so both sort by creation time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID implements opportunity.IDGenerator.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate opportunity id: %w", err)
	}
	return id.String(), nil
}

// NewCycleID returns the identifier of a new ingestion cycle.
func (Generator) NewCycleID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate cycle id: %w", err)
	}
	return id, nil
}

// ParseCycleID parses raw and rejects anything other than a v7 UUID.
func ParseCycleID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse cycle id: %w", err)
	}
	if id.Version() != 7 {
		return uuid.Nil, ErrNotCycleID
	}
	return id, nil
}
