// Package system provides a real clock implementation.
package system

import "time"

// Clock implements opportunity.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a Clock frozen at a settable instant. Tests and replay tooling use it
// to pin seen_at across a cycle.
type Fixed struct {
	T time.Time
}

// Now returns the frozen instant.
func (f *Fixed) Now() time.Time {
	return f.T
}

// Advance moves the frozen instant forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.T = f.T.Add(d)
}
