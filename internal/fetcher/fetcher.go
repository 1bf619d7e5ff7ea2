// Package fetcher defines the page retrieval contract shared by adapters.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RobotsStatus records what was learned while probing robots.txt.
type RobotsStatus string

// Robots probe outcomes.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// ErrBlockedByRobots reports a page disallowed by the host's robots.txt.
// Retrying cannot help.
var ErrBlockedByRobots = errors.New("blocked by robots.txt")

// Request describes one page to retrieve.
type Request struct {
	URL     string
	Headers http.Header
	// WaitSelector lets renderers wait for content before capturing.
	WaitSelector string
	// RespectRobotsProvided lets a single request override the fetcher default.
	RespectRobotsProvided bool
	RespectRobots         bool
}

// Response is a retrieved page.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	RobotsStatus RobotsStatus
	RobotsReason string
}

// Fetcher retrieves pages.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a non-2xx response. Adapters use the status code to
// decide whether a retry can help.
type StatusError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
