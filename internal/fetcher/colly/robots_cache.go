package collyfetcher

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	robotsCacheTTL     = time.Hour
	robotsMaxBodyBytes = 512 << 10
)

type cachedRobots struct {
	status  int
	header  http.Header
	body    []byte
	fetched time.Time
}

// RobotsCacheTransport serves repeated robots.txt probes for a host from
// memory. Colly clones the collector per fetch, so without it every page of a
// paginated listing would re-download robots.txt.
type RobotsCacheTransport struct {
	base  http.RoundTripper
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	cache map[string]cachedRobots
}

// NewRobotsCacheTransport wraps base with a per-host robots.txt cache.
func NewRobotsCacheTransport(base http.RoundTripper) *RobotsCacheTransport {
	return &RobotsCacheTransport{
		base:  base,
		ttl:   robotsCacheTTL,
		now:   time.Now,
		cache: make(map[string]cachedRobots),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *RobotsCacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots cache base roundtrip: %w", err)
		}
		return resp, nil
	}

	key := req.URL.Scheme + "://" + req.URL.Host
	t.mu.Lock()
	entry, ok := t.cache[key]
	t.mu.Unlock()
	if ok && t.now().Sub(entry.fetched) < t.ttl {
		return entry.response(req), nil
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("robots cache fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	entry = cachedRobots{
		status:  resp.StatusCode,
		header:  resp.Header.Clone(),
		body:    body,
		fetched: t.now(),
	}
	// Server errors say nothing durable about the host's policy.
	if resp.StatusCode < http.StatusInternalServerError {
		t.mu.Lock()
		t.cache[key] = entry
		t.mu.Unlock()
	}
	return entry.response(req), nil
}

func (c cachedRobots) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    c.status,
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		Header:        c.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}
}
