package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
	"github.com/JakeFAU/procurement-crawler/internal/telemetry"
)

const (
	robotsReasonTimeout = "robots.txt probe timed out"
	robotsAllowAll      = "User-agent: *\nAllow: /"
	robotsProbeRetries  = 3
)

func robotsBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

// robotsAwareTransport retries slow robots.txt probes. Agency portals often
// stall on TLS; after the retries the page is treated as allowed and the
// response is flagged indeterminate instead of failing the whole source.
type robotsAwareTransport struct {
	base  http.RoundTripper
	state *robotsProbeState
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.state == nil || !isRobotsTxtRequest(req) {
		return t.base.RoundTrip(req)
	}
	return t.state.probe(req, t.base)
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req != nil && req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

// robotsProbeState is owned by a single Fetch call.
type robotsProbeState struct {
	status  fetcher.RobotsStatus
	reason  string
	backOff func() backoff.BackOff
}

func newRobotsProbeState() *robotsProbeState {
	return &robotsProbeState{backOff: robotsBackOff}
}

func (s *robotsProbeState) apply(resp *fetcher.Response) {
	if s == nil || resp == nil || s.status == fetcher.RobotsStatusUnknown {
		return
	}
	resp.RobotsStatus = s.status
	resp.RobotsReason = s.reason
}

func (s *robotsProbeState) probe(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		r, err := base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			resp = r
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.backOff(), robotsProbeRetries), req.Context())
	err := backoff.Retry(operation, policy)
	switch {
	case err == nil:
		return resp, nil
	case req.Context().Err() != nil:
		return nil, fmt.Errorf("robots probe: %w", req.Context().Err())
	case isTransient(err):
		s.status = fetcher.RobotsStatusIndeterminate
		s.reason = robotsReasonTimeout
		telemetry.ObserveProbeTLSHandshakeTimeout()
		return allowAllResponse(req), nil
	default:
		return nil, fmt.Errorf("robots probe: %w", err)
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
