// Package detector decides when a statically fetched listing page needs a
// headless render, and wraps a fetcher pair with that decision.
package detector

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// ShouldPromote reports whether resp looks like a client-rendered shell.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: the rest of the document counts as script.
			covered += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered > 0 && covered*100/total >= 25
}

// Promoting fetches statically first and re-fetches through the headless
// fetcher when the heuristic flags the page.
type Promoting struct {
	static   fetcher.Fetcher
	headless fetcher.Fetcher
	detector *Heuristic
	logger   *zap.Logger
}

// NewPromoting wraps static and headless. A nil detector uses the defaults.
func NewPromoting(static, headless fetcher.Fetcher, d *Heuristic, logger *zap.Logger) *Promoting {
	if d == nil {
		d = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{static: static, headless: headless, detector: d, logger: logger.Named("detector")}
}

// Fetch implements fetcher.Fetcher. When the headless render fails the static
// response is returned unchanged.
func (p *Promoting) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	resp, err := p.static.Fetch(ctx, req)
	if err != nil || p.headless == nil || !p.detector.ShouldPromote(resp) {
		return resp, err
	}
	rendered, herr := p.headless.Fetch(ctx, req)
	if herr != nil {
		p.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(herr))
		return resp, nil
	}
	p.logger.Debug("promoted to headless", zap.String("url", req.URL))
	return rendered, nil
}
