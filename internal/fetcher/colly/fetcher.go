// Package collyfetcher retrieves static listing pages with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
	"github.com/JakeFAU/procurement-crawler/internal/telemetry"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultAccept       = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements fetcher.Fetcher with one short-lived collector per page.
// Collectors share the pooled transport and its robots.txt cache.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Fetcher{
		cfg:       cfg,
		transport: NewRobotsCacheTransport(newHTTPTransport()),
	}
}

// Fetch GETs one page. Error statuses come back as a Response so the caller
// decides whether to retry; transport failures and robots.txt blocks are
// errors. Robots blocks wrap fetcher.ErrBlockedByRobots.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if err := ctx.Err(); err != nil {
		return fetcher.Response{}, fmt.Errorf("colly fetch canceled: %w", err)
	}
	respectRobots := f.cfg.RespectRobots
	if req.RespectRobotsProvided {
		respectRobots = req.RespectRobots
	}
	c, probe := f.collector(respectRobots)

	// Callbacks run on the Visit goroutine; out is only read after done
	// delivers, so an abandoned visit never races the caller.
	var out fetcher.Response
	start := time.Now()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", defaultAccept)
		for key, values := range req.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		out = fetcher.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			out.Headers = r.Headers.Clone()
		}
		telemetry.ObserveFetch(out.URL, strconv.Itoa(r.StatusCode), len(r.Body))
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(req.URL)
	}()
	select {
	case <-ctx.Done():
		return fetcher.Response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			telemetry.ObserveFetch(req.URL, "robots_blocked", 0)
			return fetcher.Response{}, fmt.Errorf("%s: %w", req.URL, fetcher.ErrBlockedByRobots)
		}
		if err != nil {
			telemetry.ObserveFetch(req.URL, "error", 0)
			return fetcher.Response{}, fmt.Errorf("colly visit %s: %w", req.URL, err)
		}
		if out.StatusCode == 0 {
			return fetcher.Response{}, fmt.Errorf("colly visit %s: no response", req.URL)
		}
		probe.apply(&out)
		return out, nil
	}
}

func (f *Fetcher) collector(respectRobots bool) (*colly.Collector, *robotsProbeState) {
	c := colly.NewCollector(
		// Adapters retry pages and every cycle re-reads them.
		colly.AllowURLRevisit(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.DetectCharset(),
	)
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !respectRobots
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)

	if !respectRobots {
		c.WithTransport(f.transport)
		return c, nil
	}
	probe := newRobotsProbeState()
	c.WithTransport(&robotsAwareTransport{base: f.transport, state: probe})
	return c, probe
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
