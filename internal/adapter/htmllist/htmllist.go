// Package htmllist is the reference adapter: it scrapes paginated HTML
// listing pages with CSS selectors.
package htmllist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/adapter"
	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
	"github.com/JakeFAU/procurement-crawler/internal/headless/detector"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

// Kind is the registry key of this adapter.
const Kind = "htmllist"

const defaultMaxPages = 10

// ErrPageLimit marks a listing cut short by MaxPages.
var ErrPageLimit = errors.New("listing exceeds page limit")

// DefaultDateLayouts are tried in order when a source sets none.
var DefaultDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 3:04 PM",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// Selectors locate fields inside a listing page. Field selectors are relative
// to Row. A selector of the form "css@attr" reads the attribute instead of the
// element text.
type Selectors struct {
	Row         string
	Title       string
	Link        string
	Body        string
	Agency      string
	Location    string
	Category    string
	Ref         string
	Status      string
	Posted      string
	Due         string
	PreBid      string
	Attachments string
	Next        string
}

// RetryConfig bounds the per-page retry loop.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config describes one listing source.
type Config struct {
	ID          string
	StartURL    string
	MaxPages    int
	PageParam   string
	Selectors   Selectors
	DateLayouts []string
	Retry       RetryConfig
}

// Adapter scrapes one listing source.
type Adapter struct {
	cfg     Config
	fetcher fetcher.Fetcher
	limiter adapter.Limiter
	logger  *zap.Logger
}

// New validates cfg and builds an adapter. limiter may be nil.
func New(cfg Config, f fetcher.Fetcher, limiter adapter.Limiter, logger *zap.Logger) (*Adapter, error) {
	if cfg.ID == "" {
		return nil, errors.New("source id is required")
	}
	if f == nil {
		return nil, errors.New("fetcher is required")
	}
	u, err := url.Parse(cfg.StartURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("start url %q must be absolute http(s)", cfg.StartURL)
	}
	if cfg.Selectors.Row == "" {
		return nil, errors.New("row selector is required")
	}
	if cfg.Selectors.Link == "" {
		cfg.Selectors.Link = "a@href"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if len(cfg.DateLayouts) == 0 {
		cfg.DateLayouts = DefaultDateLayouts
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		fetcher: f,
		limiter: limiter,
		logger:  logger.Named("htmllist").With(zap.String("source_id", cfg.ID)),
	}, nil
}

// Build is the adapter.Builder for this kind.
func Build(spec adapter.Spec, deps adapter.Deps) (adapter.Adapter, error) {
	opt := spec.Options
	cfg := Config{
		ID:        spec.ID,
		StartURL:  spec.URL,
		PageParam: opt["page_param"],
		Selectors: Selectors{
			Row:         opt["row"],
			Title:       opt["title"],
			Link:        opt["link"],
			Body:        opt["body"],
			Agency:      opt["agency"],
			Location:    opt["location"],
			Category:    opt["category"],
			Ref:         opt["ref"],
			Status:      opt["status"],
			Posted:      opt["posted"],
			Due:         opt["due"],
			PreBid:      opt["pre_bid"],
			Attachments: opt["attachments"],
			Next:        opt["next"],
		},
	}
	if v := opt["max_pages"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("max_pages: %w", err)
		}
		cfg.MaxPages = n
	}
	if v := opt["retries"]; v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("retries: %w", err)
		}
		cfg.Retry.MaxRetries = n
	}
	if v := opt["date_layouts"]; v != "" {
		cfg.DateLayouts = strings.Split(v, "|")
	}
	f := deps.Static
	switch {
	case spec.Headless:
		f = deps.Headless
	case opt["render"] == "auto" && deps.Headless != nil:
		f = detector.NewPromoting(deps.Static, deps.Headless, nil, deps.Logger)
	}
	return New(cfg, f, deps.Limiter, deps.Logger)
}

// ID implements adapter.Adapter.
func (a *Adapter) ID() string {
	return a.cfg.ID
}

// Fetch walks the listing pages. A failure on the first page is total; a
// failure after that, or hitting MaxPages with a next page pending, returns
// the records gathered so far as a partial result.
func (a *Adapter) Fetch(ctx context.Context) ([]opportunity.CandidateRecord, error) {
	var (
		out     []opportunity.CandidateRecord
		skipped int
		pages   int
	)
	visited := make(map[string]struct{})
	pageURL := a.cfg.StartURL
	for page := 1; page <= a.cfg.MaxPages && pageURL != ""; page++ {
		if _, seen := visited[pageURL]; seen {
			break
		}
		visited[pageURL] = struct{}{}

		doc, base, err := a.fetchPage(ctx, pageURL)
		if err != nil {
			a.logger.Warn("listing page failed", zap.Int("page", page), zap.String("url", pageURL), zap.Error(err))
			return out, &opportunity.AdapterError{
				SourceID: a.cfg.ID,
				Partial:  page > 1,
				Err:      fmt.Errorf("page %d: %w", page, err),
			}
		}
		pages++
		rows, bad := a.parseRows(doc, base)
		out = append(out, rows...)
		skipped += bad
		if len(rows) == 0 && bad == 0 {
			break
		}
		pageURL = a.nextPage(doc, base, page)
	}
	if _, seen := visited[pageURL]; pageURL != "" && !seen {
		// The page cap cut the listing short; records past it were not re-checked.
		a.logger.Warn("listing truncated at page limit",
			zap.Int("max_pages", a.cfg.MaxPages),
			zap.String("next", pageURL),
			zap.Int("records", len(out)),
		)
		return out, &opportunity.AdapterError{
			SourceID: a.cfg.ID,
			Partial:  true,
			Err:      fmt.Errorf("%w: %d pages, next %s", ErrPageLimit, a.cfg.MaxPages, pageURL),
		}
	}
	a.logger.Info("listing fetched",
		zap.Int("pages", pages),
		zap.Int("records", len(out)),
		zap.Int("skipped_rows", skipped),
	)
	return out, nil
}

func (a *Adapter) fetchPage(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	var (
		doc  *goquery.Document
		base *url.URL
	)
	operation := func() error {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx, pageURL); err != nil {
				return backoff.Permanent(err)
			}
		}
		resp, err := a.fetcher.Fetch(ctx, fetcher.Request{URL: pageURL, WaitSelector: a.cfg.Selectors.Row})
		if err != nil {
			var statusErr *fetcher.StatusError
			if ctx.Err() != nil || errors.Is(err, fetcher.ErrBlockedByRobots) ||
				(errors.As(err, &statusErr) && !statusErr.Retryable()) {
				return backoff.Permanent(err)
			}
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			statusErr := &fetcher.StatusError{URL: pageURL, StatusCode: resp.StatusCode}
			if statusErr.Retryable() {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("parse document: %w", err))
		}
		doc = parsed
		base, err = url.Parse(pageURL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if resp.URL != "" {
			if final, err := url.Parse(resp.URL); err == nil && final.IsAbs() {
				base = final
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.Retry.InitialInterval
	b.MaxInterval = a.cfg.Retry.MaxInterval
	b.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		a.logger.Debug("retrying listing page", zap.String("url", pageURL), zap.Duration("wait", wait), zap.Error(err))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, a.cfg.Retry.MaxRetries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, nil, err
	}
	return doc, base, nil
}

func (a *Adapter) parseRows(doc *goquery.Document, base *url.URL) ([]opportunity.CandidateRecord, int) {
	var (
		rows    []opportunity.CandidateRecord
		skipped int
	)
	doc.Find(a.cfg.Selectors.Row).Each(func(i int, row *goquery.Selection) {
		rec, err := a.parseRow(row, base)
		if err != nil {
			skipped++
			a.logger.Debug("skipping row", zap.Int("row", i), zap.Error(err))
			return
		}
		rows = append(rows, rec)
	})
	return rows, skipped
}

func (a *Adapter) parseRow(row *goquery.Selection, base *url.URL) (opportunity.CandidateRecord, error) {
	sel := a.cfg.Selectors
	href := extract(row, sel.Link)
	if href == "" {
		return opportunity.CandidateRecord{}, errors.New("row has no link")
	}
	link, err := resolve(base, href)
	if err != nil {
		return opportunity.CandidateRecord{}, fmt.Errorf("row link %q: %w", href, err)
	}
	title := extract(row, sel.Title)
	if title == "" && sel.Title == "" {
		title = extract(row, "a")
	}
	rec := opportunity.CandidateRecord{
		SourceID:     a.cfg.ID,
		URL:          link,
		Title:        title,
		Body:         extractHTML(row, sel.Body),
		Agency:       extract(row, sel.Agency),
		Location:     extract(row, sel.Location),
		CategoryHint: extract(row, sel.Category),
		ExternalRef:  extract(row, sel.Ref),
		StatusHint:   opportunity.Status(extract(row, sel.Status)),
		PostedAt:     a.parseDate(extract(row, sel.Posted)),
		DueAt:        a.parseDate(extract(row, sel.Due)),
		PreBidAt:     a.parseDate(extract(row, sel.PreBid)),
	}
	if sel.Attachments != "" {
		row.Find(sel.Attachments).Each(func(_ int, s *goquery.Selection) {
			h, ok := s.Attr("href")
			if !ok || strings.TrimSpace(h) == "" {
				return
			}
			abs, err := resolve(base, h)
			if err != nil {
				return
			}
			rec.Attachments = append(rec.Attachments, opportunity.Attachment{
				Name: strings.TrimSpace(s.Text()),
				URL:  abs,
			})
		})
	}
	return rec, nil
}

func (a *Adapter) nextPage(doc *goquery.Document, base *url.URL, page int) string {
	if a.cfg.Selectors.Next != "" {
		href := extract(doc.Selection, withAttr(a.cfg.Selectors.Next, "href"))
		if href == "" {
			return ""
		}
		next, err := resolve(base, href)
		if err != nil {
			return ""
		}
		return next
	}
	if a.cfg.PageParam != "" {
		u := *base
		q := u.Query()
		q.Set(a.cfg.PageParam, strconv.Itoa(page+1))
		u.RawQuery = q.Encode()
		return u.String()
	}
	return ""
}

func (a *Adapter) parseDate(raw string) *time.Time {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return nil
	}
	for _, layout := range a.cfg.DateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func withAttr(selector, attr string) string {
	if strings.Contains(selector, "@") {
		return selector
	}
	return selector + "@" + attr
}

func splitSelector(selector string) (string, string) {
	if i := strings.LastIndex(selector, "@"); i >= 0 {
		return selector[:i], selector[i+1:]
	}
	return selector, ""
}

// extract returns the trimmed text (or attribute) of the first match.
func extract(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	css, attr := splitSelector(selector)
	target := s
	if css != "" {
		target = s.Find(css).First()
	}
	if attr != "" {
		v, _ := target.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(target.Text())
}

// extractHTML keeps inner markup for the normalizer to sanitize.
func extractHTML(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	if _, attr := splitSelector(selector); attr != "" {
		return extract(s, selector)
	}
	h, err := s.Find(selector).First().Html()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(h)
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
