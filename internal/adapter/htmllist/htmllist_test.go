package htmllist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/adapter"
	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
	"github.com/JakeFAU/procurement-crawler/internal/headless/detector"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

type page struct {
	status int
	body   string
	err    error
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]page
	calls map[string]int
}

func newFakeFetcher(pages map[string][]page) *fakeFetcher {
	return &fakeFetcher{pages: pages, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.pages[req.URL]
	if !ok {
		return fetcher.Response{}, &fetcher.StatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	idx := f.calls[req.URL]
	f.calls[req.URL]++
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	p := seq[idx]
	if p.err != nil {
		return fetcher.Response{}, p.err
	}
	status := p.status
	if status == 0 {
		status = http.StatusOK
	}
	return fetcher.Response{URL: req.URL, StatusCode: status, Body: []byte(p.body)}, nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (c *countingLimiter) Wait(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits++
	return nil
}

const page1 = `<html><body><table id="bids">
<tr class="bid">
  <td class="title"><a href="/bids/101?utm_source=x">Roof Repair</a></td>
  <td class="agency">Public Works</td>
  <td class="due"><time datetime="2025-01-10">Jan 10</time></td>
  <td class="posted">12/20/2024</td>
  <td class="ref">RFP-101</td>
  <td class="status">Open</td>
  <td class="desc"><p>Replace <b>membrane</b> roof.</p></td>
  <td class="docs"><a href="/docs/101-spec.pdf">Spec</a><a href="">empty</a></td>
</tr>
<tr class="bid">
  <td class="title"><a href="https://other.example.gov/bids/102">Snow Removal</a></td>
  <td class="due"><time datetime="not a date">?</time></td>
  <td class="status">Awarded</td>
</tr>
</table>
<a class="next" href="/bids?page=2">Next</a>
</body></html>`

const page2 = `<html><body><table id="bids">
<tr class="bid"><td class="title"><a href="/bids/103">Paving</a></td></tr>
<tr class="bid"><td class="title">No link here</td></tr>
</table></body></html>`

func testSelectors() Selectors {
	return Selectors{
		Row:         "tr.bid",
		Title:       "td.title a",
		Link:        "td.title a@href",
		Agency:      "td.agency",
		Due:         "td.due time@datetime",
		Posted:      "td.posted",
		Ref:         "td.ref",
		Status:      "td.status",
		Body:        "td.desc",
		Attachments: "td.docs a",
		Next:        "a.next",
	}
}

func newTestAdapter(t *testing.T, f fetcher.Fetcher, limiter adapter.Limiter) *Adapter {
	t.Helper()
	a, err := New(Config{
		ID:        "city-bids",
		StartURL:  "https://bids.example.gov/bids",
		Selectors: testSelectors(),
		Retry:     RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, f, limiter, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestFetchParsesPaginatedListing(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(map[string][]page{
		"https://bids.example.gov/bids":        {{body: page1}},
		"https://bids.example.gov/bids?page=2": {{body: page2}},
	})
	limiter := &countingLimiter{}
	a := newTestAdapter(t, f, limiter)

	recs, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, 2, limiter.waits)

	first := recs[0]
	require.Equal(t, "city-bids", first.SourceID)
	require.Equal(t, "https://bids.example.gov/bids/101?utm_source=x", first.URL)
	require.Equal(t, "Roof Repair", first.Title)
	require.Equal(t, "Public Works", first.Agency)
	require.Equal(t, "RFP-101", first.ExternalRef)
	require.Equal(t, opportunity.Status("Open"), first.StatusHint)
	require.Contains(t, first.Body, "<b>membrane</b>")
	require.NotNil(t, first.DueAt)
	require.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), *first.DueAt)
	require.NotNil(t, first.PostedAt)
	require.Equal(t, time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), *first.PostedAt)
	require.Equal(t, []opportunity.Attachment{{Name: "Spec", URL: "https://bids.example.gov/docs/101-spec.pdf"}}, first.Attachments)

	second := recs[1]
	require.Equal(t, "https://other.example.gov/bids/102", second.URL)
	require.Nil(t, second.DueAt)
	require.Equal(t, opportunity.Status("Awarded"), second.StatusHint)

	require.Equal(t, "https://bids.example.gov/bids/103", recs[2].URL)
}

func TestFetchFirstPageFailureIsTotal(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(map[string][]page{
		"https://bids.example.gov/bids": {{status: http.StatusForbidden}},
	})
	a := newTestAdapter(t, f, nil)

	recs, err := a.Fetch(context.Background())
	require.Empty(t, recs)
	var adapterErr *opportunity.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	require.False(t, adapterErr.Partial)
	require.Equal(t, "city-bids", adapterErr.SourceID)
	require.Equal(t, 1, f.Calls("https://bids.example.gov/bids"), "4xx must not be retried")
}

func TestFetchLaterPageFailureIsPartial(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(map[string][]page{
		"https://bids.example.gov/bids":        {{body: page1}},
		"https://bids.example.gov/bids?page=2": {{status: http.StatusBadGateway}},
	})
	a := newTestAdapter(t, f, nil)

	recs, err := a.Fetch(context.Background())
	require.Len(t, recs, 2)
	var adapterErr *opportunity.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	require.True(t, adapterErr.Partial)
	require.Equal(t, 3, f.Calls("https://bids.example.gov/bids?page=2"))
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(map[string][]page{
		"https://bids.example.gov/bids": {
			{err: errors.New("connection reset")},
			{status: http.StatusServiceUnavailable},
			{body: page2},
		},
	})
	a := newTestAdapter(t, f, nil)

	recs, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 3, f.Calls("https://bids.example.gov/bids"))
}

func TestFetchPageParamStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	empty := `<html><body><table></table></body></html>`
	f := newFakeFetcher(map[string][]page{
		"https://bids.example.gov/list":     {{body: page2}},
		"https://bids.example.gov/list?p=2": {{body: page2}},
		"https://bids.example.gov/list?p=3": {{body: empty}},
		"https://bids.example.gov/list?p=4": {{body: page2}},
	})
	sel := testSelectors()
	sel.Next = ""
	a, err := New(Config{
		ID:        "county",
		StartURL:  "https://bids.example.gov/list",
		PageParam: "p",
		Selectors: sel,
	}, f, nil, nil)
	require.NoError(t, err)

	recs, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Zero(t, f.Calls("https://bids.example.gov/list?p=4"))
}

func TestFetchHonorsMaxPagesAndLoops(t *testing.T) {
	t.Parallel()

	loop := `<html><body><table><tr class="bid"><td class="title"><a href="/b/1">x</a></td></tr></table>
<a class="next" href="/bids">again</a></body></html>`
	f := newFakeFetcher(map[string][]page{
		"https://bids.example.gov/bids": {{body: loop}},
	})
	a := newTestAdapter(t, f, nil)

	recs, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 1, f.Calls("https://bids.example.gov/bids"))
}

func TestFetchPageLimitWithPendingPageIsPartial(t *testing.T) {
	t.Parallel()

	linked := func(n int) string {
		return fmt.Sprintf(`<html><body><table><tr class="bid"><td class="title"><a href="/b/%d">x</a></td></tr></table>
<a class="next" href="/bids?page=%d">next</a></body></html>`, n, n+1)
	}
	f := newFakeFetcher(map[string][]page{
		"https://bids.example.gov/bids":        {{body: linked(1)}},
		"https://bids.example.gov/bids?page=2": {{body: linked(2)}},
		"https://bids.example.gov/bids?page=3": {{body: linked(3)}},
	})
	a, err := New(Config{
		ID:        "city-bids",
		StartURL:  "https://bids.example.gov/bids",
		MaxPages:  2,
		Selectors: testSelectors(),
	}, f, nil, zap.NewNop())
	require.NoError(t, err)

	recs, err := a.Fetch(context.Background())
	require.Len(t, recs, 2)
	var adapterErr *opportunity.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	require.True(t, adapterErr.Partial)
	require.ErrorIs(t, err, ErrPageLimit)
	require.Zero(t, f.Calls("https://bids.example.gov/bids?page=3"))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(nil)
	_, err := New(Config{StartURL: "https://x", Selectors: Selectors{Row: "tr"}}, f, nil, nil)
	require.Error(t, err)
	_, err = New(Config{ID: "a", StartURL: "/relative", Selectors: Selectors{Row: "tr"}}, f, nil, nil)
	require.Error(t, err)
	_, err = New(Config{ID: "a", StartURL: "https://x"}, f, nil, nil)
	require.Error(t, err)
	_, err = New(Config{ID: "a", StartURL: "https://x", Selectors: Selectors{Row: "tr"}}, nil, nil, nil)
	require.Error(t, err)
}

func TestBuildFromSpec(t *testing.T) {
	t.Parallel()

	static := newFakeFetcher(nil)
	headless := newFakeFetcher(nil)
	built, err := Build(adapter.Spec{
		ID:       "state",
		Kind:     Kind,
		URL:      "https://state.example.gov/rfps",
		Headless: true,
		Options: map[string]string{
			"row":          "div.rfp",
			"title":        "h3",
			"max_pages":    "4",
			"retries":      "1",
			"date_layouts": "2006-01-02|01/02/2006",
		},
	}, adapter.Deps{Static: static, Headless: headless})
	require.NoError(t, err)

	a, ok := built.(*Adapter)
	require.True(t, ok)
	require.Equal(t, "state", a.ID())
	require.Equal(t, 4, a.cfg.MaxPages)
	require.Equal(t, uint64(1), a.cfg.Retry.MaxRetries)
	require.Equal(t, []string{"2006-01-02", "01/02/2006"}, a.cfg.DateLayouts)
	require.Same(t, headless, a.fetcher.(*fakeFetcher))

	auto, err := Build(adapter.Spec{
		ID:      "county",
		Kind:    Kind,
		URL:     "https://county.example.gov/bids",
		Options: map[string]string{"row": "tr", "render": "auto"},
	}, adapter.Deps{Static: static, Headless: headless})
	require.NoError(t, err)
	_, promoting := auto.(*Adapter).fetcher.(*detector.Promoting)
	require.True(t, promoting)

	_, err = Build(adapter.Spec{ID: "x", URL: "https://x", Options: map[string]string{"row": "tr", "max_pages": "many"}}, adapter.Deps{Static: static})
	require.Error(t, err)
}
