package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NotNil(t, f.slots)
	require.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	require.Equal(t, defaultSettleTimeout, f.cfg.SettleTimeout)

	unbounded, err := NewChromedp(Config{NavigationTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	require.Nil(t, unbounded.slots)
	require.Equal(t, time.Second, unbounded.cfg.NavigationTimeout)
}

func TestFetchWaitsForSlot(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	// Pretend the browser is up so no Chrome binary is needed.
	f.startOnce.Do(func() {})
	require.NoError(t, f.slots.Acquire(context.Background(), 1))
	defer f.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, fetcher.Request{URL: "https://bids.example.gov/open"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{
		"X-Single": {"a"},
		"Accept":   {"text/html", "application/xhtml+xml"},
		"X-Empty":  {},
	})
	require.Equal(t, "a", got["X-Single"])
	require.Equal(t, "text/html, application/xhtml+xml", got["Accept"])
	require.NotContains(t, got, "X-Empty")
}

func TestResponseMetaResolve(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeStylesheet,
		Response: &network.Response{
			Status: 404,
			URL:    "https://bids.example.gov/site.css",
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://bids.example.gov/open?page=1",
			Headers: network.Headers{"X-Request-ID": "abc", "Vary": []any{"Accept", "Cookie"}},
		},
	})
	status, headers, url := meta.resolve("https://bids.example.gov/open", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, []string{"Accept", "Cookie"}, headers.Values("Vary"))
	require.Equal(t, "https://bids.example.gov/open?page=1", url)

	status, _, url = newResponseMeta().resolve("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), fetcher.Request{})
	require.ErrorIs(t, err, ErrUnavailable)
}
