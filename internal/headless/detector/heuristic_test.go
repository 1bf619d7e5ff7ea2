package detector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(fetcher.Response{StatusCode: 200}))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := fetcher.Response{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	resp := fetcher.Response{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_StaticTable(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	resp := fetcher.Response{StatusCode: 200, Body: []byte(`<table><tr><td><a href="/bid/1">Paving</a></td></tr></table>`)}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.False(t, h.ShouldPromote(fetcher.Response{StatusCode: 404, Body: []byte("not found")}))
	require.False(t, h.ShouldPromote(fetcher.Response{StatusCode: 200, UsedHeadless: true}))
}

type stubFetcher struct {
	resp  fetcher.Response
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, fetcher.Request) (fetcher.Response, error) {
	s.calls++
	return s.resp, s.err
}

func TestPromoting_Fetch(t *testing.T) {
	t.Parallel()

	shell := fetcher.Response{StatusCode: 200, Body: []byte(`<div id="root"></div>`)}
	table := fetcher.Response{StatusCode: 200, Body: []byte(`<table><tr><td>row</td></tr></table>`)}
	rendered := fetcher.Response{StatusCode: 200, Body: []byte(`<table>rendered</table>`), UsedHeadless: true}

	t.Run("promotes client shell", func(t *testing.T) {
		t.Parallel()
		static := &stubFetcher{resp: shell}
		headless := &stubFetcher{resp: rendered}
		got, err := NewPromoting(static, headless, nil, nil).Fetch(context.Background(), fetcher.Request{URL: "https://bids.example.gov"})
		require.NoError(t, err)
		require.True(t, got.UsedHeadless)
		require.Equal(t, 1, headless.calls)
	})

	t.Run("keeps static page", func(t *testing.T) {
		t.Parallel()
		static := &stubFetcher{resp: table}
		headless := &stubFetcher{resp: rendered}
		got, err := NewPromoting(static, headless, NewHeuristic(8), nil).Fetch(context.Background(), fetcher.Request{URL: "https://bids.example.gov"})
		require.NoError(t, err)
		require.False(t, got.UsedHeadless)
		require.Zero(t, headless.calls)
	})

	t.Run("falls back when headless fails", func(t *testing.T) {
		t.Parallel()
		static := &stubFetcher{resp: shell}
		headless := &stubFetcher{err: errors.New("browser gone")}
		got, err := NewPromoting(static, headless, nil, nil).Fetch(context.Background(), fetcher.Request{URL: "https://bids.example.gov"})
		require.NoError(t, err)
		require.Equal(t, shell.Body, got.Body)
	})

	t.Run("static error is returned", func(t *testing.T) {
		t.Parallel()
		static := &stubFetcher{err: errors.New("dial")}
		headless := &stubFetcher{resp: rendered}
		_, err := NewPromoting(static, headless, nil, nil).Fetch(context.Background(), fetcher.Request{URL: "https://bids.example.gov"})
		require.Error(t, err)
		require.Zero(t, headless.calls)
	})
}
