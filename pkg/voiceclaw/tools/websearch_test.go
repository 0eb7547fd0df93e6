package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const duckDuckGoPage = `<html><body>
<div class="result">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F&amp;rut=abc">The <b>Go</b> Programming Language</a>
  <a class="result__snippet" href="//duckduckgo.com/l/?uddg=x">Build <b>simple</b>, secure software &amp; more.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://pkg.go.dev/">Go Packages</a>
  <a class="result__snippet" href="https://pkg.go.dev/">Discover packages.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="">No link</a>
</div>
</body></html>`

func TestParseDuckDuckGo(t *testing.T) {
	t.Parallel()
	results := parseDuckDuckGo(duckDuckGoPage)
	require.Len(t, results, 2)

	assert.Equal(t, searchResult{
		Title:   "The Go Programming Language",
		URL:     "https://go.dev/",
		Snippet: "Build simple, secure software & more.",
	}, results[0])
	assert.Equal(t, "https://pkg.go.dev/", results[1].URL)
	assert.Equal(t, "Discover packages.", results[1].Snippet)
}

func TestDuckDuckGoSearch(t *testing.T) {
	t.Parallel()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(duckDuckGoPage))
	}))
	defer srv.Close()

	s := NewSearcher(SearchOptions{DuckDuckGoURL: srv.URL, MaxResults: 1})
	out, err := s.Handler(context.Background(), Call{Args: map[string]any{"query": "golang docs"}})
	require.NoError(t, err)

	assert.Equal(t, "golang docs", gotQuery)
	assert.Contains(t, out, `<external-content source="web_search" ref="golang docs">`)
	assert.Contains(t, out, "1. The Go Programming Language\n   https://go.dev/")
	assert.NotContains(t, out, "Go Packages", "results are capped")
}

func TestBraveSearch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "brave-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[{"title":"Go","url":"https://go.dev","description":"The <strong>Go</strong> site"}]}}`))
	}))
	defer srv.Close()

	s := NewSearcher(SearchOptions{Provider: ProviderBrave, BraveAPIKey: "brave-key", BraveURL: srv.URL})
	out, err := s.Handler(context.Background(), Call{Args: map[string]any{"query": "go"}})
	require.NoError(t, err)
	assert.Contains(t, out, "Search results for: go")
	assert.Contains(t, out, "1. Go\n   https://go.dev\n   The Go site")

	bad := NewSearcher(SearchOptions{Provider: ProviderBrave, BraveAPIKey: "wrong", BraveURL: srv.URL})
	_, err = bad.Handler(context.Background(), Call{Args: map[string]any{"query": "go"}})
	assert.ErrorContains(t, err, "401")
}

func TestSearchDefaults(t *testing.T) {
	t.Parallel()
	s := NewSearcher(SearchOptions{Provider: ProviderBrave})
	assert.Equal(t, ProviderDuckDuckGo, s.opts.Provider, "brave needs a key")
	assert.Equal(t, 5, s.opts.MaxResults)

	_, err := s.Handler(context.Background(), Call{Args: map[string]any{"query": "  "}})
	assert.Error(t, err)
	assert.Equal(t, "No results found for: x", formatResults("x", nil, 5))
}
