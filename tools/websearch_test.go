package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/runtime"
)

func searxngStub(t *testing.T, hits int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))

		type result struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		}
		var results []result
		for i := 0; i < hits; i++ {
			results = append(results, result{
				Title:   "Result",
				URL:     "https://example.com/" + r.URL.Query().Get("q"),
				Content: "snippet for " + r.URL.Query().Get("q"),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestWebSearchSearXNG(t *testing.T) {
	stub, _ := searxngStub(t, 2)
	ws := NewWebSearch(stub.URL, nil)

	hits, err := ws.Search(context.Background(), "AAPL revenue")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Contains(t, hits[0].Snippet, "AAPL revenue")
	assert.NotEmpty(t, hits[0].URL)
}

func TestWebSearchCachesResults(t *testing.T) {
	stub, calls := searxngStub(t, 1)
	ws := NewWebSearch(stub.URL, runtime.NewToolCache(10, time.Minute))

	for i := 0; i < 3; i++ {
		_, err := ws.Search(context.Background(), "MSFT eps")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, *calls)
}

func TestWebSearchCapsResultCount(t *testing.T) {
	stub, _ := searxngStub(t, 20)
	ws := NewWebSearch(stub.URL, nil)

	hits, err := ws.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestWebSearchBiasesTowardPreferredDomain(t *testing.T) {
	var seenQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("q")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	t.Cleanup(srv.Close)

	ws := NewWebSearch(srv.URL, nil)
	ws.PreferredDomains = func() []string { return []string{"sec.gov"} }

	_, err := ws.Search(context.Background(), "10-K filing")
	require.NoError(t, err)
	assert.Equal(t, "10-K filing site:sec.gov", seenQuery)
}

func TestWebSearchNoBiasWhenQueryAlreadyScoped(t *testing.T) {
	var seenQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("q")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	t.Cleanup(srv.Close)

	ws := NewWebSearch(srv.URL, nil)
	ws.PreferredDomains = func() []string { return []string{"sec.gov"} }

	_, err := ws.Search(context.Background(), "10-K site:edgar.sec.gov")
	require.NoError(t, err)
	assert.Equal(t, "10-K site:edgar.sec.gov", seenQuery)
}

func TestWebSearchInvokeFormatsHits(t *testing.T) {
	stub, _ := searxngStub(t, 2)
	ws := NewWebSearch(stub.URL, nil)

	out, err := ws.Invoke(context.Background(), map[string]any{"query": "NVDA guidance"})
	require.NoError(t, err)
	assert.Contains(t, out, "1. Result")
	assert.Contains(t, out, "snippet for NVDA guidance")
}

func TestWebSearchInvokeRejectsEmptyQuery(t *testing.T) {
	ws := NewWebSearch("", nil)
	_, err := ws.Invoke(context.Background(), map[string]any{"query": "  "})
	assert.Error(t, err)
}
