package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/runtime"
)

// SearchHit is one web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchArgs is the web_search tool's argument shape.
type WebSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
}

// WebSearch performs open-web searches against a SearXNG instance when one
// is configured, falling back to the DuckDuckGo instant-answer API
// otherwise. Responses are cached in the bounded tool-result cache so a
// research run that re-asks the same sub-question within one iteration
// doesn't hit the backend twice. PreferredDomains, when set, bias the
// query with a site: filter for the first domain.
type WebSearch struct {
	SearXNGURL       string
	PreferredDomains func() []string
	MaxResults       int

	client *http.Client
	cache  *runtime.ToolCache
}

// NewWebSearch builds the search backend. cache may be nil to disable
// result caching (tests).
func NewWebSearch(searxngURL string, cache *runtime.ToolCache) *WebSearch {
	return &WebSearch{
		SearXNGURL: searxngURL,
		MaxResults: 5,
		client:     &http.Client{Timeout: 20 * time.Second},
		cache:      cache,
	}
}

func (*WebSearch) Name() string { return "web_search" }
func (*WebSearch) Description() string {
	return "Search the open web and return titled results with snippets."
}
func (*WebSearch) InputSchema() map[string]any {
	return GenerateSchema[WebSearchArgs]()
}

func (w *WebSearch) Invoke(ctx context.Context, args map[string]any) (string, error) {
	a, err := DecodeArgs[WebSearchArgs](args)
	if err != nil {
		return "", apperr.New(apperr.KindToolInputRejected, "web_search", err)
	}
	if strings.TrimSpace(a.Query) == "" {
		return "", apperr.New(apperr.KindToolInputRejected, "web_search", fmt.Errorf("query is required"))
	}
	hits, err := w.Search(ctx, a.Query)
	if err != nil {
		return "", apperr.New(apperr.KindToolFailed, "web_search", err)
	}
	return formatHits(hits), nil
}

func formatHits(hits []SearchHit) string {
	if len(hits) == 0 {
		return "no results found"
	}
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, h.Title, h.URL, h.Snippet)
	}
	return sb.String()
}

// Search runs one query and returns structured hits. The Research Engine
// consumes this directly (via an adapter); the Agent Runner goes through
// Invoke instead.
func (w *WebSearch) Search(ctx context.Context, query string) ([]SearchHit, error) {
	query = w.biasQuery(query)

	cacheKey := "web_search:" + query
	if w.cache != nil {
		if cached, ok := w.cache.Get(cacheKey); ok {
			var hits []SearchHit
			if err := json.Unmarshal([]byte(cached), &hits); err == nil {
				return hits, nil
			}
		}
	}

	var hits []SearchHit
	var err error
	if w.SearXNGURL != "" {
		hits, err = w.searchSearXNG(ctx, query)
		if err != nil {
			hits, err = w.searchDuckDuckGo(ctx, query)
		}
	} else {
		hits, err = w.searchDuckDuckGo(ctx, query)
	}
	if err != nil {
		return nil, err
	}

	if w.cache != nil && len(hits) > 0 {
		if raw, merr := json.Marshal(hits); merr == nil {
			w.cache.Set(cacheKey, string(raw))
		}
	}
	return hits, nil
}

// biasQuery appends a site: filter for the first preferred domain, if the
// user registered any via /api/add_preferred_urls/ and the query doesn't
// already carry one.
func (w *WebSearch) biasQuery(query string) string {
	if w.PreferredDomains == nil || strings.Contains(query, "site:") {
		return query
	}
	domains := w.PreferredDomains()
	if len(domains) == 0 {
		return query
	}
	return fmt.Sprintf("%s site:%s", query, domains[0])
}

func (w *WebSearch) maxResults() int {
	if w.MaxResults <= 0 {
		return 5
	}
	return w.MaxResults
}

func (w *WebSearch) searchSearXNG(ctx context.Context, query string) ([]SearchHit, error) {
	base, err := url.Parse(w.SearXNGURL)
	if err != nil {
		return nil, fmt.Errorf("websearch: invalid searxng url: %w", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/search"
	q := base.Query()
	q.Set("q", query)
	q.Set("format", "json")
	base.RawQuery = q.Encode()

	body, err := w.fetch(ctx, base.String())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("websearch: parse searxng response: %w", err)
	}

	hits := make([]SearchHit, 0, w.maxResults())
	for _, r := range resp.Results {
		if len(hits) >= w.maxResults() {
			break
		}
		hits = append(hits, SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return hits, nil
}

func (w *WebSearch) searchDuckDuckGo(ctx context.Context, query string) ([]SearchHit, error) {
	instantURL := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1", url.QueryEscape(query))
	body, err := w.fetch(ctx, instantURL)
	if err != nil {
		return nil, err
	}

	var resp struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("websearch: parse duckduckgo response: %w", err)
	}

	var hits []SearchHit
	if resp.AbstractText != "" && resp.AbstractURL != "" {
		hits = append(hits, SearchHit{Title: resp.Heading, URL: resp.AbstractURL, Snippet: resp.AbstractText})
	}
	for _, t := range resp.RelatedTopics {
		if len(hits) >= w.maxResults() {
			break
		}
		if t.FirstURL == "" || t.Text == "" {
			continue
		}
		title := t.Text
		if len(title) > 100 {
			title = title[:100]
		}
		hits = append(hits, SearchHit{Title: title, URL: t.FirstURL, Snippet: t.Text})
	}
	return hits, nil
}

func (w *WebSearch) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; fingpt-research-agent/1.0)")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch: backend returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
