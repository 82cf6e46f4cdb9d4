package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
)

// FetchURLArgs is the URL-fetcher tool's argument shape.
type FetchURLArgs struct {
	URL string `json:"url" jsonschema:"required,description=Absolute URL to fetch"`
}

// webFetchTool downloads a URL and extracts its readable article text
// with go-shiori/go-readability, matching what the real scraping pipeline
// hands the LLM. When extraction fails or yields no text, the raw response
// body is returned instead (see FetchReadable).
type webFetchTool struct {
	client *http.Client
}

// NewWebFetch returns the in-process URL-fetcher + readability tool.
func NewWebFetch() Tool {
	return webFetchTool{client: &http.Client{Timeout: 20 * time.Second}}
}

func (webFetchTool) Name() string        { return "fetch_url" }
func (webFetchTool) Description() string { return "Fetch a URL and extract its readable text content." }
func (webFetchTool) InputSchema() map[string]any {
	return GenerateSchema[FetchURLArgs]()
}

func (t webFetchTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	a, err := DecodeArgs[FetchURLArgs](args)
	if err != nil {
		return "", apperr.New(apperr.KindToolInputRejected, "fetch_url", err)
	}
	text, _, err := FetchReadable(ctx, t.client, a.URL)
	if err != nil {
		return "", err
	}
	return text, nil
}

// FetchReadable fetches rawURL and converts it to readable plain text for
// the in-process fetch_url tool. If readability extraction fails or yields
// only whitespace, the raw body is returned with an empty title.
func FetchReadable(ctx context.Context, client *http.Client, rawURL string) (text, title string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("webfetch: invalid url %q: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("webfetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; fingpt-research-agent/1.0)")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("webfetch: fetch %q: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("webfetch: %q returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", "", fmt.Errorf("webfetch: read body: %w", err)
	}

	article, rerr := readability.FromReader(strings.NewReader(string(body)), parsed)
	if rerr != nil || strings.TrimSpace(article.TextContent) == "" {
		return string(body), "", nil
	}
	return article.TextContent, article.Title, nil
}
