package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
)

// BrowseArgs is the headless-browser navigator tool's argument shape.
// Action selects which chromedp primitive runs; the remaining fields are
// only meaningful for the matching action.
type BrowseArgs struct {
	Action   string `json:"action" jsonschema:"required,enum=navigate,enum=click,enum=fill,enum=extract,description=One of navigate, click, fill, extract"`
	URL      string `json:"url,omitempty" jsonschema:"description=Target URL, required for navigate"`
	Selector string `json:"selector,omitempty" jsonschema:"description=CSS selector, required for click and fill"`
	Value    string `json:"value,omitempty" jsonschema:"description=Value to type, required for fill"`
}

// browserTool drives a headless-browser session per invocation. Each call
// acquires a fresh chromedp tab, runs exactly one navigate/click/fill/
// extract primitive, and unconditionally releases the tab in a
// finally-style defer. The parent allocator (the browser process) is the
// long-lived one passed to NewBrowser; it is shared by every invocation
// and is not released per call. The scoping is done at the point the
// browser is actually used rather than as a separate pool, since nothing
// else in this service needs a browser tab outside a tool invocation.
type browserTool struct {
	allocCtx context.Context
	// restrictToHost, when non-empty, rejects any navigate whose target
	// host differs from it instead of performing the navigation -- the
	// same-origin restriction C9 documents for scoped sessions.
	restrictToHost string
	timeout        time.Duration
}

// NewBrowser returns the headless-browser navigator tool. allocCtx is the
// long-lived chromedp allocator context (created once at startup);
// restrictToHost, when set, confines every navigate call in every
// invocation to that host.
func NewBrowser(allocCtx context.Context, restrictToHost string) Tool {
	return &browserTool{allocCtx: allocCtx, restrictToHost: restrictToHost, timeout: 30 * time.Second}
}

func (*browserTool) Name() string { return "browse" }
func (*browserTool) Description() string {
	return "Navigate, click, fill, or extract text from a web page using a headless browser."
}
func (*browserTool) InputSchema() map[string]any {
	return GenerateSchema[BrowseArgs]()
}

func (t *browserTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	a, err := DecodeArgs[BrowseArgs](args)
	if err != nil {
		return "", apperr.New(apperr.KindToolInputRejected, "browse", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	tabCtx, tabCancel := chromedp.NewContext(t.allocCtx)
	defer tabCancel() // release the tab unconditionally, even on panic/error

	switch a.Action {
	case "navigate":
		if err := t.checkSameOrigin(a.URL); err != nil {
			return err.Error(), nil
		}
		if err := chromedp.Run(tabCtx, chromedp.Navigate(a.URL)); err != nil {
			return "", fmt.Errorf("browse: navigate %q: %w", a.URL, err)
		}
		return "navigated to " + a.URL, nil
	case "click":
		if a.Selector == "" {
			return "", apperr.New(apperr.KindToolInputRejected, "browse", fmt.Errorf("selector is required for click"))
		}
		if err := chromedp.Run(tabCtx, chromedp.Click(a.Selector, chromedp.NodeVisible)); err != nil {
			return "", fmt.Errorf("browse: click %q: %w", a.Selector, err)
		}
		return "clicked " + a.Selector, nil
	case "fill":
		if a.Selector == "" {
			return "", apperr.New(apperr.KindToolInputRejected, "browse", fmt.Errorf("selector is required for fill"))
		}
		if err := chromedp.Run(tabCtx, chromedp.SendKeys(a.Selector, a.Value, chromedp.NodeVisible)); err != nil {
			return "", fmt.Errorf("browse: fill %q: %w", a.Selector, err)
		}
		return "filled " + a.Selector, nil
	case "extract":
		var text string
		if err := chromedp.Run(tabCtx, chromedp.Text("body", &text, chromedp.NodeVisible)); err != nil {
			return "", fmt.Errorf("browse: extract: %w", err)
		}
		return text, nil
	default:
		return "", apperr.New(apperr.KindToolInputRejected, "browse", fmt.Errorf("unknown action %q", a.Action))
	}
}

// checkSameOrigin returns a non-nil error string (not a Go error the
// caller should abort on) when restrictToHost is set and target is a
// different host, per "any attempt to navigate to a different host
// returns an error string without navigation."
func (t *browserTool) checkSameOrigin(target string) error {
	if t.restrictToHost == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("browse: invalid url %q: %w", target, err)
	}
	if !strings.EqualFold(u.Hostname(), t.restrictToHost) {
		return fmt.Errorf("browse: navigation to host %q is blocked; session is restricted to %q", u.Hostname(), t.restrictToHost)
	}
	return nil
}
