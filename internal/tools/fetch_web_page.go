package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// MaxPageChars caps the extracted page text handed back to the codegen
// agent.
const MaxPageChars = 4000

// FetchWebPageTool is the codegen agent's optional "fetch_web_page"
// tool. It fetches a URL and extracts
// visible text via goquery selectors rather than returning the raw HTML
// body, so the agent reads prose instead of markup.
type FetchWebPageTool struct {
	Client  *http.Client
	Enabled bool
}

// NewFetchWebPageTool creates a FetchWebPageTool gated behind the
// enabled config flag.
func NewFetchWebPageTool(enabled bool) *FetchWebPageTool {
	return &FetchWebPageTool{Client: &http.Client{Timeout: 15 * time.Second}, Enabled: enabled}
}

func (t *FetchWebPageTool) Name() string        { return "fetch_web_page" }
func (t *FetchWebPageTool) Description() string { return "Fetch a URL and return its truncated visible page text." }
func (t *FetchWebPageTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"url": map[string]any{"type": "string"}},
		"required":   []string{"url"},
	}
}

type fetchWebPageInput struct {
	URL string `json:"url"`
}

func (t *FetchWebPageTool) Execute(ctx context.Context, input any) (any, error) {
	if !t.Enabled {
		return nil, fmt.Errorf("fetch_web_page: disabled by configuration")
	}
	args, err := decodeArgs[fetchWebPageInput](input)
	if err != nil {
		return nil, fmt.Errorf("fetch_web_page: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch_web_page: build request: %w", err)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch_web_page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch_web_page: %s returned status %d", args.URL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch_web_page: parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")
	if len(text) > MaxPageChars {
		text = text[:MaxPageChars]
	}
	return text, nil
}
