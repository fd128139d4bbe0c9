package modules

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/tmc/langchaingo/tools/duckduckgo"

	"github.com/rahul/goalscript/internal/capability"
)

// maxContent caps scraped text.
const maxContent = 50000

// Searcher answers web search queries.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

// Web fetches pages and searches the web.
type Web struct {
	UserAgent string
	Client    *http.Client

	once     sync.Once
	searcher Searcher
	initErr  error
}

func NewWeb() *Web {
	return &Web{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithSearcher replaces the DuckDuckGo client.
func (w *Web) WithSearcher(s Searcher) *Web {
	w.once.Do(func() {})
	w.searcher = s
	return w
}

func (w *Web) Name() string        { return "web" }
func (w *Web) Description() string { return "Read web pages and search the web." }

func (w *Web) Operations() []capability.Operation {
	return []capability.Operation{
		{
			Name:        "scrape",
			Description: "Fetch a webpage URL and extract the main content as clean, sanitized text.",
			Params: []capability.ParamSpec{
				{Name: "url", Type: capability.TypeString, Required: true},
			},
			Returns: "{title, excerpt, content}",
			Examples: []capability.Example{
				{Text: "get article from https://example.com/post, write to %article%", Parameters: map[string]any{"url": "https://example.com/post"}, Returns: []string{"article"}},
			},
			Fn: w.scrape,
		},
		{
			Name:        "search",
			Description: "Search the web using DuckDuckGo for real-time information.",
			Params: []capability.ParamSpec{
				{Name: "query", Type: capability.TypeString, Required: true},
			},
			Returns: "search results as text",
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				w.once.Do(func() {
					w.searcher, w.initErr = duckduckgo.New(10, duckduckgo.DefaultUserAgent)
				})
				if w.initErr != nil {
					return nil, fmt.Errorf("search unavailable: %w", w.initErr)
				}
				res, err := w.searcher.Call(ctx, inv.String("query"))
				if err != nil {
					return nil, fmt.Errorf("search failed: %w", err)
				}
				return res, nil
			},
		},
	}
}

func (w *Web) scrape(ctx context.Context, inv *capability.Invocation) (any, error) {
	raw := inv.String("url")
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", w.UserAgent)

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse article: %w", err)
	}

	content := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (content truncated) ..."
	}
	return map[string]any{
		"title":   article.Title,
		"excerpt": article.Excerpt,
		"content": content,
	}, nil
}
