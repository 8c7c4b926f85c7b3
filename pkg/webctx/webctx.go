// Package webctx fetches short web search snippets from a SearxNG-compatible
// JSON endpoint to give generation prompts current context.
package webctx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/exploopio/threatrefine/pkg/cache"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/enrichers"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/fingerprint"
)

const (
	// DefaultTimeout bounds a search call.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxResults is the number of snippets kept per query.
	DefaultMaxResults = 3

	maxSnippetLen = 500
)

// Config configures the web context provider.
type Config struct {
	Feed       core.FeedConfig
	MaxResults int
	Store      cache.Store
	Metrics    metrics.Collector
	Logger     core.Logger
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Provider implements core.WebSearcher with query-level caching.
type Provider struct {
	feed       *enrichers.FeedClient
	cache      *cache.Typed[[]core.Snippet]
	maxResults int
	logger     core.Logger
}

// New creates a provider. Feed.Endpoint is the search base URL
// (e.g., "http://localhost:8888").
func New(cfg Config) (*Provider, error) {
	if cfg.Feed.Endpoint == "" {
		return nil, fmt.Errorf("webctx: search endpoint is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Store == nil {
		cfg.Store = cache.NewMemoryStore(cache.DefaultTTL)
	}
	return &Provider{
		feed:       enrichers.NewFeedClient("websearch", cfg.Feed, "", DefaultTimeout, cfg.Metrics, cfg.Logger),
		cache:      cache.NewTyped[[]core.Snippet](cfg.Store, "web", cfg.Metrics),
		maxResults: cfg.MaxResults,
		logger:     core.OrNop(cfg.Logger),
	}, nil
}

// Search returns up to MaxResults snippets for query. Successful results,
// including empty ones, are cached; failures are not.
func (p *Provider) Search(ctx context.Context, query string) ([]core.Snippet, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return p.cache.GetOrLoad(ctx, fingerprint.GenerateQuery(query), func(ctx context.Context) ([]core.Snippet, error) {
		var resp searchResponse
		err := p.feed.Get(ctx, "/search", map[string]string{
			"q":          query,
			"format":     "json",
			"safesearch": "1",
		}, &resp)
		if err != nil {
			p.logger.Debug("[webctx] search failed for %q: %v", query, err)
			return nil, err
		}

		snippets := make([]core.Snippet, 0, p.maxResults)
		for _, r := range resp.Results {
			if len(snippets) == p.maxResults {
				break
			}
			if strings.TrimSpace(r.Content) == "" {
				continue
			}
			snippets = append(snippets, core.Snippet{
				Title:   r.Title,
				URL:     r.URL,
				Content: truncate(strings.TrimSpace(r.Content), maxSnippetLen),
			})
		}
		return snippets, nil
	})
}

// Query builds the search query for a (component, category) pair.
func Query(component model.DFDComponent, category model.StrideCategory) string {
	parts := []string{component.DisplayName()}
	if tech := component.Attr("technology"); tech != "" {
		parts = append(parts, tech)
	}
	parts = append(parts, string(category), "vulnerability")
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Nop is a WebSearcher that finds nothing.
type Nop struct{}

func (Nop) Search(context.Context, string) ([]core.Snippet, error) { return nil, nil }

var (
	_ core.WebSearcher = (*Provider)(nil)
	_ core.WebSearcher = Nop{}
)
