// Package kev provides the CISA Known Exploited Vulnerabilities catalog.
// KEV lists vulnerabilities known to be actively exploited.
// Data source: https://www.cisa.gov/known-exploited-vulnerabilities-catalog
package kev

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/threatrefine/pkg/compress"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/enrichers"
	"github.com/exploopio/threatrefine/pkg/metrics"
)

const (
	// DefaultKEVURL is the official CISA KEV catalog endpoint.
	DefaultKEVURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"

	// DefaultCacheTTL is the default cache TTL (KEV updates periodically).
	DefaultCacheTTL = 6 * time.Hour

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// failureCooldown is how long a failed fetch is remembered before the
	// next lookup tries the feed again.
	failureCooldown = time.Minute

	dateLayout = "2006-01-02"
)

// KEVEntry represents a Known Exploited Vulnerability entry.
type KEVEntry struct {
	CVEID             string `json:"cveID"`
	VendorProject     string `json:"vendorProject"`
	Product           string `json:"product"`
	VulnerabilityName string `json:"vulnerabilityName"`
	DateAdded         string `json:"dateAdded"`
	ShortDescription  string `json:"shortDescription"`
	RequiredAction    string `json:"requiredAction"`
	DueDate           string `json:"dueDate"`
	KnownRansomware   string `json:"knownRansomwareCampaignUse"`
	Notes             string `json:"notes"`

	// Parsed dates
	AddedAt time.Time `json:"-"`
}

// RansomwareUse reports whether the entry is tied to a ransomware campaign.
func (e *KEVEntry) RansomwareUse() bool {
	return strings.EqualFold(e.KnownRansomware, "Known")
}

// KEVCatalog represents the full CISA KEV catalog.
type KEVCatalog struct {
	Title           string     `json:"title"`
	CatalogVersion  string     `json:"catalogVersion"`
	DateReleased    string     `json:"dateReleased"`
	Count           int        `json:"count"`
	Vulnerabilities []KEVEntry `json:"vulnerabilities"`
}

// Client loads the catalog once per TTL and answers membership queries
// from memory.
type Client struct {
	mu sync.RWMutex

	// fetchMu serializes fetches so concurrent lookups share one request.
	fetchMu sync.Mutex

	feed   *enrichers.FeedClient
	logger core.Logger
	now    func() time.Time

	// Offline clients never fetch and rely on LoadSnapshot.
	offline bool

	// Cache - maps CVE ID to KEV entry
	cache       map[string]*KEVEntry
	catalogInfo *KEVCatalog
	cacheTTL    time.Duration
	cacheAt     time.Time

	failedAt time.Time
	failErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithClock injects the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithOffline disables network fetches.
func WithOffline() Option {
	return func(c *Client) { c.offline = true }
}

// NewClient creates a KEV client.
func NewClient(cfg core.FeedConfig, collector metrics.Collector, logger core.Logger, opts ...Option) *Client {
	c := &Client{
		feed:     enrichers.NewFeedClient("kev", cfg, DefaultKEVURL, DefaultTimeout, collector, logger),
		logger:   core.OrNop(logger),
		now:      time.Now,
		cache:    make(map[string]*KEVEntry),
		cacheTTL: DefaultCacheTTL,
	}
	if cfg.CacheTTL > 0 {
		c.cacheTTL = cfg.CacheTTL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the feed name.
func (c *Client) Name() string {
	return "kev"
}

// Lookup returns the KEV entry for a CVE, or nil when it is not listed.
// An error means membership is unknown.
func (c *Client) Lookup(ctx context.Context, cveID string) (*KEVEntry, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[strings.ToUpper(cveID)], nil
}

// IsInKEV checks if a CVE is in the KEV catalog.
func (c *Client) IsInKEV(ctx context.Context, cveID string) (bool, error) {
	entry, err := c.Lookup(ctx, cveID)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// ensureLoaded makes sure a catalog is available. An expired catalog whose
// refresh fails keeps being served, and a failed fetch is not retried until
// failureCooldown has passed.
func (c *Client) ensureLoaded(ctx context.Context) error {
	if done, err := c.cached(); done {
		return err
	}
	if c.offline {
		return fmt.Errorf("kev: offline and no snapshot loaded")
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another lookup may have fetched or failed while we waited.
	if done, err := c.cached(); done {
		return err
	}

	err := c.loadCatalog(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	c.mu.Lock()
	c.failedAt = c.now()
	c.failErr = err
	stale := c.catalogInfo != nil
	at := c.cacheAt
	c.mu.Unlock()

	if stale {
		c.logger.Warn("[kev] Refresh failed, serving catalog loaded at %s: %v", at.Format(time.RFC3339), err)
		return nil
	}
	return err
}

// cached reports whether the current state answers a lookup without a
// fetch, and the error to return when it does.
func (c *Client) cached() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	loaded := c.catalogInfo != nil
	now := c.now()
	switch {
	case loaded && (c.offline || now.Sub(c.cacheAt) < c.cacheTTL):
		return true, nil
	case c.failErr != nil && now.Sub(c.failedAt) < failureCooldown:
		if loaded {
			return true, nil
		}
		return true, c.failErr
	}
	return false, nil
}

// loadCatalog fetches and parses the KEV catalog.
func (c *Client) loadCatalog(ctx context.Context) error {
	var catalog KEVCatalog
	if err := c.feed.Get(ctx, "", nil, &catalog); err != nil {
		return err
	}
	c.setCatalog(&catalog)

	c.logger.Info("[kev] Loaded %d KEV entries (catalog version: %s)", len(catalog.Vulnerabilities), catalog.CatalogVersion)
	return nil
}

func (c *Client) setCatalog(catalog *KEVCatalog) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*KEVEntry, len(catalog.Vulnerabilities))
	for i := range catalog.Vulnerabilities {
		entry := &catalog.Vulnerabilities[i]
		if entry.DateAdded != "" {
			entry.AddedAt, _ = time.Parse(dateLayout, entry.DateAdded)
		}
		c.cache[strings.ToUpper(entry.CVEID)] = entry
	}

	c.catalogInfo = catalog
	c.cacheAt = c.now()
	c.failErr = nil
}

// GetCatalogInfo returns the KEV catalog metadata.
func (c *Client) GetCatalogInfo(ctx context.Context) (*KEVCatalog, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy without vulnerabilities
	return &KEVCatalog{
		Title:          c.catalogInfo.Title,
		CatalogVersion: c.catalogInfo.CatalogVersion,
		DateReleased:   c.catalogInfo.DateReleased,
		Count:          c.catalogInfo.Count,
	}, nil
}

// CacheSize returns the current cache size.
func (c *Client) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// =============================================================================
// Snapshots - offline runs
// =============================================================================

// SaveSnapshot writes the loaded catalog to path. A .zst suffix selects
// zstd compression.
func (c *Client) SaveSnapshot(ctx context.Context, path string) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.Marshal(c.catalogInfo)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("kev: encode snapshot: %w", err)
	}
	return compress.WriteFile(path, data)
}

// LoadSnapshot replaces the cached catalog with the one stored at path.
func (c *Client) LoadSnapshot(path string) error {
	data, err := compress.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kev: read snapshot: %w", err)
	}

	var catalog KEVCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("kev: decode snapshot: %w", err)
	}
	c.setCatalog(&catalog)

	c.logger.Info("[kev] Loaded snapshot with %d entries from %s", len(catalog.Vulnerabilities), path)
	return nil
}
