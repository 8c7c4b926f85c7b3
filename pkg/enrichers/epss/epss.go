// Package epss looks up FIRST EPSS exploitation probabilities for CVEs,
// either from the public API or from a preloaded daily CSV export.
package epss

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/threatrefine/pkg/compress"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/enrichers"
	"github.com/exploopio/threatrefine/pkg/metrics"
)

const (
	DefaultEPSSURL = "https://api.first.org/data/v1/epss"
	DefaultTimeout = 30 * time.Second

	// maxBatch keeps the query string under the API's URL limit.
	maxBatch = 100
)

// Score is one CVE's EPSS row. EPSS is a probability in [0, 1];
// Percentile is rescaled to 0..100.
type Score struct {
	CVE        string    `json:"cve"`
	EPSS       float64   `json:"epss"`
	Percentile float64   `json:"percentile"`
	Date       time.Time `json:"date"`
}

type apiRow struct {
	CVE        string `json:"cve"`
	EPSS       string `json:"epss"`
	Percentile string `json:"percentile"`
	Date       string `json:"date"`
}

type apiResponse struct {
	Status string   `json:"status"`
	Total  int      `json:"total"`
	Data   []apiRow `json:"data"`
}

// parseScore reads the API's stringly-typed numbers. Unparseable fields
// become zero rather than dropping the row.
func parseScore(cve, epss, percentile, date string) Score {
	e, _ := strconv.ParseFloat(strings.TrimSpace(epss), 64)
	p, _ := strconv.ParseFloat(strings.TrimSpace(percentile), 64)
	d, _ := time.Parse(time.DateOnly, date)
	return Score{CVE: strings.ToUpper(strings.TrimSpace(cve)), EPSS: e, Percentile: p * 100, Date: d}
}

// Client answers from its preloaded table first and asks the API for the
// rest, unless it is table-only.
type Client struct {
	feed      *enrichers.FeedClient
	tableOnly bool

	mu    sync.RWMutex
	table map[string]Score
}

type Option func(*Client)

// WithTableOnly never calls the API; CVEs missing from the table have no
// score. Offline runs use it with a CSV export.
func WithTableOnly() Option {
	return func(c *Client) { c.tableOnly = true }
}

func NewClient(cfg core.FeedConfig, collector metrics.Collector, logger core.Logger, opts ...Option) *Client {
	c := &Client{
		feed:  enrichers.NewFeedClient("epss", cfg, DefaultEPSSURL, DefaultTimeout, collector, logger),
		table: make(map[string]Score),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return "epss"
}

// Lookup returns the score for one CVE; ok=false when EPSS has none.
func (c *Client) Lookup(ctx context.Context, cveID string) (Score, bool, error) {
	scores, err := c.Scores(ctx, []string{cveID})
	if err != nil {
		return Score{}, false, err
	}
	s, ok := scores[strings.ToUpper(cveID)]
	return s, ok, nil
}

// Scores fetches scores for many CVEs in batches. CVEs without a score are
// absent from the result. On a failed batch the scores gathered so far are
// returned with the error.
func (c *Client) Scores(ctx context.Context, cveIDs []string) (map[string]Score, error) {
	out := make(map[string]Score, len(cveIDs))
	var missing []string

	c.mu.RLock()
	for _, id := range cveIDs {
		id = strings.ToUpper(id)
		if s, ok := c.table[id]; ok {
			out[id] = s
		} else {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	if c.tableOnly {
		return out, nil
	}
	for batch := range slices.Chunk(missing, maxBatch) {
		var resp apiResponse
		if err := c.feed.Get(ctx, "", map[string]string{"cve": strings.Join(batch, ",")}, &resp); err != nil {
			return out, err
		}
		for _, row := range resp.Data {
			s := parseScore(row.CVE, row.EPSS, row.Percentile, row.Date)
			out[s.CVE] = s
		}
	}
	return out, nil
}

// LoadFromCSV merges the daily EPSS export (cve,epss,percentile after a
// '#' metadata line and a header row) into the table.
func (c *Client) LoadFromCSV(r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		return 0, fmt.Errorf("epss csv header: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("epss csv: %w", err)
		}
		if len(record) < 3 {
			continue
		}
		s := parseScore(record[0], record[1], record[2], "")
		c.table[s.CVE] = s
		n++
	}
}

// LoadFile reads a CSV export from disk; a ".zst" suffix is decompressed.
func (c *Client) LoadFile(path string) (int, error) {
	data, err := compress.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read epss export: %w", err)
	}
	return c.LoadFromCSV(bytes.NewReader(data))
}
