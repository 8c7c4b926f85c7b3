// Package nvd queries the NVD CVE API 2.0 for publish dates, CVSS base
// scores and exploit references.
// Data source: https://nvd.nist.gov/developers/vulnerabilities
package nvd

import (
	"context"
	"strings"
	"time"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/enrichers"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
)

const (
	// DefaultNVDURL is the CVE API 2.0 endpoint.
	DefaultNVDURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second
)

// Record is what the engine needs from one CVE record.
type Record struct {
	CVE           string    `json:"cve"`
	Published     time.Time `json:"published"`
	CVSS          float64   `json:"cvss"`
	CVSSKnown     bool      `json:"cvss_known"`
	CVSSVersion   string    `json:"cvss_version,omitempty"`
	HasExploitRef bool      `json:"has_exploit_ref"`
}

type cvssMetric struct {
	CVSSData struct {
		Version   string  `json:"version"`
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

type response struct {
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE struct {
			ID        string `json:"id"`
			Published string `json:"published"`
			Metrics   struct {
				V40 []cvssMetric `json:"cvssMetricV40"`
				V31 []cvssMetric `json:"cvssMetricV31"`
				V30 []cvssMetric `json:"cvssMetricV30"`
				V2  []cvssMetric `json:"cvssMetricV2"`
			} `json:"metrics"`
			References []struct {
				URL  string   `json:"url"`
				Tags []string `json:"tags"`
			} `json:"references"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// Client queries NVD one CVE at a time.
type Client struct {
	feed *enrichers.FeedClient
}

// NewClient creates an NVD client. An API key raises the NVD rate limit.
func NewClient(cfg core.FeedConfig, apiKey string, collector metrics.Collector, logger core.Logger) *Client {
	feed := enrichers.NewFeedClient("nvd", cfg, DefaultNVDURL, DefaultTimeout, collector, logger)
	if apiKey != "" {
		feed.SetHeader("apiKey", apiKey)
	}
	return &Client{feed: feed}
}

// Name returns the feed name.
func (c *Client) Name() string {
	return "nvd"
}

// Lookup fetches the record for one CVE. An unknown CVE returns a
// KindNotFound error.
func (c *Client) Lookup(ctx context.Context, cveID string) (*Record, error) {
	cveID = strings.ToUpper(cveID)

	var resp response
	if err := c.feed.Get(ctx, "", map[string]string{"cveId": cveID}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vulnerabilities) == 0 {
		return nil, errors.E(errors.KindNotFound, "nvd.Lookup", "no record for "+cveID)
	}

	v := resp.Vulnerabilities[0].CVE
	rec := &Record{CVE: cveID}
	rec.Published, _ = parseTime(v.Published)

	// Prefer the newest CVSS version that has a score.
	for _, set := range []struct {
		version string
		metrics []cvssMetric
	}{
		{"4.0", v.Metrics.V40},
		{"3.1", v.Metrics.V31},
		{"3.0", v.Metrics.V30},
		{"2.0", v.Metrics.V2},
	} {
		if len(set.metrics) > 0 {
			rec.CVSS = set.metrics[0].CVSSData.BaseScore
			rec.CVSSKnown = true
			rec.CVSSVersion = set.version
			break
		}
	}

	for _, ref := range v.References {
		for _, tag := range ref.Tags {
			if strings.EqualFold(tag, "Exploit") {
				rec.HasExploitRef = true
			}
		}
	}

	return rec, nil
}

// NVD timestamps omit the zone and are UTC.
func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
