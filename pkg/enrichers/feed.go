// Package enrichers holds the HTTP plumbing shared by the vulnerability
// feed clients in its subpackages (kev, nvd, epss).
package enrichers

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
)

// DefaultTimeout bounds a feed call when neither the config nor the feed
// sets one.
const DefaultTimeout = 30 * time.Second

// FeedClient is a resty client for one feed that meters every request and
// turns failures into classified errors.
type FeedClient struct {
	name    string
	http    *resty.Client
	metrics metrics.Collector
	logger  core.Logger
	timeout time.Duration
}

// NewFeedClient builds a client for the named feed. Endpoint and timeout
// fall back to the given defaults.
func NewFeedClient(name string, cfg core.FeedConfig, defaultURL string, defaultTimeout time.Duration, collector metrics.Collector, logger core.Logger) *FeedClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "threatrefine")
	if cfg.Verbose {
		client.SetDebug(true)
	}

	return &FeedClient{
		name:    name,
		http:    client,
		metrics: metrics.OrNop(collector),
		logger:  core.OrNop(logger),
		timeout: timeout,
	}
}

// Name returns the feed name.
func (c *FeedClient) Name() string {
	return c.name
}

// SetHeader sets a header on every request (e.g., an API key).
func (c *FeedClient) SetHeader(key, value string) *FeedClient {
	c.http.SetHeader(key, value)
	return c
}

// Get requests path relative to the endpoint and decodes the JSON body into
// result. The call is bounded by the client timeout even if ctx has none.
func (c *FeedClient) Get(ctx context.Context, path string, query map[string]string, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	timer := metrics.NewTimer(c.metrics, metrics.FeedRequestDuration.Name, "feed", c.name)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(result).
		ForceContentType("application/json").
		Get(path)
	timer.ObserveDuration()

	op := c.name + ".Get"
	if err != nil {
		c.metrics.CounterInc(metrics.FeedRequestsTotal.Name, "feed", c.name, "status", "error")
		c.logger.Debug("[%s] request failed: %v", c.name, err)
		if ctx.Err() != nil {
			return errors.E(errors.KindTimeout, op, "request timed out", err)
		}
		return errors.Wrap(err, op)
	}

	if resp.IsError() {
		c.metrics.CounterInc(metrics.FeedRequestsTotal.Name, "feed", c.name, "status", "http_error")
		return errors.Wrap(&errors.APIError{
			Service:    c.name,
			StatusCode: resp.StatusCode(),
			Message:    truncate(resp.String(), 200),
		}, op)
	}

	c.metrics.CounterInc(metrics.FeedRequestsTotal.Name, "feed", c.name, "status", "ok")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
