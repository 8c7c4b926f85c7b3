// Package knowledge fronts the vulnerability feeds (KEV, NVD, EPSS) behind
// a single fail-soft Lookup backed by the shared TTL cache.
package knowledge

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/threatrefine/pkg/cache"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/enrichers/epss"
	"github.com/exploopio/threatrefine/pkg/enrichers/kev"
	"github.com/exploopio/threatrefine/pkg/enrichers/nvd"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/model"
)

// DefaultTimeout bounds each feed call made by Lookup.
const DefaultTimeout = 10 * time.Second

// KEVSource reports KEV membership; a nil entry means not listed.
type KEVSource interface {
	Lookup(ctx context.Context, cve string) (*kev.KEVEntry, error)
}

// RecordSource returns vulnerability database records.
type RecordSource interface {
	Lookup(ctx context.Context, cve string) (*nvd.Record, error)
}

// ScoreSource returns exploit prediction scores in batches.
type ScoreSource interface {
	Scores(ctx context.Context, cves []string) (map[string]epss.Score, error)
}

// Config configures the knowledge cache. Nil sources are treated as
// unavailable feeds.
type Config struct {
	KEV     KEVSource
	NVD     RecordSource
	EPSS    ScoreSource
	Store   cache.Store
	Timeout time.Duration

	// Prefetch fan-out. Default: 4
	Concurrency int

	Logger  core.Logger
	Metrics metrics.Collector
}

// Cached entries carry Found so that "no record" is cached as well.
type recordEntry struct {
	Found  bool       `json:"found"`
	Record nvd.Record `json:"record"`
}

type scoreEntry struct {
	Found bool       `json:"found"`
	Score epss.Score `json:"score"`
}

// Cache implements core.IntelSource.
type Cache struct {
	kev         KEVSource
	nvd         RecordSource
	epss        ScoreSource
	records     *cache.Typed[recordEntry]
	scores      *cache.Typed[scoreEntry]
	timeout     time.Duration
	concurrency int
	logger      core.Logger
}

// New creates a knowledge cache.
func New(cfg Config) *Cache {
	if cfg.Store == nil {
		cfg.Store = cache.NewMemoryStore(cache.DefaultTTL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Cache{
		kev:         cfg.KEV,
		nvd:         cfg.NVD,
		epss:        cfg.EPSS,
		records:     cache.NewTyped[recordEntry](cfg.Store, "nvd", cfg.Metrics),
		scores:      cache.NewTyped[scoreEntry](cfg.Store, "epss", cfg.Metrics),
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		logger:      core.OrNop(cfg.Logger),
	}
}

// Lookup gathers everything the feeds know about cve. It always returns
// usable Intel; the error joins the feed failures that degraded it.
func (c *Cache) Lookup(ctx context.Context, cve string) (model.Intel, error) {
	cve = strings.ToUpper(cve)
	intel := model.Intel{CVE: cve, Exploitation: model.ExploitationUnknown}
	var errs []error

	if err := c.lookupKEV(ctx, &intel); err != nil {
		errs = append(errs, err)
	}
	if err := c.lookupRecord(ctx, &intel); err != nil {
		errs = append(errs, err)
	}
	if err := c.lookupScore(ctx, &intel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		c.logger.Debug("[knowledge] degraded lookup for %s: %v", cve, stderrors.Join(errs...))
	}
	return intel, stderrors.Join(errs...)
}

func (c *Cache) lookupKEV(ctx context.Context, intel *model.Intel) error {
	if c.kev == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entry, err := c.kev.Lookup(ctx, intel.CVE)
	if err != nil {
		return errors.Wrap(err, "knowledge.kev")
	}
	if entry == nil {
		intel.Exploitation = model.ExploitationNone
		return nil
	}
	intel.Exploitation = model.ExploitationKnown
	intel.RansomwareUse = entry.RansomwareUse()
	intel.KEVDateAdded = entry.AddedAt
	return nil
}

func (c *Cache) loadRecord(cve string) func(context.Context) (recordEntry, error) {
	return func(ctx context.Context) (recordEntry, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		rec, err := c.nvd.Lookup(ctx, cve)
		if errors.Classify(err) == errors.KindNotFound {
			return recordEntry{}, nil
		}
		if err != nil {
			return recordEntry{}, errors.Wrap(err, "knowledge.nvd")
		}
		return recordEntry{Found: true, Record: *rec}, nil
	}
}

func (c *Cache) lookupRecord(ctx context.Context, intel *model.Intel) error {
	if c.nvd == nil {
		return nil
	}
	entry, err := c.records.GetOrLoad(ctx, intel.CVE, c.loadRecord(intel.CVE))
	if err != nil {
		return err
	}
	if entry.Found {
		intel.Published = entry.Record.Published
		intel.CVSS = entry.Record.CVSS
		intel.CVSSKnown = entry.Record.CVSSKnown
		intel.HasExploitRef = entry.Record.HasExploitRef
	}
	return nil
}

func (c *Cache) lookupScore(ctx context.Context, intel *model.Intel) error {
	if c.epss == nil {
		return nil
	}
	entry, err := c.scores.GetOrLoad(ctx, intel.CVE, func(ctx context.Context) (scoreEntry, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		scores, err := c.epss.Scores(ctx, []string{intel.CVE})
		if err != nil {
			return scoreEntry{}, errors.Wrap(err, "knowledge.epss")
		}
		s, ok := scores[intel.CVE]
		return scoreEntry{Found: ok, Score: s}, nil
	})
	if err != nil {
		return err
	}
	if entry.Found {
		intel.EPSS = entry.Score.EPSS
		intel.EPSSKnown = true
	}
	return nil
}

// Prefetch warms the cache for many CVEs: one batched EPSS request and
// bounded parallel NVD lookups. Failures are left for Lookup to report.
func (c *Cache) Prefetch(ctx context.Context, cves []string) {
	if len(cves) == 0 {
		return
	}
	upper := make([]string, len(cves))
	for i, cve := range cves {
		upper[i] = strings.ToUpper(cve)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	if c.epss != nil {
		g.Go(func() error {
			c.prefetchScores(gctx, upper)
			return nil
		})
	}
	if c.nvd != nil {
		for _, cve := range upper {
			if _, ok := c.records.Get(gctx, cve); ok {
				continue
			}
			g.Go(func() error {
				_, _ = c.records.GetOrLoad(gctx, cve, c.loadRecord(cve))
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (c *Cache) prefetchScores(ctx context.Context, cves []string) {
	var missing []string
	for _, cve := range cves {
		if _, ok := c.scores.Get(ctx, cve); !ok {
			missing = append(missing, cve)
		}
	}
	if len(missing) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	scores, err := c.epss.Scores(ctx, missing)
	if err != nil {
		c.logger.Warn("[knowledge] EPSS prefetch failed: %v", err)
		return
	}
	for _, cve := range missing {
		s, ok := scores[cve]
		_, _ = c.scores.Add(ctx, cve, scoreEntry{Found: ok, Score: s})
	}
}

var _ core.IntelSource = (*Cache)(nil)
