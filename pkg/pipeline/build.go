package pipeline

import (
	"context"
	stderrors "errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/threatrefine/pkg/audit"
	"github.com/exploopio/threatrefine/pkg/cache"
	"github.com/exploopio/threatrefine/pkg/config"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/dedup"
	"github.com/exploopio/threatrefine/pkg/embedding"
	"github.com/exploopio/threatrefine/pkg/enrichers/epss"
	"github.com/exploopio/threatrefine/pkg/enrichers/kev"
	"github.com/exploopio/threatrefine/pkg/enrichers/nvd"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/generation"
	"github.com/exploopio/threatrefine/pkg/history"
	"github.com/exploopio/threatrefine/pkg/knowledge"
	"github.com/exploopio/threatrefine/pkg/llm"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/output"
	"github.com/exploopio/threatrefine/pkg/retry"
	"github.com/exploopio/threatrefine/pkg/risk"
	"github.com/exploopio/threatrefine/pkg/suppression"
	"github.com/exploopio/threatrefine/pkg/webctx"
)

const snapshotSaveTimeout = 2 * time.Minute

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// FromConfig wires every stage from a validated configuration. The
// returned close function flushes the audit trail, refreshes the KEV
// snapshot and releases the stores; call it once the run is over.
func FromConfig(ctx context.Context, cfg *config.Config, logger core.Logger) (*Pipeline, func() error, error) {
	const op = "pipeline.FromConfig"
	logger = core.OrNop(logger)
	runID := uuid.NewString()

	var done closers
	fail := func(msg string, err error) (*Pipeline, func() error, error) {
		_ = done.Close()
		return nil, nil, errors.E(errors.KindConfiguration, op, msg, err)
	}

	var (
		collector metrics.Collector
		textfile  TextfileWriter
	)
	if cfg.Output.MetricsFile != "" {
		prom := metrics.NewPrometheusCollector(&metrics.PrometheusConfig{RegisterDefaultMetrics: true})
		collector, textfile = prom, prom
	}

	var recorder audit.Recorder
	if cfg.Output.AuditLog != "" {
		al, err := audit.NewLogger(&audit.LoggerConfig{RunID: runID, LogFile: cfg.Output.AuditLog})
		if err != nil {
			return fail("open audit log", err)
		}
		al.Start()
		done = append(done, al.Close)
		recorder = al
	}

	store, err := buildStore(cfg.Cache, &done)
	if err != nil {
		return fail("connect cache", err)
	}

	intel, err := buildIntel(cfg.Feeds, store, collector, logger, &done)
	if err != nil {
		return fail("load local feed data", err)
	}

	var embedder core.Embedder
	switch cfg.Embedding.Provider {
	case config.EmbeddingHashing:
		embedder = embedding.NewHashingEmbedder(cfg.Embedding.Dimensions)
	default:
		e, err := embedding.NewOpenAIEmbedder(cfg.LLM.ClientConfig(), cfg.Embedding.Model)
		if err != nil {
			return fail("create embedder", err)
		}
		embedder = e
	}

	var index core.HistoryIndex
	switch cfg.Retrieval.Backend {
	case config.RetrievalSQLite:
		idx, err := history.NewSQLiteIndex(history.SQLiteConfig{DatabasePath: cfg.Retrieval.Path, Embedder: embedder, Logger: logger})
		if err != nil {
			return fail("open history index", err)
		}
		if cfg.Retrieval.MaxAge > 0 {
			if n, err := idx.Cleanup(ctx, cfg.Retrieval.MaxAge); err != nil {
				logger.Warn("history: prune: %v", err)
			} else if n > 0 {
				logger.Info("history: pruned %d threats older than %s", n, cfg.Retrieval.MaxAge)
			}
		}
		index = idx
	case config.RetrievalWeaviate:
		idx, err := history.NewWeaviateIndex(ctx, history.WeaviateConfig{
			URL:       cfg.Retrieval.URL,
			ClassName: cfg.Retrieval.ClassName,
			Embedder:  embedder,
			Logger:    logger,
		})
		if err != nil {
			return fail("connect history index", err)
		}
		index = idx
	}
	if index != nil {
		done = append(done, index.Close)
	}

	var pool *generation.Pool
	if cfg.Generation.Enabled {
		pool, err = buildPool(cfg, index, store, collector, recorder, logger)
		if err != nil {
			return fail("create generation pool", err)
		}
	}

	mapping := cfg.ControlMapping()
	p := New(Config{
		Pool:          pool,
		Categories:    cfg.Categories(),
		Intel:         intel,
		NameThreshold: cfg.Refinement.NameThreshold,
		Suppression: suppression.New(suppression.Config{
			MaxAge:  cfg.Refinement.MaxCVEAge,
			Mapping: mapping,
			Logger:  logger,
		}),
		Dedup: dedup.New(dedup.Config{
			Embedder:   embedder,
			Metric:     dedup.Metric(cfg.Refinement.Metric),
			Similarity: cfg.Refinement.SimilarityThreshold,
			MinPoints:  cfg.Refinement.MinPoints,
			Logger:     logger,
			Metrics:    collector,
		}),
		Risk: risk.New(risk.Config{
			Mapping:            mapping,
			Residual:           risk.ParseResidualMode(cfg.Refinement.Residual),
			ConfidentThreshold: cfg.Refinement.ConfidenceThreshold,
			Logger:             logger,
		}),
		Assembler:   output.NewAssembler(output.Config{Logger: logger, Metrics: collector}),
		Industry:    cfg.Industry(),
		History:     index,
		OutputDir:   cfg.Output.Dir,
		MetricsFile: cfg.Output.MetricsFile,
		Textfile:    textfile,
		RunID:       runID,
		Logger:      logger,
		Metrics:     collector,
		Audit:       recorder,
	})
	return p, done.Close, nil
}

func buildStore(cfg config.CacheConfig, done *closers) (cache.Store, error) {
	if cfg.Backend != config.CacheRedis {
		return cache.NewMemoryStore(cfg.TTL), nil
	}
	rs, err := cache.NewRedisStore(cache.RedisOptions{URL: cfg.RedisURL, Prefix: cfg.Prefix, TTL: cfg.TTL})
	if err != nil {
		return nil, err
	}
	*done = append(*done, rs.Close)
	return rs, nil
}

// buildIntel assembles the knowledge cache. Offline runs answer from the
// KEV snapshot and the optional EPSS export; online runs refresh the
// snapshot when closing.
func buildIntel(cfg config.FeedsConfig, store cache.Store, collector metrics.Collector, logger core.Logger, done *closers) (*knowledge.Cache, error) {
	var opts []kev.Option
	if cfg.Offline {
		opts = append(opts, kev.WithOffline())
	}
	kevClient := kev.NewClient(cfg.KEV, collector, logger, opts...)

	if cfg.KEVSnapshot != "" {
		if _, statErr := os.Stat(cfg.KEVSnapshot); statErr == nil || cfg.Offline {
			if err := kevClient.LoadSnapshot(cfg.KEVSnapshot); err != nil {
				if cfg.Offline {
					return nil, err
				}
				logger.Warn("kev: ignoring snapshot: %v", err)
			}
		}
		if !cfg.Offline {
			path := cfg.KEVSnapshot
			*done = append(*done, func() error {
				ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
				defer cancel()
				if err := kevClient.SaveSnapshot(ctx, path); err != nil {
					logger.Warn("kev: snapshot not refreshed: %v", err)
				}
				return nil
			})
		}
	}

	kc := knowledge.Config{
		KEV:     kevClient,
		Store:   store,
		Timeout: cfg.Timeout,
		Logger:  logger,
		Metrics: collector,
	}
	if !cfg.Offline {
		kc.NVD = nvd.NewClient(cfg.NVD, cfg.NVDAPIKey, collector, logger)
	}
	if !cfg.Offline || cfg.EPSSCSV != "" {
		var epssOpts []epss.Option
		if cfg.Offline {
			epssOpts = append(epssOpts, epss.WithTableOnly())
		}
		ec := epss.NewClient(cfg.EPSS, collector, logger, epssOpts...)
		if cfg.EPSSCSV != "" {
			n, err := ec.LoadFile(cfg.EPSSCSV)
			if err != nil {
				return nil, err
			}
			logger.Info("epss: %d scores loaded from %s", n, cfg.EPSSCSV)
		}
		kc.EPSS = ec
	}
	return knowledge.New(kc), nil
}

func buildPool(cfg *config.Config, index core.HistoryIndex, store cache.Store, collector metrics.Collector, recorder audit.Recorder, logger core.Logger) (*generation.Pool, error) {
	gen, err := llm.NewGenerator(llm.Config{
		ClientConfig: cfg.LLM.ClientConfig(),
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, err
	}

	gc := generation.Config{
		Generator:      gen,
		Concurrency:    cfg.Generation.Concurrency,
		CallTimeout:    cfg.Generation.CallTimeout,
		ContextTimeout: cfg.Generation.ContextTimeout,
		MaxAttempts:    cfg.Generation.MaxAttempts,
		Backoff: &retry.BackoffConfig{
			Strategy:     retry.ParseStrategy(cfg.Generation.Backoff),
			BaseInterval: cfg.Generation.BaseInterval,
		},
		RatePerSecond: cfg.Generation.RatePerSecond,
		Burst:         cfg.Generation.Burst,
		Budget:        cfg.Generation.Budget,
		HistoryK:      cfg.Retrieval.K,
		Temperature:   cfg.LLM.Temperature,
		Logger:        logger,
		Metrics:       collector,
		Audit:         recorder,
	}
	if index != nil {
		gc.Retriever = index
	}
	if cfg.WebSearch.Endpoint != "" {
		search, err := webctx.New(webctx.Config{
			Feed:       core.FeedConfig{Endpoint: cfg.WebSearch.Endpoint, Timeout: cfg.WebSearch.Timeout},
			MaxResults: cfg.WebSearch.MaxResults,
			Store:      store,
			Metrics:    collector,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		gc.Searcher = search
	}
	return generation.New(gc)
}
