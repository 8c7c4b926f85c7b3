package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/exploopio/threatrefine/pkg/cache"
	"github.com/exploopio/threatrefine/pkg/config"
	"github.com/exploopio/threatrefine/pkg/embedding"
	"github.com/exploopio/threatrefine/pkg/enrichers/epss"
	"github.com/exploopio/threatrefine/pkg/enrichers/kev"
	"github.com/exploopio/threatrefine/pkg/enrichers/nvd"
	"github.com/exploopio/threatrefine/pkg/health"
	"github.com/exploopio/threatrefine/pkg/history"
)

// minFreeBytes is the space the outputs, audit trail and snapshot need.
const minFreeBytes = 64 << 20

// Preflight registers a check for every backend cfg depends on. Feeds and
// web search only degrade a run, so their failures are reported as
// degraded; the output disk, cache, history index and generative endpoint
// are required.
func Preflight(cfg *config.Config) *health.Runner {
	r := health.NewRunner(health.WithTimeout(cfg.Feeds.Timeout + cfg.WebSearch.Timeout))

	r.Register("output_disk", &health.DiskCheck{Path: cfg.Output.Dir, MinFreeBytes: minFreeBytes})

	if cfg.Cache.Backend == config.CacheRedis {
		r.Register("cache", &health.PingCheck{Ping: func(ctx context.Context) error {
			rs, err := cache.NewRedisStore(cache.RedisOptions{URL: cfg.Cache.RedisURL, Prefix: cfg.Cache.Prefix, TTL: cfg.Cache.TTL})
			if err != nil {
				return err
			}
			defer rs.Close()
			_, err = rs.Len(ctx)
			return err
		}})
	}

	switch cfg.Retrieval.Backend {
	case config.RetrievalSQLite:
		r.Register("history", &health.PingCheck{Ping: func(ctx context.Context) error {
			idx, err := history.NewSQLiteIndex(history.SQLiteConfig{
				DatabasePath: cfg.Retrieval.Path,
				Embedder:     embedding.NewHashingEmbedder(cfg.Embedding.Dimensions),
			})
			if err != nil {
				return err
			}
			defer idx.Close()
			_, err = idx.Count(ctx)
			return err
		}})
	case config.RetrievalWeaviate:
		r.Register("history", &health.PingCheck{Ping: func(ctx context.Context) error {
			idx, err := history.NewWeaviateIndex(ctx, history.WeaviateConfig{
				URL:       cfg.Retrieval.URL,
				ClassName: cfg.Retrieval.ClassName,
				Embedder:  embedding.NewHashingEmbedder(cfg.Embedding.Dimensions),
			})
			if err != nil {
				return err
			}
			return idx.Close()
		}})
	}

	if cfg.Feeds.Offline {
		r.RegisterFunc("kev_snapshot", func(context.Context) health.Result {
			if _, err := os.Stat(cfg.Feeds.KEVSnapshot); err != nil {
				return health.Result{Status: health.StatusUnhealthy, Error: err.Error()}
			}
			return health.Result{Status: health.StatusHealthy, Message: cfg.Feeds.KEVSnapshot}
		})
	} else {
		r.Register("feed_kev", feedCheck(cfg.Feeds.KEV.Endpoint, kev.DefaultKEVURL, cfg))
		r.Register("feed_nvd", feedCheck(cfg.Feeds.NVD.Endpoint, nvd.DefaultNVDURL, cfg))
		r.Register("feed_epss", feedCheck(cfg.Feeds.EPSS.Endpoint, epss.DefaultEPSSURL, cfg))
	}

	if cfg.WebSearch.Endpoint != "" {
		r.Register("web_search", &health.EndpointCheck{URL: cfg.WebSearch.Endpoint, Timeout: cfg.WebSearch.Timeout, Optional: true})
	}
	if cfg.Generation.Enabled || cfg.Embedding.Provider == config.EmbeddingOpenAI {
		r.Register("llm", &health.EndpointCheck{URL: cfg.LLM.ClientConfig().Endpoint() + "/models", Timeout: cfg.Feeds.Timeout})
	}
	return r
}

func feedCheck(endpoint, fallback string, cfg *config.Config) *health.EndpointCheck {
	if endpoint == "" {
		endpoint = fallback
	}
	return &health.EndpointCheck{URL: endpoint, Timeout: cfg.Feeds.Timeout, Optional: true}
}

// FormatReport renders a preflight report, one check per line.
func FormatReport(rep health.Report) string {
	out := fmt.Sprintf("preflight: %s\n", rep.Status)
	for _, name := range rep.Names() {
		res := rep.Checks[name]
		detail := res.Message
		if res.Error != "" {
			detail = res.Error
		}
		out += fmt.Sprintf("  %-13s %-9s %s\n", name, res.Status, detail)
	}
	return out
}
