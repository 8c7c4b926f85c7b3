// Package config loads the refinement settings from a YAML file, the
// environment and functional options, in that order of precedence, and
// validates them before any work starts.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

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
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/risk"
	"github.com/exploopio/threatrefine/pkg/standardize"
	"github.com/exploopio/threatrefine/pkg/suppression"
	"github.com/exploopio/threatrefine/pkg/webctx"
)

// Backend names accepted in the file.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"

	RetrievalNone     = "none"
	RetrievalSQLite   = "sqlite"
	RetrievalWeaviate = "weaviate"

	EmbeddingOpenAI  = "openai"
	EmbeddingHashing = "hashing"

	ProviderOpenAI = "openai"
)

// Config is the complete run configuration.
type Config struct {
	Inputs     InputConfig      `yaml:"inputs"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Cache      CacheConfig      `yaml:"cache"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	WebSearch  WebSearchConfig  `yaml:"web_search"`
	Generation GenerationConfig `yaml:"generation"`
	Refinement RefinementConfig `yaml:"refinement"`
	Output     OutputConfig     `yaml:"output"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// InputConfig locates the input documents.
type InputConfig struct {
	DFD      string `yaml:"dfd"`
	Controls string `yaml:"controls"`

	// Optional prior-stage candidates (identified_threats.json)
	Threats string `yaml:"threats"`
}

// LLMConfig configures the generative backend.
type LLMConfig struct {
	Provider     string        `yaml:"provider"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Organization string        `yaml:"organization"`
	Temperature  float32       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

// ClientConfig returns the connection settings shared with embeddings.
func (c LLMConfig) ClientConfig() llm.ClientConfig {
	return llm.ClientConfig{
		APIKey:       c.APIKey,
		BaseURL:      c.BaseURL,
		Organization: c.Organization,
		HTTPTimeout:  c.HTTPTimeout,
	}
}

// EmbeddingConfig selects the embedder used by deduplication and retrieval.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// FeedsConfig configures the vulnerability feeds.
type FeedsConfig struct {
	KEV       core.FeedConfig `yaml:"kev"`
	NVD       core.FeedConfig `yaml:"nvd"`
	NVDAPIKey string          `yaml:"nvd_api_key"`
	EPSS      core.FeedConfig `yaml:"epss"`

	// Lookup timeout applied by the knowledge cache
	Timeout time.Duration `yaml:"timeout"`

	// Zstd KEV snapshot; loaded when present and refreshed after a download
	KEVSnapshot string `yaml:"kev_snapshot"`

	// Daily EPSS CSV export (".zst" allowed); preloaded, and the only EPSS
	// source when offline
	EPSSCSV string `yaml:"epss_csv"`

	// Offline uses only the local files and disables the NVD and EPSS APIs
	Offline bool `yaml:"offline"`
}

// CacheConfig configures the shared TTL store.
type CacheConfig struct {
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	RedisURL string        `yaml:"redis_url"`
	Prefix   string        `yaml:"prefix"`
}

// RetrievalConfig configures the historical threat index.
type RetrievalConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	URL       string `yaml:"url"`
	ClassName string `yaml:"class_name"`
	K         int    `yaml:"k"`

	// MaxAge prunes SQLite history older than this at startup (0 keeps all)
	MaxAge time.Duration `yaml:"max_age"`
}

// WebSearchConfig configures the web context provider. An empty endpoint
// disables web context.
type WebSearchConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
}

// GenerationConfig configures the worker pool.
type GenerationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Categories     []string      `yaml:"categories"`
	Concurrency    int           `yaml:"concurrency"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ContextTimeout time.Duration `yaml:"context_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        string        `yaml:"backoff"`
	BaseInterval   time.Duration `yaml:"base_interval"`
	Budget         time.Duration `yaml:"budget"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

// RefinementConfig holds the thresholds of the refinement stages.
type RefinementConfig struct {
	NameThreshold       float64       `yaml:"name_threshold"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MaxCVEAge           time.Duration `yaml:"max_cve_age"`
	Metric              string        `yaml:"metric"`
	MinPoints           int           `yaml:"min_points"`
	Industry            string        `yaml:"industry"`
	Residual            string        `yaml:"residual"`

	// Extra control vocabulary merged over the built-in mapping
	ControlMapping map[string][]string `yaml:"control_mapping"`
}

// OutputConfig locates the run outputs.
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	AuditLog    string `yaml:"audit_log"`
	MetricsFile string `yaml:"metrics_file"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			Model:       llm.DefaultModel,
			Temperature: 0.2,
			HTTPTimeout: llm.DefaultHTTPTimeout,
		},
		Embedding: EmbeddingConfig{
			Provider:   EmbeddingOpenAI,
			Model:      embedding.DefaultModel,
			Dimensions: embedding.DefaultDimensions,
		},
		Feeds: FeedsConfig{
			KEV:     core.FeedConfig{Endpoint: kev.DefaultKEVURL, Timeout: kev.DefaultTimeout, CacheTTL: kev.DefaultCacheTTL},
			NVD:     core.FeedConfig{Endpoint: nvd.DefaultNVDURL, Timeout: nvd.DefaultTimeout},
			EPSS:    core.FeedConfig{Endpoint: epss.DefaultEPSSURL, Timeout: epss.DefaultTimeout},
			Timeout: knowledge.DefaultTimeout,
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			TTL:     24 * time.Hour,
			Prefix:  "threatrefine:",
		},
		Retrieval: RetrievalConfig{
			Backend:   RetrievalNone,
			ClassName: history.DefaultClassName,
			K:         history.DefaultK,
		},
		WebSearch: WebSearchConfig{
			MaxResults: webctx.DefaultMaxResults,
			Timeout:    webctx.DefaultTimeout,
		},
		Generation: GenerationConfig{
			Enabled:        true,
			Concurrency:    generation.DefaultConcurrency,
			CallTimeout:    generation.DefaultCallTimeout,
			ContextTimeout: generation.DefaultContextTimeout,
			MaxAttempts:    3,
			Backoff:        "exponential",
			BaseInterval:   500 * time.Millisecond,
		},
		Refinement: RefinementConfig{
			NameThreshold:       standardize.DefaultThreshold,
			SimilarityThreshold: dedup.DefaultSimilarity,
			ConfidenceThreshold: risk.ConfidentThreshold,
			MaxCVEAge:           suppression.DefaultMaxAge,
			Metric:              string(dedup.MetricCosine),
			MinPoints:           dedup.DefaultMinPoints,
			Industry:            string(model.IndustryGeneric),
			Residual:            string(risk.ResidualPerControl),
		},
		Output: OutputConfig{Dir: "."},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (optional), applies environment overrides and opts, and
// validates the result. Every failure is a configuration error.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFeeds reads path (optional) and the environment like Load but only
// validates the feed settings, for commands that touch nothing else.
func LoadFeeds(path string) (*FeedsConfig, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.LookupEnv)

	v := core.NewValidator()
	cfg.validateFeeds(v)
	if err := v.Validate(); err != nil {
		return nil, errors.E(errors.KindConfiguration, "config.LoadFeeds", err)
	}
	return &cfg.Feeds, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.E(errors.KindConfiguration, "config.Load", "read config", err)
	}

	// Expand environment variables in config
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.E(errors.KindConfiguration, "config.Load", "parse "+path, err)
	}
	return nil
}

// applyEnv overrides settings from the environment. Credentials are
// usually supplied this way rather than in the file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("OPENAI_API_KEY", &c.LLM.APIKey)
	str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	str("NVD_API_KEY", &c.Feeds.NVDAPIKey)
	str("THREATREFINE_MODEL", &c.LLM.Model)
	str("THREATREFINE_EMBEDDING_MODEL", &c.Embedding.Model)
	str("THREATREFINE_REDIS_URL", &c.Cache.RedisURL)
	str("THREATREFINE_WEAVIATE_URL", &c.Retrieval.URL)
	str("THREATREFINE_SEARCH_URL", &c.WebSearch.Endpoint)
	str("THREATREFINE_INDUSTRY", &c.Refinement.Industry)
	str("THREATREFINE_OUTPUT_DIR", &c.Output.Dir)
	str("THREATREFINE_LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("THREATREFINE_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Generation.Concurrency = n
		}
	}
	if v, ok := lookup("THREATREFINE_BUDGET"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Generation.Budget = d
		}
	}
	if v, ok := lookup("THREATREFINE_OFFLINE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Feeds.Offline = b
		}
	}
}

// Validate checks every setting. The returned error has KindConfiguration
// and lists all problems at once.
func (c *Config) Validate() error {
	v := core.NewValidator()

	v.Required("inputs.dfd", c.Inputs.DFD).
		FileExists("inputs.dfd", c.Inputs.DFD).
		FileExists("inputs.controls", c.Inputs.Controls).
		FileExists("inputs.threats", c.Inputs.Threats).
		Custom("generation.enabled", func() bool { return c.Generation.Enabled || c.Inputs.Threats != "" },
			"generation must be enabled when no threats file is given")

	v.OneOf("llm.provider", c.LLM.Provider, []string{ProviderOpenAI}).
		RequiredIf(c.Generation.Enabled, "llm.api_key", c.LLM.APIKey, "generation is enabled").
		URL("llm.base_url", c.LLM.BaseURL).
		Custom("llm.temperature", func() bool { return c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2 },
			"must be between 0 and 2")

	v.OneOf("embedding.provider", c.Embedding.Provider, []string{EmbeddingOpenAI, EmbeddingHashing}).
		RequiredIf(c.Embedding.Provider == EmbeddingOpenAI, "llm.api_key", c.LLM.APIKey, "embedding.provider is openai").
		Min("embedding.dimensions", c.Embedding.Dimensions, 8)

	c.validateFeeds(v)

	v.OneOf("cache.backend", c.Cache.Backend, []string{CacheMemory, CacheRedis}).
		RequiredIf(c.Cache.Backend == CacheRedis, "cache.redis_url", c.Cache.RedisURL, "cache.backend is redis").
		MinDuration("cache.ttl", c.Cache.TTL, time.Minute)

	v.OneOf("retrieval.backend", c.Retrieval.Backend, []string{RetrievalNone, RetrievalSQLite, RetrievalWeaviate}).
		RequiredIf(c.Retrieval.Backend == RetrievalSQLite, "retrieval.path", c.Retrieval.Path, "retrieval.backend is sqlite").
		RequiredIf(c.Retrieval.Backend == RetrievalWeaviate, "retrieval.url", c.Retrieval.URL, "retrieval.backend is weaviate").
		URL("retrieval.url", c.Retrieval.URL).
		Min("retrieval.k", c.Retrieval.K, 1).
		MinDuration("retrieval.max_age", c.Retrieval.MaxAge, 0).
		Max("retrieval.k", c.Retrieval.K, 50)

	v.URL("web_search.endpoint", c.WebSearch.Endpoint).
		Min("web_search.max_results", c.WebSearch.MaxResults, 1)

	v.Min("generation.concurrency", c.Generation.Concurrency, 1).
		Max("generation.concurrency", c.Generation.Concurrency, 64).
		MinDuration("generation.call_timeout", c.Generation.CallTimeout, time.Second).
		MinDuration("generation.context_timeout", c.Generation.ContextTimeout, 100*time.Millisecond).
		Min("generation.max_attempts", c.Generation.MaxAttempts, 1).
		Max("generation.max_attempts", c.Generation.MaxAttempts, 10).
		OneOf("generation.backoff", c.Generation.Backoff, []string{"exponential", "linear", "constant"}).
		MinDuration("generation.budget", c.Generation.Budget, 0).
		Custom("generation.rate_per_second", func() bool { return c.Generation.RatePerSecond >= 0 }, "must not be negative")
	for _, name := range c.Generation.Categories {
		if _, ok := model.ParseStrideCategory(name); !ok {
			v.Custom("generation.categories", func() bool { return false }, fmt.Sprintf("unknown STRIDE category %q", name))
		}
	}

	v.Fraction("refinement.name_threshold", c.Refinement.NameThreshold).
		Fraction("refinement.similarity_threshold", c.Refinement.SimilarityThreshold).
		Fraction("refinement.confidence_threshold", c.Refinement.ConfidenceThreshold).
		MinDuration("refinement.max_cve_age", c.Refinement.MaxCVEAge, 24*time.Hour).
		OneOf("refinement.metric", c.Refinement.Metric, []string{string(dedup.MetricCosine), string(dedup.MetricEuclidean)}).
		Min("refinement.min_points", c.Refinement.MinPoints, 1).
		OneOf("refinement.residual", c.Refinement.Residual, []string{string(risk.ResidualPerControl), string(risk.ResidualSingleLevel)}).
		Custom("refinement.industry", func() bool {
			_, ok := model.ParseIndustry(c.Refinement.Industry)
			return ok
		}, "unknown industry profile, want one of: "+industryNames())

	v.Required("output.dir", c.Output.Dir).
		OneOf("logging.level", c.Logging.Level, []string{"debug", "info", "warn", "error"}).
		OneOf("logging.format", c.Logging.Format, []string{"console", "json"})

	if err := v.Validate(); err != nil {
		return errors.E(errors.KindConfiguration, "config.Validate", err)
	}
	return nil
}

func (c *Config) validateFeeds(v *core.Validator) {
	v.URL("feeds.kev.endpoint", c.Feeds.KEV.Endpoint).
		URL("feeds.nvd.endpoint", c.Feeds.NVD.Endpoint).
		URL("feeds.epss.endpoint", c.Feeds.EPSS.Endpoint).
		FileExists("feeds.epss_csv", c.Feeds.EPSSCSV).
		MinDuration("feeds.timeout", c.Feeds.Timeout, time.Second).
		RequiredIf(c.Feeds.Offline, "feeds.kev_snapshot", c.Feeds.KEVSnapshot, "feeds.offline is set")
}

// Categories returns the configured STRIDE categories, or all six.
func (c *Config) Categories() []model.StrideCategory {
	if len(c.Generation.Categories) == 0 {
		return model.AllStrideCategories()
	}
	cats := make([]model.StrideCategory, 0, len(c.Generation.Categories))
	for _, name := range c.Generation.Categories {
		if cat, ok := model.ParseStrideCategory(name); ok {
			cats = append(cats, cat)
		}
	}
	return cats
}

func industryNames() string {
	var names []string
	for _, ind := range model.AllIndustries() {
		names = append(names, string(ind))
	}
	return strings.Join(names, ", ")
}

// Industry returns the parsed industry profile.
func (c *Config) Industry() model.Industry {
	ind, _ := model.ParseIndustry(c.Refinement.Industry)
	return ind
}

// ControlMapping returns the built-in control vocabulary merged with the
// configured extras. Unknown category names are ignored.
func (c *Config) ControlMapping() suppression.Mapping {
	m := suppression.DefaultMapping()
	if len(c.Refinement.ControlMapping) == 0 {
		return m
	}
	extra := make(map[string][]model.StrideCategory, len(c.Refinement.ControlMapping))
	for control, names := range c.Refinement.ControlMapping {
		for _, name := range names {
			if cat, ok := model.ParseStrideCategory(name); ok {
				extra[control] = append(extra[control], cat)
			}
		}
	}
	return m.Merge(extra)
}
