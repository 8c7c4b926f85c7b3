package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := Default()
	cfg.Inputs.DFD = writeFile(t, t.TempDir(), "dfd_components.json", `{"components": []}`)
	cfg.LLM.APIKey = "sk-test"
	return cfg
}

func TestDefault_Validates(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing dfd", func(c *Config) { c.Inputs.DFD = "" }, "inputs.dfd"},
		{"dfd not found", func(c *Config) { c.Inputs.DFD = "/nonexistent/dfd.json" }, "inputs.dfd"},
		{"missing key", func(c *Config) { c.LLM.APIKey = "" }, "llm.api_key"},
		{"nothing to refine", func(c *Config) { c.Generation.Enabled = false }, "generation.enabled"},
		{"similarity out of range", func(c *Config) { c.Refinement.SimilarityThreshold = 1.5 }, "refinement.similarity_threshold"},
		{"negative name threshold", func(c *Config) { c.Refinement.NameThreshold = -0.1 }, "refinement.name_threshold"},
		{"bad metric", func(c *Config) { c.Refinement.Metric = "manhattan" }, "refinement.metric"},
		{"bad residual", func(c *Config) { c.Refinement.Residual = "none" }, "refinement.residual"},
		{"bad industry", func(c *Config) { c.Refinement.Industry = "retail" }, "refinement.industry"},
		{"redis without url", func(c *Config) { c.Cache.Backend = CacheRedis }, "cache.redis_url"},
		{"sqlite without path", func(c *Config) { c.Retrieval.Backend = RetrievalSQLite }, "retrieval.path"},
		{"weaviate bad url", func(c *Config) {
			c.Retrieval.Backend = RetrievalWeaviate
			c.Retrieval.URL = "localhost"
		}, "retrieval.url"},
		{"zero concurrency", func(c *Config) { c.Generation.Concurrency = 0 }, "generation.concurrency"},
		{"unknown category", func(c *Config) { c.Generation.Categories = []string{"Phishing"} }, "generation.categories"},
		{"offline without snapshot", func(c *Config) { c.Feeds.Offline = true }, "feeds.kev_snapshot"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.IsConfigurationError(err) {
				t.Errorf("Validate() kind = %v, want configuration", errors.GetKind(err))
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() = %q, want mention of %s", err, tt.field)
			}
		})
	}
}

func TestValidate_ImportOnly(t *testing.T) {
	cfg := validConfig(t)
	cfg.Generation.Enabled = false
	cfg.LLM.APIKey = ""
	cfg.Embedding.Provider = EmbeddingHashing
	cfg.Inputs.Threats = writeFile(t, t.TempDir(), "identified_threats.json", `[]`)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	dfd := writeFile(t, dir, "dfd.json", `[]`)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("TEST_SEARCH_HOST", "search.internal")
	path := writeFile(t, dir, "threatrefine.yaml", `
inputs:
  dfd: `+dfd+`
web_search:
  endpoint: http://${TEST_SEARCH_HOST}:8888
generation:
  concurrency: 8
  budget: 90s
  categories: [S, tampering]
refinement:
  similarity_threshold: 0.9
  industry: finance
  control_mapping:
    hsm: [information_disclosure, tampering]
`)

	cfg, err := Load(path, WithConcurrency(2), WithOutputDir(dir))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want value from environment", cfg.LLM.APIKey)
	}
	if cfg.WebSearch.Endpoint != "http://search.internal:8888" {
		t.Errorf("Endpoint = %q, want expanded variable", cfg.WebSearch.Endpoint)
	}
	if cfg.Generation.Concurrency != 2 {
		t.Errorf("Concurrency = %d, options should win over the file", cfg.Generation.Concurrency)
	}
	if cfg.Generation.Budget != 90*time.Second {
		t.Errorf("Budget = %v", cfg.Generation.Budget)
	}
	if cfg.Output.Dir != dir {
		t.Errorf("Output.Dir = %q", cfg.Output.Dir)
	}
	if cfg.Refinement.SimilarityThreshold != 0.9 {
		t.Errorf("SimilarityThreshold = %v", cfg.Refinement.SimilarityThreshold)
	}
	if cfg.Industry() != model.IndustryFinance {
		t.Errorf("Industry() = %v", cfg.Industry())
	}

	cats := cfg.Categories()
	if len(cats) != 2 || cats[0] != model.Spoofing || cats[1] != model.Tampering {
		t.Errorf("Categories() = %v", cats)
	}

	m := cfg.ControlMapping()
	if !m.Mitigates("HSM", model.InformationDisclosure) || !m.Mitigates("hsm", model.Tampering) {
		t.Error("ControlMapping() should include configured controls")
	}
	if !m.Mitigates("mfa", model.Spoofing) {
		t.Error("ControlMapping() should keep the built-in vocabulary")
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.yaml")},
		{"unknown field", writeFile(t, dir, "typo.yaml", "generation:\n  concurrancy: 4\n")},
		{"bad yaml", writeFile(t, dir, "bad.yaml", "generation: [\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if !errors.IsConfigurationError(err) {
				t.Errorf("Load() = %v, want configuration error", err)
			}
		})
	}
}

func TestLoadFeeds(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "threatrefine.yaml", `
feeds:
  kev:
    endpoint: http://mirror.internal/kev.json
    cache_ttl: 1h
`)

	// No inputs or credentials are needed to reach the feeds.
	feeds, err := LoadFeeds(path)
	if err != nil {
		t.Fatalf("LoadFeeds() = %v", err)
	}
	if feeds.KEV.Endpoint != "http://mirror.internal/kev.json" {
		t.Errorf("KEV.Endpoint = %q, want value from the file", feeds.KEV.Endpoint)
	}
	if feeds.KEV.CacheTTL != time.Hour {
		t.Errorf("KEV.CacheTTL = %v", feeds.KEV.CacheTTL)
	}

	bad := writeFile(t, dir, "bad.yaml", "feeds:\n  kev:\n    endpoint: not-a-url\n")
	if _, err := LoadFeeds(bad); !errors.IsConfigurationError(err) {
		t.Errorf("LoadFeeds() = %v, want configuration error", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"THREATREFINE_CONCURRENCY": "12",
		"THREATREFINE_BUDGET":      "5m",
		"THREATREFINE_OFFLINE":     "true",
		"THREATREFINE_INDUSTRY":    "healthcare",
		"NVD_API_KEY":              "nvd-key",
		"THREATREFINE_LOG_LEVEL":   "",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.Generation.Concurrency != 12 {
		t.Errorf("Concurrency = %d", cfg.Generation.Concurrency)
	}
	if cfg.Generation.Budget != 5*time.Minute {
		t.Errorf("Budget = %v", cfg.Generation.Budget)
	}
	if !cfg.Feeds.Offline {
		t.Error("Offline should be set")
	}
	if cfg.Refinement.Industry != "healthcare" || cfg.Feeds.NVDAPIKey != "nvd-key" {
		t.Errorf("string overrides not applied: %+v", cfg.Refinement)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("empty variable should not override, got %q", cfg.Logging.Level)
	}
}
