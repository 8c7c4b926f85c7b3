// Package core provides the capability interfaces and shared plumbing of the
// threat refinement engine: logging, configuration validation, and the
// boundaries to the generative backend, embedders, vulnerability feeds,
// historical index and web search.
package core

import (
	"context"
	"time"

	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

// =============================================================================
// Generator Interface - The generative backend
// =============================================================================

// Generator is the black-box generative backend.
type Generator interface {
	// Name returns the backend name (e.g., "openai")
	Name() string

	// Generate performs one completion call
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
}

// GenerationRequest is one prompt for the backend.
type GenerationRequest struct {
	// System instructions
	System string

	// User prompt
	Prompt string

	// Sampling temperature
	Temperature float32
}

// GenerationResponse holds the raw backend output.
type GenerationResponse struct {
	// Identifier of the call, as reported by the backend or assigned locally
	CallID string

	// Raw text content (expected to be JSON)
	Content string
}

// =============================================================================
// Embedder Interface - Text embeddings for deduplication and retrieval
// =============================================================================

// Embedder turns texts into fixed-length vectors.
type Embedder interface {
	// Name returns the embedder name (e.g., "openai", "hashing")
	Name() string

	// Embed returns one vector per text, in input order
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// =============================================================================
// Context Providers - Retrieval and web context for prompts
// =============================================================================

// PriorThreat is a threat from an earlier run, returned by retrieval.
type PriorThreat struct {
	ID             string               `json:"id"`
	ComponentRef   string               `json:"component_ref"`
	ComponentName  string               `json:"component_name"`
	StrideCategory model.StrideCategory `json:"stride_category"`
	Description    string               `json:"description"`
	RiskScore      severity.Level       `json:"risk_score"`
	Similarity     float64              `json:"similarity"`
}

// ContextRetriever returns the top-k prior threats for a (component, category) pair.
type ContextRetriever interface {
	Retrieve(ctx context.Context, component model.DFDComponent, category model.StrideCategory, k int) ([]PriorThreat, error)
}

// HistoryIndex is a ContextRetriever that can also ingest a finished catalog.
type HistoryIndex interface {
	ContextRetriever

	// Index stores the threats so later runs can retrieve them
	Index(ctx context.Context, threats []model.EnrichedThreat) error

	// Close releases the underlying store
	Close() error
}

// Snippet is one web search result.
type Snippet struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// WebSearcher looks up short web snippets for a query.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]Snippet, error)
}

// =============================================================================
// Intel Interface - Vulnerability feed enrichment
// =============================================================================

// IntelSource answers what the vulnerability feeds know about a CVE.
// Implementations fail soft: a feed error degrades the matching fields of
// the returned Intel and is reported alongside it.
type IntelSource interface {
	Lookup(ctx context.Context, cve string) (model.Intel, error)
}

// FeedConfig holds per-feed client configuration.
type FeedConfig struct {
	// API endpoint (optional, for mirrors)
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Per-call timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Cache duration
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// Debug
	Verbose bool `yaml:"verbose" json:"verbose"`
}
