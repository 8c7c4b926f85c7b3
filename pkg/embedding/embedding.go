// Package embedding provides the text embedders used for deduplication and
// historical retrieval: an OpenAI-backed embedder and a local hashing
// embedder that needs no network.
package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/llm"
)

// DefaultModel is the default OpenAI embedding model.
const DefaultModel = string(openai.SmallEmbedding3)

// maxBatch is the number of inputs sent per embeddings request.
const maxBatch = 256

// OpenAIEmbedder implements core.Embedder using the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder. It requires credentials.
func NewOpenAIEmbedder(cfg llm.ClientConfig, model string) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.ErrMissingCredentials
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIEmbedder{client: llm.NewOpenAIClient(cfg), model: model}, nil
}

// Name returns the embedder name.
func (e *OpenAIEmbedder) Name() string {
	return "openai"
}

// Embed returns one vector per text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, llm.WrapError("embedding.Embed", err)
		}
		for _, d := range resp.Data {
			if d.Index < 0 || start+d.Index >= end {
				return nil, errors.E(errors.KindParse, "embedding.Embed", fmt.Sprintf("index %d out of range", d.Index))
			}
			out[start+d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, errors.E(errors.KindParse, "embedding.Embed", fmt.Sprintf("missing vector for input %d", i))
		}
	}
	return out, nil
}

var _ core.Embedder = (*OpenAIEmbedder)(nil)
