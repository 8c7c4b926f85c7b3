// Package llm adapts OpenAI-compatible chat completion APIs to the
// core.Generator interface.
package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	// DefaultHTTPTimeout bounds a single HTTP exchange with the backend.
	DefaultHTTPTimeout = 2 * time.Minute
)

// ClientConfig holds connection settings shared by chat and embeddings.
type ClientConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	HTTPTimeout  time.Duration
}

// Endpoint returns the API base URL the client talks to.
func (c ClientConfig) Endpoint() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return openai.DefaultConfig("").BaseURL
}

// NewOpenAIClient builds a go-openai client. A custom BaseURL points it at
// any OpenAI-compatible server.
func NewOpenAIClient(cfg ClientConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.Endpoint()
	if cfg.Organization != "" {
		clientCfg.OrgID = cfg.Organization
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	return openai.NewClientWithConfig(clientCfg)
}

// WrapError maps go-openai failures onto the engine's error kinds.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		return errors.Wrap(&errors.APIError{
			Service:    "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}, op)
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return errors.Wrap(&errors.APIError{
			Service:    "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Message:    fmt.Sprint(reqErr.Err),
		}, op)
	}
	kind := errors.Classify(err)
	if kind == errors.KindUnknown {
		// Transport failures without a status are worth a retry.
		kind = errors.KindTransientNetwork
	}
	return errors.E(kind, op, err)
}

// Config configures the chat generator.
type Config struct {
	ClientConfig

	// Model name (e.g., "gpt-4o-mini")
	Model string

	// MaxTokens caps the completion length (0 = backend default)
	MaxTokens int

	// JSONMode requests a JSON object response format
	JSONMode bool
}

// Generator implements core.Generator over chat completions.
type Generator struct {
	client *openai.Client
	cfg    Config
}

// NewGenerator creates a chat generator. It requires credentials.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.ErrMissingCredentials
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Generator{client: NewOpenAIClient(cfg.ClientConfig), cfg: cfg}, nil
}

// Name returns the backend name.
func (g *Generator) Name() string {
	return "openai"
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	return g.cfg.Model
}

// Generate performs one chat completion.
func (g *Generator) Generate(ctx context.Context, req core.GenerationRequest) (*core.GenerationResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Temperature: req.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if g.cfg.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = g.cfg.MaxTokens
	}
	if g.cfg.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, WrapError("llm.Generate", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, errors.Wrap(errors.ErrEmptyResponse, "llm.Generate")
	}

	callID := resp.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	return &core.GenerationResponse{CallID: callID, Content: resp.Choices[0].Message.Content}, nil
}

var _ core.Generator = (*Generator)(nil)
