package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
)

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *map[string]interface{}) {
	t.Helper()
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
			return
		}
		fmt.Fprintf(w, `{"id": "chatcmpl-1", "object": "chat.completion", "model": "m",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}]}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestNewGenerator_RequiresKey(t *testing.T) {
	_, err := NewGenerator(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestGenerator_Generate(t *testing.T) {
	srv, got := chatServer(t, http.StatusOK, `{"threats": []}`)
	g, err := NewGenerator(Config{
		ClientConfig: ClientConfig{APIKey: "k", BaseURL: srv.URL + "/v1"},
		Model:        "test-model",
		JSONMode:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", g.Name())

	resp, err := g.Generate(context.Background(), core.GenerationRequest{System: "sys", Prompt: "go", Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.CallID)
	assert.Equal(t, `{"threats": []}`, resp.Content)

	assert.Equal(t, "test-model", (*got)["model"])
	format, ok := (*got)["response_format"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
}

func TestGenerator_EmptyContentIsParseError(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "  ")
	g, err := NewGenerator(Config{ClientConfig: ClientConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), core.GenerationRequest{Prompt: "go"})
	require.Error(t, err)
	assert.True(t, errors.IsParseError(err))
}

func TestGenerator_RateLimitIsRetryable(t *testing.T) {
	srv, _ := chatServer(t, http.StatusTooManyRequests, "")
	g, err := NewGenerator(Config{ClientConfig: ClientConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), core.GenerationRequest{Prompt: "go"})
	require.Error(t, err)
	assert.Equal(t, errors.KindRateLimit, errors.Classify(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError("op", nil))

	err := WrapError("op", fmt.Errorf("connection reset"))
	assert.Equal(t, errors.KindTransientNetwork, errors.Classify(err))
}
