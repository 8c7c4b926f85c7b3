package webctx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/model"
)

func TestProvider_Search(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"title": "a", "url": "https://a", "content": "first snippet"},
			{"title": "empty", "url": "https://e", "content": "  "},
			{"title": "b", "url": "https://b", "content": "` + strings.Repeat("x", 600) + `"},
			{"title": "c", "url": "https://c", "content": "third"},
			{"title": "d", "url": "https://d", "content": "fourth"}
		]}`))
	}))
	defer srv.Close()

	p, err := New(Config{Feed: core.FeedConfig{Endpoint: srv.URL}})
	require.NoError(t, err)

	got, err := p.Search(context.Background(), "API Gateway Spoofing vulnerability")
	require.NoError(t, err)
	require.Len(t, got, DefaultMaxResults)
	assert.Equal(t, "a", got[0].Title)
	assert.Equal(t, "b", got[1].Title)
	assert.True(t, strings.HasSuffix(got[1].Content, "..."))
	assert.Equal(t, "c", got[2].Title)

	// Same query, differently spaced, is served from cache.
	_, err = p.Search(context.Background(), "  api gateway   spoofing vulnerability ")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	empty, err := p.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestProvider_FailureNotCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New(Config{Feed: core.FeedConfig{Endpoint: srv.URL}})
	require.NoError(t, err)

	_, err = p.Search(context.Background(), "q")
	assert.Error(t, err)
	_, err = p.Search(context.Background(), "q")
	assert.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestQuery(t *testing.T) {
	c := model.DFDComponent{ID: "api", Name: "API Gateway", Attributes: map[string]any{"technology": "nginx"}}
	assert.Equal(t, "API Gateway nginx Spoofing vulnerability", Query(c, model.Spoofing))
}
