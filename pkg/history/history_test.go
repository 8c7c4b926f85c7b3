package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/threatrefine/pkg/embedding"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

func sampleThreats() []model.EnrichedThreat {
	return []model.EnrichedThreat{
		{
			ID: "t1", ComponentRef: "api_gateway", ComponentName: "API Gateway",
			StrideCategory: model.Spoofing, Description: "Attacker replays stolen session tokens against the API Gateway",
			RiskScore: severity.High,
		},
		{
			ID: "t2", ComponentRef: "user_db", ComponentName: "User DB",
			StrideCategory: model.Spoofing, Description: "Database accepts connections from unauthenticated hosts",
			RiskScore: severity.Medium,
		},
		{
			ID: "t3", ComponentRef: "api_gateway", ComponentName: "API Gateway",
			StrideCategory: model.Tampering, Description: "Request bodies can be modified in transit to the API Gateway",
			RiskScore: severity.Critical,
		},
	}
}

func newSQLite(t *testing.T, now func() time.Time) *SQLiteIndex {
	t.Helper()
	idx, err := NewSQLiteIndex(SQLiteConfig{
		DatabasePath: filepath.Join(t.TempDir(), "nested", "history.db"),
		Embedder:     embedding.NewHashingEmbedder(0),
		Now:          now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQLiteIndex_RetrieveWithinCategory(t *testing.T) {
	ctx := context.Background()
	idx := newSQLite(t, nil)
	require.NoError(t, idx.Index(ctx, sampleThreats()))

	gateway := model.DFDComponent{ID: "api_gateway", Name: "API Gateway", Kind: model.KindProcess}
	got, err := idx.Retrieve(ctx, gateway, model.Spoofing, 5)
	require.NoError(t, err)
	require.Len(t, got, 2, "only Spoofing threats are returned")
	assert.Equal(t, "api_gateway", got[0].ComponentRef, "same component ranks first")
	assert.Equal(t, severity.High, got[0].RiskScore)
	assert.GreaterOrEqual(t, got[0].Similarity, got[1].Similarity)
	for _, p := range got {
		assert.Equal(t, model.Spoofing, p.StrideCategory)
	}

	top, err := idx.Retrieve(ctx, gateway, model.Spoofing, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	none, err := idx.Retrieve(ctx, gateway, model.Repudiation, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteIndex_IndexIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newSQLite(t, nil)

	require.NoError(t, idx.Index(ctx, sampleThreats()))
	require.NoError(t, idx.Index(ctx, sampleThreats()))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteIndex_Cleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := newSQLite(t, func() time.Time { return now })

	require.NoError(t, idx.Index(ctx, sampleThreats()[:1]))
	now = now.Add(48 * time.Hour)
	require.NoError(t, idx.Index(ctx, sampleThreats()[1:]))

	removed, err := idx.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, _ := idx.Count(ctx)
	assert.Equal(t, 2, n)
}

func TestNewSQLiteIndex_RequiresEmbedder(t *testing.T) {
	_, err := NewSQLiteIndex(SQLiteConfig{DatabasePath: filepath.Join(t.TempDir(), "h.db")})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var n Nop
	got, err := n.Retrieve(context.Background(), model.DFDComponent{}, model.Spoofing, 3)
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, n.Index(context.Background(), sampleThreats()))
	assert.NoError(t, n.Close())
}

// fakeWeaviate answers the REST and GraphQL calls the index makes.
type fakeWeaviate struct {
	mu      sync.Mutex
	created bool
	objects []map[string]interface{}
	lastGQL string
}

func (f *fakeWeaviate) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/schema/"):
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"class": "ThreatRecord"}`))
	case r.Method == http.MethodPost && r.URL.Path == "/v1/schema":
		f.created = true
		_, _ = w.Write([]byte(`{"class": "ThreatRecord"}`))
	case r.URL.Path == "/v1/batch/objects":
		var body struct {
			Objects []map[string]interface{} `json:"objects"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.objects = append(f.objects, body.Objects...)
		var out []string
		for _, o := range body.Objects {
			out = append(out, fmt.Sprintf(`{"class": "ThreatRecord", "id": %q, "result": {"status": "SUCCESS"}}`, o["id"]))
		}
		_, _ = w.Write([]byte("[" + strings.Join(out, ",") + "]"))
	case r.URL.Path == "/v1/graphql":
		b, _ := io.ReadAll(r.Body)
		f.lastGQL = string(b)
		_, _ = w.Write([]byte(`{"data": {"Get": {"ThreatRecord": [
			{"record_id": "b", "component_ref": "user_db", "component_name": "User DB", "description": "d2", "risk_score": "medium", "_additional": {"distance": 0.4}},
			{"record_id": "a", "component_ref": "api_gateway", "component_name": "API Gateway", "description": "d1", "risk_score": "high", "_additional": {"distance": 0.1}}
		]}}}`))
	case r.URL.Path == "/v1/meta":
		_, _ = w.Write([]byte(`{"version": "1.35.2"}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func TestWeaviateIndex(t *testing.T) {
	ctx := context.Background()
	fake := &fakeWeaviate{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	idx, err := NewWeaviateIndex(ctx, WeaviateConfig{URL: srv.URL, Embedder: embedding.NewHashingEmbedder(8)})
	require.NoError(t, err)
	defer idx.Close()
	assert.True(t, fake.created, "class is created when missing")

	require.NoError(t, idx.Index(ctx, sampleThreats()))
	require.Len(t, fake.objects, 3)
	props, ok := fake.objects[0]["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Spoofing", props["stride_category"])

	got, err := idx.Retrieve(ctx, model.DFDComponent{ID: "api_gateway", Name: "API Gateway"}, model.Spoofing, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 0.9, got[0].Similarity, 1e-9)
	assert.Equal(t, severity.High, got[0].RiskScore)
	assert.Contains(t, fake.lastGQL, "stride_category")
	assert.Contains(t, fake.lastGQL, "nearVector")
}

func TestNewWeaviateIndex_BadURL(t *testing.T) {
	_, err := NewWeaviateIndex(context.Background(), WeaviateConfig{URL: "not a url", Embedder: embedding.NewHashingEmbedder(8)})
	assert.Error(t, err)
}
