package kev

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
)

const catalogJSON = `{
  "title": "CISA Catalog of Known Exploited Vulnerabilities",
  "catalogVersion": "2026.01.15",
  "dateReleased": "2026-01-15T12:00:00.000Z",
  "count": 2,
  "vulnerabilities": [
    {"cveID": "CVE-2021-44228", "vendorProject": "Apache", "product": "Log4j2", "dateAdded": "2021-12-10", "knownRansomwareCampaignUse": "Known"},
    {"cveID": "CVE-2023-4966", "vendorProject": "Citrix", "product": "NetScaler", "dateAdded": "2023-10-18", "knownRansomwareCampaignUse": "Unknown"}
  ]
}`

func newServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(catalogJSON))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Lookup(t *testing.T) {
	var hits int32
	srv := newServer(t, &hits)
	collector := metrics.NewInMemoryCollector()
	c := NewClient(core.FeedConfig{Endpoint: srv.URL}, collector, nil)

	entry, err := c.Lookup(context.Background(), "cve-2021-44228")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.RansomwareUse())
	assert.Equal(t, 2021, entry.AddedAt.Year())

	in, err := c.IsInKEV(context.Background(), "CVE-2023-4966")
	require.NoError(t, err)
	assert.True(t, in)

	in, err = c.IsInKEV(context.Background(), "CVE-1999-0001")
	require.NoError(t, err)
	assert.False(t, in)

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "catalog should be fetched once per TTL")
	assert.Equal(t, 2, c.CacheSize())
	assert.Equal(t, float64(1), collector.GetCounter(metrics.FeedRequestsTotal.Name, "feed", "kev", "status", "ok"))
}

func TestClient_RefreshAfterTTL(t *testing.T) {
	var hits int32
	srv := newServer(t, &hits)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient(core.FeedConfig{Endpoint: srv.URL, CacheTTL: time.Hour}, nil, nil,
		WithClock(func() time.Time { return now }))

	_, err := c.Lookup(context.Background(), "CVE-2021-44228")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = c.Lookup(context.Background(), "CVE-2021-44228")
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(core.FeedConfig{Endpoint: srv.URL}, nil, nil)
	_, err := c.Lookup(context.Background(), "CVE-2021-44228")
	require.Error(t, err)
	assert.Equal(t, errors.KindTransientNetwork, errors.Classify(err))
}

func TestClient_OutageFetchesOncePerCooldown(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient(core.FeedConfig{Endpoint: srv.URL}, nil, nil,
		WithClock(func() time.Time { return now }))

	for range 50 {
		_, err := c.Lookup(context.Background(), "CVE-2021-44228")
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	now = now.Add(failureCooldown + time.Second)
	_, err := c.Lookup(context.Background(), "CVE-2021-44228")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestClient_ServesStaleCatalogWhenRefreshFails(t *testing.T) {
	var hits int32
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(catalogJSON))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient(core.FeedConfig{Endpoint: srv.URL, CacheTTL: time.Hour}, nil, nil,
		WithClock(func() time.Time { return now }))

	in, err := c.IsInKEV(context.Background(), "CVE-2021-44228")
	require.NoError(t, err)
	require.True(t, in)

	down.Store(true)
	now = now.Add(2 * time.Hour)
	for range 10 {
		in, err = c.IsInKEV(context.Background(), "CVE-2021-44228")
		require.NoError(t, err)
		assert.True(t, in)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "one failed refresh, then the cooldown holds")
	assert.Equal(t, 2, c.CacheSize())
}

func TestClient_Snapshot(t *testing.T) {
	var hits int32
	srv := newServer(t, &hits)
	path := filepath.Join(t.TempDir(), "kev.json.zst")

	online := NewClient(core.FeedConfig{Endpoint: srv.URL}, nil, nil)
	require.NoError(t, online.SaveSnapshot(context.Background(), path))

	offline := NewClient(core.FeedConfig{}, nil, nil, WithOffline())
	_, err := offline.Lookup(context.Background(), "CVE-2021-44228")
	require.Error(t, err, "offline client without snapshot has unknown membership")

	require.NoError(t, offline.LoadSnapshot(path))
	in, err := offline.IsInKEV(context.Background(), "CVE-2021-44228")
	require.NoError(t, err)
	assert.True(t, in)

	info, err := offline.GetCatalogInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026.01.15", info.CatalogVersion)
	assert.Empty(t, info.Vulnerabilities)
}
