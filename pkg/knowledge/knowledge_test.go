package knowledge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/threatrefine/pkg/cache"
	"github.com/exploopio/threatrefine/pkg/enrichers/epss"
	"github.com/exploopio/threatrefine/pkg/enrichers/kev"
	"github.com/exploopio/threatrefine/pkg/enrichers/nvd"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/model"
)

type fakeKEV struct {
	entries map[string]*kev.KEVEntry
	err     error
}

func (f *fakeKEV) Lookup(_ context.Context, cve string) (*kev.KEVEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[cve], nil
}

type fakeNVD struct {
	mu      sync.Mutex
	calls   int
	records map[string]*nvd.Record
	err     error
}

func (f *fakeNVD) Lookup(_ context.Context, cve string) (*nvd.Record, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[cve]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "nvd.Lookup", "no record")
	}
	return rec, nil
}

type fakeEPSS struct {
	mu     sync.Mutex
	calls  int
	scores map[string]epss.Score
}

func (f *fakeEPSS) Scores(_ context.Context, cves []string) (map[string]epss.Score, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := map[string]epss.Score{}
	for _, c := range cves {
		if s, ok := f.scores[c]; ok {
			out[c] = s
		}
	}
	return out, nil
}

func newFixture() (*fakeKEV, *fakeNVD, *fakeEPSS) {
	published := time.Date(2021, 12, 10, 0, 0, 0, 0, time.UTC)
	return &fakeKEV{entries: map[string]*kev.KEVEntry{
			"CVE-2021-44228": {CVEID: "CVE-2021-44228", KnownRansomware: "Known", AddedAt: published},
		}},
		&fakeNVD{records: map[string]*nvd.Record{
			"CVE-2021-44228": {CVE: "CVE-2021-44228", Published: published, CVSS: 10, CVSSKnown: true, HasExploitRef: true},
			"CVE-2015-1000": {CVE: "CVE-2015-1000", CVSS: 5.0, CVSSKnown: true},
		}},
		&fakeEPSS{scores: map[string]epss.Score{"CVE-2021-44228": {CVE: "CVE-2021-44228", EPSS: 0.97}}}
}

func TestCache_Lookup(t *testing.T) {
	k, n, e := newFixture()
	c := New(Config{KEV: k, NVD: n, EPSS: e})

	intel, err := c.Lookup(context.Background(), "cve-2021-44228")
	require.NoError(t, err)
	assert.True(t, intel.InKEV())
	assert.True(t, intel.RansomwareUse)
	assert.Equal(t, 10.0, intel.CVSS)
	assert.True(t, intel.HasExploitRef)
	assert.True(t, intel.EPSSKnown)
	assert.InDelta(t, 0.97, intel.EPSS, 1e-9)

	intel, err = c.Lookup(context.Background(), "CVE-2015-1000")
	require.NoError(t, err)
	assert.Equal(t, model.ExploitationNone, intel.Exploitation)
	assert.True(t, intel.CVSSKnown)
	assert.False(t, intel.EPSSKnown)
}

func TestCache_LookupCaches(t *testing.T) {
	k, n, e := newFixture()
	c := New(Config{KEV: k, NVD: n, EPSS: e, Store: cache.NewMemoryStore(time.Hour)})

	for i := 0; i < 3; i++ {
		_, err := c.Lookup(context.Background(), "CVE-2099-0001")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, n.calls, "not-found records are cached")
	assert.Equal(t, 1, e.calls, "missing scores are cached")
}

func TestCache_KEVFailureIsUnknown(t *testing.T) {
	k, n, e := newFixture()
	k.err = fmt.Errorf("catalog unavailable")
	c := New(Config{KEV: k, NVD: n, EPSS: e})

	intel, err := c.Lookup(context.Background(), "CVE-2021-44228")
	require.Error(t, err)
	assert.Equal(t, model.ExploitationUnknown, intel.Exploitation)
	assert.True(t, intel.CVSSKnown, "other feeds still contribute")
}

func TestCache_NVDFailureNotCached(t *testing.T) {
	k, n, e := newFixture()
	n.err = &errors.APIError{Service: "nvd", StatusCode: 503}
	c := New(Config{KEV: k, NVD: n, EPSS: e})

	_, err := c.Lookup(context.Background(), "CVE-2021-44228")
	require.Error(t, err)
	_, err = c.Lookup(context.Background(), "CVE-2021-44228")
	require.Error(t, err)
	assert.Equal(t, 2, n.calls)
}

func TestCache_NilSources(t *testing.T) {
	c := New(Config{})
	intel, err := c.Lookup(context.Background(), "CVE-2020-0001")
	require.NoError(t, err)
	assert.Equal(t, model.ExploitationUnknown, intel.Exploitation)
	assert.False(t, intel.CVSSKnown)
}

func TestCache_Prefetch(t *testing.T) {
	k, n, e := newFixture()
	c := New(Config{KEV: k, NVD: n, EPSS: e, Concurrency: 2})

	cves := []string{"CVE-2021-44228", "CVE-2015-1000", "CVE-2099-0001"}
	c.Prefetch(context.Background(), cves)
	assert.Equal(t, 3, n.calls)
	assert.Equal(t, 1, e.calls, "EPSS is fetched in one batch")

	for _, cve := range cves {
		_, err := c.Lookup(context.Background(), cve)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, n.calls, "lookups after prefetch are served from cache")
	assert.Equal(t, 1, e.calls)
}
