package nvd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
)

const log4shell = `{
  "totalResults": 1,
  "vulnerabilities": [{
    "cve": {
      "id": "CVE-2021-44228",
      "published": "2021-12-10T10:15:09.143",
      "metrics": {
        "cvssMetricV31": [{"cvssData": {"version": "3.1", "baseScore": 10.0}}],
        "cvssMetricV2": [{"cvssData": {"version": "2.0", "baseScore": 9.3}}]
      },
      "references": [
        {"url": "https://example.org/advisory", "tags": ["Vendor Advisory"]},
        {"url": "https://example.org/poc", "tags": ["Exploit", "Third Party Advisory"]}
      ]
    }
  }]
}`

func TestClient_Lookup(t *testing.T) {
	var gotKey, gotCVE string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apiKey")
		gotCVE = r.URL.Query().Get("cveId")
		w.Header().Set("Content-Type", "application/json")
		if gotCVE == "CVE-2021-44228" {
			_, _ = w.Write([]byte(log4shell))
			return
		}
		_, _ = w.Write([]byte(`{"totalResults": 0, "vulnerabilities": []}`))
	}))
	defer srv.Close()

	c := NewClient(core.FeedConfig{Endpoint: srv.URL}, "secret", nil, nil)

	rec, err := c.Lookup(context.Background(), "cve-2021-44228")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "CVE-2021-44228", gotCVE)
	assert.Equal(t, 10.0, rec.CVSS)
	assert.True(t, rec.CVSSKnown)
	assert.Equal(t, "3.1", rec.CVSSVersion)
	assert.True(t, rec.HasExploitRef)
	assert.Equal(t, time.Date(2021, 12, 10, 10, 15, 9, 143000000, time.UTC), rec.Published)

	_, err = c.Lookup(context.Background(), "CVE-2000-0001")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(core.FeedConfig{Endpoint: srv.URL, Timeout: 20 * time.Millisecond}, "", nil, nil)
	_, err := c.Lookup(context.Background(), "CVE-2021-44228")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		year int
	}{
		{"2021-12-10T10:15:09.143", true, 2021},
		{"2019-01-02T03:04:05", true, 2019},
		{"2020-05-06T07:08:09Z", true, 2020},
		{"2018-03-04", true, 2018},
		{"garbage", false, 1},
	}
	for _, tt := range tests {
		got, ok := parseTime(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.year, got.Year(), tt.in)
	}
}
