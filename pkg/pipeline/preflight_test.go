package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exploopio/threatrefine/pkg/config"
	"github.com/exploopio/threatrefine/pkg/health"
)

func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(dir, "out")
	cfg.Generation.Enabled = false
	cfg.Embedding.Provider = config.EmbeddingHashing
	cfg.Retrieval.Backend = config.RetrievalNone
	cfg.Feeds.Offline = true
	cfg.Feeds.KEVSnapshot = filepath.Join(dir, "kev.json.zst")
	return cfg
}

func TestPreflight_Offline(t *testing.T) {
	cfg := offlineConfig(t)

	r := Preflight(cfg)
	if r.Len() != 2 {
		t.Errorf("checks = %d, want output_disk and kev_snapshot", r.Len())
	}

	rep := r.Run(context.Background())
	if rep.Checks["kev_snapshot"].Status != health.StatusUnhealthy || rep.Healthy() {
		t.Errorf("missing snapshot should fail preflight: %+v", rep)
	}

	if err := os.WriteFile(cfg.Feeds.KEVSnapshot, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep = r.Run(context.Background())
	if got := rep.Checks["kev_snapshot"].Status; got != health.StatusHealthy {
		t.Errorf("kev_snapshot = %v, want healthy", got)
	}
	if !strings.Contains(FormatReport(rep), "kev_snapshot") {
		t.Errorf("report misses kev_snapshot:\n%s", FormatReport(rep))
	}
}

func TestPreflight_Backends(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer up.Close()

	cfg := offlineConfig(t)
	cfg.Feeds.Offline = false
	cfg.Feeds.KEV.Endpoint = down.URL
	cfg.Feeds.NVD.Endpoint = up.URL
	cfg.Feeds.EPSS.Endpoint = up.URL
	cfg.Retrieval.Backend = config.RetrievalSQLite
	cfg.Retrieval.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.Generation.Enabled = true
	cfg.LLM.BaseURL = up.URL + "/v1/"

	rep := Preflight(cfg).Run(context.Background())
	want := map[string]health.Status{
		"feed_kev":  health.StatusDegraded,
		"feed_nvd":  health.StatusHealthy,
		"feed_epss": health.StatusHealthy,
		"history":   health.StatusHealthy,
		"llm":       health.StatusHealthy,
	}
	for name, status := range want {
		if got := rep.Checks[name].Status; got != status {
			t.Errorf("%s = %v (%s), want %v", name, got, rep.Checks[name].Error, status)
		}
	}
	if rep.Status != health.StatusDegraded {
		t.Errorf("Status = %v, want degraded", rep.Status)
	}
}
