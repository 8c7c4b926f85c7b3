package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestRunner(t *testing.T) {
	r := NewRunner(WithTimeout(time.Second))
	r.RegisterFunc("ok", func(context.Context) Result {
		return Result{Status: StatusHealthy, Message: "fine"}
	})

	report := r.Run(context.Background())
	if report.Status != StatusHealthy || !report.Healthy() {
		t.Errorf("Status = %v, want healthy", report.Status)
	}
	if got := report.Checks["ok"].Message; got != "fine" {
		t.Errorf("Message = %q", got)
	}

	t.Run("degraded does not block", func(t *testing.T) {
		r.Register("feed", &PingCheck{Ping: func(context.Context) error { return errors.New("down") }, Optional: true})
		report := r.Run(context.Background())
		if report.Status != StatusDegraded || !report.Healthy() {
			t.Errorf("Status = %v, want degraded", report.Status)
		}
	})

	t.Run("unhealthy wins", func(t *testing.T) {
		r.Register("cache", &PingCheck{Ping: func(context.Context) error { return errors.New("refused") }})
		report := r.Run(context.Background())
		if report.Status != StatusUnhealthy || report.Healthy() {
			t.Errorf("Status = %v, want unhealthy", report.Status)
		}
		if report.Checks["cache"].Error != "refused" {
			t.Errorf("Error = %q", report.Checks["cache"].Error)
		}
	})

	if got := r.Run(context.Background()).Names(); len(got) != 3 || got[0] != "cache" || got[2] != "ok" {
		t.Errorf("Names() = %v", got)
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(WithTimeout(20 * time.Millisecond))
	r.Register("slow", &PingCheck{Ping: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	report := r.Run(context.Background())
	if report.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy", report.Status)
	}
}

func TestPingCheck(t *testing.T) {
	tests := []struct {
		name  string
		check PingCheck
		want  Status
	}{
		{"no ping", PingCheck{}, StatusUnknown},
		{"ok", PingCheck{Ping: func(context.Context) error { return nil }}, StatusHealthy},
		{"required failure", PingCheck{Ping: func(context.Context) error { return errors.New("x") }}, StatusUnhealthy},
		{"optional failure", PingCheck{Ping: func(context.Context) error { return errors.New("x") }, Optional: true}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check.Check(context.Background()).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEndpointCheck(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		optional bool
		want     Status
	}{
		{"ok", http.StatusOK, false, StatusHealthy},
		{"method not allowed is reachable", http.StatusMethodNotAllowed, false, StatusHealthy},
		{"unauthorized is reachable", http.StatusUnauthorized, false, StatusHealthy},
		{"server error", http.StatusBadGateway, false, StatusUnhealthy},
		{"optional server error", http.StatusServiceUnavailable, true, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodHead {
					t.Errorf("method = %s, want HEAD", r.Method)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := &EndpointCheck{URL: srv.URL, Timeout: time.Second, Optional: tt.optional}
			if got := c.Check(context.Background()).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := &EndpointCheck{URL: url, Timeout: time.Second}
		if got := c.Check(context.Background()).Status; got != StatusUnhealthy {
			t.Errorf("Status = %v, want unhealthy", got)
		}
	})
}

func TestDiskCheck(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "out", "run-1")

	if got := existingParent(missing); got != dir {
		t.Errorf("existingParent() = %q, want %q", got, dir)
	}

	res := (&DiskCheck{Path: missing}).Check(context.Background())
	if res.Status == StatusUnknown {
		t.Skip("disk statistics unsupported")
	}
	if res.Status != StatusHealthy {
		t.Errorf("Status = %v (%s), want healthy", res.Status, res.Error)
	}

	res = (&DiskCheck{Path: dir, MinFreeBytes: 1 << 62}).Check(context.Background())
	if res.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy for an impossible threshold", res.Status)
	}
}
