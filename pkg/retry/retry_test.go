package retry

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/exploopio/threatrefine/pkg/errors"
)

func TestBackoffConfig_Schedule(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.BaseInterval = 1 * time.Second
	cfg.MaxInterval = 0
	cfg.Jitter = 0

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempts), func(t *testing.T) {
			interval := cfg.interval(tt.attempts)
			if interval != tt.expected {
				t.Errorf("Attempt %d: expected %v, got %v", tt.attempts, tt.expected, interval)
			}
		})
	}
}

func TestBackoffConfig_MaxInterval(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.BaseInterval = 1 * time.Second
	cfg.MaxInterval = 5 * time.Second
	cfg.Jitter = 0

	if interval := cfg.interval(10); interval != 5*time.Second {
		t.Errorf("Expected max interval 5s, got %v", interval)
	}
}

func TestBackoffConfig_LinearAndConstant(t *testing.T) {
	cfg := &BackoffConfig{Strategy: BackoffLinear, BaseInterval: time.Second}
	got := cfg.RetrySchedule(3)
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("linear[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	cfg.Strategy = BackoffConstant
	for _, d := range cfg.RetrySchedule(3) {
		if d != time.Second {
			t.Errorf("constant interval = %v, want 1s", d)
		}
	}
}

func TestBackoffConfig_Jitter(t *testing.T) {
	cfg := &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Second, Jitter: 0.1}
	for i := 0; i < 50; i++ {
		d := cfg.interval(1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered interval %v out of range", d)
		}
	}
}

func fastConfig() *BackoffConfig {
	return &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Millisecond}
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	var notified int
	err := Do(context.Background(), fastConfig(), 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &errors.APIError{Service: "openai", StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}, func(err error, wait time.Duration) { notified++ })

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if notified != 2 {
		t.Errorf("notified = %d, want 2", notified)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), 2, func(ctx context.Context) error {
		calls++
		return errors.E(errors.KindTransientNetwork, "call", "boom")
	}, nil)

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if errors.GetKind(err) != errors.KindTransientNetwork {
		t.Errorf("kind = %v, want transient", errors.GetKind(err))
	}
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), 5, func(ctx context.Context) error {
		calls++
		return errors.E(errors.KindParse, "parse", "bad json")
	}, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.IsParseError(err) {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(), 5, func(ctx context.Context) error {
		calls++
		return nil
	}, nil)

	if err == nil {
		t.Fatal("expected context error")
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestParseStrategy(t *testing.T) {
	if ParseStrategy("linear") != BackoffLinear || ParseStrategy("constant") != BackoffConstant || ParseStrategy("") != BackoffExponential {
		t.Error("unexpected strategy mapping")
	}
}
