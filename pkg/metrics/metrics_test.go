package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	t.Run("Counter", func(t *testing.T) {
		c.CounterInc(SuppressionsTotal.Name, "rule", "control_mapped")
		c.CounterInc(SuppressionsTotal.Name, "rule", "control_mapped")
		c.CounterAdd(SuppressionsTotal.Name, 5, "rule", "control_mapped")

		got := c.GetCounter(SuppressionsTotal.Name, "rule", "control_mapped")
		if got != 7 {
			t.Errorf("Counter = %v, want %v", got, 7)
		}
		if other := c.GetCounter(SuppressionsTotal.Name, "rule", "vulnerability_age"); other != 0 {
			t.Errorf("labels should separate series, got %v", other)
		}
	})

	t.Run("Gauge", func(t *testing.T) {
		c.GaugeInc(GenerationInFlight.Name)
		c.GaugeInc(GenerationInFlight.Name)
		c.GaugeDec(GenerationInFlight.Name)
		if got := c.GetGauge(GenerationInFlight.Name); got != 1 {
			t.Errorf("Gauge = %v, want 1", got)
		}
		c.GaugeSet(RunPartial.Name, 1)
		if got := c.GetGauge(RunPartial.Name); got != 1 {
			t.Errorf("Gauge = %v, want 1", got)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		c.HistogramObserve(FeedRequestDuration.Name, 0.2, "feed", "nvd")
		c.HistogramObserve(FeedRequestDuration.Name, 0.4, "feed", "nvd")
		if got := c.GetHistogram(FeedRequestDuration.Name, "feed", "nvd"); len(got) != 2 {
			t.Errorf("Histogram observations = %v, want 2", len(got))
		}
	})

	t.Run("Reset", func(t *testing.T) {
		c.Reset()
		if c.GetCounter(SuppressionsTotal.Name, "rule", "control_mapped") != 0 {
			t.Error("Counter should be 0 after reset")
		}
	})
}

func TestNopCollector(t *testing.T) {
	c := OrNop(nil)
	if _, ok := c.(*NopCollector); !ok {
		t.Fatal("OrNop(nil) should return NopCollector")
	}

	// These should all be no-ops and not panic
	c.CounterInc("test", "label", "value")
	c.CounterAdd("test", 5, "label", "value")
	c.GaugeSet("test", 42, "label", "value")
	c.GaugeInc("test", "label", "value")
	c.GaugeDec("test", "label", "value")
	c.HistogramObserve("test", 1.5, "label", "value")
	c.Reset()
}

func TestTimer(t *testing.T) {
	c := NewInMemoryCollector()
	timer := NewTimer(c, GenerationCallDuration.Name, "backend", "openai")

	time.Sleep(10 * time.Millisecond)

	duration := timer.ObserveDuration()
	if duration < 10*time.Millisecond {
		t.Errorf("Duration = %v, want >= 10ms", duration)
	}
	if got := c.GetHistogram(GenerationCallDuration.Name, "backend", "openai"); len(got) != 1 {
		t.Errorf("Histogram observations = %v, want 1", len(got))
	}
}

func TestMetricDefinitions(t *testing.T) {
	seen := make(map[string]bool)
	for _, def := range DefaultMetrics() {
		if def.Name == "" {
			t.Errorf("Metric definition has empty name")
		}
		if !strings.HasPrefix(def.Name, "threatrefine_") {
			t.Errorf("Metric %s lacks the threatrefine_ prefix", def.Name)
		}
		if def.Type == "" {
			t.Errorf("Metric %s has empty type", def.Name)
		}
		if def.Help == "" {
			t.Errorf("Metric %s has empty help", def.Name)
		}
		if seen[def.Name] {
			t.Errorf("Metric %s defined twice", def.Name)
		}
		seen[def.Name] = true
	}
}

func TestPrometheusCollector_WriteTextfile(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{RegisterDefaultMetrics: true})
	c.CounterInc(SuppressionsTotal.Name, "rule", "control_mapped")
	c.CounterAdd(CandidatesTotal.Name, 12, "origin", "generation")
	c.HistogramObserve(GenerationCallDuration.Name, 1.2, "backend", "openai")
	c.GaugeSet(RunPartial.Name, 0)
	c.CounterInc("unregistered_metric")

	path := filepath.Join(t.TempDir(), "threatrefine.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{
		`threatrefine_suppressions_total{rule="control_mapped"} 1`,
		`threatrefine_candidates_total{origin="generation"} 12`,
		`threatrefine_generation_call_duration_seconds_count{backend="openai"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}

func TestPrometheusCollector_RegisterTwice(t *testing.T) {
	c := NewPrometheusCollector(nil)
	if err := c.Register(KEVOverridesTotal); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(KEVOverridesTotal); err != nil {
		t.Errorf("second registration should be a no-op, got %v", err)
	}
	if err := c.Register(MetricDefinition{Name: "x", Type: "summary"}); err == nil {
		t.Error("unsupported type should fail")
	}
}

func TestLabelsToValues(t *testing.T) {
	tests := []struct {
		name     string
		labels   []string
		expected []string
	}{
		{
			name:     "empty",
			labels:   []string{},
			expected: nil,
		},
		{
			name:     "single pair",
			labels:   []string{"key1", "value1"},
			expected: []string{"value1"},
		},
		{
			name:     "multiple pairs",
			labels:   []string{"key1", "value1", "key2", "value2"},
			expected: []string{"value1", "value2"},
		},
		{
			name:     "odd number (incomplete pair)",
			labels:   []string{"key1", "value1", "key2"},
			expected: []string{"value1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := labelsToValues(tt.labels)
			if len(got) != len(tt.expected) {
				t.Errorf("labelsToValues(%v) = %v, want %v", tt.labels, got, tt.expected)
				return
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("labelsToValues(%v)[%d] = %v, want %v", tt.labels, i, got[i], tt.expected[i])
				}
			}
		})
	}
}
