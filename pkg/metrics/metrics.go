// Package metrics provides metrics collection for refinement runs.
// It includes the Collector interface, an in-memory implementation for tests
// and a Prometheus-backed implementation that can be flushed to a textfile.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Collector receives the run's measurements. Metrics are addressed by the
// Name of a MetricDefinition; labels are alternating key/value pairs in the
// order the definition declares them. Writes to unknown names are ignored.
type Collector interface {
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)
	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)
	HistogramObserve(name string, value float64, labels ...string)
	Reset()
}

type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition names a metric and fixes its type and label keys.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"`
}

var (
	// Generation metrics
	GenerationCallsTotal = MetricDefinition{
		Name:   "threatrefine_generation_calls_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of generation units by outcome",
		Labels: []string{"backend", "status"},
	}
	GenerationCallDuration = MetricDefinition{
		Name:    "threatrefine_generation_call_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of generation backend calls in seconds",
		Labels:  []string{"backend"},
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}
	GenerationRetriesTotal = MetricDefinition{
		Name:   "threatrefine_generation_retries_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of generation call retries",
		Labels: []string{},
	}
	GenerationInFlight = MetricDefinition{
		Name:   "threatrefine_generation_in_flight",
		Type:   MetricTypeGauge,
		Help:   "Number of generation calls currently executing",
		Labels: []string{},
	}

	// Refinement metrics
	CandidatesTotal = MetricDefinition{
		Name:   "threatrefine_candidates_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of threat candidates by origin",
		Labels: []string{"origin"},
	}
	SuppressionsTotal = MetricDefinition{
		Name:   "threatrefine_suppressions_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of suppressed candidates by rule",
		Labels: []string{"rule"},
	}
	KEVOverridesTotal = MetricDefinition{
		Name:   "threatrefine_kev_overrides_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of suppressions reversed by the KEV override",
		Labels: []string{},
	}
	ClustersMergedTotal = MetricDefinition{
		Name:   "threatrefine_clusters_merged_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of candidates merged into another cluster member",
		Labels: []string{},
	}
	EmbeddingFallbacksTotal = MetricDefinition{
		Name:   "threatrefine_embedding_fallbacks_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of groups embedded by the local fallback embedder",
		Labels: []string{},
	}
	FinalThreatsTotal = MetricDefinition{
		Name:   "threatrefine_final_threats_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of emitted threats by risk score",
		Labels: []string{"risk"},
	}
	ValidationFailuresTotal = MetricDefinition{
		Name:   "threatrefine_validation_failures_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of records excluded by output validation",
		Labels: []string{},
	}

	// Cache metrics
	CacheHitsTotal = MetricDefinition{
		Name:   "threatrefine_cache_hits_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of cache hits",
		Labels: []string{"cache"},
	}
	CacheMissesTotal = MetricDefinition{
		Name:   "threatrefine_cache_misses_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of cache misses",
		Labels: []string{"cache"},
	}

	// Feed client metrics
	FeedRequestsTotal = MetricDefinition{
		Name:   "threatrefine_feed_requests_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of external feed requests",
		Labels: []string{"feed", "status"},
	}
	FeedRequestDuration = MetricDefinition{
		Name:    "threatrefine_feed_request_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of external feed requests in seconds",
		Labels:  []string{"feed"},
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}

	// Run metrics
	RunDurationSeconds = MetricDefinition{
		Name:   "threatrefine_run_duration_seconds",
		Type:   MetricTypeGauge,
		Help:   "Wall-clock duration of the last run",
		Labels: []string{},
	}
	RunPartial = MetricDefinition{
		Name:   "threatrefine_run_partial",
		Type:   MetricTypeGauge,
		Help:   "1 when the last run hit its batch budget",
		Labels: []string{},
	}
)

// DefaultMetrics returns every standard metric definition.
func DefaultMetrics() []MetricDefinition {
	return []MetricDefinition{
		GenerationCallsTotal, GenerationCallDuration, GenerationRetriesTotal, GenerationInFlight,
		CandidatesTotal, SuppressionsTotal, KEVOverridesTotal, ClustersMergedTotal,
		EmbeddingFallbacksTotal, FinalThreatsTotal, ValidationFailuresTotal,
		CacheHitsTotal, CacheMissesTotal, FeedRequestsTotal, FeedRequestDuration,
		RunDurationSeconds, RunPartial,
	}
}

// NopCollector discards everything.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) GaugeInc(name string, labels ...string)                        {}
func (c *NopCollector) GaugeDec(name string, labels ...string)                        {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Reset()                                                        {}

// InMemoryCollector keeps raw values per name and label set so tests can
// assert on what a stage recorded.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	var b strings.Builder
	b.WriteString(name)
	for i := 0; i+1 < len(labels); i += 2 {
		fmt.Fprintf(&b, ",%s=%s", labels[i], labels[i+1])
	}
	return b.String()
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.update(func() { c.counters[c.key(name, labels)] += value })
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.update(func() { c.gauges[c.key(name, labels)] = value })
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) {
	c.update(func() { c.gauges[c.key(name, labels)]++ })
}

func (c *InMemoryCollector) GaugeDec(name string, labels ...string) {
	c.update(func() { c.gauges[c.key(name, labels)]-- })
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.update(func() {
		k := c.key(name, labels)
		c.histograms[k] = append(c.histograms[k], value)
	})
}

func (c *InMemoryCollector) Reset() {
	c.update(func() {
		clear(c.counters)
		clear(c.gauges)
		clear(c.histograms)
	})
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer starts timing now.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records and returns the time since NewTimer.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return &NopCollector{}
	}
	return c
}

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
