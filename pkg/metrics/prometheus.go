package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector backs Collector with a private Prometheus registry. A
// batch run has no scrape endpoint, so the registry is flushed to a
// node_exporter textfile when the run ends.
type PrometheusCollector struct {
	mu       sync.RWMutex
	registry *prometheus.Registry
	vecs     map[string]vec
}

// vec is the subset shared by CounterVec, GaugeVec and HistogramVec.
type vec interface {
	prometheus.Collector
	Reset()
}

// PrometheusConfig configures the Prometheus collector.
type PrometheusConfig struct {
	// Registry to register into (nil: a fresh one)
	Registry *prometheus.Registry

	// RegisterDefaultMetrics registers DefaultMetrics() up front
	RegisterDefaultMetrics bool
}

func NewPrometheusCollector(cfg *PrometheusConfig) *PrometheusCollector {
	if cfg == nil {
		cfg = &PrometheusConfig{}
	}
	c := &PrometheusCollector{
		registry: cfg.Registry,
		vecs:     make(map[string]vec),
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	if cfg.RegisterDefaultMetrics {
		for _, def := range DefaultMetrics() {
			_ = c.Register(def)
		}
	}
	return c
}

// Register creates the vector for def. Registering a name twice is a no-op.
func (c *PrometheusCollector) Register(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.vecs[def.Name]; ok {
		return nil
	}

	var v vec
	switch def.Type {
	case MetricTypeCounter:
		v = prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.Name, Help: def.Help}, def.Labels)
	case MetricTypeGauge:
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.Name, Help: def.Help}, def.Labels)
	case MetricTypeHistogram:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		v = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: def.Name, Help: def.Help, Buckets: buckets}, def.Labels)
	default:
		return fmt.Errorf("unsupported metric type %q for %s", def.Type, def.Name)
	}

	if err := c.registry.Register(v); err != nil {
		return fmt.Errorf("register %s: %w", def.Name, err)
	}
	c.vecs[def.Name] = v
	return nil
}

// lookup returns the vector registered under name when it has type T.
// Unknown names and type mismatches are dropped silently, like the
// in-memory collector does with unread keys.
func lookup[T vec](c *PrometheusCollector, name string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vecs[name].(T)
	return v, ok
}

func (c *PrometheusCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	if v, ok := lookup[*prometheus.CounterVec](c, name); ok {
		v.WithLabelValues(labelsToValues(labels)...).Add(value)
	}
}

func (c *PrometheusCollector) GaugeSet(name string, value float64, labels ...string) {
	if v, ok := lookup[*prometheus.GaugeVec](c, name); ok {
		v.WithLabelValues(labelsToValues(labels)...).Set(value)
	}
}

func (c *PrometheusCollector) GaugeInc(name string, labels ...string) {
	if v, ok := lookup[*prometheus.GaugeVec](c, name); ok {
		v.WithLabelValues(labelsToValues(labels)...).Inc()
	}
}

func (c *PrometheusCollector) GaugeDec(name string, labels ...string) {
	if v, ok := lookup[*prometheus.GaugeVec](c, name); ok {
		v.WithLabelValues(labelsToValues(labels)...).Dec()
	}
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	if v, ok := lookup[*prometheus.HistogramVec](c, name); ok {
		v.WithLabelValues(labelsToValues(labels)...).Observe(value)
	}
}

// Reset drops every labelled series; the metrics stay registered.
func (c *PrometheusCollector) Reset() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.vecs {
		v.Reset()
	}
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// The file is replaced atomically.
func (c *PrometheusCollector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// labelsToValues keeps the values of key/value label pairs, in order.
func labelsToValues(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	values := make([]string, 0, len(labels)/2)
	for i := 1; i < len(labels); i += 2 {
		values = append(values, labels[i])
	}
	return values
}

var _ Collector = (*PrometheusCollector)(nil)
