// Package cache provides the shared TTL key/value service used by the
// knowledge feeds and web context lookups.
//
// Writes are insert-if-absent: when two lookups race on the same key the
// first value stored wins and both callers observe it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exploopio/threatrefine/pkg/metrics"
)

// DefaultTTL is used when a store is built without an explicit TTL.
const DefaultTTL = 24 * time.Hour

// Store is a TTL-evicting byte cache.
type Store interface {
	// Get returns the value for key, or ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Add stores value only if key is absent and returns the value that is
	// in the store afterwards, which is the existing one when another writer won.
	Add(ctx context.Context, key string, value []byte) ([]byte, error)

	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
}

// Typed is a JSON view over a Store for one value type. Keys are
// namespaced by name, which also labels the hit/miss metrics.
type Typed[T any] struct {
	store   Store
	name    string
	metrics metrics.Collector
}

// NewTyped creates a typed view. A nil collector disables metering.
func NewTyped[T any](store Store, name string, collector metrics.Collector) *Typed[T] {
	return &Typed[T]{store: store, name: name, metrics: metrics.OrNop(collector)}
}

func (t *Typed[T]) key(k string) string {
	return t.name + ":" + k
}

// Get decodes the cached value. Store and decode errors count as misses.
func (t *Typed[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	data, ok, err := t.store.Get(ctx, t.key(key))
	if err != nil || !ok {
		t.metrics.CounterInc(metrics.CacheMissesTotal.Name, "cache", t.name)
		return zero, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.metrics.CounterInc(metrics.CacheMissesTotal.Name, "cache", t.name)
		return zero, false
	}
	t.metrics.CounterInc(metrics.CacheHitsTotal.Name, "cache", t.name)
	return v, true
}

// Add inserts v if absent and returns the winning value.
func (t *Typed[T]) Add(ctx context.Context, key string, v T) (T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return v, fmt.Errorf("encode %s cache entry: %w", t.name, err)
	}
	stored, err := t.store.Add(ctx, t.key(key), data)
	if err != nil {
		return v, err
	}
	var winner T
	if err := json.Unmarshal(stored, &winner); err != nil {
		return v, fmt.Errorf("decode %s cache entry: %w", t.name, err)
	}
	return winner, nil
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Load errors are returned as-is and nothing is cached. Cache write errors
// are ignored; the loaded value is still returned.
func (t *Typed[T]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := t.Get(ctx, key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	winner, err := t.Add(ctx, key, v)
	if err != nil {
		return v, nil
	}
	return winner, nil
}
