package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store backed by go-cache.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore creates a store whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{c: gocache.New(ttl, ttl*2)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *MemoryStore) Add(_ context.Context, key string, value []byte) ([]byte, error) {
	if err := m.c.Add(key, value, gocache.DefaultExpiration); err == nil {
		return value, nil
	}
	// Lost the race; the existing entry may have expired in between.
	if v, ok := m.c.Get(key); ok {
		return v.([]byte), nil
	}
	m.c.Set(key, value, gocache.DefaultExpiration)
	return value, nil
}

func (m *MemoryStore) Len(context.Context) (int, error) {
	return m.c.ItemCount(), nil
}

var _ Store = (*MemoryStore)(nil)
