package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryBackend is an in-process layer with per-entry TTL and LRU eviction
// bounded by an entry count.
type MemoryBackend struct {
	items *ttlcache.Cache[string, *Entry]
}

// NewMemoryBackend creates a memory layer holding at most maxEntries entries.
// Close stops the expiry loop.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	items := ttlcache.New(
		ttlcache.WithCapacity[string, *Entry](uint64(maxEntries)),
		// Reads promote in LRU order but must not extend the TTL.
		ttlcache.WithDisableTouchOnHit[string, *Entry](),
	)
	go items.Start()
	return &MemoryBackend{items: items}
}

// Name returns the backend name.
func (m *MemoryBackend) Name() string { return "memory" }

// Get returns the entry for key, or nil if absent or expired.
func (m *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	item := m.items.Get(key)
	if item == nil {
		return nil, nil
	}
	e := item.Value()
	if e.Expired(time.Now()) {
		return nil, nil
	}
	return e.clone(), nil
}

// Put stores entry until its ExpiresAt.
func (m *MemoryBackend) Put(_ context.Context, entry *Entry) error {
	ttl := entry.TTL(time.Now())
	if ttl <= 0 {
		return nil
	}
	m.items.Set(entry.Key, entry.clone(), ttl)
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (m *MemoryBackend) Len() int {
	return m.items.Len()
}

// Close stops the expiry loop.
func (m *MemoryBackend) Close() {
	m.items.Stop()
}
