// Package cache is a content-addressed result store. It holds opaque payloads
// under fingerprint keys, layered over one or more backends. Lookups never
// surface backend failures: an unreachable or slow backend is a miss.
package cache

import (
	"bytes"
	"context"
	"time"
)

// Key prefixes for the two kinds of cached results.
const (
	RecipePrefix      = "recipe:"
	IngredientsPrefix = "ingredients:"
)

// RecipeKey returns the key of a final result for a request fingerprint.
func RecipeKey(fingerprint string) string {
	return RecipePrefix + fingerprint
}

// IngredientsKey returns the key of a detection result for an image-only fingerprint.
func IngredientsKey(imageKey string) string {
	return IngredientsPrefix + imageKey
}

// Entry is a cached payload. Entries are never mutated after creation.
type Entry struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime at now.
func (e *Entry) TTL(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = bytes.Clone(e.Payload)
	return &c
}

// Backend is one storage layer. Get returns (nil, nil) on a miss.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
}
