package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
)

// Lookup results reported to the Observer.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Observer receives per-backend lookup outcomes.
type Observer interface {
	CacheLookup(backend, result string)
	CacheWrite(backend string, err error)
}

// Stats counts store-level outcomes.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Errors      uint64 `json:"errors"`
	Writes      uint64 `json:"writes"`
	WriteErrors uint64 `json:"write_errors"`
}

// Store layers backends in order. Get consults them front to back and backfills
// the faster layers on a hit further down.
type Store struct {
	backends []Backend
	ttl      time.Duration
	timeout  time.Duration
	observer Observer
	logger   logr.Logger

	hits, misses, errs, writes, writeErrs atomic.Uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreObserver attaches an Observer.
func WithStoreObserver(o Observer) StoreOption {
	return func(s *Store) { s.observer = o }
}

// WithStoreLogger sets the store's logger.
func WithStoreLogger(l logr.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store. ttl is the default entry lifetime. timeout bounds a
// whole lookup across every layer, and each backend write or delete.
func NewStore(ttl, timeout time.Duration, backends []Backend, opts ...StoreOption) *Store {
	s := &Store{
		backends: backends,
		ttl:      ttl,
		timeout:  timeout,
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the live entry for key. Backend failures and timeouts count as misses.
// All layers share one deadline; once it passes the remaining layers are skipped.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool) {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for i, b := range s.backends {
		if lctx.Err() != nil {
			s.errs.Add(1)
			s.observe(b.Name(), ResultError)
			break
		}
		e, err := s.getFrom(lctx, b, key)
		if err != nil {
			s.errs.Add(1)
			s.observe(b.Name(), ResultError)
			s.logger.V(logutil.DEFAULT).Info("Cache backend unavailable, treating as miss",
				"backend", b.Name(), "key", key, "error", errcode.Wrap(errcode.CacheUnavailable, err, "get").Error())
			continue
		}
		if e == nil {
			s.observe(b.Name(), ResultMiss)
			continue
		}
		s.observe(b.Name(), ResultHit)
		s.hits.Add(1)
		s.backfill(lctx, s.backends[:i], e)
		return e, true
	}
	s.misses.Add(1)
	return nil, false
}

func (s *Store) getFrom(ctx context.Context, b Backend, key string) (*Entry, error) {
	type result struct {
		e   *Entry
		err error
	}
	// Backends that ignore ctx must still not hold the caller past the timeout.
	ch := make(chan result, 1)
	go func() {
		e, err := b.Get(ctx, key)
		ch <- result{e, err}
	}()
	select {
	case r := <-ch:
		if r.err == nil && r.e != nil && r.e.Expired(time.Now()) {
			return nil, nil
		}
		return r.e, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// backfill copies a hit into the faster layers within what is left of the lookup deadline.
func (s *Store) backfill(ctx context.Context, layers []Backend, e *Entry) {
	for _, b := range layers {
		if ctx.Err() != nil {
			return
		}
		if err := b.Put(ctx, e); err != nil {
			s.logger.V(logutil.DEBUG).Info("Cache backfill failed", "backend", b.Name(), "key", e.Key, "error", err.Error())
		}
	}
}

// Put writes payload under key to every backend. ttl <= 0 uses the store default.
// The returned error is a CacheUnavailable joining every backend failure; callers
// treat it as best-effort.
func (s *Store) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := time.Now()
	e := &Entry{Key: key, Payload: payload, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	var errs []error
	for _, b := range s.backends {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := b.Put(cctx, e)
		cancel()
		if s.observer != nil {
			s.observer.CacheWrite(b.Name(), err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	s.writes.Add(1)
	if len(errs) > 0 {
		s.writeErrs.Add(1)
		return errcode.Wrap(errcode.CacheUnavailable, errors.Join(errs...), "put %s", key)
	}
	return nil
}

// Invalidate removes key from every backend.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	var errs []error
	for _, b := range s.backends {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := b.Delete(cctx, key); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if len(errs) > 0 {
		return errcode.Wrap(errcode.CacheUnavailable, errors.Join(errs...), "invalidate %s", key)
	}
	return nil
}

// Stats returns the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Errors:      s.errs.Load(),
		Writes:      s.writes.Load(),
		WriteErrors: s.writeErrs.Load(),
	}
}

func (s *Store) observe(backend, result string) {
	if s.observer != nil {
		s.observer.CacheLookup(backend, result)
	}
}
