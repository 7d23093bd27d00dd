// Package dedupe counts how many times each request fingerprint has been seen.
package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
)

const (
	createTable = `
		CREATE TABLE IF NOT EXISTS recipe_dedupe (
			fingerprint TEXT PRIMARY KEY,
			pipeline TEXT,
			pipeline_version INTEGER,
			first_seen_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1
		)
	`
	// Upsert: increment seen_count if exists, insert if not
	recordQuery = `
		INSERT INTO recipe_dedupe (fingerprint, pipeline, pipeline_version, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		ON CONFLICT (fingerprint) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = recipe_dedupe.seen_count + 1,
		    pipeline = EXCLUDED.pipeline,
		    pipeline_version = EXCLUDED.pipeline_version
		RETURNING seen_count
	`
	seenCountQuery = `SELECT seen_count FROM recipe_dedupe WHERE fingerprint = $1`
)

// Tracker records fingerprint submissions in Postgres
type Tracker struct {
	db       *sql.DB
	pipeline string
	version  int
}

// NewTracker creates a new dedupe tracker and its table
func NewTracker(ctx context.Context, db *sql.DB, pipeline string, version int) (*Tracker, error) {
	tracker := &Tracker{db: db, pipeline: pipeline, version: version}

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("failed to create recipe_dedupe table: %w", err)
	}
	logutil.FromContext(ctx).V(logutil.VERBOSE).Info("recipe_dedupe table ready")

	return tracker, nil
}

// Record records a submission of fingerprint and returns its seen count
func (t *Tracker) Record(ctx context.Context, fingerprint string) (int, error) {
	var seenCount int
	err := t.db.QueryRowContext(ctx, recordQuery, fingerprint, t.pipeline, t.version).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record dedupe: %w", err)
	}
	return seenCount, nil
}

// SeenCount retrieves the seen count for a fingerprint
func (t *Tracker) SeenCount(ctx context.Context, fingerprint string) (int, error) {
	var seenCount int
	err := t.db.QueryRowContext(ctx, seenCountQuery, fingerprint).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}
	return seenCount, nil
}

// MemoryTracker counts submissions in process, forgetting the least recently
// seen fingerprints beyond its size.
type MemoryTracker struct {
	mu     sync.Mutex
	counts *lru.Cache[string, int]
}

// NewMemoryTracker creates an in-process tracker holding up to size fingerprints.
func NewMemoryTracker(size int, logger logr.Logger) (*MemoryTracker, error) {
	counts, err := lru.NewWithEvict[string, int](size, func(fp string, n int) {
		logger.V(logutil.TRACE).Info("Dedupe entry evicted", "fingerprint", fp, "seenCount", n)
	})
	if err != nil {
		return nil, err
	}
	return &MemoryTracker{counts: counts}, nil
}

// Record implements orchestrator.Ledger.
func (m *MemoryTracker) Record(_ context.Context, fingerprint string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := m.counts.Get(fingerprint)
	n++
	m.counts.Add(fingerprint, n)
	return n, nil
}

// SeenCount returns the current count for fingerprint.
func (m *MemoryTracker) SeenCount(_ context.Context, fingerprint string) (int, error) {
	n, _ := m.counts.Peek(fingerprint)
	return n, nil
}
