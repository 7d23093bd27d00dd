package preferences

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // postgres driver

	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Schema creates the preference table used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS user_preferences (
	user_id     TEXT PRIMARY KEY,
	preferences JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const (
	selectPreferences = `SELECT preferences FROM user_preferences WHERE user_id = $1`
	upsertPreferences = `
INSERT INTO user_preferences (user_id, preferences, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (user_id)
DO UPDATE SET preferences = EXCLUDED.preferences, updated_at = NOW()`
)

// OpenPostgres connects to databaseURL with the lib/pq driver.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Store keeps user preferences in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a Postgres-backed preference store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the preference table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create user_preferences table: %w", err)
	}
	return nil
}

// Preferences implements orchestrator.PreferenceProvider.
func (s *Store) Preferences(ctx context.Context, userID string) (pipeline.Preferences, error) {
	if userID == "" {
		return pipeline.DefaultPreferences(), nil
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, selectPreferences, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.DefaultPreferences(), nil
	}
	if err != nil {
		return pipeline.Preferences{}, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}
	prefs := pipeline.DefaultPreferences()
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return pipeline.Preferences{}, fmt.Errorf("stored preferences for %s are corrupt: %w", userID, err)
	}
	return prefs, nil
}

// Save stores prefs for userID, replacing earlier values.
func (s *Store) Save(ctx context.Context, userID string, prefs pipeline.Preferences) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	raw, err := json.Marshal(prefs.Normalize())
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertPreferences, userID, string(raw)); err != nil {
		return fmt.Errorf("failed to save preferences for %s: %w", userID, err)
	}
	return nil
}
