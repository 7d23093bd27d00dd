package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Schema creates the recipe table used by PostgresDataset.
const Schema = `
CREATE TABLE IF NOT EXISTS recipes (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	minutes     INTEGER NOT NULL DEFAULT 0,
	ingredients JSONB NOT NULL,
	steps       JSONB NOT NULL,
	nutrition   JSONB NOT NULL DEFAULT '{}'::jsonb
)`

const queryRecipes = `
SELECT name, minutes, ingredients, steps, nutrition
FROM recipes r
WHERE EXISTS (
	SELECT 1
	FROM jsonb_array_elements_text(r.ingredients) AS ing,
	     jsonb_array_elements_text($1::jsonb) AS want
	WHERE lower(ing) LIKE '%' || want || '%'
)
LIMIT $2`

const insertRecipe = `INSERT INTO recipes (name, minutes, ingredients, steps, nutrition) VALUES ($1, $2, $3, $4, $5)`

// PostgresDataset queries recipes stored in Postgres.
type PostgresDataset struct {
	db    *sql.DB
	limit int
}

// OpenPostgres connects to databaseURL with the pgx driver.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewPostgresDataset wraps db. limit caps the rows fetched per query before ranking.
func NewPostgresDataset(db *sql.DB, limit int) *PostgresDataset {
	if limit <= 0 {
		limit = 5000
	}
	return &PostgresDataset{db: db, limit: limit}
}

// EnsureSchema creates the recipe table if it does not exist.
func (d *PostgresDataset) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create recipes table: %w", err)
	}
	return nil
}

// Query implements stages.Dataset.
func (d *PostgresDataset) Query(ctx context.Context, ingredients []string) ([]pipeline.RecipeCandidate, error) {
	want, err := json.Marshal(ingredients)
	if err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, queryRecipes, string(want), d.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipes: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RecipeCandidate
	for rows.Next() {
		var (
			rc                          pipeline.RecipeCandidate
			ingJSON, stepJSON, nutrJSON []byte
		)
		if err := rows.Scan(&rc.Title, &rc.Minutes, &ingJSON, &stepJSON, &nutrJSON); err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		if err := json.Unmarshal(ingJSON, &rc.Ingredients); err != nil {
			return nil, fmt.Errorf("recipe %q: bad ingredients: %w", rc.Title, err)
		}
		if err := json.Unmarshal(stepJSON, &rc.Steps); err != nil {
			return nil, fmt.Errorf("recipe %q: bad steps: %w", rc.Title, err)
		}
		_ = json.Unmarshal(nutrJSON, &rc.Nutrition)
		rc.Source = pipeline.SourceRetrieved
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Import inserts recipes in one transaction and returns how many were written.
func (d *PostgresDataset) Import(ctx context.Context, recipes []pipeline.RecipeCandidate) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRecipe)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare import: %w", err)
	}
	defer stmt.Close()

	for _, rc := range recipes {
		ing, _ := json.Marshal(rc.Ingredients)
		steps, _ := json.Marshal(rc.Steps)
		nutr, _ := json.Marshal(rc.Nutrition)
		if _, err := stmt.ExecContext(ctx, rc.Title, rc.Minutes, string(ing), string(steps), string(nutr)); err != nil {
			return 0, fmt.Errorf("failed to insert recipe %q: %w", rc.Title, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	return len(recipes), nil
}
