// Package dataset provides the recipe datasets searched by the search stage:
// the Food.com RAW_recipes.csv export held in memory, and a Postgres table.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Columns read from the recipe export.
var requiredColumns = []string{"name", "minutes", "steps", "ingredients", "nutrition"}

type record struct {
	recipe  pipeline.RecipeCandidate
	lowered []string
}

// CSVDataset holds every recipe of a RAW_recipes.csv export in memory.
type CSVDataset struct {
	records []record
}

// LoadCSV reads the export at path.
func LoadCSV(path string, logger logr.Logger) (*CSVDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, logger)
}

// ReadCSV parses an export. Rows whose list columns cannot be parsed are
// skipped and counted; a malformed header is an error.
func ReadCSV(r io.Reader, logger logr.Logger) (*CSVDataset, error) {
	recipes, skipped, err := readRecipes(r)
	if err != nil {
		return nil, err
	}
	d := &CSVDataset{records: make([]record, 0, len(recipes))}
	for _, rc := range recipes {
		d.records = append(d.records, record{recipe: rc, lowered: lower(rc.Ingredients)})
	}
	logger.V(logutil.DEFAULT).Info("Recipe dataset loaded", "recipes", len(d.records), "skipped", skipped)
	return d, nil
}

// Len returns the number of loaded recipes.
func (d *CSVDataset) Len() int { return len(d.records) }

// Recipes returns a copy of all loaded recipes.
func (d *CSVDataset) Recipes() []pipeline.RecipeCandidate {
	out := make([]pipeline.RecipeCandidate, len(d.records))
	for i, r := range d.records {
		out[i] = r.recipe
	}
	return out
}

// Query implements stages.Dataset.
func (d *CSVDataset) Query(ctx context.Context, ingredients []string) ([]pipeline.RecipeCandidate, error) {
	var out []pipeline.RecipeCandidate
	for i, r := range d.records {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if sharesIngredient(r.lowered, ingredients) {
			out = append(out, r.recipe)
		}
	}
	return out, nil
}

func sharesIngredient(recipe, input []string) bool {
	for _, in := range input {
		for _, ri := range recipe {
			if strings.Contains(ri, in) {
				return true
			}
		}
	}
	return false
}

func readRecipes(r io.Reader) ([]pipeline.RecipeCandidate, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read dataset header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	width := 0
	for _, name := range requiredColumns {
		i, ok := col[name]
		if !ok {
			return nil, 0, fmt.Errorf("dataset header lacks column %q", name)
		}
		width = max(width, i+1)
	}

	var (
		recipes []pipeline.RecipeCandidate
		skipped int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read dataset: %w", err)
		}
		if len(rec) < width {
			skipped++
			continue
		}
		rc, err := parseRecipe(rec, col)
		if err != nil {
			skipped++
			continue
		}
		recipes = append(recipes, rc)
	}
	return recipes, skipped, nil
}

func parseRecipe(rec []string, col map[string]int) (pipeline.RecipeCandidate, error) {
	ingredients, err := ParseStringList(rec[col["ingredients"]])
	if err != nil {
		return pipeline.RecipeCandidate{}, err
	}
	steps, err := ParseStringList(rec[col["steps"]])
	if err != nil {
		return pipeline.RecipeCandidate{}, err
	}
	minutes, _ := strconv.Atoi(strings.TrimSpace(rec[col["minutes"]]))
	var nutrition pipeline.Nutrition
	if values, err := ParseFloatList(rec[col["nutrition"]]); err == nil {
		nutrition = pipeline.NutritionFromList(values)
	}
	return pipeline.RecipeCandidate{
		Title:       strings.TrimSpace(rec[col["name"]]),
		Ingredients: ingredients,
		Steps:       steps,
		Minutes:     minutes,
		Nutrition:   nutrition,
		Source:      pipeline.SourceRetrieved,
	}, nil
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
