package stages

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

type segmenterFunc func(ctx context.Context, image []byte) ([]Prediction, error)

func (f segmenterFunc) Segment(ctx context.Context, image []byte) ([]Prediction, error) {
	return f(ctx, image)
}

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		preds    []Prediction
		err      error
		want     []string
		wantCode string
	}{
		{
			name: "filters below floor and ranks by confidence",
			preds: []Prediction{
				{Name: "Tomato", Confidence: 0.7},
				{Name: "egg", Confidence: 0.9},
				{Name: "plate", Confidence: 0.2},
			},
			want: []string{"egg", "tomato"},
		},
		{
			name: "duplicate names keep the best score",
			preds: []Prediction{
				{Name: "egg", Confidence: 0.6},
				{Name: " EGG ", Confidence: 0.8},
			},
			want: []string{"egg"},
		},
		{
			name:  "nothing above floor is an empty result",
			preds: []Prediction{{Name: "rice", Confidence: 0.1}},
			want:  []string{},
		},
		{
			name:     "model crash",
			err:      errors.New("CUDA out of memory"),
			wantCode: errcode.DetectionFailure,
		},
		{
			name:     "confidence out of range",
			preds:    []Prediction{{Name: "egg", Confidence: 1.3}},
			wantCode: errcode.DetectionFailure,
		},
		{
			name:     "NaN confidence",
			preds:    []Prediction{{Name: "egg", Confidence: math.NaN()}},
			wantCode: errcode.DetectionFailure,
		},
		{
			name:     "missing name",
			preds:    []Prediction{{Name: "  ", Confidence: 0.9}},
			wantCode: errcode.DetectionFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(segmenterFunc(func(context.Context, []byte) ([]Prediction, error) {
				return tt.preds, tt.err
			}), 0.5)
			set, err := d.Detect(context.Background(), []byte("img"))
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errcode.CanonicalCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, set.Names())
		})
	}
}

type staticDataset struct {
	recipes []pipeline.RecipeCandidate
	err     error
	calls   atomic.Int32
}

func (d *staticDataset) Query(context.Context, []string) ([]pipeline.RecipeCandidate, error) {
	d.calls.Add(1)
	return d.recipes, d.err
}

func ingredients(names ...string) pipeline.IngredientSet {
	set := make(pipeline.IngredientSet, len(names))
	for i, n := range names {
		set[i] = pipeline.Ingredient{Name: n, Confidence: 0.9}
	}
	return set
}

func TestSearchRanksByOverlap(t *testing.T) {
	t.Parallel()

	ds := &staticDataset{recipes: []pipeline.RecipeCandidate{
		{Title: "tomato soup", Ingredients: []string{"tomatoes", "onion", "salt"}},
		{Title: "omelette", Ingredients: []string{"eggs", "butter"}},
		{Title: "shakshuka", Ingredients: []string{"eggs", "canned tomatoes", "cumin"}},
		{Title: "bread", Ingredients: []string{"flour", "water"}},
	}}
	s, err := NewSearcher(ds, 2, 8)
	require.NoError(t, err)

	got := s.Search(context.Background(), ingredients("tomato", "egg"))
	require.Len(t, got, 2)
	assert.Equal(t, "shakshuka", got[0].Title)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, []string{"cumin"}, got[0].MissingIngredients)
	assert.Equal(t, pipeline.SourceRetrieved, got[0].Source)
	// Ties break on title.
	assert.Equal(t, "omelette", got[1].Title)
	assert.Equal(t, 0.5, got[1].Score)
}

func TestSearchMemoizes(t *testing.T) {
	t.Parallel()

	ds := &staticDataset{recipes: []pipeline.RecipeCandidate{{Title: "omelette", Ingredients: []string{"eggs"}}}}
	s, err := NewSearcher(ds, 5, 8)
	require.NoError(t, err)

	first := s.Search(context.Background(), ingredients("egg", "milk"))
	second := s.Search(context.Background(), ingredients("Milk", "egg"))
	assert.Equal(t, int32(1), ds.calls.Load())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("memoized result differs (-first +second):\n%s", diff)
	}
}

func TestSearchEmptyAndFailure(t *testing.T) {
	t.Parallel()

	ds := &staticDataset{err: errors.New("db down")}
	s, err := NewSearcher(ds, 5, 0)
	require.NoError(t, err)

	empty := s.Search(context.Background(), pipeline.IngredientSet{})
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
	assert.Zero(t, ds.calls.Load())

	failed := s.Search(context.Background(), ingredients("egg"))
	assert.NotNil(t, failed)
	assert.Empty(t, failed)
}

type llmFunc func(ctx context.Context, system, prompt string) (string, error)

func (f llmFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

const recipeJSON = `{"title":"Tomato Egg Stir-fry","ingredients":["egg","tomato","salt"],
"missing_ingredients":["salt"],"steps":["Beat eggs","Fry tomatoes","Combine"],"minutes":15,
"nutrition":{"calories":210,"protein":12}}`

func TestGenerate(t *testing.T) {
	t.Parallel()

	var gotPrompt string
	g := NewGenerator(llmFunc(func(_ context.Context, _ string, prompt string) (string, error) {
		gotPrompt = prompt
		return "```json\n" + recipeJSON + "\n```", nil
	}), time.Second)

	prefs := pipeline.Preferences{DietaryRestrictions: []string{"vegetarian"}, CookingSkill: 2, MaxCookingTime: 30, PortionSize: 1}
	cands := []pipeline.RecipeCandidate{{Title: "shakshuka", Minutes: 25, Ingredients: []string{"eggs", "tomatoes"}}}
	r, err := g.Generate(context.Background(), ingredients("egg", "tomato"), prefs, cands)
	require.NoError(t, err)

	assert.Equal(t, "Tomato Egg Stir-fry", r.Title)
	assert.Equal(t, pipeline.SourceGenerated, r.Source)
	assert.Len(t, r.Steps, 3)
	assert.Equal(t, 210.0, r.Nutrition.Calories)
	assert.Contains(t, gotPrompt, "Based on these ingredients: egg, tomato")
	assert.Contains(t, gotPrompt, "- vegetarian")
	assert.Contains(t, gotPrompt, "Maximum Cooking Time: 30 minutes")
	assert.Contains(t, gotPrompt, "1. shakshuka (25 min): eggs, tomatoes")
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()

	g := NewGenerator(llmFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), 20*time.Millisecond)

	_, err := g.Generate(context.Background(), ingredients("egg"), pipeline.DefaultPreferences(), nil)
	require.Error(t, err)
	assert.Equal(t, errcode.GenerationTimeout, errcode.CanonicalCode(err))
}

func TestGenerateModelError(t *testing.T) {
	t.Parallel()

	g := NewGenerator(llmFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("connection reset")
	}), time.Second)

	_, err := g.Generate(context.Background(), ingredients("egg"), pipeline.DefaultPreferences(), nil)
	assert.Equal(t, errcode.GenerationFailure, errcode.CanonicalCode(err))
}

func TestParseRecipe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "plain", in: recipeJSON},
		{name: "prose around json", in: "Sure! Here it is:\n" + recipeJSON + "\nEnjoy."},
		{name: "no json", in: "I cannot help with that.", wantErr: true},
		{name: "broken json", in: `{"title": "x", "steps": [}`, wantErr: true},
		{name: "missing title", in: `{"steps":["a"]}`, wantErr: true},
		{name: "missing steps", in: `{"title":"x","steps":[" "]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecipe(tt.in)
			if tt.wantErr {
				assert.Equal(t, errcode.GenerationFailure, errcode.CanonicalCode(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestBuildPromptWithoutIngredients(t *testing.T) {
	t.Parallel()

	p := BuildPrompt(pipeline.IngredientSet{}, pipeline.DefaultPreferences(), nil)
	assert.Contains(t, p, "pantry staples")
	assert.False(t, strings.Contains(p, "Reference recipes"))
}
