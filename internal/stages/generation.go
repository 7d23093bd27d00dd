package stages

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// LLM is the text generation model.
type LLM interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Generator builds a prompt, calls the model and parses one recipe out of its answer.
// Callers must hold a generation lease.
type Generator struct {
	llm     LLM
	timeout time.Duration
}

// NewGenerator creates a generator bounded by timeout per call.
func NewGenerator(llm LLM, timeout time.Duration) *Generator {
	return &Generator{llm: llm, timeout: timeout}
}

// Generate returns an LLM-authored recipe. Exceeding the timeout is a
// GenerationTimeout; a model error or unparseable answer is a GenerationFailure.
func (g *Generator) Generate(ctx context.Context, set pipeline.IngredientSet, prefs pipeline.Preferences, candidates []pipeline.RecipeCandidate) (pipeline.RecipeCandidate, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.llm.Complete(cctx, systemPrompt, BuildPrompt(set, prefs, candidates))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return pipeline.RecipeCandidate{}, errcode.Wrap(errcode.GenerationTimeout, err, "generation exceeded %s", g.timeout)
		}
		return pipeline.RecipeCandidate{}, errcode.Wrap(errcode.GenerationFailure, err, "model call failed")
	}
	return ParseRecipe(text)
}

type generatedRecipe struct {
	Title              string             `json:"title"`
	Ingredients        []string           `json:"ingredients"`
	MissingIngredients []string           `json:"missing_ingredients"`
	Steps              []string           `json:"steps"`
	Minutes            int                `json:"minutes"`
	Nutrition          pipeline.Nutrition `json:"nutrition"`
}

// ParseRecipe extracts and validates one recipe object from model output.
func ParseRecipe(text string) (pipeline.RecipeCandidate, error) {
	body := StripCodeFences(text)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return pipeline.RecipeCandidate{}, errcode.New(errcode.GenerationFailure, "model answer contains no JSON object")
	}

	var r generatedRecipe
	if err := json.Unmarshal([]byte(body[start:end+1]), &r); err != nil {
		return pipeline.RecipeCandidate{}, errcode.Wrap(errcode.GenerationFailure, err, "model answer is not a recipe")
	}
	r.Title = strings.TrimSpace(r.Title)
	r.Steps = nonEmpty(r.Steps)
	r.Ingredients = nonEmpty(r.Ingredients)
	if r.Title == "" {
		return pipeline.RecipeCandidate{}, errcode.New(errcode.GenerationFailure, "recipe has no title")
	}
	if len(r.Steps) == 0 {
		return pipeline.RecipeCandidate{}, errcode.New(errcode.GenerationFailure, "recipe %q has no steps", r.Title)
	}
	if r.Minutes < 0 {
		r.Minutes = 0
	}

	return pipeline.RecipeCandidate{
		Title:              r.Title,
		Ingredients:        r.Ingredients,
		MissingIngredients: nonEmpty(r.MissingIngredients),
		Steps:              r.Steps,
		Minutes:            r.Minutes,
		Nutrition:          r.Nutrition,
		Source:             pipeline.SourceGenerated,
	}, nil
}

// StripCodeFences removes a surrounding markdown code fence.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
