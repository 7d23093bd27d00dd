package stages

import (
	"context"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Dataset is the recipe source. Query returns recipes sharing at least one
// ingredient with the input; ranking is done by the Searcher.
type Dataset interface {
	Query(ctx context.Context, ingredients []string) ([]pipeline.RecipeCandidate, error)
}

// Searcher ranks dataset recipes by ingredient overlap and keeps a memo of
// recent rankings keyed by the ingredient names.
type Searcher struct {
	dataset Dataset
	topK    int
	memo    *lru.Cache[uint64, []pipeline.RecipeCandidate]
}

// NewSearcher creates a searcher returning at most topK candidates. memoSize <= 0 disables the memo.
func NewSearcher(dataset Dataset, topK, memoSize int) (*Searcher, error) {
	s := &Searcher{dataset: dataset, topK: topK}
	if memoSize > 0 {
		memo, err := lru.New[uint64, []pipeline.RecipeCandidate](memoSize)
		if err != nil {
			return nil, err
		}
		s.memo = memo
	}
	return s, nil
}

// Search returns the top-K candidates for set. An empty set and dataset
// failures both yield an empty result.
func (s *Searcher) Search(ctx context.Context, set pipeline.IngredientSet) []pipeline.RecipeCandidate {
	if len(set) == 0 {
		return []pipeline.RecipeCandidate{}
	}
	names := normalizedNames(set)
	key := memoKey(names)
	if s.memo != nil {
		if ranked, ok := s.memo.Get(key); ok {
			return cloneCandidates(ranked)
		}
	}

	recipes, err := s.dataset.Query(ctx, names)
	if err != nil {
		logr.FromContextOrDiscard(ctx).V(logutil.DEFAULT).Info("Recipe search failed, continuing without candidates", "error", err.Error())
		return []pipeline.RecipeCandidate{}
	}

	ranked := Rank(names, recipes, s.topK)
	if s.memo != nil {
		s.memo.Add(key, ranked)
	}
	return cloneCandidates(ranked)
}

// Rank scores each recipe as the share of input ingredients it uses. An input
// ingredient counts as used when it is a substring of any recipe ingredient.
func Rank(input []string, recipes []pipeline.RecipeCandidate, topK int) []pipeline.RecipeCandidate {
	if len(input) == 0 {
		return []pipeline.RecipeCandidate{}
	}
	scored := make([]pipeline.RecipeCandidate, 0, len(recipes))
	for _, r := range recipes {
		lowered := make([]string, len(r.Ingredients))
		for i, ing := range r.Ingredients {
			lowered[i] = strings.ToLower(ing)
		}
		matches := 0
		for _, in := range input {
			for _, ri := range lowered {
				if strings.Contains(ri, in) {
					matches++
					break
				}
			}
		}
		if matches == 0 {
			continue
		}
		c := r
		c.Source = pipeline.SourceRetrieved
		c.Score = float64(matches) / float64(len(input))
		c.MissingIngredients = missing(input, lowered)
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Title < scored[j].Title
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// missing lists recipe ingredients not covered by any input ingredient.
func missing(input, recipe []string) []string {
	var out []string
	for _, ri := range recipe {
		covered := false
		for _, in := range input {
			if strings.Contains(ri, in) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, ri)
		}
	}
	return out
}

func normalizedNames(set pipeline.IngredientSet) []string {
	seen := make(map[string]struct{}, len(set))
	names := make([]string, 0, len(set))
	for _, name := range set.Names() {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func memoKey(names []string) uint64 {
	return xxhash.Sum64String(strings.Join(names, "\x00"))
}

func cloneCandidates(in []pipeline.RecipeCandidate) []pipeline.RecipeCandidate {
	out := make([]pipeline.RecipeCandidate, len(in))
	copy(out, in)
	return out
}
