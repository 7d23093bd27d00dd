package pipeline

import (
	"sort"
	"strings"
	"time"
)

// Region locates an ingredient in the source image. Either a polygon in pixel
// coordinates or a reference to a mask produced by the segmentation model.
type Region struct {
	Polygon [][2]float64 `json:"polygon,omitempty"`
	MaskRef string       `json:"mask_ref,omitempty"`
}

// Ingredient is one detection.
type Ingredient struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Region     Region  `json:"region"`
}

// IngredientSet is ordered by detection rank.
type IngredientSet []Ingredient

// Names returns the ingredient names in detection order.
func (s IngredientSet) Names() []string {
	names := make([]string, 0, len(s))
	for _, ing := range s {
		names = append(names, ing.Name)
	}
	return names
}

// RecipeSource tells where a candidate came from
type RecipeSource string

const (
	SourceRetrieved RecipeSource = "retrieved"
	SourceGenerated RecipeSource = "generated"
)

// Nutrition holds the per-serving values carried by the recipe dataset.
type Nutrition struct {
	Calories      float64 `json:"calories"`
	TotalFat      float64 `json:"total_fat"`
	Sugar         float64 `json:"sugar"`
	Sodium        float64 `json:"sodium"`
	Protein       float64 `json:"protein"`
	SaturatedFat  float64 `json:"saturated_fat"`
	Carbohydrates float64 `json:"carbohydrates"`
}

// NutritionFromList maps the dataset's seven-value nutrition list onto Nutrition.
// Short lists leave the remaining fields at zero.
func NutritionFromList(values []float64) Nutrition {
	var n Nutrition
	fields := []*float64{&n.Calories, &n.TotalFat, &n.Sugar, &n.Sodium, &n.Protein, &n.SaturatedFat, &n.Carbohydrates}
	for i, f := range fields {
		if i < len(values) {
			*f = values[i]
		}
	}
	return n
}

// RecipeCandidate is a recipe either retrieved from the dataset or authored by the LLM.
type RecipeCandidate struct {
	Title              string       `json:"title"`
	Ingredients        []string     `json:"ingredients"`
	MissingIngredients []string     `json:"missing_ingredients,omitempty"`
	Steps              []string     `json:"steps"`
	Minutes            int          `json:"minutes,omitempty"`
	Nutrition          Nutrition    `json:"nutrition"`
	Source             RecipeSource `json:"source"`
	Score              float64      `json:"score,omitempty"`
}

// CachedResult is the payload stored under a request fingerprint.
type CachedResult struct {
	Fingerprint string            `json:"fingerprint"`
	Ingredients IngredientSet     `json:"ingredients"`
	Candidates  []RecipeCandidate `json:"candidates"`
	Recipe      RecipeCandidate   `json:"recipe"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Preferences is the active preference set of a user.
type Preferences struct {
	DietaryRestrictions []string `json:"dietary_restrictions" yaml:"dietary_restrictions"`
	CookingSkill        int      `json:"cooking_skill" yaml:"cooking_skill"`
	PreferredCuisine    []string `json:"preferred_cuisine" yaml:"preferred_cuisine"`
	AvailableEquipment  []string `json:"available_equipment" yaml:"available_equipment"`
	HealthGoals         []string `json:"health_goals" yaml:"health_goals"`
	PortionSize         int      `json:"portion_size" yaml:"portion_size"`
	MaxCookingTime      int      `json:"max_cooking_time" yaml:"max_cooking_time"`
}

// Default preference values applied to users without a profile.
const (
	DefaultCookingSkill   = 3
	DefaultPortionSize    = 2
	DefaultMaxCookingTime = 60
)

// DefaultPreferences returns the preference set used when a user has no profile.
func DefaultPreferences() Preferences {
	return Preferences{
		CookingSkill:   DefaultCookingSkill,
		PortionSize:    DefaultPortionSize,
		MaxCookingTime: DefaultMaxCookingTime,
	}
}

// Normalize returns a copy with trimmed, lower-cased, sorted and de-duplicated lists,
// and defaults filled in for zero numeric fields. Two preference sets that mean the
// same thing normalize to equal values.
func (p Preferences) Normalize() Preferences {
	out := Preferences{
		DietaryRestrictions: normalizeList(p.DietaryRestrictions),
		CookingSkill:        p.CookingSkill,
		PreferredCuisine:    normalizeList(p.PreferredCuisine),
		AvailableEquipment:  normalizeList(p.AvailableEquipment),
		HealthGoals:         normalizeList(p.HealthGoals),
		PortionSize:         p.PortionSize,
		MaxCookingTime:      p.MaxCookingTime,
	}
	if out.CookingSkill <= 0 {
		out.CookingSkill = DefaultCookingSkill
	}
	if out.PortionSize <= 0 {
		out.PortionSize = DefaultPortionSize
	}
	if out.MaxCookingTime <= 0 {
		out.MaxCookingTime = DefaultMaxCookingTime
	}
	return out
}

func normalizeList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
