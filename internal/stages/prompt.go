package stages

import (
	"fmt"
	"strings"

	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

const systemPrompt = `You are a recipe assistant. Answer with exactly one JSON object and nothing else.`

// referenceLimit bounds how many retrieved recipes are quoted in the prompt.
const referenceLimit = 5

// BuildPrompt renders the generation prompt. With no ingredients the model is
// asked for a recipe built from common pantry staples.
func BuildPrompt(set pipeline.IngredientSet, prefs pipeline.Preferences, candidates []pipeline.RecipeCandidate) string {
	var parts []string

	if len(set) > 0 {
		parts = append(parts, "Based on these ingredients: "+strings.Join(set.Names(), ", "))
	} else {
		parts = append(parts, "No ingredients were recognised. Suggest a simple recipe using common pantry staples.")
	}
	if len(prefs.DietaryRestrictions) > 0 {
		parts = append(parts, "Consider these dietary restrictions:\n"+bullets(prefs.DietaryRestrictions))
	}
	if len(prefs.HealthGoals) > 0 {
		parts = append(parts, "Optimize for these health goals:\n"+bullets(prefs.HealthGoals))
	}
	if len(prefs.PreferredCuisine) > 0 {
		parts = append(parts, "Preferred cuisines: "+strings.Join(prefs.PreferredCuisine, ", "))
	}

	constraints := []string{
		fmt.Sprintf("Skill Level: %d/5", prefs.CookingSkill),
		fmt.Sprintf("Maximum Cooking Time: %d minutes", prefs.MaxCookingTime),
		fmt.Sprintf("Portion Size: %d servings", prefs.PortionSize),
	}
	if len(prefs.AvailableEquipment) > 0 {
		constraints = append(constraints, "Available Equipment: "+strings.Join(prefs.AvailableEquipment, ", "))
	}
	parts = append(parts, "Cooking constraints:\n"+bullets(constraints))

	if len(candidates) > 0 {
		var refs strings.Builder
		refs.WriteString("Reference recipes:")
		for i, c := range candidates {
			if i == referenceLimit {
				break
			}
			fmt.Fprintf(&refs, "\n%d. %s (%d min): %s", i+1, c.Title, c.Minutes, strings.Join(c.Ingredients, ", "))
		}
		parts = append(parts, refs.String())
	}

	parts = append(parts, `Respond with one recipe as JSON with these fields:
{"title": string, "ingredients": [string], "missing_ingredients": [string],
 "steps": [string], "minutes": number,
 "nutrition": {"calories": number, "total_fat": number, "sugar": number, "sodium": number,
               "protein": number, "saturated_fat": number, "carbohydrates": number}}
List in "missing_ingredients" anything the recipe needs that was not in the ingredient list.`)

	return strings.Join(parts, "\n\n")
}

func bullets(items []string) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + it
	}
	return strings.Join(lines, "\n")
}
