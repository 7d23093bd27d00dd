package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-recipe-pipeline/internal/app"
	"github.com/tendant/simple-recipe-pipeline/internal/telegram"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

var (
	generateUser string
	generateJSON bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <image>",
	Short: "Generate a recipe for a local image",
	Example: `  recipe-pipeline generate fridge.jpg
  recipe-pipeline generate fridge.jpg --user alice --json`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&generateUser, "user", "cli", "user whose preferences apply")
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "print the full response as JSON")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	a, err := app.New(cmd.Context(), cfg, logger, app.WithoutAsync())
	if err != nil {
		return err
	}
	defer a.Close()

	resp, runErr := a.Runner.Run(cmd.Context(), pipeline.RecipeRequest{
		UserID:   generateUser,
		ImageB64: base64.StdEncoding.EncodeToString(data),
	})

	out := cmd.OutOrStdout()
	if generateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, telegram.FormatResponse(resp))
	}
	return runErr
}
