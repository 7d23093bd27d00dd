package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-recipe-pipeline/internal/dataset"
)

var importDatabaseURL string

var importCmd = &cobra.Command{
	Use:     "import-dataset <RAW_recipes.csv>",
	Short:   "Load a recipe CSV into the Postgres dataset",
	Example: `  recipe-pipeline import-dataset data/RAW_recipes.csv --database-url postgres://localhost/recipes`,
	Args:    cobra.ExactArgs(1),
	RunE:    runImport,
}

func init() {
	importCmd.Flags().StringVar(&importDatabaseURL, "database-url", "", "target database (overrides dataset.database_url)")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	url := cfg.Dataset.DatabaseURL
	if importDatabaseURL != "" {
		url = importDatabaseURL
	}
	if url == "" {
		return errors.New("a database URL is required (--database-url or dataset.database_url)")
	}

	csv, err := dataset.LoadCSV(args[0], logger.WithName("dataset"))
	if err != nil {
		return err
	}

	db, err := dataset.OpenPostgres(cmd.Context(), url)
	if err != nil {
		return err
	}
	defer db.Close()

	pg := dataset.NewPostgresDataset(db, 0)
	if err := pg.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	n, err := pg.Import(cmd.Context(), csv.Recipes())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d recipes\n", n, csv.Len())
	return nil
}
