// Package cli defines the recipe-pipeline command tree.
package cli

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-recipe-pipeline/internal/config"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
)

var (
	// cfgFile stores the path to the config file (if specified via flag)
	cfgFile  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "recipe-pipeline",
		Short:         "Turn a photo of ingredients into a recipe",
		Long:          `Detects ingredients in a photo, finds matching recipes in a dataset and asks a language model to write a recipe that fits the user's preferences.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./recipe_pipeline.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: info, verbose, debug, trace")
}

// loadConfig reads the configuration and builds the logger; flags win over the file.
func loadConfig() (*config.Config, logr.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, logr.Discard(), err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logutil.NewLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		return nil, logr.Discard(), err
	}
	return cfg, logger, nil
}
