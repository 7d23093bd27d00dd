// Package runner embeds the recipe pipeline, with durable async runs on DBOS,
// into another Go program.
package runner

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/tendant/simple-recipe-pipeline/internal/app"
	"github.com/tendant/simple-recipe-pipeline/internal/config"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/workflows"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Config holds the configuration for initializing the pipeline runner.
// Zero fields keep the values from the config file and environment.
type Config struct {
	ConfigFile         string // Optional pipeline YAML file
	DatabaseURL        string // DBOS PostgreSQL connection string
	AppName            string // Application name for DBOS
	QueueName          string // DBOS queue name
	Concurrency        int    // Number of concurrent workers
	ContentAPIURL      string // URL of the content API server; selects worker mode
	ApplicationVersion string // Optional: Override binary hash for version matching
}

func (c Config) apply(cfg *config.Config) {
	if c.DatabaseURL != "" {
		cfg.DBOS.DatabaseURL = c.DatabaseURL
	}
	if c.AppName != "" {
		cfg.DBOS.AppName = c.AppName
	}
	if c.QueueName != "" {
		cfg.DBOS.QueueName = c.QueueName
	}
	if c.Concurrency > 0 {
		cfg.DBOS.Concurrency = c.Concurrency
	}
	if c.ApplicationVersion != "" {
		cfg.DBOS.ApplicationVersion = c.ApplicationVersion
	}
	if c.ContentAPIURL != "" {
		cfg.Mode = config.ModeWorker
		cfg.ContentAPIURL = c.ContentAPIURL
	}
}

// Runner provides a high-level API for running recipe workflows via DBOS
type Runner struct {
	app *app.App
}

// New creates and initializes a new pipeline runner with DBOS integration
func New(ctx context.Context, rc Config, logger logr.Logger) (*Runner, error) {
	cfg, err := config.Load(rc.ConfigFile)
	if err != nil {
		return nil, err
	}
	rc.apply(cfg)
	if cfg.DBOS.DatabaseURL == "" {
		return nil, errcode.New(errcode.ConfigurationError, "DBOS_SYSTEM_DATABASE_URL is required")
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Launch DBOS (must be after workflow registration)
	if err := a.Start(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Runner{app: a}, nil
}

// Generate runs a recipe request and waits for the result
func (r *Runner) Generate(ctx context.Context, req pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
	return r.app.Runner.Run(ctx, req)
}

// Enqueue starts a durable recipe workflow and returns its run ID
func (r *Runner) Enqueue(ctx context.Context, req pipeline.RecipeRequest) (string, error) {
	return r.app.Runner.RunAsync(ctx, req)
}

// Status returns the status of a run started by Generate or Enqueue
func (r *Runner) Status(ctx context.Context, runID string) (*workflows.WorkflowStatus, error) {
	return r.app.Runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the pipeline runner
func (r *Runner) Shutdown() error {
	if r.app == nil {
		return nil
	}
	return r.app.Close()
}
