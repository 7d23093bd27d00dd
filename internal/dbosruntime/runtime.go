// Package dbosruntime hosts the DBOS queue that runs recipe requests
// asynchronously, and answers status queries from the DBOS system tables.
package dbosruntime

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/go-logr/logr"
	_ "github.com/lib/pq"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
)

// Runtime owns the DBOS context, the recipe queue declared on it and a
// connection to the system database for status lookups.
type Runtime struct {
	dbosCtx dbos.DBOSContext
	cfg     Config
	db      *sql.DB
	logger  logr.Logger
}

// NewRuntime connects to the DBOS system database and declares the recipe queue
// with a per-process worker concurrency of cfg.Concurrency. Workflows must be
// registered on Context() before Launch.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logutil.FromContext(ctx).WithValues("app", cfg.AppName, "queue", cfg.QueueName)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open DBOS database: %w", err)
	}

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create DBOS context: %w", err)
	}

	dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName, dbos.WithWorkerConcurrency(cfg.Concurrency))
	logger.V(logutil.VERBOSE).Info("Recipe queue declared", "workerConcurrency", cfg.Concurrency)

	return &Runtime{
		dbosCtx: dbosCtx,
		cfg:     cfg,
		db:      db,
		logger:  logger,
	}, nil
}

// Launch starts dequeuing recipe workflows.
func (r *Runtime) Launch() error {
	if err := dbos.Launch(r.dbosCtx); err != nil {
		return err
	}
	r.logger.Info("Recipe queue consuming", "workerConcurrency", r.cfg.Concurrency)
	return nil
}

// Shutdown waits up to timeout for in-flight workflows, then closes the status connection.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	dbos.Shutdown(r.dbosCtx, timeout)
	return r.db.Close()
}

// Context returns the DBOS context workflows are registered and started on.
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosCtx
}

// QueueName is the queue recipe workflows are enqueued on.
func (r *Runtime) QueueName() string {
	return r.cfg.QueueName
}
