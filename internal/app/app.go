// Package app wires the recipe pipeline together from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/simple-recipe-pipeline/internal/cache"
	"github.com/tendant/simple-recipe-pipeline/internal/config"
	"github.com/tendant/simple-recipe-pipeline/internal/dataset"
	"github.com/tendant/simple-recipe-pipeline/internal/dbosruntime"
	"github.com/tendant/simple-recipe-pipeline/internal/dedupe"
	"github.com/tendant/simple-recipe-pipeline/internal/detector"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/gpu"
	"github.com/tendant/simple-recipe-pipeline/internal/handlers"
	"github.com/tendant/simple-recipe-pipeline/internal/llm"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/internal/metrics"
	"github.com/tendant/simple-recipe-pipeline/internal/orchestrator"
	"github.com/tendant/simple-recipe-pipeline/internal/preferences"
	"github.com/tendant/simple-recipe-pipeline/internal/stages"
	"github.com/tendant/simple-recipe-pipeline/internal/storage"
	"github.com/tendant/simple-recipe-pipeline/internal/workflows"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

const (
	tenantID        = "recipe-pipeline"
	ledgerPipeline  = "recipe"
	ledgerVersion   = 1
	memoryLedgerCap = 10000
)

// App holds the wired components of one pipeline process.
type App struct {
	Config       *config.Config
	Logger       logr.Logger
	Metrics      *metrics.Metrics
	GPU          *gpu.Manager
	Cache        *cache.Store
	Orchestrator *orchestrator.Orchestrator
	Runner       *workflows.WorkflowRunner
	DBOS         *dbosruntime.Runtime

	// Content is set in standalone mode, where images can be uploaded.
	Content *storage.ContentStore

	images  storage.ImageSource
	closers []func() error
}

type options struct {
	async bool
}

// Option configures New.
type Option func(*options)

// WithoutAsync skips the DBOS runtime even when it is configured.
func WithoutAsync() Option {
	return func(o *options) { o.async = false }
}

// New validates cfg and builds every component. Close releases what was built,
// also when New fails half way.
func New(ctx context.Context, cfg *config.Config, logger logr.Logger, opts ...Option) (a *App, err error) {
	o := options{async: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx = logr.NewContext(ctx, logger)

	a = &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.GPU, err = gpu.NewManager(cfg.GPUTotalBudget, gpu.WithObserver(a.Metrics), gpu.WithLogger(logger.WithName("gpu")))
	if err != nil {
		return a, errcode.Wrap(errcode.ConfigurationError, err, "invalid GPU budget")
	}
	a.Cache = a.buildCache(ctx)

	det, err := a.buildDetector()
	if err != nil {
		return a, err
	}
	gen, err := a.buildGenerator(ctx)
	if err != nil {
		return a, err
	}
	search, err := a.buildSearcher(ctx)
	if err != nil {
		return a, err
	}
	prefs, err := a.buildPreferences(ctx)
	if err != nil {
		return a, err
	}
	ledger, err := a.buildLedger(ctx)
	if err != nil {
		return a, err
	}
	writer, err := a.buildStorage()
	if err != nil {
		return a, err
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.ConfigFrom(cfg), orchestrator.Deps{
		GPU:         a.GPU,
		Cache:       a.Cache,
		Detector:    det,
		Searcher:    search,
		Generator:   gen,
		Preferences: prefs,
		Ledger:      ledger,
		Writer:      writer,
		Recorder:    a.Metrics,
	})
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, func() error {
		a.Orchestrator.Close()
		return nil
	})

	if o.async && cfg.DBOS.DatabaseURL != "" {
		rtCfg := dbosruntime.FromConfig(cfg.DBOS)
		a.DBOS, err = dbosruntime.NewRuntime(ctx, rtCfg)
		if err != nil {
			return a, fmt.Errorf("failed to initialize DBOS: %w", err)
		}
	}
	a.Runner = workflows.NewWorkflowRunner(workflows.NewRecipeWorkflow(a.Orchestrator, a.images), a.DBOS)

	logger.Info("Recipe pipeline ready",
		"mode", cfg.Mode,
		"gpuBudget", cfg.GPUTotalBudget,
		"detector", cfg.Detector.Kind,
		"llm", cfg.LLM.Provider,
		"dataset", cfg.Dataset.Kind,
		"preferences", cfg.Preferences.Kind,
		"async", a.DBOS != nil)
	return a, nil
}

// Start launches the DBOS runtime, which must happen after workflow registration.
func (a *App) Start() error {
	if a.DBOS == nil {
		return nil
	}
	if err := a.DBOS.Launch(); err != nil {
		return fmt.Errorf("failed to launch DBOS: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.DBOS.Shutdown(10 * time.Second) })
	return nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	opts := []handlers.Option{
		handlers.WithStats(a.GPU, a.Cache),
		handlers.WithMetrics(a.Metrics.Handler()),
		handlers.WithMode(a.Config.Mode),
		handlers.WithLogger(a.Logger.WithName("http")),
	}
	if a.Content != nil {
		opts = append(opts, handlers.WithUploader(a.Content))
	}
	return handlers.NewHandler(a.Runner, opts...).Router()
}

// Close releases components in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildCache(ctx context.Context) *cache.Store {
	cfg := a.Config
	memory := cache.NewMemoryBackend(cfg.CacheMaxEntries)
	a.closers = append(a.closers, func() error {
		memory.Close()
		return nil
	})
	backends := []cache.Backend{memory}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		// an unreachable redis is a miss, not a startup failure
		if err := client.Ping(ctx).Err(); err != nil {
			a.Logger.Info("Redis cache not reachable, continuing", "addr", cfg.RedisAddr, "err", err.Error())
		}
		backends = append(backends, cache.NewRedisBackend(client, "recipe-pipeline"))
	}

	return cache.NewStore(cfg.CacheTTL, cfg.CacheTimeout, backends,
		cache.WithStoreObserver(a.Metrics),
		cache.WithStoreLogger(a.Logger.WithName("cache")))
}

func (a *App) buildDetector() (*stages.Detector, error) {
	cfg := a.Config.Detector
	var segmenter stages.Segmenter
	switch cfg.Kind {
	case "http":
		segmenter = detector.NewHTTPSegmenter(cfg.URL)
	case "foodsam":
		s, err := detector.NewFoodSAMSegmenter(cfg.Command, cfg.OutputDir)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigurationError, err, "invalid FoodSAM command")
		}
		segmenter = s
	default:
		return nil, errcode.New(errcode.ConfigurationError, "unknown detector kind %q", cfg.Kind)
	}
	return stages.NewDetector(segmenter, a.Config.DetectionConfidenceFloor), nil
}

func (a *App) buildGenerator(ctx context.Context) (*stages.Generator, error) {
	client, err := llm.New(ctx, a.Config.LLM)
	if err != nil {
		return nil, err
	}
	if c, ok := client.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return stages.NewGenerator(client, a.Config.GenerationTimeout), nil
}

func (a *App) buildSearcher(ctx context.Context) (*stages.Searcher, error) {
	cfg := a.Config.Dataset
	var ds stages.Dataset
	switch cfg.Kind {
	case "csv":
		csv, err := dataset.LoadCSV(cfg.Path, a.Logger.WithName("dataset"))
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigurationError, err, "failed to load recipe dataset")
		}
		ds = csv
	case "postgres":
		db, err := dataset.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigurationError, err, "failed to open recipe database")
		}
		a.closers = append(a.closers, db.Close)
		pg := dataset.NewPostgresDataset(db, 0)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		ds = pg
	default:
		return nil, errcode.New(errcode.ConfigurationError, "unknown dataset kind %q", cfg.Kind)
	}
	return stages.NewSearcher(ds, a.Config.SearchTopK, cfg.MemoSize)
}

func (a *App) buildPreferences(ctx context.Context) (orchestrator.PreferenceProvider, error) {
	cfg := a.Config.Preferences
	switch cfg.Kind {
	case "", "default":
		return preferences.NewStatic(pipeline.DefaultPreferences()), nil
	case "file":
		f, err := preferences.LoadFile(cfg.Path)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigurationError, err, "failed to load preferences")
		}
		return f, nil
	case "postgres":
		db, err := preferences.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigurationError, err, "failed to open preferences database")
		}
		a.closers = append(a.closers, db.Close)
		store := preferences.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errcode.New(errcode.ConfigurationError, "unknown preferences kind %q", cfg.Kind)
	}
}

// buildLedger keeps seen counts in the DBOS database when one is configured.
func (a *App) buildLedger(ctx context.Context) (orchestrator.Ledger, error) {
	url := a.Config.DBOS.DatabaseURL
	if url == "" {
		mem, err := dedupe.NewMemoryTracker(memoryLedgerCap, a.Logger.WithName("dedupe"))
		if err != nil {
			return nil, err
		}
		return mem, nil
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	tracker, err := dedupe.NewTracker(ctx, db, ledgerPipeline, ledgerVersion)
	if err != nil {
		return nil, err
	}
	return tracker, nil
}

// buildStorage embeds simple-content in standalone mode and talks to its HTTP
// API in worker mode.
func (a *App) buildStorage() (orchestrator.RecipeWriter, error) {
	cfg := a.Config
	switch cfg.Mode {
	case config.ModeWorker:
		hs := storage.NewHTTPContentStore(cfg.ContentAPIURL)
		a.images = hs
		a.Logger.V(logutil.VERBOSE).Info("Using simple-content HTTP API", "url", cfg.ContentAPIURL)
		return hs, nil
	default:
		svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(cfg.StorageDir))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize simple-content service: %w", err)
		}
		a.closers = append(a.closers, func() error {
			cleanup()
			return nil
		})
		a.Content = storage.NewContentStore(svc, tenantID)
		a.images = a.Content
		a.Logger.V(logutil.VERBOSE).Info("Using embedded simple-content service", "storageDir", cfg.StorageDir)
		return a.Content, nil
	}
}
