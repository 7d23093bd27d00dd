package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overrides cfg from RECIPE_* variables. The pipeline's historical
// variable names (PIPELINE_HTTP_ADDR, STORAGE_DIR, CONTENT_API_URL,
// DBOS_SYSTEM_DATABASE_URL) are honoured too.
func applyEnv(cfg *Config) error {
	e := &envReader{}

	e.str(&cfg.HTTPAddr, "PIPELINE_HTTP_ADDR", "RECIPE_HTTP_ADDR")
	e.str(&cfg.Mode, "RECIPE_MODE")
	e.str(&cfg.StorageDir, "STORAGE_DIR", "RECIPE_STORAGE_DIR")
	e.str(&cfg.ContentAPIURL, "CONTENT_API_URL", "RECIPE_CONTENT_API_URL")
	e.str(&cfg.LogLevel, "RECIPE_LOG_LEVEL")
	e.boolean(&cfg.Development, "RECIPE_DEVELOPMENT")

	e.int64(&cfg.GPUTotalBudget, "RECIPE_GPU_TOTAL_BUDGET")
	e.duration(&cfg.GPUAcquireTimeout, "RECIPE_GPU_ACQUIRE_TIMEOUT")
	e.int64(&cfg.DetectionCost, "RECIPE_DETECTION_COST")
	e.int64(&cfg.GenerationCost, "RECIPE_GENERATION_COST")

	e.integer(&cfg.DetectionRetryCount, "RECIPE_DETECTION_RETRY_COUNT")
	e.integer(&cfg.GenerationRetryCount, "RECIPE_GENERATION_RETRY_COUNT")
	e.duration(&cfg.RetryBackoff, "RECIPE_RETRY_BACKOFF")
	e.duration(&cfg.DetectionTimeout, "RECIPE_DETECTION_TIMEOUT")
	e.duration(&cfg.GenerationTimeout, "RECIPE_GENERATION_TIMEOUT")
	e.float(&cfg.DetectionConfidenceFloor, "RECIPE_DETECTION_CONFIDENCE_FLOOR")
	e.str(&cfg.EmptyIngredientsPolicy, "RECIPE_EMPTY_INGREDIENTS_POLICY")

	e.duration(&cfg.CacheTTL, "RECIPE_CACHE_TTL")
	e.integer(&cfg.CacheMaxEntries, "RECIPE_CACHE_MAX_ENTRIES")
	e.duration(&cfg.CacheTimeout, "RECIPE_CACHE_TIMEOUT")
	e.str(&cfg.RedisAddr, "RECIPE_REDIS_ADDR")
	e.boolean(&cfg.Coalesce, "RECIPE_COALESCE")
	e.duration(&cfg.StatusTTL, "RECIPE_STATUS_TTL")
	e.integer(&cfg.SearchTopK, "RECIPE_SEARCH_TOP_K")
	e.int64(&cfg.MaxImagePixels, "RECIPE_MAX_IMAGE_PIXELS")
	e.duration(&cfg.LookupTimeout, "RECIPE_LOOKUP_TIMEOUT")

	e.str(&cfg.Detector.Kind, "RECIPE_DETECTOR_KIND")
	e.str(&cfg.Detector.URL, "RECIPE_DETECTOR_URL")
	e.fields(&cfg.Detector.Command, "RECIPE_DETECTOR_COMMAND")
	e.str(&cfg.Detector.OutputDir, "RECIPE_DETECTOR_OUTPUT_DIR")

	e.str(&cfg.LLM.Provider, "RECIPE_LLM_PROVIDER")
	e.str(&cfg.LLM.URL, "RECIPE_LLM_URL")
	e.str(&cfg.LLM.Model, "RECIPE_LLM_MODEL")
	e.str(&cfg.LLM.APIKey, "GEMINI_API_KEY", "RECIPE_LLM_API_KEY")

	e.str(&cfg.Dataset.Kind, "RECIPE_DATASET_KIND")
	e.str(&cfg.Dataset.Path, "RECIPE_DATASET_PATH")
	e.str(&cfg.Dataset.DatabaseURL, "RECIPE_DATASET_DATABASE_URL")

	e.str(&cfg.Preferences.Kind, "RECIPE_PREFERENCES_KIND")
	e.str(&cfg.Preferences.Path, "RECIPE_PREFERENCES_PATH")
	e.str(&cfg.Preferences.DatabaseURL, "RECIPE_PREFERENCES_DATABASE_URL")

	e.str(&cfg.DBOS.DatabaseURL, "DBOS_SYSTEM_DATABASE_URL", "RECIPE_DBOS_DATABASE_URL")
	e.str(&cfg.DBOS.AppName, "DBOS_APP_NAME", "RECIPE_DBOS_APP_NAME")
	e.str(&cfg.DBOS.QueueName, "DBOS_QUEUE_NAME", "RECIPE_DBOS_QUEUE_NAME")
	e.integer(&cfg.DBOS.Concurrency, "DBOS_QUEUE_CONCURRENCY", "RECIPE_DBOS_CONCURRENCY")
	e.str(&cfg.DBOS.ApplicationVersion, "DBOS_APPLICATION_VERSION")

	e.str(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN", "RECIPE_TELEGRAM_TOKEN")

	return e.err
}

// envReader applies variables in order; later names win. The first parse error is kept.
type envReader struct {
	err error
}

func (e *envReader) lookup(names []string, apply func(name, v string) error) {
	for _, name := range names {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		if err := apply(name, v); err != nil && e.err == nil {
			e.err = fmt.Errorf("invalid %s: %w", name, err)
		}
	}
}

func (e *envReader) str(dst *string, names ...string) {
	e.lookup(names, func(_, v string) error {
		*dst = v
		return nil
	})
}

func (e *envReader) fields(dst *[]string, names ...string) {
	e.lookup(names, func(_, v string) error {
		*dst = strings.Fields(v)
		return nil
	})
}

func (e *envReader) integer(dst *int, names ...string) {
	e.lookup(names, func(_, v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
		return err
	})
}

func (e *envReader) int64(dst *int64, names ...string) {
	e.lookup(names, func(_, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			*dst = n
		}
		return err
	})
}

func (e *envReader) float(dst *float64, names ...string) {
	e.lookup(names, func(_, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = f
		}
		return err
	})
}

func (e *envReader) boolean(dst *bool, names ...string) {
	e.lookup(names, func(_, v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	})
}

func (e *envReader) duration(dst *time.Duration, names ...string) {
	e.lookup(names, func(_, v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			*dst = d
		}
		return err
	})
}
