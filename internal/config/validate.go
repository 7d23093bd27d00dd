package config

import (
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
)

// Validate checks the configuration for impossible or inconsistent values.
// Every problem is reported as an errcode.ConfigurationError.
func (c *Config) Validate() error {
	switch {
	case c.GPUTotalBudget <= 0:
		return errcode.New(errcode.ConfigurationError, "gpu_total_budget must be positive, got %d", c.GPUTotalBudget)
	case c.DetectionCost <= 0 || c.GenerationCost <= 0:
		return errcode.New(errcode.ConfigurationError, "detection_cost and generation_cost must be positive")
	case c.DetectionCost > c.GPUTotalBudget:
		return errcode.New(errcode.ConfigurationError, "detection_cost %d exceeds gpu_total_budget %d", c.DetectionCost, c.GPUTotalBudget)
	case c.GenerationCost > c.GPUTotalBudget:
		return errcode.New(errcode.ConfigurationError, "generation_cost %d exceeds gpu_total_budget %d", c.GenerationCost, c.GPUTotalBudget)
	case c.GPUAcquireTimeout <= 0:
		return errcode.New(errcode.ConfigurationError, "gpu_acquire_timeout must be positive")
	case c.DetectionRetryCount < 0 || c.GenerationRetryCount < 0:
		return errcode.New(errcode.ConfigurationError, "retry counts must not be negative")
	case c.RetryBackoff < 0:
		return errcode.New(errcode.ConfigurationError, "retry_backoff must not be negative")
	case c.DetectionTimeout <= 0 || c.GenerationTimeout <= 0:
		return errcode.New(errcode.ConfigurationError, "detection_timeout and generation_timeout must be positive")
	case c.DetectionConfidenceFloor < 0 || c.DetectionConfidenceFloor > 1:
		return errcode.New(errcode.ConfigurationError, "detection_confidence_floor must be within [0,1], got %v", c.DetectionConfidenceFloor)
	case c.EmptyIngredientsPolicy != EmptyPolicyFail && c.EmptyIngredientsPolicy != EmptyPolicyGeneric:
		return errcode.New(errcode.ConfigurationError, "empty_ingredients_policy must be %q or %q, got %q", EmptyPolicyFail, EmptyPolicyGeneric, c.EmptyIngredientsPolicy)
	case c.CacheTTL <= 0:
		return errcode.New(errcode.ConfigurationError, "cache_ttl must be positive")
	case c.CacheMaxEntries <= 0:
		return errcode.New(errcode.ConfigurationError, "cache_max_entries must be positive")
	case c.CacheTimeout <= 0:
		return errcode.New(errcode.ConfigurationError, "cache_timeout must be positive")
	case c.StatusTTL <= 0:
		return errcode.New(errcode.ConfigurationError, "status_ttl must be positive")
	case c.SearchTopK <= 0:
		return errcode.New(errcode.ConfigurationError, "search_top_k must be positive")
	case c.MaxImagePixels <= 0:
		return errcode.New(errcode.ConfigurationError, "max_image_pixels must be positive")
	case c.LookupTimeout <= 0:
		return errcode.New(errcode.ConfigurationError, "lookup_timeout must be positive")
	case c.DBOS.Concurrency < 0:
		return errcode.New(errcode.ConfigurationError, "dbos.concurrency must not be negative, got %d", c.DBOS.Concurrency)
	case c.Mode != ModeStandalone && c.Mode != ModeWorker:
		return errcode.New(errcode.ConfigurationError, "mode must be %q or %q, got %q", ModeStandalone, ModeWorker, c.Mode)
	case c.Mode == ModeWorker && c.ContentAPIURL == "":
		return errcode.New(errcode.ConfigurationError, "content_api_url is required in worker mode")
	}

	switch c.Detector.Kind {
	case "http":
		if c.Detector.URL == "" {
			return errcode.New(errcode.ConfigurationError, "detector.url is required for the http detector")
		}
	case "foodsam":
		if len(c.Detector.Command) == 0 {
			return errcode.New(errcode.ConfigurationError, "detector.command is required for the foodsam detector")
		}
	default:
		return errcode.New(errcode.ConfigurationError, "unknown detector kind %q", c.Detector.Kind)
	}

	switch c.LLM.Provider {
	case "ollama":
		if c.LLM.URL == "" {
			return errcode.New(errcode.ConfigurationError, "llm.url is required for ollama")
		}
	case "gemini":
		if c.LLM.APIKey == "" {
			return errcode.New(errcode.ConfigurationError, "llm.api_key is required for gemini")
		}
	default:
		return errcode.New(errcode.ConfigurationError, "unknown llm provider %q", c.LLM.Provider)
	}

	switch c.Dataset.Kind {
	case "csv":
		if c.Dataset.Path == "" {
			return errcode.New(errcode.ConfigurationError, "dataset.path is required for the csv dataset")
		}
	case "postgres":
		if c.Dataset.DatabaseURL == "" {
			return errcode.New(errcode.ConfigurationError, "dataset.database_url is required for the postgres dataset")
		}
	default:
		return errcode.New(errcode.ConfigurationError, "unknown dataset kind %q", c.Dataset.Kind)
	}

	switch c.Preferences.Kind {
	case "default":
	case "file":
		if c.Preferences.Path == "" {
			return errcode.New(errcode.ConfigurationError, "preferences.path is required for file preferences")
		}
	case "postgres":
		if c.Preferences.DatabaseURL == "" {
			return errcode.New(errcode.ConfigurationError, "preferences.database_url is required for postgres preferences")
		}
	default:
		return errcode.New(errcode.ConfigurationError, "unknown preferences kind %q", c.Preferences.Kind)
	}

	return nil
}
