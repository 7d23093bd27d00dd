package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Empty ingredient set policies.
const (
	EmptyPolicyFail    = "fail"
	EmptyPolicyGeneric = "generic"
)

// Server modes.
const (
	ModeStandalone = "standalone"
	ModeWorker     = "worker"
)

// Config represents the full configuration of the recipe pipeline.
type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	Mode          string `yaml:"mode"`
	StorageDir    string `yaml:"storage_dir"`
	ContentAPIURL string `yaml:"content_api_url"`
	LogLevel      string `yaml:"log_level"`
	Development   bool   `yaml:"development"`

	GPUTotalBudget    int64         `yaml:"gpu_total_budget"`
	GPUAcquireTimeout time.Duration `yaml:"gpu_acquire_timeout"`
	DetectionCost     int64         `yaml:"detection_cost"`
	GenerationCost    int64         `yaml:"generation_cost"`

	DetectionRetryCount      int           `yaml:"detection_retry_count"`
	GenerationRetryCount     int           `yaml:"generation_retry_count"`
	RetryBackoff             time.Duration `yaml:"retry_backoff"`
	DetectionTimeout         time.Duration `yaml:"detection_timeout"`
	GenerationTimeout        time.Duration `yaml:"generation_timeout"`
	DetectionConfidenceFloor float64       `yaml:"detection_confidence_floor"`
	EmptyIngredientsPolicy   string        `yaml:"empty_ingredients_policy"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`
	CacheTimeout    time.Duration `yaml:"cache_timeout"`
	RedisAddr       string        `yaml:"redis_addr"`
	Coalesce        bool          `yaml:"coalesce"`
	StatusTTL       time.Duration `yaml:"status_ttl"`

	SearchTopK int `yaml:"search_top_k"`

	// MaxImagePixels bounds the decoded size of request images.
	MaxImagePixels int64 `yaml:"max_image_pixels"`
	// LookupTimeout bounds the preference and dedupe ledger lookups at request entry.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`

	Detector    DetectorConfig    `yaml:"detector"`
	LLM         LLMConfig         `yaml:"llm"`
	Dataset     DatasetConfig     `yaml:"dataset"`
	Preferences PreferencesConfig `yaml:"preferences"`
	DBOS        DBOSConfig        `yaml:"dbos"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

// DetectorConfig selects the segmentation collaborator.
type DetectorConfig struct {
	// Kind is "http" or "foodsam".
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// Command is the FoodSAM invocation; "{image}" and "{output}" are substituted.
	Command   []string `yaml:"command"`
	OutputDir string   `yaml:"output_dir"`
}

// LLMConfig selects the generation collaborator.
type LLMConfig struct {
	// Provider is "ollama" or "gemini".
	Provider    string  `yaml:"provider"`
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float32 `yaml:"temperature"`
}

// DatasetConfig selects the recipe dataset provider.
type DatasetConfig struct {
	// Kind is "csv" or "postgres".
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
	MemoSize    int    `yaml:"memo_size"`
}

// PreferencesConfig selects the user preference provider.
type PreferencesConfig struct {
	// Kind is "default", "file" or "postgres".
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// DBOSConfig configures the durable async runner and the fingerprint ledger.
type DBOSConfig struct {
	DatabaseURL        string `yaml:"database_url"`
	AppName            string `yaml:"app_name"`
	QueueName          string `yaml:"queue_name"`
	Concurrency        int    `yaml:"concurrency"`
	ApplicationVersion string `yaml:"application_version"`
}

// TelegramConfig configures the bot front-end.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:   ":8080",
		Mode:       ModeStandalone,
		StorageDir: "./dev-data",
		LogLevel:   "info",

		GPUTotalBudget:    1,
		GPUAcquireTimeout: 30 * time.Second,
		DetectionCost:     1,
		GenerationCost:    1,

		DetectionRetryCount:      1,
		GenerationRetryCount:     1,
		RetryBackoff:             500 * time.Millisecond,
		DetectionTimeout:         60 * time.Second,
		GenerationTimeout:        120 * time.Second,
		DetectionConfidenceFloor: 0.5,
		EmptyIngredientsPolicy:   EmptyPolicyFail,

		CacheTTL:        time.Hour,
		CacheMaxEntries: 1000,
		CacheTimeout:    200 * time.Millisecond,
		Coalesce:        true,
		StatusTTL:       15 * time.Minute,

		SearchTopK: 5,

		MaxImagePixels: 40_000_000,
		LookupTimeout:  500 * time.Millisecond,

		Detector: DetectorConfig{
			Kind:      "http",
			URL:       "http://localhost:8000/detect",
			OutputDir: os.TempDir(),
		},
		LLM: LLMConfig{
			Provider: "ollama",
			URL:      "http://localhost:11434",
			Model:    "llama3.1",
		},
		Dataset: DatasetConfig{
			Kind:     "csv",
			Path:     "data/RAW_recipes.csv",
			MemoSize: 256,
		},
		Preferences: PreferencesConfig{
			Kind: "default",
		},
		DBOS: DBOSConfig{
			AppName:     "recipe-pipeline",
			QueueName:   "recipes",
			Concurrency: 4,
		},
	}
}

// Default config file names, searched in order when no path is given.
var defaultFiles = []string{"recipe_pipeline.yaml", "pipeline.yaml"}

// Load reads configuration from a file, then applies .env and environment overrides.
// If path is empty, the default file names are searched; a missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, path, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, path, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return data, path, nil
	}
	for _, name := range defaultFiles {
		data, err := os.ReadFile(name)
		if err == nil {
			return data, name, nil
		}
	}
	return nil, "", nil
}
