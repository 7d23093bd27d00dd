package dbosruntime

import (
	"github.com/tendant/simple-recipe-pipeline/internal/config"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
)

// Config describes the durable queue behind asynchronous recipe runs.
type Config struct {
	// DatabaseURL points at the PostgreSQL database holding DBOS state. Required.
	DatabaseURL string
	// AppName scopes workflows in DBOS. Defaults to "recipe-pipeline".
	AppName string
	// QueueName is the queue recipe workflows are enqueued on. Defaults to "recipes".
	QueueName string
	// Concurrency caps the recipe workflows one process dequeues at a time.
	// Defaults to 4. GPU admission still applies inside each workflow.
	Concurrency int
	// ApplicationVersion replaces the binary hash so that processes built
	// separately can recover each other's workflows.
	ApplicationVersion string
}

// FromConfig extracts the DBOS settings from the application config.
func FromConfig(c config.DBOSConfig) Config {
	return Config{
		DatabaseURL:        c.DatabaseURL,
		AppName:            c.AppName,
		QueueName:          c.QueueName,
		Concurrency:        c.Concurrency,
		ApplicationVersion: c.ApplicationVersion,
	}
}

// WithDefaults fills in the optional fields.
func (c *Config) WithDefaults() {
	if c.AppName == "" {
		c.AppName = "recipe-pipeline"
	}
	if c.QueueName == "" {
		c.QueueName = "recipes"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
}

// Validate reports missing or impossible settings as a ConfigurationError.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errcode.New(errcode.ConfigurationError, "DBOS_SYSTEM_DATABASE_URL is required")
	case c.Concurrency < 1:
		return errcode.New(errcode.ConfigurationError, "queue concurrency must be positive, got %d", c.Concurrency)
	}
	return nil
}
