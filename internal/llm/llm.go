package llm

import (
	"context"

	"github.com/tendant/simple-recipe-pipeline/internal/config"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
)

// Client is a completion backend.
type Client interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// New builds the client selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg.URL, cfg.Model, cfg.Temperature), nil
	case "gemini":
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.Temperature)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigurationError, err, "gemini setup failed")
		}
		return g, nil
	default:
		return nil, errcode.New(errcode.ConfigurationError, "unknown llm provider %q", cfg.Provider)
	}
}
