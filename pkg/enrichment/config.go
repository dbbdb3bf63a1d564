package enrichment

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config selects the enrichment model and sizes the worker pool.
type Config struct {
	Provider  string `json:"provider" mapstructure:"provider"` // heuristic, openai, anthropic
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
	Workers   int    `json:"workers" mapstructure:"workers"`
	QueueSize int    `json:"queue_size" mapstructure:"queue_size"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// NewModel builds the model named by cfg.Provider.
func NewModel(cfg Config, logger zerolog.Logger) (Model, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return HeuristicModel{}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai enrichment requires an api key")
		}
		return NewLLMModel(NewOpenAICompleter(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens), logger)
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic enrichment requires an api key")
		}
		return NewLLMModel(NewAnthropicCompleter(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens), logger)
	default:
		return nil, fmt.Errorf("unsupported enrichment provider: %s", cfg.Provider)
	}
}
