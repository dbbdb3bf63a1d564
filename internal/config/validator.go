package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateRedisURL validates a redis connection URL
func (v *Validator) ValidateRedisURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("redis url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("invalid redis url scheme: %s (must be redis or rediss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("redis url must include a host")
	}
	return nil
}

// ValidateSchedule validates a cron schedule such as "@every 1m"
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil // Use default
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey != "" && cfg.Embedding.BaseURL == "" {
		if err := v.ValidateAPIKey(cfg.Embedding.APIKey, "openai"); err != nil {
			errors = append(errors, fmt.Errorf("embedding: %w", err))
		}
	}
	if cfg.Embedding.Dimension < 0 {
		errors = append(errors, fmt.Errorf("embedding.dimension must be >= 0"))
	}

	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisURL != "" {
		if err := v.ValidateRedisURL(cfg.Cache.RedisURL); err != nil {
			errors = append(errors, fmt.Errorf("cache: %w", err))
		}
	}
	if cfg.Cache.TTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("cache.ttl_seconds must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Cache.SweepSchedule); err != nil {
		errors = append(errors, fmt.Errorf("cache: %w", err))
	}

	if cfg.Retrieval.TimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("retrieval.timeout_ms must be >= 0"))
	}

	switch cfg.Enrichment.Provider {
	case "openai", "anthropic":
		if cfg.Enrichment.APIKey != "" && cfg.Enrichment.BaseURL == "" {
			if err := v.ValidateAPIKey(cfg.Enrichment.APIKey, cfg.Enrichment.Provider); err != nil {
				errors = append(errors, fmt.Errorf("enrichment: %w", err))
			}
		}
	}
	if cfg.Enrichment.Workers < 0 {
		errors = append(errors, fmt.Errorf("enrichment.workers must be >= 0"))
	}
	if cfg.Enrichment.QueueSize < 0 {
		errors = append(errors, fmt.Errorf("enrichment.queue_size must be >= 0"))
	}

	if err := v.ValidateSampleRatio(cfg.Tracing.SampleRatio); err != nil {
		errors = append(errors, fmt.Errorf("tracing: %w", err))
	}

	return errors
}
