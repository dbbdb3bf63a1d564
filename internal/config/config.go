package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/smartpm/pkg/cache"
	"github.com/harun/smartpm/pkg/chunking"
	"github.com/harun/smartpm/pkg/embedding"
	"github.com/harun/smartpm/pkg/enrichment"
)

// Config represents the main smartpm configuration
type Config struct {
	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Similarity index
	Index IndexConfig `json:"index" mapstructure:"index"`

	// Embedding provider
	Embedding embedding.Config `json:"embedding" mapstructure:"embedding"`

	// Read-through cache
	Cache cache.Config `json:"cache" mapstructure:"cache"`

	// Retrieval service
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`

	// Background enrichment
	Enrichment enrichment.Config `json:"enrichment" mapstructure:"enrichment"`

	// Inbox importer
	Import ImportConfig `json:"import" mapstructure:"import"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	SharedSecret       string `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	ShutdownTimeout    int    `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IndexConfig selects the similarity index backend
type IndexConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // memory, sqlite
	DBPath  string `json:"db_path" mapstructure:"db_path"`
}

// RetrievalConfig tunes the retrieval service
type RetrievalConfig struct {
	TimeoutMs    int `json:"timeout_ms" mapstructure:"timeout_ms"`
	MaxWords     int `json:"max_words" mapstructure:"max_words"`
	OverlapWords int `json:"overlap_words" mapstructure:"overlap_words"`
}

// Timeout returns the per-call backend timeout.
func (r RetrievalConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Chunking returns the chunker options.
func (r RetrievalConfig) Chunking() chunking.Options {
	return chunking.Options{MaxWords: r.MaxWords, OverlapWords: r.OverlapWords}
}

// ImportConfig controls the inbox directory importer
type ImportConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Dir        string `json:"dir" mapstructure:"dir"`
	DebounceMs int    `json:"debounce_ms" mapstructure:"debounce_ms"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10,
		},
		Index: IndexConfig{
			Backend: "sqlite",
		},
		Embedding: embedding.Config{
			Provider:  "hashing",
			Dimension: 256,
		},
		Cache: cache.Config{
			Backend:       "memory",
			TTLSeconds:    int(cache.DefaultTTL / time.Second),
			SweepSchedule: cache.DefaultSweepSchedule,
		},
		Retrieval: RetrievalConfig{
			TimeoutMs:    5000,
			MaxWords:     chunking.DefaultMaxWords,
			OverlapWords: chunking.DefaultOverlapWords,
		},
		Enrichment: enrichment.Config{
			Provider:  "heuristic",
			Workers:   enrichment.DefaultWorkers,
			QueueSize: enrichment.DefaultQueueSize,
			TimeoutMs: int(enrichment.DefaultJobTimeout / time.Millisecond),
		},
		Import: ImportConfig{
			DebounceMs: 500,
		},
		Tracing: TracingConfig{
			ServiceName: "smartpm",
			SampleRatio: 1.0,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Embedding.APIKey != "" {
		masked.Embedding.APIKey = "***"
	}
	if masked.Server.SharedSecret != "" {
		masked.Server.SharedSecret = "***"
	}
	if masked.Enrichment.APIKey != "" {
		masked.Enrichment.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Index.Backend {
	case "memory":
	case "sqlite":
		if c.Index.DBPath == "" {
			return fmt.Errorf("index db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid index backend: %s (must be: memory, sqlite)", c.Index.Backend)
	}

	switch c.Embedding.Provider {
	case "", "hashing":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("invalid embedding provider: %s (must be: hashing, openai)", c.Embedding.Provider)
	}

	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be: memory, redis)", c.Cache.Backend)
	}

	switch c.Enrichment.Provider {
	case "", "heuristic":
	case "openai", "anthropic":
		if c.Enrichment.APIKey == "" {
			return fmt.Errorf("enrichment api_key is required for the %s provider", c.Enrichment.Provider)
		}
	default:
		return fmt.Errorf("invalid enrichment provider: %s (must be: heuristic, openai, anthropic)", c.Enrichment.Provider)
	}

	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server rate_limit_per_minute must be >= 0")
	}

	if c.Retrieval.MaxWords < 0 || c.Retrieval.OverlapWords < 0 {
		return fmt.Errorf("retrieval max_words and overlap_words must be >= 0")
	}

	if c.Import.Enabled && c.Import.Dir == "" {
		return fmt.Errorf("import dir is required when the importer is enabled")
	}

	return nil
}
