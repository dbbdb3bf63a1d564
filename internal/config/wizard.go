package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard reading answers from in and writing prompts to out
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== smartpm Configuration Wizard ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Data directory
	defaultDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultDir = filepath.Join(home, ".smartpm")
	}
	w.printf("Data directory [%s]: ", defaultDir)
	dir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = defaultDir
	}
	cfg.DataDir = dir

	// Server
	w.println()
	w.println("HTTP Server:")
	for {
		w.printf("Port [%d]: ", cfg.Server.Port)
		raw, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if raw == "" {
			break
		}
		port, err := strconv.Atoi(raw)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Server.Port = port
		break
	}

	// Index backend
	w.println()
	w.println("Index backend options:")
	w.println("  sqlite - persistent vector index on disk (default)")
	w.println("  memory - in-process index, lost on restart")
	w.print("Index backend [sqlite]: ")
	backend, err := w.readLine()
	if err != nil {
		return nil, err
	}
	switch backend {
	case "", "sqlite":
		cfg.Index.Backend = "sqlite"
	case "memory":
		cfg.Index.Backend = "memory"
	default:
		w.printf("Warning: unknown backend %s, using default (sqlite)\n", backend)
	}

	// Cache
	w.println()
	w.print("Redis URL for the cache (press Enter to use the in-memory cache): ")
	for {
		redisURL, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if redisURL == "" {
			break
		}
		if err := validator.ValidateRedisURL(redisURL); err != nil {
			w.printf("Error: %v\nRedis URL: ", err)
			continue
		}
		cfg.Cache.Backend = "redis"
		cfg.Cache.RedisURL = redisURL
		break
	}

	// Enrichment
	w.println()
	w.println("Enrichment provider options:")
	w.println("  heuristic - offline rule based model (default)")
	w.println("  openai    - OpenAI chat completions")
	w.println("  anthropic - Anthropic messages")
	w.print("Enrichment provider [heuristic]: ")
	provider, err := w.readLine()
	if err != nil {
		return nil, err
	}
	switch provider {
	case "", "heuristic":
	case "openai", "anthropic":
		cfg.Enrichment.Provider = provider
		for {
			w.printf("%s API Key: ", provider)
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Enrichment.APIKey = key
			break
		}
	default:
		w.printf("Warning: unknown provider %s, using default (heuristic)\n", provider)
	}

	// Log Level
	w.println()
	w.println("Logging:")
	w.print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	applyPathDefaults(cfg)

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) print(a ...any) {
	fmt.Fprint(w.out, a...)
}

func (w *Wizard) printf(format string, a ...any) {
	fmt.Fprintf(w.out, format, a...)
}

func (w *Wizard) println(a ...any) {
	fmt.Fprintln(w.out, a...)
}
