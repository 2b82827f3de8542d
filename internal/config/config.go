// Package config loads jobintel settings from defaults, the JSON config file,
// an optional .env file and JOBINTEL_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	LLM        LLMConfig
	Enrichment EnrichmentConfig
	Lock       LockConfig
	Worker     WorkerConfig
}

type ServerConfig struct {
	Port       int
	AdminToken string
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	DatabaseURL string
}

type LLMConfig struct {
	Provider         string
	Model            string
	BaseURL          string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	// RateLimit caps model calls per minute; 0 means unlimited.
	RateLimit int
}

type EnrichmentConfig struct {
	Timeout        time.Duration
	PersistRefresh bool
}

type LockConfig struct {
	Backend  string
	RedisURL string
	TTL      time.Duration
}

type WorkerConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	// SweepSchedule is a cron expression for queue maintenance; "off" disables it.
	SweepSchedule string
	StaleAfter    time.Duration
	Retention     time.Duration
}

// SweepEnabled reports whether queue maintenance should be scheduled.
func (w WorkerConfig) SweepEnabled() bool {
	return w.SweepSchedule != "" && w.SweepSchedule != "off"
}

// Per-provider model used when llm.model is unset.
var defaultModels = map[string]string{
	"openai":     "gpt-4o",
	"openrouter": "openai/gpt-4o",
	"ollama":     "llama3.1",
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 8000},
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Driver: "sqlite", DataDir: defaultDataDir()},
		LLM:     LLMConfig{Provider: "openai"},
		Enrichment: EnrichmentConfig{
			Timeout: 60 * time.Second,
		},
		Lock: LockConfig{Backend: "local", TTL: 2 * time.Minute},
		Worker: WorkerConfig{
			PollInterval:  500 * time.Millisecond,
			MaxAttempts:   3,
			SweepSchedule: "@every 10m",
			StaleAfter:    15 * time.Minute,
			Retention:     7 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from the JSON file at ConfigFilePath, a .env file
// in the working directory when present, and the environment.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(ConfigFilePath()), true)
}

// Read is Load without validation, for inspecting settings.
func Read() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(ConfigFilePath()), false)
}

// loadDotEnv exports the variables in path without overriding ones already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func loadWith(b ConfigBackend, validate bool) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModels[cfg.LLM.Provider]
	}

	if validate {
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: want text or json", c.Log.Format)
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("missing required config: storage.database_url (JOBINTEL_DATABASE_URL) for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q: want sqlite or postgres", c.Storage.Driver)
	}

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIAPIKey == "" {
			return errors.New("missing required config: OpenAI API key. Set it via environment variable OPENAI_API_KEY or JOBINTEL_OPENAI_API_KEY")
		}
	case "openrouter":
		if c.LLM.OpenRouterAPIKey == "" {
			return errors.New("missing required config: OpenRouter API key. Set it via environment variable JOBINTEL_OPENROUTER_API_KEY")
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown llm.provider %q: want openai, openrouter or ollama", c.LLM.Provider)
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisURL == "" {
			return errors.New("missing required config: lock.redis_url for the redis lock backend")
		}
	case "postgres":
		if c.Storage.Driver != "postgres" {
			return errors.New("lock.backend postgres requires storage.driver postgres")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q: want local, redis or postgres", c.Lock.Backend)
	}

	if c.Enrichment.Timeout <= 0 {
		return fmt.Errorf("enrichment.timeout must be positive, got %s", c.Enrichment.Timeout)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive, got %s", c.Lock.TTL)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	if c.LLM.RateLimit < 0 {
		return fmt.Errorf("llm.rate_limit must not be negative, got %d", c.LLM.RateLimit)
	}
	if c.Worker.SweepEnabled() {
		if _, err := cron.ParseStandard(c.Worker.SweepSchedule); err != nil {
			return fmt.Errorf("invalid worker.sweep_schedule %q: %w", c.Worker.SweepSchedule, err)
		}
		// A running task younger than one model call may still be in flight.
		if c.Worker.StaleAfter <= c.Enrichment.Timeout {
			return fmt.Errorf("worker.stale_after (%s) must exceed enrichment.timeout (%s)", c.Worker.StaleAfter, c.Enrichment.Timeout)
		}
		if c.Worker.Retention <= 0 {
			return fmt.Errorf("worker.retention must be positive, got %s", c.Worker.Retention)
		}
	}
	return nil
}
