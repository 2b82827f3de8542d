package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key string
	typ keyType
	env string
	// fallbackEnv is consulted when env is unset.
	fallbackEnv string
	secret      bool
	apply       func(cfg *Config, v any)
	extract     func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "JOBINTEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.admin_token", typ: kString, env: "JOBINTEL_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AdminToken },
	},
	{
		key: "log.level", typ: kString, env: "JOBINTEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "JOBINTEL_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "storage.driver", typ: kString, env: "JOBINTEL_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "JOBINTEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.database_url", typ: kString, env: "JOBINTEL_DATABASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Storage.DatabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DatabaseURL },
	},
	{
		key: "llm.provider", typ: kString, env: "JOBINTEL_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "JOBINTEL_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.base_url", typ: kString, env: "JOBINTEL_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.openai_api_key", typ: kString, env: "JOBINTEL_OPENAI_API_KEY", fallbackEnv: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenAIAPIKey },
	},
	{
		key: "llm.openrouter_api_key", typ: kString, env: "JOBINTEL_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenRouterAPIKey },
	},
	{
		key: "llm.rate_limit", typ: kInt, env: "JOBINTEL_LLM_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.LLM.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.RateLimit },
	},
	{
		key: "enrichment.timeout", typ: kDuration, env: "JOBINTEL_ENRICHMENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Enrichment.Timeout },
	},
	{
		key: "enrichment.persist_refresh", typ: kBool, env: "JOBINTEL_ENRICHMENT_PERSIST_REFRESH",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.PersistRefresh = v.(bool) },
		extract: func(cfg Config) any { return cfg.Enrichment.PersistRefresh },
	},
	{
		key: "lock.backend", typ: kString, env: "JOBINTEL_LOCK_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Lock.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.Backend },
	},
	{
		key: "lock.redis_url", typ: kString, env: "JOBINTEL_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Lock.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.RedisURL },
	},
	{
		key: "lock.ttl", typ: kDuration, env: "JOBINTEL_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Lock.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lock.TTL },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "JOBINTEL_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.max_attempts", typ: kInt, env: "JOBINTEL_WORKER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxAttempts },
	},
	{
		key: "worker.sweep_schedule", typ: kString, env: "JOBINTEL_WORKER_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Worker.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.SweepSchedule },
	},
	{
		key: "worker.stale_after", typ: kDuration, env: "JOBINTEL_WORKER_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Worker.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.StaleAfter },
	},
	{
		key: "worker.retention", typ: kDuration, env: "JOBINTEL_WORKER_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Worker.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.Retention },
	},
}

// parseValue converts raw into the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("could not parse config key, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" && s.fallbackEnv != "" {
			raw = os.Getenv(s.fallbackEnv)
		}
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("could not parse env var, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
