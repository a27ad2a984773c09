// Package config loads and validates the service configuration from
// lodestar.yaml, with {{.VAR}} environment expansion and built-in defaults
// for everything that has a sane one.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved service configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Search    SearchConfig
	Agent     AgentConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LLMConfig holds the model gateway settings. One API endpoint serves all
// roles; models differ per role.
type LLMConfig struct {
	APIKey          string
	BaseURL         string
	PlannerModel    string
	SummarizerModel string
	AnswererModel   string
	UtilityModel    string
}

// SearchConfig holds the web search provider settings.
type SearchConfig struct {
	APIKey   string
	Endpoint string
}

// AgentConfig bounds the research loop.
type AgentConfig struct {
	MaxSteps           int
	SearchResultsCount int
	MaxPagesToScrape   int
	FetchTimeout       time.Duration
	SmootherDelay      time.Duration
}

// RateLimitConfig bounds per-user request rates on the chat endpoint.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	MaxRetries  int
	KeyPrefix   string
}

// CacheConfig bounds the result cache.
type CacheConfig struct {
	TTL time.Duration
}

// yamlConfig mirrors lodestar.yaml. Durations are strings parsed with
// time.ParseDuration.
type yamlConfig struct {
	Server struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	LLM struct {
		APIKey          string `yaml:"api_key"`
		BaseURL         string `yaml:"base_url"`
		PlannerModel    string `yaml:"planner_model"`
		SummarizerModel string `yaml:"summarizer_model"`
		AnswererModel   string `yaml:"answerer_model"`
		UtilityModel    string `yaml:"utility_model"`
	} `yaml:"llm"`
	Search struct {
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"search"`
	Agent struct {
		MaxSteps           int    `yaml:"max_steps"`
		SearchResultsCount int    `yaml:"search_results_count"`
		MaxPagesToScrape   int    `yaml:"max_pages_to_scrape"`
		FetchTimeout       string `yaml:"fetch_timeout"`
		SmootherDelay      string `yaml:"smoother_delay"`
	} `yaml:"agent"`
	RateLimit struct {
		MaxRequests int    `yaml:"max_requests"`
		Window      string `yaml:"window"`
		MaxRetries  int    `yaml:"max_retries"`
		KeyPrefix   string `yaml:"key_prefix"`
	} `yaml:"rate_limit"`
	Cache struct {
		TTL string `yaml:"ttl"`
	} `yaml:"cache"`
}

// Initialize loads, resolves, and validates the configuration.
//
// Steps performed:
//  1. Read lodestar.yaml from configDir
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML
//  4. Apply built-in defaults for unset values
//  5. Validate required fields and bounds
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadYAML(filepath.Join(configDir, "lodestar.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := resolve(raw)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"max_steps", cfg.Agent.MaxSteps,
		"rate_limit", cfg.RateLimit.MaxRequests,
		"cache_ttl", cfg.Cache.TTL)
	return cfg, nil
}

func loadYAML(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

// resolve applies defaults for every unset field.
func resolve(raw *yamlConfig) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            raw.Server.Host,
			Port:            raw.Server.Port,
			ShutdownTimeout: parseDurationOr(raw.Server.ShutdownTimeout, 10*time.Second, "server.shutdown_timeout"),
		},
		Database: DatabaseConfig{URL: raw.Database.URL},
		Redis: RedisConfig{
			Addr:     raw.Redis.Addr,
			Password: raw.Redis.Password,
			DB:       raw.Redis.DB,
		},
		LLM: LLMConfig{
			APIKey:          raw.LLM.APIKey,
			BaseURL:         raw.LLM.BaseURL,
			PlannerModel:    raw.LLM.PlannerModel,
			SummarizerModel: raw.LLM.SummarizerModel,
			AnswererModel:   raw.LLM.AnswererModel,
			UtilityModel:    raw.LLM.UtilityModel,
		},
		Search: SearchConfig{
			APIKey:   raw.Search.APIKey,
			Endpoint: raw.Search.Endpoint,
		},
		Agent: AgentConfig{
			MaxSteps:           raw.Agent.MaxSteps,
			SearchResultsCount: raw.Agent.SearchResultsCount,
			MaxPagesToScrape:   raw.Agent.MaxPagesToScrape,
			FetchTimeout:       parseDurationOr(raw.Agent.FetchTimeout, 15*time.Second, "agent.fetch_timeout"),
			SmootherDelay:      parseDurationOr(raw.Agent.SmootherDelay, 15*time.Millisecond, "agent.smoother_delay"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: raw.RateLimit.MaxRequests,
			Window:      parseDurationOr(raw.RateLimit.Window, time.Minute, "rate_limit.window"),
			MaxRetries:  raw.RateLimit.MaxRetries,
			KeyPrefix:   raw.RateLimit.KeyPrefix,
		},
		Cache: CacheConfig{
			TTL: parseDurationOr(raw.Cache.TTL, time.Hour, "cache.ttl"),
		},
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.LLM.PlannerModel == "" {
		cfg.LLM.PlannerModel = "gpt-4o"
	}
	if cfg.LLM.SummarizerModel == "" {
		cfg.LLM.SummarizerModel = "gpt-4o-mini"
	}
	if cfg.LLM.AnswererModel == "" {
		cfg.LLM.AnswererModel = "gpt-4o"
	}
	if cfg.LLM.UtilityModel == "" {
		cfg.LLM.UtilityModel = "gpt-4o-mini"
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 5
	}
	if cfg.Agent.SearchResultsCount == 0 {
		cfg.Agent.SearchResultsCount = 3
	}
	if cfg.Agent.MaxPagesToScrape == 0 {
		cfg.Agent.MaxPagesToScrape = 6
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 20
	}
	if cfg.RateLimit.MaxRetries == 0 {
		cfg.RateLimit.MaxRetries = 3
	}
	if cfg.RateLimit.KeyPrefix == "" {
		cfg.RateLimit.KeyPrefix = "chat_api"
	}
	return cfg
}

func parseDurationOr(s string, fallback time.Duration, field string) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field,
			"value", s,
			"default", fallback,
			"error", err)
		return fallback
	}
	return d
}

func (c *Config) validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, NewFieldError("database.url", "is required"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, NewFieldError("llm.api_key", "is required"))
	}
	if c.Search.APIKey == "" {
		errs = append(errs, NewFieldError("search.api_key", "is required"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, NewFieldError("server.port", "must be in 1..65535"))
	}
	if c.Agent.MaxSteps < 1 {
		errs = append(errs, NewFieldError("agent.max_steps", "must be positive"))
	}
	if c.Agent.MaxPagesToScrape < 1 {
		errs = append(errs, NewFieldError("agent.max_pages_to_scrape", "must be positive"))
	}
	if c.RateLimit.MaxRequests < 1 {
		errs = append(errs, NewFieldError("rate_limit.max_requests", "must be positive"))
	}
	if c.RateLimit.Window < time.Second {
		errs = append(errs, NewFieldError("rate_limit.window", "must be at least 1s"))
	}
	if c.Cache.TTL < time.Second {
		errs = append(errs, NewFieldError("cache.ttl", "must be at least 1s"))
	}
	return combine(errs)
}
