package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/microsignal/internal/buffer"
	"github.com/sawpanic/microsignal/internal/bus"
	"github.com/sawpanic/microsignal/internal/engine"
	"github.com/sawpanic/microsignal/internal/ingest"
	apihttp "github.com/sawpanic/microsignal/internal/interfaces/http"
	"github.com/sawpanic/microsignal/internal/net/circuit"
	"github.com/sawpanic/microsignal/internal/signals"
)

// Config is the complete service configuration
type Config struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"` // auto, console, json

	HTTP       apihttp.ServerConfig     `yaml:"http"`
	Engine     engine.Config            `yaml:"engine"`
	Aggregator signals.AggregatorConfig `yaml:"aggregator"`
	Buffer     buffer.Config            `yaml:"buffer"`
	Redis      RedisConfig              `yaml:"redis"`
	Cache      CacheConfig              `yaml:"cache"`
	Kafka      bus.Config               `yaml:"kafka"`
	Circuit    circuit.Config           `yaml:"circuit"`
	Feed       ingest.FeedConfig        `yaml:"feed"`
	Ingest     IngestConfig             `yaml:"ingest"`
}

// RedisConfig locates the signal buffer. An empty Addr keeps the buffer in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// CacheConfig selects the query cache backend
type CacheConfig struct {
	RedisAddr string `yaml:"redis_addr" env:"CACHE_REDIS_ADDR"` // empty keeps the cache in process
	Prefix    string `yaml:"prefix"`
}

// IngestConfig sizes the per-stream dispatch lanes
type IngestConfig struct {
	LaneSize int `yaml:"lane_size"`
}

// Default returns a configuration where every field is set
func Default() Config {
	return Config{
		LogLevel:   "info",
		LogFormat:  "auto",
		HTTP:       apihttp.DefaultServerConfig(),
		Engine:     engine.DefaultConfig(),
		Aggregator: signals.DefaultAggregatorConfig(),
		Buffer:     buffer.DefaultConfig(),
		Cache:      CacheConfig{Prefix: "microsignal:cache:"},
		Kafka:      bus.DefaultConfig(),
		Circuit:    circuit.DefaultConfig(),
		Feed:       ingest.DefaultFeedConfig(),
		Ingest:     IngestConfig{LaneSize: 1024},
	}
}

// Load reads path over the defaults, loads envFile (or .env) when present, applies
// environment overrides and validates. An empty path skips the YAML file.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := loadDotenv(envFile); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Aggregator.Weights = cfg.Aggregator.Weights.Normalized()
	return cfg, nil
}

// loadDotenv loads envFile, or .env when envFile is empty. A missing default file is not an error.
func loadDotenv(envFile string) error {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

// Validate ensures the configuration is valid and consistent
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log_format must be auto, console or json, got %q", c.LogFormat)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if c.Engine.Microstructure == nil {
		return fmt.Errorf("engine microstructure config is missing")
	}
	if err := c.Engine.Microstructure.Validate(); err != nil {
		return fmt.Errorf("engine microstructure: %w", err)
	}
	if err := c.validateSources(); err != nil {
		return fmt.Errorf("engine sources: %w", err)
	}
	t := c.Engine.Technical
	if t.FastPeriod <= 0 || t.SlowPeriod <= t.FastPeriod || t.RSIPeriod <= 0 || t.Window < t.SlowPeriod {
		return fmt.Errorf("engine technical: periods must satisfy 0 < fast < slow <= window and rsi > 0")
	}

	if c.Aggregator.Interval <= 0 {
		return fmt.Errorf("aggregator interval must be positive, got %s", c.Aggregator.Interval)
	}
	if c.Aggregator.SourceTimeout <= 0 || c.Aggregator.PublishTimeout <= 0 {
		return fmt.Errorf("aggregator timeouts must be positive")
	}
	if err := c.Aggregator.Weights.Validate(); err != nil {
		return fmt.Errorf("aggregator weights: %w", err)
	}

	if c.Buffer.MaxEntries <= 0 {
		return fmt.Errorf("buffer max_entries must be positive, got %d", c.Buffer.MaxEntries)
	}
	if c.Buffer.TTL <= 0 {
		return fmt.Errorf("buffer ttl must be positive, got %s", c.Buffer.TTL)
	}
	if c.Kafka.DefaultTopic == "" || c.Kafka.StrongTopic == "" {
		return fmt.Errorf("kafka topics cannot be empty")
	}
	if c.Circuit.FailureThreshold == 0 || c.Circuit.Timeout <= 0 {
		return fmt.Errorf("circuit failure_threshold and timeout must be positive")
	}
	if c.Ingest.LaneSize <= 0 {
		return fmt.Errorf("ingest lane_size must be positive, got %d", c.Ingest.LaneSize)
	}
	return nil
}

func (c *Config) validateSources() error {
	s := c.Engine.Sources
	for name, d := range map[string]time.Duration{
		"sentiment_max_age": s.SentimentMaxAge,
		"onchain_max_age":   s.OnChainMaxAge,
		"flow_max_age":      s.FlowMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if s.OnChainCapacity <= 0 || s.FlowCapacity <= 0 || s.OnChainMinMetrics <= 0 {
		return fmt.Errorf("capacities must be positive")
	}
	return nil
}
