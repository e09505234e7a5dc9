// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Google   GoogleConfig   `mapstructure:"google"`
	IndexNow IndexNowConfig `mapstructure:"indexnow"`
	Events   EventsConfig   `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig holds broker and event-mirror connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VaultConfig carries the credential encryption master key.
type VaultConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

// FetcherConfig configures sitemap HTTP client behavior.
type FetcherConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	BackoffBaseMs  int    `mapstructure:"backoff_base_ms"`
	UserAgent      string `mapstructure:"user_agent"`
}

// ScannerConfig governs the sitemap-scanner pipeline.
type ScannerConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	RatePerSec  float64 `mapstructure:"rate_per_sec"`
	MaxDepth    int     `mapstructure:"max_depth"`
	FanOut      int     `mapstructure:"fan_out"`
	BatchSize   int     `mapstructure:"batch_size"`
}

// GoogleConfig governs the google-submitter pipeline.
type GoogleConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	RatePerSec  float64 `mapstructure:"rate_per_sec"`
	DailyQuota  int     `mapstructure:"daily_quota"`
	DelayMs     int     `mapstructure:"delay_ms"`
}

// IndexNowConfig governs the indexnow-submitter pipeline.
type IndexNowConfig struct {
	Concurrency int      `mapstructure:"concurrency"`
	RatePerSec  float64  `mapstructure:"rate_per_sec"`
	Endpoints   []string `mapstructure:"endpoints"`
}

// EventsConfig controls the live event bus.
type EventsConfig struct {
	SubscriberBuffer int  `mapstructure:"subscriber_buffer"`
	MirrorEnabled    bool `mapstructure:"mirror_enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The deployment environment ships the master key as ENCRYPTION_KEY.
	if err := v.BindEnv("vault.master_key", "INDEXER_VAULT_MASTER_KEY", "ENCRYPTION_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind vault env: %w", err)
	}
	if err := v.BindEnv("logging.level", "INDEXER_LOGGING_LEVEL", "LOG_LEVEL"); err != nil {
		return Config{}, fmt.Errorf("bind logging env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("fetcher.timeout_seconds", 60)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.backoff_base_ms", 1000)
	v.SetDefault("fetcher.user_agent", "SitemapIndexerPro/2.0")
	v.SetDefault("scanner.concurrency", 10)
	v.SetDefault("scanner.rate_per_sec", 50)
	v.SetDefault("scanner.max_depth", 10)
	v.SetDefault("scanner.fan_out", 5)
	v.SetDefault("scanner.batch_size", 500)
	v.SetDefault("google.concurrency", 5)
	v.SetDefault("google.rate_per_sec", 10)
	v.SetDefault("google.daily_quota", 200)
	v.SetDefault("google.delay_ms", 1000)
	v.SetDefault("indexnow.concurrency", 3)
	v.SetDefault("indexnow.rate_per_sec", 20)
	v.SetDefault("indexnow.endpoints", []string{
		"https://www.bing.com/indexnow",
		"https://yandex.com/indexnow",
		"https://search.seznam.cz/indexnow",
		"https://searchadvisor.naver.com/indexnow",
	})
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("events.mirror_enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Vault.MasterKey) < 32 {
		return fmt.Errorf("vault.master_key must be at least 32 characters")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Scanner.Concurrency <= 0 || c.Google.Concurrency <= 0 || c.IndexNow.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be > 0")
	}
	if c.Scanner.MaxDepth <= 0 {
		return fmt.Errorf("scanner.max_depth must be > 0")
	}
	if c.Scanner.BatchSize <= 0 || c.Scanner.BatchSize > 500 {
		return fmt.Errorf("scanner.batch_size must be in (0, 500]")
	}
	if c.Google.DailyQuota <= 0 {
		return fmt.Errorf("google.daily_quota must be > 0")
	}
	if len(c.IndexNow.Endpoints) == 0 {
		return fmt.Errorf("indexnow.endpoints must not be empty")
	}
	return nil
}

// FetchTimeout converts the fetcher timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}
