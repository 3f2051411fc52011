// Package config loads the process-wide ETL configuration.
//
// Config is read once at startup from a YAML file; selected fields may be
// overridden by environment variables. There is no hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds the relational store connection settings.
type StoreConfig struct {
	Host            string        `yaml:"host" env:"STORE_HOST"`
	Port            int           `yaml:"port" env:"STORE_PORT"`
	User            string        `yaml:"user" env:"STORE_USER"`
	Password        string        `yaml:"password" env:"STORE_PASSWORD"`
	Database        string        `yaml:"database" env:"STORE_DATABASE"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DSN renders the lib/pq connection string.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.Database, s.SSLMode)
}

// UpstreamConfig holds the market-data vendor settings.
type UpstreamConfig struct {
	Token   string `yaml:"token" env:"UPSTREAM_TOKEN"`
	BaseURL string `yaml:"base_url"`
}

// BatchConfig tunes the fetch/retry loop shared by all ingest stages.
type BatchConfig struct {
	TimeoutSec      int `yaml:"timeout_sec"`
	RetryTimes      int `yaml:"retry_times"`
	RetryDelaySec   int `yaml:"retry_delay_sec"`
	Concurrency     int `yaml:"concurrency"`
	UpsertBatchSize int `yaml:"upsert_batch_size"`
	StageTimeoutMin int `yaml:"stage_timeout_min"`
}

// GuardConfig tunes the run-log guard.
type GuardConfig struct {
	ZombieThreshold time.Duration `yaml:"zombie_threshold"`
}

// PipelineConfig carries per-pipeline overrides.
type PipelineConfig struct {
	Lenient bool `yaml:"lenient"`
}

// NotifyConfig selects the summary notification transport.
type NotifyConfig struct {
	RedisAddr    string `yaml:"redis_addr" env:"NOTIFY_REDIS_ADDR"`
	RedisChannel string `yaml:"redis_channel"`
}

// OpsConfig configures the read-only ops HTTP endpoint.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the root configuration document.
type Config struct {
	Store     StoreConfig               `yaml:"store"`
	Upstream  UpstreamConfig            `yaml:"upstream"`
	RateLimit map[string]int            `yaml:"rate_limit"` // bucket -> tokens per minute
	Batch     BatchConfig               `yaml:"batch"`
	Guard     GuardConfig               `yaml:"guard"`
	Pipelines map[string]PipelineConfig `yaml:"pipeline"`
	Notify    NotifyConfig              `yaml:"notify"`
	Ops       OpsConfig                 `yaml:"ops"`
	StartDate int                       `yaml:"start_date"` // first trade date ever ingested, YYYYMMDD
	Exchange  string                    `yaml:"exchange"`
	// MarketCloseHour is the local hour after which "today" counts as a
	// publishable trading day (vendor publication cutoff).
	MarketCloseHour int `yaml:"market_close_hour"`
}

// Default returns reasonable defaults; the store remains unconfigured and
// must come from the file or the environment.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Host:            "127.0.0.1",
			Port:            5432,
			User:            "postgres",
			Database:        "ashare",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.tushare.pro",
		},
		RateLimit: map[string]int{
			"default": 500,
			"chips":   180,
		},
		Batch: BatchConfig{
			TimeoutSec:      60,
			RetryTimes:      3,
			RetryDelaySec:   2,
			Concurrency:     3,
			UpsertBatchSize: 2000,
			StageTimeoutMin: 90,
		},
		Guard: GuardConfig{
			ZombieThreshold: 2 * time.Hour,
		},
		Pipelines:       map[string]PipelineConfig{},
		Notify:          NotifyConfig{RedisChannel: "asharetl.summary"},
		Ops:             OpsConfig{},
		StartDate:       20180101,
		Exchange:        "SSE",
		MarketCloseHour: 16,
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STORE_HOST"); v != "" {
		cfg.Store.Host = v
	}
	if v := os.Getenv("STORE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Store.Port = p
		}
	}
	if v := os.Getenv("STORE_USER"); v != "" {
		cfg.Store.User = v
	}
	if v := os.Getenv("STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("STORE_DATABASE"); v != "" {
		cfg.Store.Database = v
	}
	if v := os.Getenv("UPSTREAM_TOKEN"); v != "" {
		cfg.Upstream.Token = v
	}
	if v := os.Getenv("NOTIFY_REDIS_ADDR"); v != "" {
		cfg.Notify.RedisAddr = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Store.Host == "" || c.Store.Database == "" {
		return fmt.Errorf("store.host and store.database are required")
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be >= 1, got %d", c.Batch.Concurrency)
	}
	if c.Batch.UpsertBatchSize < 1 || c.Batch.UpsertBatchSize > 5000 {
		return fmt.Errorf("batch.upsert_batch_size must be in [1,5000], got %d", c.Batch.UpsertBatchSize)
	}
	if c.StartDate < 19900101 || c.StartDate > 21000101 {
		return fmt.Errorf("start_date %d is not a plausible YYYYMMDD date", c.StartDate)
	}
	for bucket, perMin := range c.RateLimit {
		if perMin <= 0 {
			return fmt.Errorf("rate_limit.%s must be positive, got %d", bucket, perMin)
		}
	}
	return nil
}

// LenientFor reports the configured lenience override for a pipeline name.
func (c Config) LenientFor(pipeline string) (bool, bool) {
	pc, ok := c.Pipelines[pipeline]
	return pc.Lenient, ok
}
