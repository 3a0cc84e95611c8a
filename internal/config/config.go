// Package config loads the pipeline configuration from YAML with typed
// defaults and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full pipeline configuration, constructed once per run and
// passed down explicitly; nothing reads ambient global state.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Ops        OpsConfig        `yaml:"ops"`
}

// DatabaseConfig mirrors the connection-pool knobs of the postgres store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// MarketDataConfig configures the provider client and its guards.
type MarketDataConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerCooloff    time.Duration `yaml:"breaker_cooloff"`
	Source            string        `yaml:"source"`

	// Optional redis hot cache for latest-close lookups. Postgres remains
	// the source of truth; this only shortcuts repeated point reads.
	RedisAddr string        `yaml:"redis_addr"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

// PipelineConfig holds orchestrator-level knobs.
type PipelineConfig struct {
	MaxConcurrentPortfolios int           `yaml:"max_concurrent_portfolios"`
	CorrelationTimeout      time.Duration `yaml:"correlation_timeout"`
	MaxBackfillDays         int           `yaml:"max_backfill_days"`
	FailureThreshold        float64       `yaml:"failure_threshold"`
	CronSchedule            string        `yaml:"cron_schedule"`
}

// AnalyticsConfig carries the numeric thresholds the engines use.
type AnalyticsConfig struct {
	MarketBetaWindow     int     `yaml:"market_beta_window"`
	MarketBetaCap        float64 `yaml:"market_beta_cap"`
	SpreadWindow         int     `yaml:"spread_window"`
	SpreadMinObs         int     `yaml:"spread_min_obs"`
	RidgeLambda          float64 `yaml:"ridge_lambda"`
	CorrelationWindow    int     `yaml:"correlation_window"`
	ClusterThreshold     float64 `yaml:"cluster_threshold"`
	CorrelationRetention int     `yaml:"correlation_retention"`
	MinRegressionDays    int     `yaml:"min_regression_days"`
	MarketBenchmark      string  `yaml:"market_benchmark"`
	RateBenchmark        string  `yaml:"rate_benchmark"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns production-ready defaults; a config file overrides them
// field by field.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		MarketData: MarketDataConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			BreakerFailures:   5,
			BreakerCooloff:    60 * time.Second,
			Source:            "polygon",
			RedisTTL:          5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentPortfolios: 4,
			CorrelationTimeout:      2 * time.Minute,
			MaxBackfillDays:         30,
			FailureThreshold:        0.5,
			CronSchedule:            "0 22 * * 1-5",
		},
		Analytics: AnalyticsConfig{
			MarketBetaWindow:     90,
			MarketBetaCap:        5.0,
			SpreadWindow:         180,
			SpreadMinObs:         60,
			RidgeLambda:          1.0,
			CorrelationWindow:    90,
			ClusterThreshold:     0.70,
			CorrelationRetention: 30,
			MinRegressionDays:    30,
			MarketBenchmark:      "SPY",
			RateBenchmark:        "IEF",
		},
		Ops: OpsConfig{
			ListenAddr: ":9180",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// defaults plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Secrets come from the environment, never from the file.
	if dsn := os.Getenv("QF_PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("QF_REDIS_ADDR"); addr != "" {
		cfg.MarketData.RedisAddr = addr
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Pipeline.MaxConcurrentPortfolios < 1 {
		return fmt.Errorf("max_concurrent_portfolios must be >= 1")
	}
	if c.Analytics.MinRegressionDays < 2 {
		return fmt.Errorf("min_regression_days must be >= 2")
	}
	if c.Pipeline.FailureThreshold <= 0 || c.Pipeline.FailureThreshold > 1 {
		return fmt.Errorf("failure_threshold must be in (0, 1]")
	}
	return nil
}
