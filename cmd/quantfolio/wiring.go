package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfolio/quantfolio/internal/analytics/correlation"
	"github.com/quantfolio/quantfolio/internal/analytics/factors"
	"github.com/quantfolio/quantfolio/internal/analytics/snapshot"
	"github.com/quantfolio/quantfolio/internal/analytics/stress"
	"github.com/quantfolio/quantfolio/internal/analytics/volatility"
	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/obsmetrics"
	"github.com/quantfolio/quantfolio/internal/persistence"
	"github.com/quantfolio/quantfolio/internal/persistence/postgres"
	"github.com/quantfolio/quantfolio/internal/pipeline"
	"github.com/quantfolio/quantfolio/internal/returns"
)

// app is the fully wired application graph built once per command.
type app struct {
	cfg      config.Config
	store    *postgres.Store
	repos    persistence.Repos
	orch     *pipeline.Orchestrator
	registry *prometheus.Registry
}

func buildApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := postgres.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	repos := store.Repos()

	registry := prometheus.NewRegistry()
	metrics := obsmetrics.New(registry)

	apiKey := os.Getenv("QF_POLYGON_KEY")
	if apiKey == "" {
		log.Warn().Msg("QF_POLYGON_KEY not set; market data fetches will be rejected upstream")
	}
	provider := marketdata.NewGuardedProvider(
		marketdata.NewPolygonClient(apiKey, log.Logger), cfg.MarketData, log.Logger)
	refresher := marketdata.NewRefresher(provider, repos.MarketData, cfg.MarketData.Source, log.Logger)

	var rdb *redis.Client
	if cfg.MarketData.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.MarketData.RedisAddr})
	}
	prices := marketdata.NewPriceSource(repos.MarketData, rdb, cfg.MarketData.RedisTTL, log.Logger)

	builder := returns.NewBuilder(repos.MarketData, cfg.Analytics.MinRegressionDays, log.Logger)

	engines := pipeline.Engines{
		Snapshot:    snapshot.NewEngine(repos.Portfolios, repos.Snapshots, prices, log.Logger),
		Factors:     factors.NewEngine(builder, repos.Portfolios, repos.Factors, prices, cfg.Analytics, log.Logger),
		Volatility:  volatility.NewEngine(builder, repos.Portfolios, repos.Volatility, prices, cfg.Analytics, log.Logger),
		Correlation: correlation.NewEngine(builder, repos.Portfolios, repos.Correlation, cfg.Analytics, log.Logger),
		Stress:      stress.NewEngine(repos.Portfolios, repos.Snapshots, repos.Factors, repos.Stress, prices, log.Logger),
	}

	return &app{
		cfg:      cfg,
		store:    store,
		repos:    repos,
		orch:     pipeline.New(repos, refresher, engines, cfg, metrics, log.Logger),
		registry: registry,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("postgres close failed")
	}
}
