// Package marketdata fronts the external daily-bar provider with a guarded
// client and keeps the append-only bar cache fresh.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
)

// Provider is the external market-data collaborator. Implementations must be
// safe to call repeatedly for the same range; the pipeline trusts the cache,
// not the provider, for dedup.
type Provider interface {
	FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error)
}

// GuardedProvider wraps a Provider with a rate limiter and a circuit
// breaker so one misbehaving upstream cannot stall or hammer the run.
type GuardedProvider struct {
	inner   Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewGuardedProvider builds the guarded client from config.
func NewGuardedProvider(inner Provider, cfg config.MarketDataConfig, log zerolog.Logger) *GuardedProvider {
	settings := gobreaker.Settings{
		Name:    "market-data",
		Timeout: cfg.BreakerCooloff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("market data circuit breaker state change")
		},
	}
	return &GuardedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log.With().Str("component", "marketdata").Logger(),
	}
}

// FetchDailyBars waits for a rate-limit token, then calls through the
// breaker.
func (g *GuardedProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.FetchDailyBars(ctx, symbol, start, end)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch daily bars %s: %w", symbol, err)
	}
	return result.([]domain.MarketDataPoint), nil
}
