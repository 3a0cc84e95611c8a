package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// PriceSource answers latest-close lookups, optionally shortcutting through
// a redis TTL cache. Postgres is always the source of truth; a cache miss or
// a redis error falls through to the repo silently.
type PriceSource struct {
	repo  persistence.MarketDataRepo
	redis *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// NewPriceSource builds a price source. rdb may be nil to disable the hot
// cache entirely.
func NewPriceSource(repo persistence.MarketDataRepo, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *PriceSource {
	return &PriceSource{
		repo:  repo,
		redis: rdb,
		ttl:   ttl,
		log:   log.With().Str("component", "marketdata.prices").Logger(),
	}
}

func priceKey(symbol string, day time.Time) string {
	return fmt.Sprintf("qf:close:%s:%s", symbol, day.Format("2006-01-02"))
}

// LatestCloseOnOrBefore returns the most recent cached close at or before
// the date, ok=false when the symbol has no history.
func (ps *PriceSource) LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error) {
	if ps.redis != nil {
		if raw, err := ps.redis.Get(ctx, priceKey(symbol, day)).Result(); err == nil {
			if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
				return v, true, nil
			}
		}
	}

	close, ok, err := ps.repo.LatestCloseOnOrBefore(ctx, symbol, day)
	if err != nil || !ok {
		return 0, ok, err
	}

	if ps.redis != nil {
		if err := ps.redis.Set(ctx, priceKey(symbol, day), strconv.FormatFloat(close, 'f', -1, 64), ps.ttl).Err(); err != nil {
			ps.log.Debug().Err(err).Str("symbol", symbol).Msg("price cache write failed")
		}
	}
	return close, true, nil
}
