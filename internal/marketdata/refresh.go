package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Refresher walks a symbol universe and fills cache gaps from the provider.
type Refresher struct {
	provider Provider
	repo     persistence.MarketDataRepo
	source   string
	log      zerolog.Logger
}

// NewRefresher wires the refresh service.
func NewRefresher(provider Provider, repo persistence.MarketDataRepo, source string, log zerolog.Logger) *Refresher {
	return &Refresher{
		provider: provider,
		repo:     repo,
		source:   source,
		log:      log.With().Str("component", "marketdata.refresh").Logger(),
	}
}

// RefreshStats summarizes one refresh pass for run tracking.
type RefreshStats struct {
	Symbols      int
	BarsInserted int
	BarsSkipped  int
	Failed       []string
	Coverage     float64
}

// Refresh ensures every priceable symbol has bars covering the trading days
// in [start, end]. Already-cached (symbol, date) pairs are never re-written;
// the insert path skips them. A symbol whose fetch fails is recorded and the
// pass continues: missing bars degrade downstream quality flags, they do
// not abort the run.
func (r *Refresher) Refresh(ctx context.Context, symbols []string, start, end time.Time) (RefreshStats, error) {
	days := calendar.TradingDaysBetween(start, end)
	stats := RefreshStats{}

	wantTotal, haveTotal := 0, 0
	for _, symbol := range symbols {
		if !Priceable(symbol, calendar.Day(end)) {
			continue
		}
		stats.Symbols++

		covered, err := r.repo.CoveredDates(ctx, symbol, calendar.Day(start), calendar.Day(end))
		if err != nil {
			return stats, fmt.Errorf("coverage check for %s: %w", symbol, err)
		}

		missing := 0
		for _, d := range days {
			if !covered[d] {
				missing++
			}
		}
		wantTotal += len(days)
		haveTotal += len(days) - missing
		if missing == 0 {
			stats.BarsSkipped += len(days)
			continue
		}

		bars, err := r.provider.FetchDailyBars(ctx, symbol, calendar.Day(start), calendar.Day(end))
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", symbol).Msg("bar fetch failed, continuing")
			stats.Failed = append(stats.Failed, symbol)
			continue
		}
		for i := range bars {
			bars[i].Date = calendar.Day(bars[i].Date)
			bars[i].Source = r.source
		}

		inserted, err := r.repo.InsertBarsIfAbsent(ctx, bars)
		if err != nil {
			return stats, fmt.Errorf("bar insert for %s: %w", symbol, err)
		}
		stats.BarsInserted += inserted
		stats.BarsSkipped += len(bars) - inserted
		haveTotal += inserted
	}

	if wantTotal > 0 {
		stats.Coverage = float64(haveTotal) / float64(wantTotal)
	} else {
		stats.Coverage = 1.0
	}

	r.log.Info().
		Int("symbols", stats.Symbols).
		Int("inserted", stats.BarsInserted).
		Int("failed", len(stats.Failed)).
		Float64("coverage", stats.Coverage).
		Msg("market data refresh complete")
	return stats, nil
}
