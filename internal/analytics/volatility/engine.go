// Package volatility computes per-position realized volatility, the HAR
// decomposition and forecast, the one-year percentile, and the recent trend.
package volatility

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/persistence"
	"github.com/quantfolio/quantfolio/internal/returns"
)

// LookbackDays covers the one-year percentile window plus the rolling-vol
// warmup, with slack for holidays. The market data refresh uses it to size
// its fetch window.
const LookbackDays = 300

// PriceGetter is the price lookup used for dollar-weighting the portfolio
// return series.
type PriceGetter interface {
	LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error)
}

// Engine computes and persists volatility records for one portfolio-day.
type Engine struct {
	builder    *returns.Builder
	portfolios persistence.PortfolioRepo
	vols       persistence.VolatilityRepo
	prices     PriceGetter
	cfg        config.AnalyticsConfig
	log        zerolog.Logger
}

// NewEngine wires the volatility engine.
func NewEngine(builder *returns.Builder, portfolios persistence.PortfolioRepo,
	vols persistence.VolatilityRepo, prices PriceGetter,
	cfg config.AnalyticsConfig, log zerolog.Logger) *Engine {
	return &Engine{
		builder:    builder,
		portfolios: portfolios,
		vols:       vols,
		prices:     prices,
		cfg:        cfg,
		log:        log.With().Str("component", "volatility").Logger(),
	}
}

// Output summarizes one portfolio-day volatility run. The portfolio-level
// vols feed the snapshot risk fields.
type Output struct {
	Status         domain.ResultStatus
	Quality        domain.DataQuality
	Rows           int
	PortfolioVol21 *float64
	PortfolioVol63 *float64
}

// Compute builds one long return matrix for the portfolio's public universe
// and derives every volatility measure from it. Positions without enough
// history for even the short realized window get no row; longer-horizon
// fields go nil individually as history runs out.
func (e *Engine) Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (Output, error) {
	day = calendar.Day(day)

	positions, err := e.portfolios.OpenPositions(ctx, pf.ID, day)
	if err != nil {
		return Output{}, fmt.Errorf("load open positions: %w", err)
	}

	universe, totalDollars, err := e.weightPositions(ctx, positions, day)
	if err != nil {
		return Output{}, err
	}
	if len(universe) == 0 {
		return Output{Status: domain.StatusSkipped, Quality: domain.QualityNoPublicPositions}, nil
	}

	symbols := make([]string, 0, len(universe))
	seen := map[string]bool{}
	for _, w := range universe {
		if !seen[w.symbol] {
			seen[w.symbol] = true
			symbols = append(symbols, w.symbol)
		}
	}

	matrix, err := e.builder.Build(ctx, symbols, day, LookbackDays, returns.Log)
	if err != nil {
		return Output{}, fmt.Errorf("build return matrix: %w", err)
	}

	out := Output{Status: domain.StatusOK, Quality: matrix.Quality}

	// One measurement per symbol, fanned out to every position holding it.
	measured := make(map[string]*domain.PositionVolatility)
	var rows []domain.PositionVolatility

	for _, w := range universe {
		m, ok := measured[w.symbol]
		if !ok {
			series, has := matrix.ObservedReturns(w.symbol)
			if !has {
				e.log.Warn().Str("symbol", w.symbol).Int64("portfolio", pf.ID).
					Msg("position dropped from volatility run: no usable history")
				out.Quality = domain.QualityLimitedHistory
				measured[w.symbol] = nil
				continue
			}
			m = e.measure(w.symbol, series)
			measured[w.symbol] = m
			if m == nil {
				out.Quality = domain.QualityLimitedHistory
			}
		}
		if m == nil {
			continue
		}
		row := *m
		row.PortfolioID = pf.ID
		row.PositionID = w.pos.ID
		row.Date = day
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		out.Status = domain.StatusInsufficientData
		return out, nil
	}

	if err := e.vols.UpsertPositionVolatility(ctx, rows); err != nil {
		return Output{}, fmt.Errorf("persist position volatility: %w", err)
	}
	out.Rows = len(rows)

	// Portfolio-level realized vol from the dollar-weighted return series.
	pfSeries := weightedSeries(matrix, universe, totalDollars)
	if v, ok := RealizedVol(pfSeries, monthlyWindow); ok {
		out.PortfolioVol21 = &v
	}
	if v, ok := RealizedVol(pfSeries, 63); ok {
		out.PortfolioVol63 = &v
	}

	e.log.Info().Int64("portfolio", pf.ID).Time("date", day).
		Int("rows", len(rows)).Str("quality", string(out.Quality)).
		Msg("volatility run persisted")
	return out, nil
}

// measure computes every field supportable by the symbol's history; nil when
// even the 21d realized window is out of reach.
func (e *Engine) measure(symbol string, series []float64) *domain.PositionVolatility {
	vol21, ok := RealizedVol(series, monthlyWindow)
	if !ok {
		e.log.Warn().Str("symbol", symbol).Int("observations", len(series)).
			Msg("volatility row skipped: under 21 observations")
		return nil
	}

	row := &domain.PositionVolatility{
		Symbol:         symbol,
		RealizedVol21d: &vol21,
		Observations:   len(series),
	}
	if v, ok := RealizedVol(series, 63); ok {
		row.RealizedVol63d = &v
	}
	if har, ok := FitHAR(series); ok {
		row.HARDaily = &har.Daily
		row.HARWeekly = &har.Weekly
		row.HARMonthly = &har.Monthly
		row.HARForecast = &har.Forecast
		row.HARRSquared = &har.RSquared
	}
	if p, ok := Percentile(series); ok {
		row.Percentile1y = &p
	}
	if dir, strength, ok := Trend(series); ok {
		trend := domain.VolTrend(dir)
		row.Trend = &trend
		row.TrendStrength = &strength
	}
	return row
}

// weighted couples a position with its pricing symbol and dollar exposure.
type weighted struct {
	pos     domain.Position
	symbol  string
	dollars float64
}

// weightPositions mirrors the exposure weighting of the regression engines:
// PRIVATE positions are excluded, options measure their underlying.
func (e *Engine) weightPositions(ctx context.Context, positions []domain.Position, day time.Time) ([]weighted, float64, error) {
	var out []weighted
	total := 0.0

	for _, pos := range positions {
		if pos.Class == domain.ClassPrivate {
			continue
		}

		symbol := pos.Symbol
		mult := 1.0
		if pos.Class == domain.ClassOptions {
			symbol = marketdata.OptionUnderlying(pos.Symbol)
			if pos.Underlying != nil && *pos.Underlying != "" {
				symbol = *pos.Underlying
			}
			if pos.Multiplier > 0 {
				mult = float64(pos.Multiplier)
			}
		}

		price, ok, err := e.prices.LatestCloseOnOrBefore(ctx, symbol, day)
		if err != nil {
			return nil, 0, fmt.Errorf("price for %s: %w", symbol, err)
		}
		if !ok {
			price, _ = pos.EntryPrice.Float64()
		}

		qty, _ := pos.Quantity.Float64()
		dollars := qty * price * mult

		out = append(out, weighted{pos: pos, symbol: symbol, dollars: dollars})
		total += dollars
	}
	return out, total, nil
}

// weightedSeries is the dollar-weighted portfolio return series over the
// matrix's date axis, starting at the earliest real observation among the
// contributing symbols so builder padding never dilutes the vol.
func weightedSeries(matrix returns.Matrix, universe []weighted, totalDollars float64) []float64 {
	if len(matrix.Dates) == 0 || totalDollars == 0 {
		return nil
	}
	out := make([]float64, len(matrix.Dates))
	first := len(matrix.Dates)
	for _, w := range universe {
		series, ok := matrix.Returns[w.symbol]
		if !ok {
			continue
		}
		if f := matrix.FirstReturn[w.symbol]; f < first {
			first = f
		}
		weight := w.dollars / totalDollars
		for i, r := range series {
			out[i] += weight * r
		}
	}
	return out[first:]
}
