// Package factors computes market, multi-factor, and spread-factor
// exposures for positions and portfolios by regression over the shared
// return matrix.
package factors

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

// PriceGetter is the price lookup used for dollar-weighting positions.
type PriceGetter interface {
	LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error)
}

// Engine runs the three regression families for one portfolio-day.
type Engine struct {
	builder    *returns.Builder
	portfolios persistence.PortfolioRepo
	factors    persistence.FactorRepo
	prices     PriceGetter
	cfg        config.AnalyticsConfig
	log        zerolog.Logger
}

// NewEngine wires the factor exposure engine.
func NewEngine(builder *returns.Builder, portfolios persistence.PortfolioRepo,
	factors persistence.FactorRepo, prices PriceGetter,
	cfg config.AnalyticsConfig, log zerolog.Logger) *Engine {
	return &Engine{
		builder:    builder,
		portfolios: portfolios,
		factors:    factors,
		prices:     prices,
		cfg:        cfg,
		log:        log.With().Str("component", "factors").Logger(),
	}
}

// Output summarizes one portfolio-day factor run.
type Output struct {
	Status        domain.ResultStatus
	Quality       domain.DataQuality
	PortfolioBeta *float64 // market beta for the snapshot risk fields
	Exposures     int
	Betas         int
}

// weighted couples a position with its dollar exposure and return series.
type weighted struct {
	pos     domain.Position
	symbol  string // regression symbol: the underlying for options
	dollars float64
	quality domain.DataQuality
}

// Compute runs market/interest-rate OLS per position, the ridge multi-factor
// regression per position and portfolio, and the spread-factor OLS at
// portfolio level, persisting everything for (portfolio, day).
func (e *Engine) Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (Output, error) {
	day = calendar.Day(day)

	defs, err := e.factors.ActiveFactorDefinitions(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("load factor definitions: %w", err)
	}
	if len(defs) == 0 {
		return Output{}, domain.ErrNoFactorDefinitions
	}

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

	// One matrix covers positions, the benchmarks, and every factor proxy;
	// spread factors get a second, wider matrix because difference series
	// are noisier.
	symbols := regressionSymbols(universe, defs, e.cfg)
	matrix, err := e.builder.Build(ctx, symbols, day, e.cfg.MarketBetaWindow, returns.Log)
	if err != nil {
		return Output{}, fmt.Errorf("build return matrix: %w", err)
	}
	if !matrix.Has(e.cfg.MarketBenchmark) {
		// Without benchmark history nothing can be regressed at all.
		return Output{Status: domain.StatusInsufficientData, Quality: matrix.Quality}, nil
	}

	out := Output{Status: domain.StatusOK, Quality: matrix.Quality}

	var betaRows []domain.PositionBeta
	var exposureRows []domain.FactorExposure

	styleDefs, spreadDefs := splitDefs(defs)

	// Per-position OLS against market and rate benchmarks, plus the ridge
	// multi-factor betas.
	ridgeBasis, basisDefs := e.ridgeBasis(matrix, styleDefs)
	portfolioRidge := make([]float64, len(basisDefs))

	var portfolioBeta *float64
	portfolioBetaAcc, portfolioWeightAcc := 0.0, 0.0

	for _, w := range universe {
		series, ok := matrix.Returns[w.symbol]
		if !ok {
			e.log.Warn().Str("symbol", w.symbol).Int64("portfolio", pf.ID).
				Msg("position dropped from factor regressions: no usable history")
			out.Quality = domain.QualityLimitedHistory
			continue
		}

		weight := 0.0
		if totalDollars != 0 {
			weight = w.dollars / totalDollars
		}

		if res, err := OLS(series, matrix.Returns[e.cfg.MarketBenchmark]); err == nil {
			beta := clampBeta(res.Beta, e.cfg.MarketBetaCap)
			betaRows = append(betaRows, e.betaRow(pf.ID, w.pos.ID, day, domain.BetaMethodMarket,
				e.cfg.MarketBenchmark, res, beta))
			portfolioBetaAcc += beta * weight
			portfolioWeightAcc += weight
		} else {
			e.log.Warn().Err(err).Str("symbol", w.symbol).Msg("market beta regression skipped")
		}

		if matrix.Has(e.cfg.RateBenchmark) {
			if res, err := OLS(series, matrix.Returns[e.cfg.RateBenchmark]); err == nil {
				beta := clampBeta(res.Beta, e.cfg.MarketBetaCap)
				betaRows = append(betaRows, e.betaRow(pf.ID, w.pos.ID, day, domain.BetaMethodInterestRate,
					e.cfg.RateBenchmark, res, beta))
			}
		}

		if len(ridgeBasis) > 0 {
			coefs, err := Ridge(series, ridgeBasis, e.cfg.RidgeLambda)
			if err != nil {
				e.log.Warn().Err(err).Str("symbol", w.symbol).Msg("ridge regression skipped")
				continue
			}
			posID := w.pos.ID
			for j, def := range basisDefs {
				beta := clampBeta(coefs[j], e.cfg.MarketBetaCap)
				exposureRows = append(exposureRows, domain.FactorExposure{
					PortfolioID:    pf.ID,
					PositionID:     &posID,
					FactorID:       def.ID,
					FactorName:     def.Name,
					Date:           day,
					Beta:           beta,
					DollarExposure: beta * w.dollars,
					Quality:        w.quality,
				})
				portfolioRidge[j] += beta * weight
			}
		}
	}

	if portfolioWeightAcc > 0 {
		b := portfolioBetaAcc / portfolioWeightAcc
		portfolioBeta = &b
	}
	out.PortfolioBeta = portfolioBeta

	// Portfolio-level exposure rows: the weighted aggregation of position
	// ridge betas, dollar-scaled by total public exposure.
	for j, def := range basisDefs {
		exposureRows = append(exposureRows, domain.FactorExposure{
			PortfolioID:    pf.ID,
			FactorID:       def.ID,
			FactorName:     def.Name,
			Date:           day,
			Beta:           portfolioRidge[j],
			DollarExposure: portfolioRidge[j] * totalDollars,
			Quality:        out.Quality,
		})
	}

	// Spread factors: portfolio return series against differenced ETF pairs
	// over the wider window.
	spreadRows, err := e.spreadExposures(ctx, pf.ID, day, universe, totalDollars, spreadDefs)
	if err != nil {
		return Output{}, err
	}
	exposureRows = append(exposureRows, spreadRows...)

	if err := e.factors.UpsertPositionBetas(ctx, betaRows); err != nil {
		return Output{}, fmt.Errorf("persist position betas: %w", err)
	}
	if err := e.factors.UpsertExposures(ctx, exposureRows); err != nil {
		return Output{}, fmt.Errorf("persist exposures: %w", err)
	}

	out.Betas = len(betaRows)
	out.Exposures = len(exposureRows)
	return out, nil
}

func (e *Engine) betaRow(pfID, posID int64, day time.Time, method domain.BetaMethod,
	benchmark string, res OLSResult, clamped float64) domain.PositionBeta {
	return domain.PositionBeta{
		PortfolioID:  pfID,
		PositionID:   posID,
		Date:         day,
		Method:       method,
		Benchmark:    benchmark,
		WindowDays:   e.cfg.MarketBetaWindow,
		Beta:         clamped,
		Alpha:        res.Alpha,
		RSquared:     res.RSquared,
		StdError:     res.StdError,
		PValue:       res.PValue,
		Observations: res.Observations,
	}
}

// weightPositions computes each regressable position's dollar exposure.
// PRIVATE positions are excluded entirely. Options contribute delta-adjusted
// exposure when a delta is known, raw notional with a degraded quality flag
// otherwise.
func (e *Engine) weightPositions(ctx context.Context, positions []domain.Position, day time.Time) ([]weighted, float64, error) {
	var out []weighted
	total := 0.0

	for _, pos := range positions {
		if pos.Class == domain.ClassPrivate {
			continue
		}

		symbol := pos.Symbol
		quality := domain.QualityFullHistory
		mult := 1.0
		deltaAdj := 1.0

		if pos.Class == domain.ClassOptions {
			symbol = marketdata.OptionUnderlying(pos.Symbol)
			if pos.Underlying != nil && *pos.Underlying != "" {
				symbol = *pos.Underlying
			}
			if pos.Multiplier > 0 {
				mult = float64(pos.Multiplier)
			}
			if pos.Delta != nil {
				deltaAdj = *pos.Delta
			} else {
				quality = domain.QualityDegraded
			}
		}

		price, ok, err := e.prices.LatestCloseOnOrBefore(ctx, symbol, day)
		if err != nil {
			return nil, 0, fmt.Errorf("price for %s: %w", symbol, err)
		}
		if !ok {
			pxDec, _ := pos.EntryPrice.Float64()
			price = pxDec
			quality = domain.QualityDegraded
		}

		qty, _ := pos.Quantity.Float64()
		dollars := qty * price * mult * deltaAdj

		out = append(out, weighted{pos: pos, symbol: symbol, dollars: dollars, quality: quality})
		total += dollars
	}
	return out, total, nil
}

// regressionSymbols is the union of position symbols, benchmarks, and style
// proxy tickers for the shared matrix.
func regressionSymbols(universe []weighted, defs []domain.FactorDefinition, cfg config.AnalyticsConfig) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, w := range universe {
		add(w.symbol)
	}
	add(cfg.MarketBenchmark)
	add(cfg.RateBenchmark)
	for _, d := range defs {
		if d.Type != domain.FactorSpread {
			add(d.ProxyTicker)
		}
	}
	return out
}

func splitDefs(defs []domain.FactorDefinition) (style, spread []domain.FactorDefinition) {
	for _, d := range defs {
		if d.Type == domain.FactorSpread {
			spread = append(spread, d)
		} else {
			style = append(style, d)
		}
	}
	return style, spread
}

// ridgeBasis assembles the factor proxy return series present in the
// matrix; proxies lacking history are dropped with a log note rather than
// failing the whole regression.
func (e *Engine) ridgeBasis(matrix returns.Matrix, defs []domain.FactorDefinition) ([][]float64, []domain.FactorDefinition) {
	var basis [][]float64
	var kept []domain.FactorDefinition
	for _, def := range defs {
		series, ok := matrix.Returns[def.ProxyTicker]
		if !ok {
			e.log.Warn().Str("factor", def.Name).Str("proxy", def.ProxyTicker).
				Msg("factor proxy dropped: insufficient history")
			continue
		}
		basis = append(basis, series)
		kept = append(kept, def)
	}
	return basis, kept
}

// spreadExposures regresses the portfolio return series on long-short ETF
// spreads over the wider spread window.
func (e *Engine) spreadExposures(ctx context.Context, pfID int64, day time.Time,
	universe []weighted, totalDollars float64, defs []domain.FactorDefinition) ([]domain.FactorExposure, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	symbols := make([]string, 0, len(universe)+2*len(defs))
	for _, w := range universe {
		symbols = append(symbols, w.symbol)
	}
	for _, d := range defs {
		symbols = append(symbols, d.ProxyTicker)
		if d.ShortTicker != nil {
			symbols = append(symbols, *d.ShortTicker)
		}
	}

	matrix, err := e.builder.Build(ctx, symbols, day, e.cfg.SpreadWindow, returns.Log)
	if err != nil {
		return nil, fmt.Errorf("build spread matrix: %w", err)
	}

	pfSeries, n := portfolioSeries(matrix, universe, totalDollars)
	if n < e.cfg.SpreadMinObs {
		e.log.Warn().Int64("portfolio", pfID).Int("observations", n).
			Msg("spread factors skipped: insufficient portfolio history")
		return nil, nil
	}

	var rows []domain.FactorExposure
	for _, def := range defs {
		if def.ShortTicker == nil {
			continue
		}
		long, okL := matrix.Returns[def.ProxyTicker]
		short, okS := matrix.Returns[*def.ShortTicker]
		if !okL || !okS {
			e.log.Warn().Str("factor", def.Name).Msg("spread factor dropped: proxy history missing")
			continue
		}

		res, err := OLS(pfSeries, diff(long, short))
		if err != nil {
			e.log.Warn().Err(err).Str("factor", def.Name).Msg("spread regression skipped")
			continue
		}
		beta := clampBeta(res.Beta, e.cfg.MarketBetaCap)
		e.log.Info().Int64("portfolio", pfID).Str("factor", def.Name).
			Float64("beta", beta).Str("tilt", TiltLabel(beta)).
			Msg("spread factor tilt")
		rows = append(rows, domain.FactorExposure{
			PortfolioID:    pfID,
			FactorID:       def.ID,
			FactorName:     def.Name,
			Date:           day,
			Beta:           beta,
			DollarExposure: beta * totalDollars,
			Quality:        matrix.Quality,
		})
	}
	return rows, nil
}

// portfolioSeries is the dollar-weighted sum of position return series
// present in the matrix; n reports how many positions contributed.
func portfolioSeries(matrix returns.Matrix, universe []weighted, totalDollars float64) ([]float64, int) {
	if len(matrix.Dates) == 0 || totalDollars == 0 {
		return nil, 0
	}
	out := make([]float64, len(matrix.Dates))
	contributors := 0
	for _, w := range universe {
		series, ok := matrix.Returns[w.symbol]
		if !ok {
			continue
		}
		contributors++
		weight := w.dollars / totalDollars
		for i, r := range series {
			out[i] += weight * r
		}
	}
	if contributors == 0 {
		return nil, 0
	}
	return out, len(matrix.Dates)
}
