// Package correlation computes the pairwise correlation structure of a
// portfolio's public positions, repairs non-PSD matrices, derives
// high-correlation clusters, and enforces history retention.
package correlation

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

// Engine runs one portfolio-day correlation calculation.
type Engine struct {
	builder    *returns.Builder
	portfolios persistence.PortfolioRepo
	corr       persistence.CorrelationRepo
	cfg        config.AnalyticsConfig
	log        zerolog.Logger
}

// NewEngine wires the correlation engine.
func NewEngine(builder *returns.Builder, portfolios persistence.PortfolioRepo,
	corr persistence.CorrelationRepo, cfg config.AnalyticsConfig, log zerolog.Logger) *Engine {
	return &Engine{
		builder:    builder,
		portfolios: portfolios,
		corr:       corr,
		cfg:        cfg,
		log:        log.With().Str("component", "correlation").Logger(),
	}
}

// Output summarizes one correlation run.
type Output struct {
	Status   domain.ResultStatus
	Pairs    int
	Clusters int
	Repaired bool
	Pruned   int // calculations removed by retention
}

// Compute builds the 90d correlation matrix over the portfolio's distinct
// public symbols, persists the full calculation tree atomically, and prunes
// history past the retention limit. Fewer than two usable symbols persists
// an insufficient-data header so the absence of pairs is itself recorded.
// The context deadline is honored between the expensive stages; the caller
// bounds the whole run.
func (e *Engine) Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (Output, error) {
	day = calendar.Day(day)

	positions, err := e.portfolios.OpenPositions(ctx, pf.ID, day)
	if err != nil {
		return Output{}, fmt.Errorf("load open positions: %w", err)
	}

	symbols, bySymbol := publicUniverse(positions)
	if len(symbols) < 2 {
		return e.insufficient(ctx, pf.ID, day, len(symbols))
	}

	matrix, err := e.builder.Build(ctx, symbols, day, e.cfg.CorrelationWindow, returns.Log)
	if err != nil {
		return Output{}, fmt.Errorf("build return matrix: %w", err)
	}
	if len(matrix.Symbols) < 2 {
		return e.insufficient(ctx, pf.ID, day, len(matrix.Symbols))
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	series := make([][]float64, len(matrix.Symbols))
	for i, s := range matrix.Symbols {
		series[i] = matrix.Returns[s]
	}
	corr := Pearson(series)

	repairedMat, repaired, err := RepairPSD(corr)
	if err != nil {
		return Output{}, fmt.Errorf("psd repair: %w", err)
	}
	if repaired {
		e.log.Warn().Int64("portfolio", pf.ID).Time("date", day).
			Msg("correlation matrix was not positive semi-definite; eigenvalues clipped")
	}

	var pairs []domain.PairwiseCorrelation
	for i := 0; i < len(matrix.Symbols); i++ {
		for j := i + 1; j < len(matrix.Symbols); j++ {
			pairs = append(pairs, domain.PairwiseCorrelation{
				SymbolA:     matrix.Symbols[i],
				SymbolB:     matrix.Symbols[j],
				Correlation: repairedMat.At(i, j),
			})
		}
	}

	var clusters []domain.CorrelationCluster
	for _, c := range FindClusters(matrix.Symbols, repairedMat, e.cfg.ClusterThreshold) {
		row := domain.CorrelationCluster{
			Name:           fmt.Sprintf("%s_group", c.Symbols[0]),
			AvgCorrelation: c.AvgAbs,
		}
		for _, s := range c.Symbols {
			row.PositionIDs = append(row.PositionIDs, bySymbol[s]...)
		}
		clusters = append(clusters, row)
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	header := domain.CorrelationCalculation{
		PortfolioID: pf.ID,
		Date:        day,
		WindowDays:  e.cfg.CorrelationWindow,
		Positions:   len(matrix.Symbols),
		Repaired:    repaired,
		Status:      domain.StatusOK,
	}
	if _, err := e.corr.InsertCalculation(ctx, header, pairs, clusters); err != nil {
		return Output{}, fmt.Errorf("persist correlation tree: %w", err)
	}

	pruned, err := e.corr.EnforceRetention(ctx, pf.ID, e.cfg.CorrelationRetention)
	if err != nil {
		return Output{}, fmt.Errorf("enforce retention: %w", err)
	}

	e.log.Info().Int64("portfolio", pf.ID).Time("date", day).
		Int("pairs", len(pairs)).Int("clusters", len(clusters)).
		Bool("repaired", repaired).Int("pruned", pruned).
		Msg("correlation run persisted")

	return Output{
		Status:   domain.StatusOK,
		Pairs:    len(pairs),
		Clusters: len(clusters),
		Repaired: repaired,
		Pruned:   pruned,
	}, nil
}

// insufficient records a header with no children so downstream readers can
// distinguish "not enough positions" from "never ran".
func (e *Engine) insufficient(ctx context.Context, pfID int64, day time.Time, count int) (Output, error) {
	header := domain.CorrelationCalculation{
		PortfolioID: pfID,
		Date:        day,
		WindowDays:  e.cfg.CorrelationWindow,
		Positions:   count,
		Status:      domain.StatusInsufficientData,
	}
	if _, err := e.corr.InsertCalculation(ctx, header, nil, nil); err != nil {
		return Output{}, fmt.Errorf("persist insufficient-data header: %w", err)
	}
	e.log.Info().Int64("portfolio", pfID).Int("symbols", count).
		Msg("correlation skipped: fewer than two usable symbols")
	return Output{Status: domain.StatusInsufficientData}, nil
}

// publicUniverse maps positions to their distinct pricing symbols. Options
// correlate through their underlying; PRIVATE positions are excluded.
func publicUniverse(positions []domain.Position) ([]string, map[string][]int64) {
	bySymbol := map[string][]int64{}
	var symbols []string
	for _, pos := range positions {
		if pos.Class == domain.ClassPrivate {
			continue
		}
		symbol := pos.Symbol
		if pos.Class == domain.ClassOptions {
			symbol = marketdata.OptionUnderlying(pos.Symbol)
			if pos.Underlying != nil && *pos.Underlying != "" {
				symbol = *pos.Underlying
			}
		}
		if _, seen := bySymbol[symbol]; !seen {
			symbols = append(symbols, symbol)
		}
		bySymbol[symbol] = append(bySymbol[symbol], pos.ID)
	}
	return symbols, bySymbol
}
