// Package stress applies seeded shock scenarios to a portfolio's persisted
// factor exposures and public market values, recording the joint P&L impact.
package stress

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// PriceGetter is the price lookup used to mark public positions.
type PriceGetter interface {
	LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error)
}

// Engine runs every active scenario against one portfolio-day.
type Engine struct {
	portfolios persistence.PortfolioRepo
	snapshots  persistence.SnapshotRepo
	factors    persistence.FactorRepo
	stress     persistence.StressRepo
	prices     PriceGetter
	log        zerolog.Logger
}

// NewEngine wires the stress testing engine.
func NewEngine(portfolios persistence.PortfolioRepo, snapshots persistence.SnapshotRepo,
	factors persistence.FactorRepo, stress persistence.StressRepo,
	prices PriceGetter, log zerolog.Logger) *Engine {
	return &Engine{
		portfolios: portfolios,
		snapshots:  snapshots,
		factors:    factors,
		stress:     stress,
		prices:     prices,
		log:        log.With().Str("component", "stress").Logger(),
	}
}

// Output summarizes one stress run.
type Output struct {
	Status  domain.ResultStatus
	Results int
	Skipped int
}

// Compute evaluates all active scenarios. Factor shocks scale the
// portfolio's dollar exposure to the named factor; price shocks scale the
// marked value of public positions. A missing snapshot or an all-private
// book records skipped rows for every scenario rather than nothing, so the
// absence of results is explicit.
func (e *Engine) Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (Output, error) {
	day = calendar.Day(day)

	scenarios, err := e.stress.ActiveScenarios(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("load stress scenarios: %w", err)
	}
	if len(scenarios) == 0 {
		return Output{}, domain.ErrNoScenarios
	}

	snap, ok, err := e.snapshots.LatestOnOrBefore(ctx, pf.ID, day)
	if err != nil {
		return Output{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return e.skipAll(ctx, pf.ID, day, scenarios, domain.SkipNoSnapshot)
	}

	publicValue, err := e.publicMarketValue(ctx, pf.ID, day)
	if err != nil {
		return Output{}, err
	}
	if publicValue == 0 {
		return e.skipAll(ctx, pf.ID, day, scenarios, domain.SkipNoPublicPositions)
	}

	exposures, err := e.factors.PortfolioExposuresOn(ctx, pf.ID, day)
	if err != nil {
		return Output{}, fmt.Errorf("load portfolio exposures: %w", err)
	}
	dollarsByFactor := make(map[string]float64, len(exposures))
	for _, exp := range exposures {
		dollarsByFactor[exp.FactorName] = exp.DollarExposure
	}

	equity, _ := snap.EquityBalance.Float64()

	rows := make([]domain.StressTestResult, 0, len(scenarios))
	for _, sc := range scenarios {
		pnl := 0.0
		missingFactor := false
		for _, shock := range sc.Shocks {
			if shock.FactorName != "" {
				dollars, has := dollarsByFactor[shock.FactorName]
				if !has {
					e.log.Warn().Str("scenario", sc.Name).Str("factor", shock.FactorName).
						Int64("portfolio", pf.ID).Msg("shock references factor with no exposure row")
					missingFactor = true
					continue
				}
				pnl += dollars * shock.ShockPct
			}
			if shock.PricePct != 0 {
				pnl += publicValue * shock.PricePct
			}
		}

		row := domain.StressTestResult{
			PortfolioID:   pf.ID,
			ScenarioID:    sc.ID,
			ScenarioName:  sc.Name,
			Date:          day,
			CorrelatedPnL: pnl,
			Status:        domain.StatusOK,
		}
		if missingFactor {
			row.Status = domain.StatusInsufficientData
			row.SkipReason = domain.SkipInsufficientData
		}
		if equity != 0 {
			row.PnLPercent = pnl / equity
		}
		rows = append(rows, row)
	}

	if err := e.stress.UpsertResults(ctx, rows); err != nil {
		return Output{}, fmt.Errorf("persist stress results: %w", err)
	}

	e.log.Info().Int64("portfolio", pf.ID).Time("date", day).
		Int("scenarios", len(rows)).Msg("stress run persisted")
	return Output{Status: domain.StatusOK, Results: len(rows)}, nil
}

// skipAll writes one skipped row per scenario with the shared reason.
func (e *Engine) skipAll(ctx context.Context, pfID int64, day time.Time,
	scenarios []domain.StressTestScenario, reason string) (Output, error) {
	rows := make([]domain.StressTestResult, 0, len(scenarios))
	for _, sc := range scenarios {
		rows = append(rows, domain.StressTestResult{
			PortfolioID:  pfID,
			ScenarioID:   sc.ID,
			ScenarioName: sc.Name,
			Date:         day,
			Status:       domain.StatusSkipped,
			SkipReason:   reason,
		})
	}
	if err := e.stress.UpsertResults(ctx, rows); err != nil {
		return Output{}, fmt.Errorf("persist skipped stress rows: %w", err)
	}
	e.log.Info().Int64("portfolio", pfID).Str("reason", reason).
		Int("scenarios", len(rows)).Msg("stress run skipped")
	return Output{Status: domain.StatusSkipped, Skipped: len(rows)}, nil
}

// publicMarketValue marks PUBLIC and OPTIONS positions at the latest close on
// or before day. Entry price backstops symbols with no cached bars.
func (e *Engine) publicMarketValue(ctx context.Context, pfID int64, day time.Time) (float64, error) {
	positions, err := e.portfolios.OpenPositions(ctx, pfID, day)
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}

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
			return 0, fmt.Errorf("price for %s: %w", symbol, err)
		}
		if !ok {
			price, _ = pos.EntryPrice.Float64()
		}
		qty, _ := pos.Quantity.Float64()
		total += qty * price * mult
	}
	return total, nil
}
