// Package snapshot rolls portfolio equity forward one trading day at a time
// and persists the per-day snapshot every downstream engine reads.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// PriceGetter is the one price lookup the engine needs; satisfied by
// marketdata.PriceSource.
type PriceGetter interface {
	LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error)
}

// Engine computes and persists one portfolio-day snapshot.
type Engine struct {
	portfolios persistence.PortfolioRepo
	snapshots  persistence.SnapshotRepo
	prices     PriceGetter
	log        zerolog.Logger
}

// NewEngine wires the snapshot engine.
func NewEngine(portfolios persistence.PortfolioRepo, snapshots persistence.SnapshotRepo, prices PriceGetter, log zerolog.Logger) *Engine {
	return &Engine{
		portfolios: portfolios,
		snapshots:  snapshots,
		prices:     prices,
		log:        log.With().Str("component", "snapshot").Logger(),
	}
}

// Result reports the computed snapshot and whether the rollforward had to
// anchor to starting equity because no prior snapshot existed.
type Result struct {
	Snapshot        domain.PortfolioSnapshot
	AnchoredToStart bool
}

// Compute builds and persists the snapshot for (portfolio, day). Days must
// be processed in ascending order: each day's equity reads the previous
// day's persisted snapshot. Re-running the same day is idempotent: the
// existing row is deleted and reinserted, never updated in place.
func (e *Engine) Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (Result, error) {
	day = calendar.Day(day)

	prior, havePrior, err := e.snapshots.LatestBefore(ctx, pf.ID, day)
	if err != nil {
		return Result{}, fmt.Errorf("load prior snapshot: %w", err)
	}

	positions, err := e.portfolios.OpenPositions(ctx, pf.ID, day)
	if err != nil {
		return Result{}, fmt.Errorf("load open positions: %w", err)
	}

	longV, shortV, unrealNow, err := e.valuePositions(ctx, positions, day)
	if err != nil {
		return Result{}, err
	}

	var unrealPrev decimal.Decimal
	anchored := !havePrior
	priorEquity := pf.StartingEquity
	if havePrior {
		priorEquity = prior.EquityBalance
		prevPositions, err := e.portfolios.OpenPositions(ctx, pf.ID, prior.Date)
		if err != nil {
			return Result{}, fmt.Errorf("load prior positions: %w", err)
		}
		_, _, unrealPrev, err = e.valuePositions(ctx, prevPositions, prior.Date)
		if err != nil {
			return Result{}, err
		}
	} else {
		// Gap in the series or first ever snapshot: anchor to starting
		// equity. This is a documented approximation, surfaced to the
		// caller, not a silent fallback.
		e.log.Warn().Int64("portfolio", pf.ID).Time("date", day).
			Msg("no prior snapshot, anchoring to starting equity")
	}

	events, err := e.portfolios.RealizedEventsOn(ctx, pf.ID, day)
	if err != nil {
		return Result{}, fmt.Errorf("load realized events: %w", err)
	}
	realized := decimal.Zero
	for _, ev := range events {
		realized = realized.Add(ev.RealizedPnL)
	}

	flows, err := e.portfolios.EquityChangesOn(ctx, pf.ID, day)
	if err != nil {
		return Result{}, fmt.Errorf("load equity changes: %w", err)
	}
	flow := decimal.Zero
	for _, f := range flows {
		flow = flow.Add(f.Signed())
	}

	unrealDelta := unrealNow.Sub(unrealPrev)
	dailyPnL := realized.Add(unrealDelta)
	equity := priorEquity.Add(dailyPnL).Add(flow)

	gross := longV.Add(shortV)
	net := longV.Sub(shortV)
	cash := equity.Sub(net)

	leverage := 0.0
	if !equity.IsZero() {
		leverage, _ = gross.Div(equity).Float64()
	}

	snap := domain.PortfolioSnapshot{
		PortfolioID:        pf.ID,
		Date:               day,
		TotalValue:         cash.Add(net),
		EquityBalance:      equity,
		CashValue:          cash,
		LongValue:          longV,
		ShortValue:         shortV,
		GrossExposure:      gross,
		NetExposure:        net,
		Leverage:           leverage,
		DailyRealizedPnL:   realized,
		DailyUnrealizedPnL: unrealDelta,
		DailyPnL:           dailyPnL,
		DailyCapitalFlow:   flow,
		CumulativePnL:      prior.CumulativePnL.Add(dailyPnL),
		CumulativeFlow:     prior.CumulativeFlow.Add(flow),
	}

	if err := e.snapshots.Replace(ctx, snap); err != nil {
		return Result{}, fmt.Errorf("persist snapshot: %w", err)
	}
	return Result{Snapshot: snap, AnchoredToStart: anchored}, nil
}

// valuePositions marks every open position to market as of day and returns
// long value, short value (absolute), and aggregate unrealized P&L. Private
// and unpriceable holdings are carried at cost, so they contribute zero
// unrealized.
func (e *Engine) valuePositions(ctx context.Context, positions []domain.Position, day time.Time) (longV, shortV, unrealized decimal.Decimal, err error) {
	longV, shortV, unrealized = decimal.Zero, decimal.Zero, decimal.Zero

	for _, pos := range positions {
		price := pos.EntryPrice
		if pos.Class != domain.ClassPrivate && marketdata.Priceable(pos.Symbol, day) {
			if close, ok, perr := e.prices.LatestCloseOnOrBefore(ctx, pos.Symbol, day); perr != nil {
				return longV, shortV, unrealized, fmt.Errorf("price for %s: %w", pos.Symbol, perr)
			} else if ok {
				price = decimal.NewFromFloat(close)
			}
		}

		mult := decimal.NewFromInt(1)
		if pos.Class == domain.ClassOptions && pos.Multiplier > 0 {
			mult = decimal.NewFromInt(int64(pos.Multiplier))
		}

		mv := pos.Quantity.Mul(price).Mul(mult)
		cost := pos.Quantity.Mul(pos.EntryPrice).Mul(mult)
		unrealized = unrealized.Add(mv.Sub(cost))

		if mv.IsNegative() {
			shortV = shortV.Add(mv.Abs())
		} else {
			longV = longV.Add(mv)
		}
	}
	return longV, shortV, unrealized, nil
}
