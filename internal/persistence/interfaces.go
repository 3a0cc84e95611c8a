// Package persistence defines the typed read/write interfaces the pipeline
// consumes. Implementations return plain structs; there is no live object
// graph and no lazy loading; callers request exactly what they need and own
// the returned data.
package persistence

import (
	"context"
	"time"

	"github.com/quantfolio/quantfolio/internal/domain"
)

// PortfolioRepo reads portfolios and their position/ledger rows.
type PortfolioRepo interface {
	// ActivePortfolios returns non-deleted, active portfolios.
	ActivePortfolios(ctx context.Context) ([]domain.Portfolio, error)

	// OpenPositions returns positions open as of the given date: entered on
	// or before it and not exited before it. Soft-deleted rows are excluded.
	OpenPositions(ctx context.Context, portfolioID int64, asOf time.Time) ([]domain.Position, error)

	// Position loads a single position by ID.
	Position(ctx context.Context, id int64) (domain.Position, error)

	// RealizedEventsOn returns the realized ledger rows dated exactly on day.
	RealizedEventsOn(ctx context.Context, portfolioID int64, day time.Time) ([]domain.RealizedEvent, error)

	// EquityChangesOn returns capital flows dated exactly on day.
	EquityChangesOn(ctx context.Context, portfolioID int64, day time.Time) ([]domain.EquityChange, error)

	// RecordClose reduces a position's quantity (or closes it fully) and
	// appends the realized event in one transaction.
	RecordClose(ctx context.Context, pos domain.Position, event domain.RealizedEvent) error
}

// MarketDataRepo is the append-only daily bar cache. A (symbol, date) row is
// written once and never overwritten.
type MarketDataRepo interface {
	// InsertBarsIfAbsent inserts bars that do not already exist and reports
	// how many were new. Existing rows are skipped, never updated.
	InsertBarsIfAbsent(ctx context.Context, bars []domain.MarketDataPoint) (int, error)

	// Closes returns the close series for a symbol over [start, end],
	// ascending by date.
	Closes(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error)

	// LatestCloseOnOrBefore returns the most recent close at or before the
	// date, or ok=false when the symbol has no cached bars in range.
	LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error)

	// CoveredDates returns which of the given dates already have a bar for
	// the symbol, so refresh fetches only the gaps.
	CoveredDates(ctx context.Context, symbol string, start, end time.Time) (map[time.Time]bool, error)
}

// SnapshotRepo persists portfolio snapshots.
type SnapshotRepo interface {
	// LatestBefore returns the most recent snapshot strictly before the
	// date, or ok=false when none exists (start of the series).
	LatestBefore(ctx context.Context, portfolioID int64, day time.Time) (domain.PortfolioSnapshot, bool, error)

	// LatestOnOrBefore returns the most recent snapshot at or before day.
	LatestOnOrBefore(ctx context.Context, portfolioID int64, day time.Time) (domain.PortfolioSnapshot, bool, error)

	// Replace deletes any existing snapshot for (portfolio, date) and
	// inserts the new one in a single transaction. Recomputation is
	// delete-then-insert, never update in place.
	Replace(ctx context.Context, snap domain.PortfolioSnapshot) error

	// SetRiskFields writes the windowed vol/beta fields onto an existing
	// snapshot row after the analytics engines have run.
	SetRiskFields(ctx context.Context, portfolioID int64, day time.Time, vol21, vol63, beta90 *float64) error
}

// FactorRepo reads factor reference data and persists regression output.
type FactorRepo interface {
	// ActiveFactorDefinitions returns the seeded factor basis ordered by
	// display order. An empty result is fatal to the run.
	ActiveFactorDefinitions(ctx context.Context) ([]domain.FactorDefinition, error)

	// UpsertExposures replaces the exposure rows for their (owner, factor,
	// date) keys. Rows for other dates are retained as a time series.
	UpsertExposures(ctx context.Context, rows []domain.FactorExposure) error

	// UpsertPositionBetas replaces OLS rows keyed by (portfolio, position,
	// date, method, window).
	UpsertPositionBetas(ctx context.Context, rows []domain.PositionBeta) error

	// PortfolioExposuresOn returns portfolio-level exposures for the date.
	PortfolioExposuresOn(ctx context.Context, portfolioID int64, day time.Time) ([]domain.FactorExposure, error)
}

// VolatilityRepo persists per-position volatility records.
type VolatilityRepo interface {
	UpsertPositionVolatility(ctx context.Context, rows []domain.PositionVolatility) error
}

// CorrelationRepo persists correlation calculation trees and enforces
// retention.
type CorrelationRepo interface {
	// InsertCalculation writes the header plus all pairwise and cluster
	// child rows atomically and returns the header with its assigned ID.
	InsertCalculation(ctx context.Context, calc domain.CorrelationCalculation,
		pairs []domain.PairwiseCorrelation, clusters []domain.CorrelationCluster) (domain.CorrelationCalculation, error)

	// EnforceRetention deletes all but the keep most recent calculations for
	// the portfolio, including their full child trees, atomically. It
	// returns how many calculations were removed.
	EnforceRetention(ctx context.Context, portfolioID int64, keep int) (int, error)
}

// StressRepo reads scenarios and persists stress results.
type StressRepo interface {
	// ActiveScenarios returns the seeded scenarios with their shock legs.
	// An empty result is fatal to the run.
	ActiveScenarios(ctx context.Context) ([]domain.StressTestScenario, error)

	UpsertResults(ctx context.Context, rows []domain.StressTestResult) error
}

// RunRepo tracks batch runs. Rows are single-writer: only the orchestrator
// touches them, even when portfolio processing is parallel.
type RunRepo interface {
	// LatestCompletedDate returns the most recent successfully processed
	// run date (completed or skipped), or ok=false when no run has ever
	// succeeded. Failed dates are excluded so gap detection offers them
	// again.
	LatestCompletedDate(ctx context.Context) (time.Time, bool, error)

	Insert(ctx context.Context, run domain.BatchRunTracking) (domain.BatchRunTracking, error)
	Update(ctx context.Context, run domain.BatchRunTracking) error

	// FailStale marks in-progress rows started before the cutoff as failed
	// and reports how many were repaired.
	FailStale(ctx context.Context, olderThan time.Time) (int, error)

	// Recent returns the latest runs, newest first, for the ops surface.
	Recent(ctx context.Context, limit int) ([]domain.BatchRunTracking, error)
}

// Repos bundles every repository the orchestrator needs.
type Repos struct {
	Portfolios  PortfolioRepo
	MarketData  MarketDataRepo
	Snapshots   SnapshotRepo
	Factors     FactorRepo
	Volatility  VolatilityRepo
	Correlation CorrelationRepo
	Stress      StressRepo
	Runs        RunRepo
}
