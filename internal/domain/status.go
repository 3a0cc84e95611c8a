package domain

import (
	"errors"
	"time"
)

// ResultStatus tags engine outputs so callers handle the data-quality case
// explicitly instead of catching exceptions.
type ResultStatus string

const (
	StatusOK               ResultStatus = "ok"
	StatusInsufficientData ResultStatus = "insufficient_data"
	StatusSkipped          ResultStatus = "skipped"
)

// DataQuality describes how complete the inputs behind a result were.
type DataQuality string

const (
	QualityFullHistory       DataQuality = "full_history"
	QualityLimitedHistory    DataQuality = "limited_history"
	QualityNoPublicPositions DataQuality = "no_public_positions"
	QualityDegraded          DataQuality = "degraded"
)

// Skip reasons recorded on stress and correlation rows.
const (
	SkipNoSnapshot        = "no_snapshot"
	SkipNoPublicPositions = "no_public_positions"
	SkipTimeout           = "timeout"
	SkipInsufficientData  = "insufficient_data"
)

// PhaseStatus is the per-phase state recorded in batch run tracking.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Phase names, in dependency order.
const (
	PhaseMarketData  = "market_data"
	PhaseSnapshots   = "snapshots"
	PhaseFactors     = "factors"
	PhaseVolatility  = "volatility"
	PhaseCorrelation = "correlation"
	PhaseStress      = "stress"
	PhaseCleanup     = "cleanup"
)

// PhaseOrder is the fixed execution order of batch phases.
var PhaseOrder = []string{
	PhaseMarketData,
	PhaseSnapshots,
	PhaseFactors,
	PhaseVolatility,
	PhaseCorrelation,
	PhaseStress,
	PhaseCleanup,
}

// PhaseResult is one phase's outcome for one calculation date.
type PhaseResult struct {
	Phase     string        `db:"phase" json:"phase"`
	Status    PhaseStatus   `db:"status" json:"status"`
	Duration  time.Duration `db:"duration" json:"duration"`
	Processed int           `db:"processed" json:"processed"`
	Failed    int           `db:"failed" json:"failed"`
	Error     string        `db:"error" json:"error,omitempty"`
}

// BatchRunTracking is one row per calculation date, used both for
// operational monitoring and for gap/backfill detection.
type BatchRunTracking struct {
	ID            int64         `db:"id" json:"id"`
	RunID         string        `db:"run_id" json:"run_id"`
	Date          time.Time     `db:"run_date" json:"date"`
	Status        PhaseStatus   `db:"status" json:"status"`
	Phases        []PhaseResult `db:"-" json:"phases"`
	Portfolios    int           `db:"portfolios" json:"portfolios"`
	SymbolsFetched int          `db:"symbols_fetched" json:"symbols_fetched"`
	DataCoverage  float64       `db:"data_coverage" json:"data_coverage"`
	Error         string        `db:"error" json:"error,omitempty"`
	StartedAt     time.Time     `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time    `db:"finished_at" json:"finished_at,omitempty"`
}

// Fatal error classes. Everything else is absorbed at a component or
// per-portfolio boundary and surfaced as status metadata.
var (
	ErrNoFactorDefinitions = errors.New("no active factor definitions seeded")
	ErrNoScenarios         = errors.New("no active stress scenarios seeded")
)
