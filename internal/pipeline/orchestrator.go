// Package pipeline sequences the daily batch: market data refresh, snapshot
// rollforward, the analytics engines, and cleanup, with per-portfolio
// failure isolation and run tracking.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfolio/quantfolio/internal/analytics/correlation"
	"github.com/quantfolio/quantfolio/internal/analytics/factors"
	"github.com/quantfolio/quantfolio/internal/analytics/snapshot"
	"github.com/quantfolio/quantfolio/internal/analytics/stress"
	"github.com/quantfolio/quantfolio/internal/analytics/volatility"
	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/obsmetrics"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Engine interfaces, satisfied by the concrete analytics engines. The
// orchestrator depends on behavior, not construction.
type (
	SnapshotEngine interface {
		Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (snapshot.Result, error)
	}
	FactorEngine interface {
		Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (factors.Output, error)
	}
	VolatilityEngine interface {
		Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (volatility.Output, error)
	}
	CorrelationEngine interface {
		Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (correlation.Output, error)
	}
	StressEngine interface {
		Compute(ctx context.Context, pf domain.Portfolio, day time.Time) (stress.Output, error)
	}
	Refresher interface {
		Refresh(ctx context.Context, symbols []string, start, end time.Time) (marketdata.RefreshStats, error)
	}
)

// Engines bundles the per-portfolio calculation engines.
type Engines struct {
	Snapshot    SnapshotEngine
	Factors     FactorEngine
	Volatility  VolatilityEngine
	Correlation CorrelationEngine
	Stress      StressEngine
}

// Orchestrator runs the batch for one calculation date at a time. Run
// tracking rows are written only from the orchestrator goroutine; worker
// goroutines report through channels and shared counters under a lock.
type Orchestrator struct {
	repos     persistence.Repos
	refresher Refresher
	engines   Engines
	cfg       config.Config
	metrics   *obsmetrics.Metrics
	log       zerolog.Logger
}

// New wires the orchestrator. metrics may be nil.
func New(repos persistence.Repos, refresher Refresher, engines Engines,
	cfg config.Config, metrics *obsmetrics.Metrics, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		repos:     repos,
		refresher: refresher,
		engines:   engines,
		cfg:       cfg,
		metrics:   metrics,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// staleRunAge is how long an in-progress run may sit before the next run
// declares its process dead and repairs the tracking row.
const staleRunAge = 6 * time.Hour

// DatesToProcess returns the trading days that still need a run, ascending.
// With no completed run on record only the most recent trading day is due.
// The walk starts after the last successful date, so a failed date is
// offered again on the next trigger. A gap longer than the backfill cap is
// truncated to the most recent cap days; older dates are abandoned with a
// warning rather than silently stretching the run.
func (o *Orchestrator) DatesToProcess(ctx context.Context, asOf time.Time) ([]time.Time, error) {
	target, ok := calendar.MostRecentTradingDay(asOf)
	if !ok {
		return nil, fmt.Errorf("no trading day within walk limit of %s", asOf.Format("2006-01-02"))
	}

	last, have, err := o.repos.Runs.LatestCompletedDate(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest completed run: %w", err)
	}
	if !have {
		return []time.Time{target}, nil
	}

	last = calendar.Day(last)
	if !last.Before(target) {
		return nil, nil
	}

	days := calendar.TradingDaysBetween(last.AddDate(0, 0, 1), target)
	if max := o.cfg.Pipeline.MaxBackfillDays; len(days) > max {
		o.log.Warn().Int("gap", len(days)).Int("cap", max).
			Msg("backfill gap exceeds cap; oldest dates abandoned")
		days = days[len(days)-max:]
	}
	return days, nil
}

// RunBackfill processes every due date in ascending order. Dates run
// sequentially because each day's snapshot reads the previous day's; a
// failed run aborts the remainder of the backfill.
func (o *Orchestrator) RunBackfill(ctx context.Context, asOf time.Time) error {
	dates, err := o.DatesToProcess(ctx, asOf)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		o.log.Info().Msg("no dates due; batch is current")
		return nil
	}

	for _, day := range dates {
		run, err := o.Run(ctx, day)
		if err != nil {
			return fmt.Errorf("run for %s: %w", day.Format("2006-01-02"), err)
		}
		if run.Status == domain.PhaseFailed {
			return fmt.Errorf("run for %s failed, aborting backfill", day.Format("2006-01-02"))
		}
	}
	return nil
}

// Run executes the full phase sequence for one calculation date.
func (o *Orchestrator) Run(ctx context.Context, day time.Time) (domain.BatchRunTracking, error) {
	day = calendar.Day(day)
	if !calendar.IsTradingDay(day) {
		return domain.BatchRunTracking{}, fmt.Errorf("%s is not a trading day", day.Format("2006-01-02"))
	}

	if repaired, err := o.repos.Runs.FailStale(ctx, time.Now().UTC().Add(-staleRunAge)); err != nil {
		return domain.BatchRunTracking{}, fmt.Errorf("repair stale runs: %w", err)
	} else if repaired > 0 {
		o.log.Warn().Int("repaired", repaired).Msg("stale in-progress runs marked failed")
	}

	run := domain.BatchRunTracking{
		RunID:     uuid.NewString(),
		Date:      day,
		Status:    domain.PhaseInProgress,
		Phases:    pendingPhases(),
		StartedAt: time.Now().UTC(),
	}
	run, err := o.repos.Runs.Insert(ctx, run)
	if err != nil {
		return run, fmt.Errorf("insert run tracking: %w", err)
	}
	o.log.Info().Str("run_id", run.RunID).Time("date", day).Msg("batch run started")

	portfolios, err := o.repos.Portfolios.ActivePortfolios(ctx)
	if err != nil {
		return o.finishRun(ctx, run, domain.PhaseFailed, fmt.Errorf("load active portfolios: %w", err))
	}
	run.Portfolios = len(portfolios)

	// Phase 1: market data. A refresh failure is fatal: everything
	// downstream prices off the cache.
	stats, phase, err := o.refreshPhase(ctx, portfolios, day)
	setPhase(run.Phases, phase)
	run.SymbolsFetched = stats.Symbols
	run.DataCoverage = stats.Coverage
	if err != nil {
		return o.finishRun(ctx, run, domain.PhaseFailed, err)
	}
	if err := o.repos.Runs.Update(ctx, run); err != nil {
		return run, fmt.Errorf("update run tracking: %w", err)
	}

	// Risk fields assembled across phases, keyed by portfolio ID.
	riskMu := sync.Mutex{}
	betas := map[int64]*float64{}
	vol21s := map[int64]*float64{}
	vol63s := map[int64]*float64{}

	phases := []struct {
		name string
		fn   portfolioFn
	}{
		{domain.PhaseSnapshots, func(ctx context.Context, pf domain.Portfolio) error {
			_, err := o.engines.Snapshot.Compute(ctx, pf, day)
			return err
		}},
		{domain.PhaseFactors, func(ctx context.Context, pf domain.Portfolio) error {
			out, err := o.engines.Factors.Compute(ctx, pf, day)
			if err != nil {
				return err
			}
			riskMu.Lock()
			betas[pf.ID] = out.PortfolioBeta
			riskMu.Unlock()
			return nil
		}},
		{domain.PhaseVolatility, func(ctx context.Context, pf domain.Portfolio) error {
			out, err := o.engines.Volatility.Compute(ctx, pf, day)
			if err != nil {
				return err
			}
			riskMu.Lock()
			vol21s[pf.ID] = out.PortfolioVol21
			vol63s[pf.ID] = out.PortfolioVol63
			beta := betas[pf.ID]
			riskMu.Unlock()
			return o.repos.Snapshots.SetRiskFields(ctx, pf.ID, day, out.PortfolioVol21, out.PortfolioVol63, beta)
		}},
		{domain.PhaseCorrelation, o.correlationFn(day)},
		{domain.PhaseStress, func(ctx context.Context, pf domain.Portfolio) error {
			_, err := o.engines.Stress.Compute(ctx, pf, day)
			return err
		}},
		{domain.PhaseCleanup, func(ctx context.Context, pf domain.Portfolio) error {
			// Retention normally runs inside the correlation engine; this
			// sweep covers portfolios whose correlation phase timed out.
			_, err := o.repos.Correlation.EnforceRetention(ctx, pf.ID, o.cfg.Analytics.CorrelationRetention)
			return err
		}},
	}

	for _, p := range phases {
		res := o.runPhase(ctx, p.name, portfolios, p.fn)
		setPhase(run.Phases, res)
		if err := o.repos.Runs.Update(ctx, run); err != nil {
			return run, fmt.Errorf("update run tracking: %w", err)
		}
		if res.Status == domain.PhaseFailed {
			return o.finishRun(ctx, run, domain.PhaseFailed,
				fmt.Errorf("phase %s failed: %s", p.name, res.Error))
		}
	}

	return o.finishRun(ctx, run, domain.PhaseCompleted, nil)
}

// pendingPhases is the full phase list in execution order, all pending, so
// the ops surface shows what a live run has and has not reached yet.
func pendingPhases() []domain.PhaseResult {
	out := make([]domain.PhaseResult, len(domain.PhaseOrder))
	for i, name := range domain.PhaseOrder {
		out[i] = domain.PhaseResult{Phase: name, Status: domain.PhasePending}
	}
	return out
}

// setPhase replaces the pending entry for the finished phase in place.
func setPhase(phases []domain.PhaseResult, res domain.PhaseResult) {
	for i := range phases {
		if phases[i].Phase == res.Phase {
			phases[i] = res
			return
		}
	}
}

// finishRun stamps the terminal status and persists the final row.
func (o *Orchestrator) finishRun(ctx context.Context, run domain.BatchRunTracking,
	status domain.PhaseStatus, cause error) (domain.BatchRunTracking, error) {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}
	o.metrics.ObserveRun(string(status))

	if err := o.repos.Runs.Update(ctx, run); err != nil {
		return run, fmt.Errorf("finalize run tracking: %w", err)
	}

	evt := o.log.Info()
	if status == domain.PhaseFailed {
		evt = o.log.Error()
	}
	evt.Str("run_id", run.RunID).Str("status", string(status)).
		Dur("elapsed", now.Sub(run.StartedAt)).Msg("batch run finished")
	return run, cause
}

// refreshPhase fetches bars for the full pricing universe of the date. The
// window reaches back far enough for the widest analytics lookback.
func (o *Orchestrator) refreshPhase(ctx context.Context, portfolios []domain.Portfolio, day time.Time) (marketdata.RefreshStats, domain.PhaseResult, error) {
	start := time.Now()
	res := domain.PhaseResult{Phase: domain.PhaseMarketData}

	symbols, err := o.symbolUniverse(ctx, portfolios, day)
	if err != nil {
		res.Status = domain.PhaseFailed
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return marketdata.RefreshStats{}, res, err
	}

	lookback := o.cfg.Analytics.SpreadWindow
	if volatility.LookbackDays > lookback {
		lookback = volatility.LookbackDays
	}
	// Trading days to calendar days, with holiday slack.
	fetchStart := day.AddDate(0, 0, -(lookback*3/2 + 15))

	stats, err := o.refresher.Refresh(ctx, symbols, fetchStart, day)
	res.Duration = time.Since(start)
	res.Processed = stats.Symbols - len(stats.Failed)
	res.Failed = len(stats.Failed)
	if err != nil {
		res.Status = domain.PhaseFailed
		res.Error = err.Error()
		return stats, res, fmt.Errorf("market data refresh: %w", err)
	}
	res.Status = domain.PhaseCompleted
	o.metrics.ObserveRefresh(stats.Symbols, stats.BarsInserted)
	o.metrics.ObservePhase(domain.PhaseMarketData, res.Duration.Seconds(), res.Processed, res.Failed)
	return stats, res, nil
}

// symbolUniverse is every symbol the engines will price: open position
// symbols (options through their underlying), the benchmarks, and all
// factor proxy tickers.
func (o *Orchestrator) symbolUniverse(ctx context.Context, portfolios []domain.Portfolio, day time.Time) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, pf := range portfolios {
		positions, err := o.repos.Portfolios.OpenPositions(ctx, pf.ID, day)
		if err != nil {
			return nil, fmt.Errorf("positions for portfolio %d: %w", pf.ID, err)
		}
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
			add(symbol)
		}
	}

	add(o.cfg.Analytics.MarketBenchmark)
	add(o.cfg.Analytics.RateBenchmark)

	defs, err := o.repos.Factors.ActiveFactorDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load factor definitions: %w", err)
	}
	for _, def := range defs {
		add(def.ProxyTicker)
		if def.ShortTicker != nil {
			add(*def.ShortTicker)
		}
	}
	return out, nil
}

// correlationFn wraps the correlation engine with its per-portfolio
// timeout. A deadline hit is absorbed as a skip, not a failure: one slow
// matrix must not sink the run.
func (o *Orchestrator) correlationFn(day time.Time) portfolioFn {
	return func(ctx context.Context, pf domain.Portfolio) error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.CorrelationTimeout)
		defer cancel()

		_, err := o.engines.Correlation.Compute(cctx, pf, day)
		if err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			o.log.Warn().Int64("portfolio", pf.ID).
				Dur("timeout", o.cfg.Pipeline.CorrelationTimeout).
				Str("skip_reason", domain.SkipTimeout).
				Msg("correlation timed out, skipped for this run")
			return nil
		}
		return err
	}
}

type portfolioFn func(ctx context.Context, pf domain.Portfolio) error

// runPhase fans the phase function out over portfolios on a bounded worker
// pool. A panic in one portfolio is converted to that portfolio's error;
// the phase fails only when the failure ratio crosses the configured
// threshold.
func (o *Orchestrator) runPhase(ctx context.Context, name string, portfolios []domain.Portfolio, fn portfolioFn) domain.PhaseResult {
	start := time.Now()
	res := domain.PhaseResult{Phase: name}
	if len(portfolios) == 0 {
		res.Status = domain.PhaseSkipped
		res.Duration = time.Since(start)
		return res
	}

	sem := make(chan struct{}, o.cfg.Pipeline.MaxConcurrentPortfolios)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, pf := range portfolios {
		pf := pf
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := runIsolated(ctx, pf, fn)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				if res.Error == "" {
					res.Error = fmt.Sprintf("portfolio %d: %v", pf.ID, err)
				}
				o.log.Error().Err(err).Int64("portfolio", pf.ID).Str("phase", name).
					Msg("portfolio failed phase")
			} else {
				res.Processed++
			}
		}()
	}
	wg.Wait()

	res.Duration = time.Since(start)
	ratio := float64(res.Failed) / float64(len(portfolios))
	if ratio > o.cfg.Pipeline.FailureThreshold {
		res.Status = domain.PhaseFailed
	} else {
		res.Status = domain.PhaseCompleted
	}

	o.metrics.ObservePhase(name, res.Duration.Seconds(), res.Processed, res.Failed)
	o.log.Info().Str("phase", name).Int("processed", res.Processed).
		Int("failed", res.Failed).Dur("elapsed", res.Duration).
		Str("status", string(res.Status)).Msg("phase finished")
	return res
}

// runIsolated invokes fn with panic recovery so one portfolio's defect
// cannot take down the batch.
func runIsolated(ctx context.Context, pf domain.Portfolio, fn portfolioFn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, pf)
}
