package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type runRepo struct {
	store *Store
}

// LatestCompletedDate deliberately ignores failed and in-progress rows:
// a failed date stays inside the gap and is offered again on the next
// trigger, so a transient outage never leaves a permanent hole in the
// snapshot chain.
func (r *runRepo) LatestCompletedDate(ctx context.Context) (time.Time, bool, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT run_date FROM batch_runs
		WHERE status IN ('completed', 'skipped')
		ORDER BY run_date DESC
		LIMIT 1`

	var d time.Time
	err := r.store.db.QueryRowxContext(ctx, query).Scan(&d)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest run date: %w", err)
	}
	return d.UTC(), true, nil
}

func (r *runRepo) Insert(ctx context.Context, run domain.BatchRunTracking) (domain.BatchRunTracking, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	phasesJSON, err := json.Marshal(run.Phases)
	if err != nil {
		return run, fmt.Errorf("failed to marshal phases: %w", err)
	}

	err = r.store.db.QueryRowxContext(ctx, `
		INSERT INTO batch_runs (run_id, run_date, status, phases, portfolios,
		                        symbols_fetched, data_coverage, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		run.RunID, run.Date, run.Status, phasesJSON, run.Portfolios,
		run.SymbolsFetched, run.DataCoverage, run.Error, run.StartedAt).
		Scan(&run.ID)
	if err != nil {
		return run, fmt.Errorf("failed to insert batch run: %w", err)
	}
	return run, nil
}

func (r *runRepo) Update(ctx context.Context, run domain.BatchRunTracking) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	phasesJSON, err := json.Marshal(run.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phases: %w", err)
	}

	_, err = r.store.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = $1, phases = $2, portfolios = $3, symbols_fetched = $4,
		    data_coverage = $5, error = $6, finished_at = $7
		WHERE id = $8`,
		run.Status, phasesJSON, run.Portfolios, run.SymbolsFetched,
		run.DataCoverage, run.Error, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update batch run: %w", err)
	}
	return nil
}

// FailStale marks in-progress rows started before the cutoff as failed. A
// crashed process cannot finalize its own row; the next run repairs it so
// the ops surface never shows a phantom in-flight batch.
func (r *runRepo) FailStale(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	res, err := r.store.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = 'failed', error = 'stale in-progress run repaired', finished_at = NOW()
		WHERE status = 'in_progress' AND started_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to repair stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count repaired runs: %w", err)
	}
	return int(n), nil
}

func (r *runRepo) Recent(ctx context.Context, limit int) ([]domain.BatchRunTracking, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, run_id, run_date, status, phases, portfolios,
		       symbols_fetched, data_coverage, error, started_at, finished_at
		FROM batch_runs
		ORDER BY run_date DESC
		LIMIT $1`

	rows, err := r.store.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var out []domain.BatchRunTracking
	for rows.Next() {
		var run domain.BatchRunTracking
		var phasesJSON []byte
		err := rows.Scan(&run.ID, &run.RunID, &run.Date, &run.Status, &phasesJSON,
			&run.Portfolios, &run.SymbolsFetched, &run.DataCoverage,
			&run.Error, &run.StartedAt, &run.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		if len(phasesJSON) > 0 {
			if err := json.Unmarshal(phasesJSON, &run.Phases); err != nil {
				return nil, fmt.Errorf("failed to unmarshal phases: %w", err)
			}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}
