package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type stressRepo struct {
	store *Store
}

func (r *stressRepo) ActiveScenarios(ctx context.Context) ([]domain.StressTestScenario, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, name, category, shocks, active
		FROM stress_scenarios
		WHERE active = TRUE
		ORDER BY id`

	rows, err := r.store.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stress scenarios: %w", err)
	}
	defer rows.Close()

	var out []domain.StressTestScenario
	for rows.Next() {
		var s domain.StressTestScenario
		var shocksJSON []byte
		if err := rows.Scan(&s.ID, &s.Name, &s.Category, &shocksJSON, &s.Active); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		if len(shocksJSON) > 0 {
			if err := json.Unmarshal(shocksJSON, &s.Shocks); err != nil {
				return nil, fmt.Errorf("failed to unmarshal shocks for %s: %w", s.Name, err)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenarios: %w", err)
	}
	return out, nil
}

func (r *stressRepo) UpsertResults(ctx context.Context, results []domain.StressTestResult) error {
	if len(results) == 0 {
		return nil
	}

	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	tx, err := r.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stress_results (portfolio_id, scenario_id, scenario_name, calc_date,
		                            correlated_pnl, pnl_percent, status, skip_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (portfolio_id, scenario_id, calc_date)
		DO UPDATE SET correlated_pnl = EXCLUDED.correlated_pnl,
		              pnl_percent = EXCLUDED.pnl_percent,
		              status = EXCLUDED.status,
		              skip_reason = EXCLUDED.skip_reason`)
	if err != nil {
		return fmt.Errorf("failed to prepare stress upsert: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		_, err := stmt.ExecContext(ctx, res.PortfolioID, res.ScenarioID, res.ScenarioName,
			res.Date, res.CorrelatedPnL, res.PnLPercent, res.Status, res.SkipReason)
		if err != nil {
			return fmt.Errorf("failed to upsert stress result %s: %w", res.ScenarioName, err)
		}
	}

	return tx.Commit()
}
