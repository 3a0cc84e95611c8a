package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type factorRepo struct {
	store *Store
}

func (r *factorRepo) ActiveFactorDefinitions(ctx context.Context) ([]domain.FactorDefinition, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, name, factor_type, proxy_ticker, short_ticker, display_order, active
		FROM factor_definitions
		WHERE active = TRUE
		ORDER BY display_order`

	var out []domain.FactorDefinition
	if err := r.store.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to query factor definitions: %w", err)
	}
	return out, nil
}

// UpsertExposures replaces rows on their (portfolio, position, factor, date)
// key. Rows for other dates are untouched: exposures form a time series.
func (r *factorRepo) UpsertExposures(ctx context.Context, rows []domain.FactorExposure) error {
	if len(rows) == 0 {
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
		INSERT INTO factor_exposures (portfolio_id, position_id, factor_id, factor_name,
		                              exposure_date, beta, dollar_exposure, quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (portfolio_id, COALESCE(position_id, 0), factor_id, exposure_date)
		DO UPDATE SET beta = EXCLUDED.beta,
		              dollar_exposure = EXCLUDED.dollar_exposure,
		              quality = EXCLUDED.quality`)
	if err != nil {
		return fmt.Errorf("failed to prepare exposure upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.PortfolioID, row.PositionID, row.FactorID,
			row.FactorName, row.Date, row.Beta, row.DollarExposure, row.Quality)
		if err != nil {
			return fmt.Errorf("failed to upsert exposure %s: %w", row.FactorName, err)
		}
	}

	return tx.Commit()
}

func (r *factorRepo) UpsertPositionBetas(ctx context.Context, rows []domain.PositionBeta) error {
	if len(rows) == 0 {
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
		INSERT INTO position_betas (portfolio_id, position_id, calc_date, method, benchmark,
		                            window_days, beta, alpha, r_squared, std_error, p_value, observations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (portfolio_id, position_id, calc_date, method, window_days)
		DO UPDATE SET benchmark = EXCLUDED.benchmark,
		              beta = EXCLUDED.beta,
		              alpha = EXCLUDED.alpha,
		              r_squared = EXCLUDED.r_squared,
		              std_error = EXCLUDED.std_error,
		              p_value = EXCLUDED.p_value,
		              observations = EXCLUDED.observations`)
	if err != nil {
		return fmt.Errorf("failed to prepare beta upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.PortfolioID, row.PositionID, row.Date, row.Method,
			row.Benchmark, row.WindowDays, row.Beta, row.Alpha, row.RSquared,
			row.StdError, row.PValue, row.Observations)
		if err != nil {
			return fmt.Errorf("failed to upsert beta for position %d: %w", row.PositionID, err)
		}
	}

	return tx.Commit()
}

func (r *factorRepo) PortfolioExposuresOn(ctx context.Context, portfolioID int64, day time.Time) ([]domain.FactorExposure, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, portfolio_id, position_id, factor_id, factor_name,
		       exposure_date, beta, dollar_exposure, quality
		FROM factor_exposures
		WHERE portfolio_id = $1 AND position_id IS NULL AND exposure_date = $2
		ORDER BY factor_id`

	var out []domain.FactorExposure
	if err := r.store.db.SelectContext(ctx, &out, query, portfolioID, day); err != nil {
		return nil, fmt.Errorf("failed to query portfolio exposures: %w", err)
	}
	return out, nil
}
