package postgres

import (
	"context"
	"fmt"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type volatilityRepo struct {
	store *Store
}

func (r *volatilityRepo) UpsertPositionVolatility(ctx context.Context, rows []domain.PositionVolatility) error {
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
		INSERT INTO position_volatility (portfolio_id, position_id, symbol, calc_date,
			realized_vol_21d, realized_vol_63d,
			har_daily, har_weekly, har_monthly, har_forecast, har_r_squared,
			percentile_1y, trend, trend_strength, observations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (portfolio_id, position_id, calc_date)
		DO UPDATE SET realized_vol_21d = EXCLUDED.realized_vol_21d,
		              realized_vol_63d = EXCLUDED.realized_vol_63d,
		              har_daily = EXCLUDED.har_daily,
		              har_weekly = EXCLUDED.har_weekly,
		              har_monthly = EXCLUDED.har_monthly,
		              har_forecast = EXCLUDED.har_forecast,
		              har_r_squared = EXCLUDED.har_r_squared,
		              percentile_1y = EXCLUDED.percentile_1y,
		              trend = EXCLUDED.trend,
		              trend_strength = EXCLUDED.trend_strength,
		              observations = EXCLUDED.observations`)
	if err != nil {
		return fmt.Errorf("failed to prepare volatility upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.PortfolioID, row.PositionID, row.Symbol, row.Date,
			row.RealizedVol21d, row.RealizedVol63d,
			row.HARDaily, row.HARWeekly, row.HARMonthly, row.HARForecast, row.HARRSquared,
			row.Percentile1y, row.Trend, row.TrendStrength, row.Observations)
		if err != nil {
			return fmt.Errorf("failed to upsert volatility for %s: %w", row.Symbol, err)
		}
	}

	return tx.Commit()
}
