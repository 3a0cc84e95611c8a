package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type snapshotRepo struct {
	store *Store
}

const snapshotColumns = `
	id, portfolio_id, snapshot_date, total_value, equity_balance, cash_value,
	long_value, short_value, gross_exposure, net_exposure, leverage,
	daily_realized_pnl, daily_unrealized_pnl, daily_pnl, cumulative_pnl,
	daily_capital_flow, cumulative_flow,
	realized_vol_21d, realized_vol_63d, market_beta_90d, created_at`

func (r *snapshotRepo) LatestBefore(ctx context.Context, portfolioID int64, day time.Time) (domain.PortfolioSnapshot, bool, error) {
	return r.latest(ctx, portfolioID, day, "<")
}

func (r *snapshotRepo) LatestOnOrBefore(ctx context.Context, portfolioID int64, day time.Time) (domain.PortfolioSnapshot, bool, error) {
	return r.latest(ctx, portfolioID, day, "<=")
}

func (r *snapshotRepo) latest(ctx context.Context, portfolioID int64, day time.Time, op string) (domain.PortfolioSnapshot, bool, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM portfolio_snapshots
		WHERE portfolio_id = $1 AND snapshot_date %s $2
		ORDER BY snapshot_date DESC
		LIMIT 1`, snapshotColumns, op)

	var snap domain.PortfolioSnapshot
	err := r.store.db.GetContext(ctx, &snap, query, portfolioID, day)
	if err == sql.ErrNoRows {
		return domain.PortfolioSnapshot{}, false, nil
	}
	if err != nil {
		return domain.PortfolioSnapshot{}, false, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	return snap, true, nil
}

// Replace deletes any row for the (portfolio, date) key and inserts the new
// snapshot in one transaction. Recomputation never updates in place, so a
// failed run can never leave a half-written snapshot behind.
func (r *snapshotRepo) Replace(ctx context.Context, snap domain.PortfolioSnapshot) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	tx, err := r.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM portfolio_snapshots WHERE portfolio_id = $1 AND snapshot_date = $2`,
		snap.PortfolioID, snap.Date)
	if err != nil {
		return fmt.Errorf("failed to delete existing snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (
			portfolio_id, snapshot_date, total_value, equity_balance, cash_value,
			long_value, short_value, gross_exposure, net_exposure, leverage,
			daily_realized_pnl, daily_unrealized_pnl, daily_pnl, cumulative_pnl,
			daily_capital_flow, cumulative_flow,
			realized_vol_21d, realized_vol_63d, market_beta_90d, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW())`,
		snap.PortfolioID, snap.Date, snap.TotalValue, snap.EquityBalance, snap.CashValue,
		snap.LongValue, snap.ShortValue, snap.GrossExposure, snap.NetExposure, snap.Leverage,
		snap.DailyRealizedPnL, snap.DailyUnrealizedPnL, snap.DailyPnL, snap.CumulativePnL,
		snap.DailyCapitalFlow, snap.CumulativeFlow,
		snap.RealizedVol21d, snap.RealizedVol63d, snap.MarketBeta90d)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	return tx.Commit()
}

func (r *snapshotRepo) SetRiskFields(ctx context.Context, portfolioID int64, day time.Time, vol21, vol63, beta90 *float64) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		UPDATE portfolio_snapshots
		SET realized_vol_21d = $1, realized_vol_63d = $2, market_beta_90d = $3
		WHERE portfolio_id = $4 AND snapshot_date = $5`,
		vol21, vol63, beta90, portfolioID, day)
	if err != nil {
		return fmt.Errorf("failed to set snapshot risk fields: %w", err)
	}
	return nil
}
