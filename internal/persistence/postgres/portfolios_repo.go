package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type portfolioRepo struct {
	store *Store
}

func (r *portfolioRepo) ActivePortfolios(ctx context.Context) ([]domain.Portfolio, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, name, starting_equity, active, deleted_at
		FROM portfolios
		WHERE active = TRUE AND deleted_at IS NULL
		ORDER BY id`

	var out []domain.Portfolio
	if err := r.store.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to query active portfolios: %w", err)
	}
	return out, nil
}

func (r *portfolioRepo) OpenPositions(ctx context.Context, portfolioID int64, asOf time.Time) ([]domain.Position, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, portfolio_id, symbol, quantity, entry_price, entry_date,
		       exit_price, exit_date, investment_class, realized_pnl,
		       underlying, strike, expiry, delta, multiplier, deleted_at
		FROM positions
		WHERE portfolio_id = $1
		  AND deleted_at IS NULL
		  AND entry_date <= $2
		  AND (exit_date IS NULL OR exit_date > $2)
		ORDER BY id`

	var out []domain.Position
	if err := r.store.db.SelectContext(ctx, &out, query, portfolioID, asOf); err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	return out, nil
}

func (r *portfolioRepo) Position(ctx context.Context, id int64) (domain.Position, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, portfolio_id, symbol, quantity, entry_price, entry_date,
		       exit_price, exit_date, investment_class, realized_pnl,
		       underlying, strike, expiry, delta, multiplier, deleted_at
		FROM positions
		WHERE id = $1 AND deleted_at IS NULL`

	var pos domain.Position
	if err := r.store.db.GetContext(ctx, &pos, query, id); err != nil {
		return domain.Position{}, fmt.Errorf("failed to load position %d: %w", id, err)
	}
	return pos, nil
}

func (r *portfolioRepo) RealizedEventsOn(ctx context.Context, portfolioID int64, day time.Time) ([]domain.RealizedEvent, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, position_id, portfolio_id, trade_date, quantity_closed, realized_pnl
		FROM realized_events
		WHERE portfolio_id = $1 AND trade_date = $2
		ORDER BY id`

	var out []domain.RealizedEvent
	if err := r.store.db.SelectContext(ctx, &out, query, portfolioID, day); err != nil {
		return nil, fmt.Errorf("failed to query realized events: %w", err)
	}
	return out, nil
}

func (r *portfolioRepo) EquityChangesOn(ctx context.Context, portfolioID int64, day time.Time) ([]domain.EquityChange, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, portfolio_id, change_type, amount, change_date, created_by
		FROM equity_changes
		WHERE portfolio_id = $1 AND change_date = $2
		ORDER BY id`

	var out []domain.EquityChange
	if err := r.store.db.SelectContext(ctx, &out, query, portfolioID, day); err != nil {
		return nil, fmt.Errorf("failed to query equity changes: %w", err)
	}
	return out, nil
}

func (r *portfolioRepo) RecordClose(ctx context.Context, pos domain.Position, event domain.RealizedEvent) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	tx, err := r.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE positions
		SET quantity = $1, exit_price = $2, exit_date = $3, realized_pnl = $4
		WHERE id = $5 AND deleted_at IS NULL`,
		pos.Quantity, pos.ExitPrice, pos.ExitDate, pos.RealizedPnL, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position on close: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO realized_events (position_id, portfolio_id, trade_date, quantity_closed, realized_pnl)
		VALUES ($1, $2, $3, $4, $5)`,
		event.PositionID, event.PortfolioID, event.TradeDate, event.QuantityClosed, event.RealizedPnL)
	if err != nil {
		return fmt.Errorf("failed to insert realized event: %w", err)
	}

	return tx.Commit()
}
