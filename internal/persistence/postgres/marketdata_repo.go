package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type marketDataRepo struct {
	store *Store
}

// InsertBarsIfAbsent relies on ON CONFLICT DO NOTHING against the
// (symbol, bar_date) unique key: concurrent fetches for the same bar are
// naturally idempotent: last writer skips, never wins.
func (r *marketDataRepo) InsertBarsIfAbsent(ctx context.Context, bars []domain.MarketDataPoint) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	tx, err := r.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_data (symbol, bar_date, open, high, low, close, volume, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, bar_date) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare bar insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx, b.Symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume, b.Source)
		if err != nil {
			return 0, fmt.Errorf("failed to insert bar %s %s: %w", b.Symbol, b.Date.Format("2006-01-02"), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bar inserts: %w", err)
	}
	return inserted, nil
}

func (r *marketDataRepo) Closes(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT symbol, bar_date, open, high, low, close, volume, source
		FROM market_data
		WHERE symbol = $1 AND bar_date >= $2 AND bar_date <= $3
		ORDER BY bar_date`

	var out []domain.MarketDataPoint
	if err := r.store.db.SelectContext(ctx, &out, query, symbol, start, end); err != nil {
		return nil, fmt.Errorf("failed to query closes for %s: %w", symbol, err)
	}
	return out, nil
}

func (r *marketDataRepo) LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT close FROM market_data
		WHERE symbol = $1 AND bar_date <= $2
		ORDER BY bar_date DESC
		LIMIT 1`

	var close float64
	err := r.store.db.QueryRowxContext(ctx, query, symbol, day).Scan(&close)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest close for %s: %w", symbol, err)
	}
	return close, true, nil
}

func (r *marketDataRepo) CoveredDates(ctx context.Context, symbol string, start, end time.Time) (map[time.Time]bool, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT bar_date FROM market_data
		WHERE symbol = $1 AND bar_date >= $2 AND bar_date <= $3`

	rows, err := r.store.db.QueryxContext(ctx, query, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query covered dates for %s: %w", symbol, err)
	}
	defer rows.Close()

	covered := make(map[time.Time]bool)
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan covered date: %w", err)
		}
		covered[d.UTC()] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating covered dates: %w", err)
	}
	return covered, nil
}
