package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type correlationRepo struct {
	store *Store
}

// InsertCalculation writes the header and its entire child tree in one
// transaction so a partial failure never leaves orphaned pair or cluster
// rows.
func (r *correlationRepo) InsertCalculation(ctx context.Context, calc domain.CorrelationCalculation,
	pairs []domain.PairwiseCorrelation, clusters []domain.CorrelationCluster) (domain.CorrelationCalculation, error) {

	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	tx, err := r.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return calc, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO correlation_calculations (portfolio_id, calc_date, window_days,
		                                      position_count, psd_repaired, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		calc.PortfolioID, calc.Date, calc.WindowDays, calc.Positions, calc.Repaired, calc.Status).
		Scan(&calc.ID)
	if err != nil {
		return calc, fmt.Errorf("failed to insert correlation header: %w", err)
	}

	pairStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pairwise_correlations (calculation_id, symbol_a, symbol_b, correlation)
		VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return calc, fmt.Errorf("failed to prepare pair insert: %w", err)
	}
	defer pairStmt.Close()

	for _, p := range pairs {
		if _, err := pairStmt.ExecContext(ctx, calc.ID, p.SymbolA, p.SymbolB, p.Correlation); err != nil {
			return calc, fmt.Errorf("failed to insert pair %s/%s: %w", p.SymbolA, p.SymbolB, err)
		}
	}

	for _, c := range clusters {
		var clusterID int64
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO correlation_clusters (calculation_id, name, avg_correlation)
			VALUES ($1, $2, $3)
			RETURNING id`,
			calc.ID, c.Name, c.AvgCorrelation).Scan(&clusterID)
		if err != nil {
			return calc, fmt.Errorf("failed to insert cluster %s: %w", c.Name, err)
		}
		for _, posID := range c.PositionIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO correlation_cluster_positions (cluster_id, position_id)
				VALUES ($1, $2)`, clusterID, posID)
			if err != nil {
				return calc, fmt.Errorf("failed to insert cluster member %d: %w", posID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return calc, fmt.Errorf("failed to commit correlation tree: %w", err)
	}
	return calc, nil
}

// EnforceRetention keeps the most recent calculations for a portfolio and
// deletes older ones together with their full child trees.
func (r *correlationRepo) EnforceRetention(ctx context.Context, portfolioID int64, keep int) (int, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	tx, err := r.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var staleIDs []int64
	err = tx.SelectContext(ctx, &staleIDs, `
		SELECT id FROM correlation_calculations
		WHERE portfolio_id = $1
		ORDER BY calc_date DESC, id DESC
		OFFSET $2`, portfolioID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to select stale calculations: %w", err)
	}
	if len(staleIDs) == 0 {
		return 0, tx.Commit()
	}

	// Children first, bottom up, so no orphans survive a partial delete.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM correlation_cluster_positions
		WHERE cluster_id IN (SELECT id FROM correlation_clusters WHERE calculation_id = ANY($1))`,
		pq.Array(staleIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale cluster members: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM correlation_clusters WHERE calculation_id = ANY($1)`, pq.Array(staleIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale clusters: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM pairwise_correlations WHERE calculation_id = ANY($1)`, pq.Array(staleIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale pairs: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM correlation_calculations WHERE id = ANY($1)`, pq.Array(staleIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale calculations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit retention delete: %w", err)
	}
	return len(staleIDs), nil
}
