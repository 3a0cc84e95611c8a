// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx. Every repo applies a per-query timeout and wraps errors with the
// failing operation.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Store owns the database handle and hands out repository instances.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Connect opens and pings a PostgreSQL connection pool configured per cfg.
func Connect(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, timeout: cfg.QueryTimeout}, nil
}

// NewStoreWithDB wraps an existing handle; used by tests with sqlmock.
func NewStoreWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Repos returns the full repository bundle backed by this store.
func (s *Store) Repos() persistence.Repos {
	return persistence.Repos{
		Portfolios:  &portfolioRepo{s},
		MarketData:  &marketDataRepo{s},
		Snapshots:   &snapshotRepo{s},
		Factors:     &factorRepo{s},
		Volatility:  &volatilityRepo{s},
		Correlation: &correlationRepo{s},
		Stress:      &stressRepo{s},
		Runs:        &runRepo{s},
	}
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
