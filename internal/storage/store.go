package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"trade-halt-breaker/internal/config"
)

// NewPool configures a PostgreSQL connection pool from a DSN.
func NewPool(ctx context.Context, dsn string, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// NewPools opens the primary pool and, when configured, a replica pool for
// read-only listings. Lock-state reads never use the replica.
func NewPools(ctx context.Context, cfg config.DatabaseConfig) (primary, replica *pgxpool.Pool, err error) {
	primary, err = NewPool(ctx, cfg.DSN, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.ReplicaDSN != "" {
		replica, err = NewPool(ctx, cfg.ReplicaDSN, cfg)
		if err != nil {
			primary.Close()
			return nil, nil, fmt.Errorf("replica pool: %w", err)
		}
	}

	return primary, replica, nil
}
