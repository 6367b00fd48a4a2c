// Package postgres persists session metadata in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/mudbridge/internal/config"
)

// connectAttempts bounds the initial ping; the delay doubles from connectBackoff.
const (
	connectAttempts = 5
	connectBackoff  = 250 * time.Millisecond
)

// Pool owns the gateway's pgx connection pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool opens a pool and waits for the database to answer a ping, retrying
// a few times so the gateway can start alongside its database.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a pool that has answered a ping, or a non-nil error
// once the attempts are exhausted or ctx ends.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	delay := connectBackoff
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			return &Pool{pool: pool}, nil
		}
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("pinging database %s:%d: %w", cfg.Host, cfg.Port, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	pool.Close()
	return nil, fmt.Errorf("pinging database %s:%d after %d attempts: %w", cfg.Host, cfg.Port, connectAttempts, err)
}

// Health pings the database, failing after timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health: %w", err)
	}
	return nil
}

// Close releases all pool resources; the pool is unusable afterwards.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for the stores.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
