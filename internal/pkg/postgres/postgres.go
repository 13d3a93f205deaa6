// Package postgres connects to PostgreSQL and applies schema migrations.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "incident-autopilot"

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

// connectBackoff doubles from one second up to sixteen between attempts.
func connectBackoff(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:    attempts,
		InitialBackoff: time.Second,
		MaxBackoff:     16 * time.Second,
		Multiplier:     2,
	}
}

// Connect creates a pool and pings it, retrying both steps until
// ConnectAttempts is exhausted or ctx is done. A malformed URL fails at once.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	attempt := 0
	pool, err := retry.DoValue(ctx, connectBackoff(attempts), func(ctx context.Context) (*pgxpool.Pool, error) {
		attempt++

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			slog.Warn("failed to create connection pool", "attempt", attempt, "max_attempts", attempts, "error", err)
			return nil, retry.NewRetryableError(fmt.Errorf("create pool: %w", err))
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			slog.Warn("failed to ping database", "attempt", attempt, "max_attempts", attempts, "error", err)
			return nil, retry.NewRetryableError(fmt.Errorf("ping: %w", err))
		}
		return pool, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	slog.Info("connected to database", "attempts", attempt)
	return pool, nil
}
