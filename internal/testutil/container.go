package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/incident-autopilot/internal/pkg/postgres"
	"github.com/bissquit/incident-autopilot/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer is a disposable PostgreSQL for integration tests.
type PostgresContainer struct {
	*tcpostgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgreSQL 16 and waits until it accepts connections.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("autopilot"),
		tcpostgres.WithUsername("autopilot"),
		tcpostgres.WithPassword("autopilot"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionString:  connStr,
	}, nil
}

// NewMigratedPool starts a container, applies the schema and connects a pool.
// The caller terminates the returned container and closes the pool.
func NewMigratedPool(ctx context.Context) (*pgxpool.Pool, *PostgresContainer, error) {
	container, err := NewPostgresContainer(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := postgres.Migrate(migrations.FS, container.ConnectionString); err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}

	pool, err := postgres.Connect(ctx, postgres.Config{
		URL:             container.ConnectionString,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnectAttempts: 3,
	})
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}

	return pool, container, nil
}
