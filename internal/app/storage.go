package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/incident-autopilot/internal/config"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	incidentsbadger "github.com/bissquit/incident-autopilot/internal/incidents/badgerstore"
	incidentsmemory "github.com/bissquit/incident-autopilot/internal/incidents/memory"
	incidentspostgres "github.com/bissquit/incident-autopilot/internal/incidents/postgres"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	ledgerbadger "github.com/bissquit/incident-autopilot/internal/ledger/badgerstore"
	ledgermemory "github.com/bissquit/incident-autopilot/internal/ledger/memory"
	ledgerpostgres "github.com/bissquit/incident-autopilot/internal/ledger/postgres"
	"github.com/bissquit/incident-autopilot/internal/pkg/badgerdb"
	"github.com/bissquit/incident-autopilot/internal/pkg/postgres"
	"github.com/bissquit/incident-autopilot/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
)

// stores bundles the ledger and incident store of one backend.
type stores struct {
	backend   string
	ledger    ledger.Repository
	incidents incidents.Repository

	pool   *pgxpool.Pool
	badger *badgerdb.DB
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}

		connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
		defer cancel()

		pool, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		return &stores{
			backend:   config.StoragePostgres,
			ledger:    ledgerpostgres.NewRepository(pool),
			incidents: incidentspostgres.NewRepository(pool),
			pool:      pool,
		}, nil

	case config.StorageBadger:
		bcfg := badgerdb.DefaultConfig(cfg.Storage.BadgerPath)
		bcfg.Logger = logger
		db, err := badgerdb.Open(bcfg)
		if err != nil {
			return nil, err
		}
		return &stores{
			backend:   config.StorageBadger,
			ledger:    ledgerbadger.NewRepository(db),
			incidents: incidentsbadger.NewRepository(db),
			badger:    db,
		}, nil

	default:
		logger.Warn("using in-memory storage: restart counts and incidents are lost on exit")
		return &stores{
			backend:   config.StorageMemory,
			ledger:    ledgermemory.NewRepository(),
			incidents: incidentsmemory.NewRepository(),
		}, nil
	}
}

// Ping reports whether the backing store is reachable.
func (s *stores) Ping(ctx context.Context) error {
	switch {
	case s.pool != nil:
		return s.pool.Ping(ctx)
	case s.badger != nil:
		return s.badger.Ping(ctx)
	}
	return nil
}

func (s *stores) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.badger != nil {
		return s.badger.Close()
	}
	return nil
}
