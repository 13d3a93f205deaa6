// Package badgerdb opens the embedded Badger store used by the badger storage backend.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config contains Badger configuration.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
	// GCInterval enables periodic value log GC for on-disk stores.
	GCInterval time.Duration
}

// DefaultConfig returns a persistent configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type logger struct {
	l *slog.Logger
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.l.Error(fmt.Sprintf(format, args...))
}

func (l logger) Warningf(format string, args ...interface{}) {
	l.l.Warn(fmt.Sprintf(format, args...))
}

func (l logger) Infof(format string, args ...interface{}) {
	l.l.Info(fmt.Sprintf(format, args...))
}

func (l logger) Debugf(format string, args ...interface{}) {
	l.l.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a Badger database with its background GC loop.
type DB struct {
	*badger.DB
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens the database described by cfg.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(logger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: bdb, stopCh: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.wg.Add(1)
		go db.runGC(cfg.GCInterval)
	}
	return db, nil
}

func (d *DB) runGC(interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger value log GC failed", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	close(d.stopCh)
	d.wg.Wait()
	return d.DB.Close()
}

// Ping reports whether the database is open.
func (d *DB) Ping(_ context.Context) error {
	if d.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

const maxConflictRetries = 16

// Update runs fn in a read-write transaction, retrying on optimistic
// transaction conflicts.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = d.DB.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d attempts: %w", maxConflictRetries, err)
}
