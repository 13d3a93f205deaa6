// Package badgerstore provides a Badger implementation of ledger.Repository.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	"github.com/bissquit/incident-autopilot/internal/pkg/badgerdb"
	"github.com/dgraph-io/badger/v4"
)

const prefix = "restarts/"

// Repository implements ledger.Repository on Badger. Keys are
// restarts/<day>/<workload>; values are big-endian uint64 counters.
type Repository struct {
	db *badgerdb.DB
}

// NewRepository creates a new Badger ledger.
func NewRepository(db *badgerdb.DB) *Repository {
	return &Repository{db: db}
}

func counterKey(day, workload string) []byte {
	return []byte(prefix + day + "/" + workload)
}

func decode(key []byte, val []byte) (int, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: restart counter %s has %d bytes", domain.ErrDataIntegrity, key, len(val))
	}
	return int(binary.BigEndian.Uint64(val)), nil
}

func read(txn *badger.Txn, key []byte) (int, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var n int
	err = item.Value(func(val []byte) error {
		n, err = decode(key, val)
		return err
	})
	return n, err
}

// Increment adds one restart for (day, workload). Badger's optimistic
// transactions abort one of two conflicting writers; the loser is retried.
func (r *Repository) Increment(ctx context.Context, day, workload string) (int, error) {
	if err := ledger.ValidateDay(day); err != nil {
		return 0, err
	}

	key := counterKey(day, workload)
	var count int
	err := r.db.Update(ctx, func(txn *badger.Txn) error {
		n, err := read(txn, key)
		if err != nil {
			return err
		}
		count = n + 1

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(count))
		return txn.Set(key, buf)
	})
	if err != nil {
		return 0, fmt.Errorf("increment restart count: %w", err)
	}
	return count, nil
}

// Get returns the count for (day, workload), zero when absent.
func (r *Repository) Get(_ context.Context, day, workload string) (int, error) {
	if err := ledger.ValidateDay(day); err != nil {
		return 0, err
	}

	var count int
	err := r.db.View(func(txn *badger.Txn) error {
		n, err := read(txn, counterKey(day, workload))
		count = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get restart count: %w", err)
	}
	return count, nil
}

// List returns all counters inside rng.
func (r *Repository) List(_ context.Context, rng ledger.DateRange) (ledger.Counts, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	counts := ledger.Counts{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekKey(rng)); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			day, workload, ok := strings.Cut(strings.TrimPrefix(string(key), prefix), "/")
			if !ok {
				return fmt.Errorf("%w: malformed restart key %q", domain.ErrDataIntegrity, key)
			}
			if rng.To != "" && day > rng.To {
				break
			}
			if !rng.Contains(day) {
				continue
			}

			var n int
			if err := item.Value(func(val []byte) error {
				var err error
				n, err = decode(key, val)
				return err
			}); err != nil {
				return err
			}
			counts.Add(day, workload, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list restart counts: %w", err)
	}
	return counts, nil
}

func seekKey(rng ledger.DateRange) []byte {
	if rng.From == "" {
		return []byte(prefix)
	}
	return []byte(prefix + rng.From)
}
