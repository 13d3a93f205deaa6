// Package badgerstore provides a Badger implementation of incidents.Repository.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/bissquit/incident-autopilot/internal/pkg/badgerdb"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const prefix = "incident/"

// Repository stores incidents as JSON documents under incident/<id>.
type Repository struct {
	db *badgerdb.DB
}

// NewRepository creates a new Badger incident store.
func NewRepository(db *badgerdb.DB) *Repository {
	return &Repository{db: db}
}

func incidentKey(id string) []byte {
	return []byte(prefix + id)
}

func decode(key, val []byte) (*domain.Incident, error) {
	var inc domain.Incident
	if err := json.Unmarshal(val, &inc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrDataIntegrity, key, err)
	}
	return &inc, nil
}

func load(txn *badger.Txn, id string) (*domain.Incident, error) {
	key := incidentKey(id)
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, err
	}
	var inc *domain.Incident
	err = item.Value(func(val []byte) error {
		inc, err = decode(key, val)
		return err
	})
	return inc, err
}

func store(txn *badger.Txn, inc *domain.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	return txn.Set(incidentKey(inc.ID), data)
}

// Create stores incident, assigning an id when empty.
func (r *Repository) Create(ctx context.Context, incident *domain.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}

	err := r.db.Update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(incidentKey(incident.ID))
		if err == nil {
			return domain.ErrDuplicateIncident
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return store(txn, incident)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateIncident) {
			return err
		}
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// Get retrieves an incident by ID.
func (r *Repository) Get(_ context.Context, id string) (*domain.Incident, error) {
	var inc *domain.Incident
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		inc, err = load(txn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrIncidentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// Query scans all incidents and applies the filter in memory.
func (r *Repository) Query(_ context.Context, filter incidents.Filter) ([]*domain.Incident, int, error) {
	var all []*domain.Incident
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				inc, err := decode(item.Key(), val)
				if err != nil {
					return err
				}
				all = append(all, inc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("query incidents: %w", err)
	}

	page, total := filter.Apply(all)
	return page, total, nil
}

// Resolve marks the incident resolved at the given time.
func (r *Repository) Resolve(ctx context.Context, id string, notes string, at time.Time) (*domain.Incident, error) {
	var inc *domain.Incident
	err := r.db.Update(ctx, func(txn *badger.Txn) error {
		var err error
		inc, err = load(txn, id)
		if err != nil {
			return err
		}
		if inc.Resolved {
			return nil
		}
		inc.Resolved = true
		resolvedAt := at.UTC()
		inc.ResolvedAt = &resolvedAt
		if notes != "" {
			inc.AddNote(notes)
		}
		return store(txn, inc)
	})
	if err != nil {
		if errors.Is(err, domain.ErrIncidentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve incident: %w", err)
	}
	return inc, nil
}
