// Package memory provides the in-process reference implementation of incidents.Repository.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/google/uuid"
)

// Repository stores incidents in memory behind a single lock. Stored records
// are never shared with callers; every read and write copies.
type Repository struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Incident
	order []*domain.Incident
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{byID: make(map[string]*domain.Incident)}
}

// Create stores incident, assigning an id when empty.
func (r *Repository) Create(_ context.Context, incident *domain.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[incident.ID]; exists {
		return domain.ErrDuplicateIncident
	}
	stored := incident.Clone()
	r.byID[stored.ID] = stored
	r.order = append(r.order, stored)
	return nil
}

// Get returns the incident with id.
func (r *Repository) Get(_ context.Context, id string) (*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

// Query returns matching incidents newest first and the total match count.
func (r *Repository) Query(_ context.Context, filter incidents.Filter) ([]*domain.Incident, int, error) {
	r.mu.RLock()
	page, total := filter.Apply(r.order)
	out := make([]*domain.Incident, 0, len(page))
	for _, inc := range page {
		out = append(out, inc.Clone())
	}
	r.mu.RUnlock()

	return out, total, nil
}

// Resolve marks the incident resolved at the given time.
func (r *Repository) Resolve(_ context.Context, id string, notes string, at time.Time) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrIncidentNotFound
	}
	if !inc.Resolved {
		inc.Resolved = true
		resolvedAt := at.UTC()
		inc.ResolvedAt = &resolvedAt
		if notes != "" {
			inc.AddNote(notes)
		}
	}
	return inc.Clone(), nil
}
