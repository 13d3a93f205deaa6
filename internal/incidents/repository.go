// Package incidents provides the incident store.
package incidents

import (
	"context"
	"sort"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
)

// Repository defines incident storage.
//
// Create assigns an id when the incident has none and fails with
// domain.ErrDuplicateIncident on collision. Resolve is idempotent: resolving a
// resolved incident returns the stored record unchanged.
type Repository interface {
	Create(ctx context.Context, incident *domain.Incident) error
	Get(ctx context.Context, id string) (*domain.Incident, error)
	Query(ctx context.Context, filter Filter) ([]*domain.Incident, int, error)
	Resolve(ctx context.Context, id string, notes string, at time.Time) (*domain.Incident, error)
}

// Filter selects incidents. Zero values match everything.
type Filter struct {
	Type      *domain.MetricType
	Resolved  *bool
	Workload  string
	Namespace string
	// Since matches incidents created at or after the given time.
	Since *time.Time
	Limit int
}

// Matches reports whether inc passes the filter, ignoring Limit.
func (f Filter) Matches(inc *domain.Incident) bool {
	if f.Type != nil && inc.Issue.Type != *f.Type {
		return false
	}
	if f.Resolved != nil && inc.Resolved != *f.Resolved {
		return false
	}
	if f.Workload != "" && inc.Issue.Workload != f.Workload {
		return false
	}
	if f.Namespace != "" && inc.Issue.Namespace != f.Namespace {
		return false
	}
	if f.Since != nil && inc.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Apply filters, orders newest first and truncates list. It returns the page
// and the number of matches before truncation. Input order breaks ties in
// created_at: later entries count as newer.
func (f Filter) Apply(list []*domain.Incident) ([]*domain.Incident, int) {
	matched := make([]*domain.Incident, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if f.Matches(list[i]) {
			matched = append(matched, list[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total
}
