// Package postgres provides PostgreSQL implementation of incidents.Repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const selectColumns = `
	id, issue_type, workload, namespace, value, threshold, action_taken, restart_count,
	resolved, resolved_at, ticket_number, ticket_url, pr_number, pr_url, failed_step, notes, created_at
`

// Repository implements incidents.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts incident, assigning an id when empty. A caller-assigned id
// must be a UUID. CreatedAt is truncated to the column's microsecond
// precision so the caller's record matches what Get returns.
func (r *Repository) Create(ctx context.Context, incident *domain.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(incident.ID); err != nil {
		return fmt.Errorf("%w: incident id %q is not a UUID", domain.ErrDataIntegrity, incident.ID)
	}
	incident.CreatedAt = incident.CreatedAt.UTC().Truncate(time.Microsecond)

	ticketNumber, ticketURL := splitRef(incident.Ticket)
	prNumber, prURL := splitRef(incident.PullRequest)

	query := `
		INSERT INTO incidents (
			id, issue_type, workload, namespace, value, threshold, action_taken, restart_count,
			resolved, resolved_at, ticket_number, ticket_url, pr_number, pr_url, failed_step, notes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.Exec(ctx, query,
		incident.ID,
		incident.Issue.Type,
		incident.Issue.Workload,
		incident.Issue.Namespace,
		incident.Issue.Value,
		incident.Issue.Threshold,
		incident.ActionTaken,
		incident.RestartCount,
		incident.Resolved,
		incident.ResolvedAt,
		ticketNumber,
		ticketURL,
		prNumber,
		prURL,
		incident.FailedStep,
		incident.Notes,
		incident.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateIncident
		}
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// Get retrieves an incident by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Incident, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrIncidentNotFound
	}

	query := `SELECT ` + selectColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// Query returns matching incidents newest first and the total match count.
func (r *Repository) Query(ctx context.Context, filter incidents.Filter) ([]*domain.Incident, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argNum := 1

	if filter.Type != nil {
		where += fmt.Sprintf(" AND issue_type = $%d", argNum)
		args = append(args, *filter.Type)
		argNum++
	}

	if filter.Resolved != nil {
		where += fmt.Sprintf(" AND resolved = $%d", argNum)
		args = append(args, *filter.Resolved)
		argNum++
	}

	if filter.Workload != "" {
		where += fmt.Sprintf(" AND workload = $%d", argNum)
		args = append(args, filter.Workload)
		argNum++
	}

	if filter.Namespace != "" {
		where += fmt.Sprintf(" AND namespace = $%d", argNum)
		args = append(args, filter.Namespace)
		argNum++
	}

	if filter.Since != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM incidents`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count incidents: %w", err)
	}

	query := `SELECT ` + selectColumns + ` FROM incidents` + where + " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan incident: %w", err)
		}
		list = append(list, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate incidents: %w", err)
	}

	return list, total, nil
}

// Resolve marks the incident resolved. Only an unresolved row is updated, so
// a second call falls through to Get and returns the stored record.
func (r *Repository) Resolve(ctx context.Context, id string, notes string, at time.Time) (*domain.Incident, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrIncidentNotFound
	}

	query := `
		UPDATE incidents
		SET resolved = TRUE,
		    resolved_at = $2,
		    notes = CASE
		        WHEN $3::text = '' THEN notes
		        WHEN notes = '' THEN $3::text
		        ELSE notes || E'\n' || $3::text
		    END
		WHERE id = $1 AND resolved = FALSE
		RETURNING ` + selectColumns

	inc, err := scanIncident(r.db.QueryRow(ctx, query, id, at.UTC(), notes))
	if err == nil {
		return inc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolve incident: %w", err)
	}
	return r.Get(ctx, id)
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var (
		inc          domain.Incident
		ticketNumber *int
		ticketURL    *string
		prNumber     *int
		prURL        *string
	)
	err := row.Scan(
		&inc.ID,
		&inc.Issue.Type,
		&inc.Issue.Workload,
		&inc.Issue.Namespace,
		&inc.Issue.Value,
		&inc.Issue.Threshold,
		&inc.ActionTaken,
		&inc.RestartCount,
		&inc.Resolved,
		&inc.ResolvedAt,
		&ticketNumber,
		&ticketURL,
		&prNumber,
		&prURL,
		&inc.FailedStep,
		&inc.Notes,
		&inc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inc.Ticket = joinRef(ticketNumber, ticketURL)
	inc.PullRequest = joinRef(prNumber, prURL)
	inc.CreatedAt = inc.CreatedAt.UTC()
	if inc.ResolvedAt != nil {
		t := inc.ResolvedAt.UTC()
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func splitRef(ref *domain.ExternalRef) (*int, *string) {
	if ref == nil {
		return nil, nil
	}
	return &ref.Number, &ref.URL
}

func joinRef(number *int, url *string) *domain.ExternalRef {
	if number == nil {
		return nil
	}
	ref := &domain.ExternalRef{Number: *number}
	if url != nil {
		ref.URL = *url
	}
	return ref
}
