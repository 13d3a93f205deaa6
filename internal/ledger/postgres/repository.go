// Package postgres provides PostgreSQL implementation of ledger.Repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/incident-autopilot/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements ledger.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Increment adds one restart for (day, workload). The upsert takes a row lock
// on the key, so concurrent increments of the same key are serialized.
func (r *Repository) Increment(ctx context.Context, day, workload string) (int, error) {
	if err := ledger.ValidateDay(day); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO restart_counts (day, workload, count)
		VALUES ($1::date, $2, 1)
		ON CONFLICT (day, workload) DO UPDATE SET count = restart_counts.count + 1
		RETURNING count
	`
	var count int
	if err := r.db.QueryRow(ctx, query, day, workload).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment restart count: %w", err)
	}
	return count, nil
}

// Get returns the count for (day, workload), zero when absent.
func (r *Repository) Get(ctx context.Context, day, workload string) (int, error) {
	if err := ledger.ValidateDay(day); err != nil {
		return 0, err
	}

	query := `SELECT count FROM restart_counts WHERE day = $1::date AND workload = $2`
	var count int
	err := r.db.QueryRow(ctx, query, day, workload).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get restart count: %w", err)
	}
	return count, nil
}

// List returns all counters inside rng.
func (r *Repository) List(ctx context.Context, rng ledger.DateRange) (ledger.Counts, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT day::text, workload, count
		FROM restart_counts
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if rng.From != "" {
		query += fmt.Sprintf(" AND day >= $%d::date", argNum)
		args = append(args, rng.From)
		argNum++
	}

	if rng.To != "" {
		query += fmt.Sprintf(" AND day <= $%d::date", argNum)
		args = append(args, rng.To)
	}

	query += " ORDER BY day, workload"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list restart counts: %w", err)
	}
	defer rows.Close()

	counts := ledger.Counts{}
	for rows.Next() {
		var (
			day      string
			workload string
			count    int
		)
		if err := rows.Scan(&day, &workload, &count); err != nil {
			return nil, fmt.Errorf("scan restart count: %w", err)
		}
		counts.Add(day, workload, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restart counts: %w", err)
	}

	return counts, nil
}
