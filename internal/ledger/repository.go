// Package ledger provides the per-day, per-workload restart counter.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// DayLayout is the ISO date format of ledger day keys.
const DayLayout = "2006-01-02"

// Counts maps day -> workload -> restart count.
type Counts map[string]map[string]int

// Add sets the count of workload on day.
func (c Counts) Add(day, workload string, count int) {
	byWorkload, ok := c[day]
	if !ok {
		byWorkload = make(map[string]int)
		c[day] = byWorkload
	}
	byWorkload[workload] = count
}

// DateRange bounds a List call. Both ends are inclusive ISO days; an empty
// bound is open.
type DateRange struct {
	From string
	To   string
}

// Contains reports whether day falls inside the range.
func (r DateRange) Contains(day string) bool {
	if r.From != "" && day < r.From {
		return false
	}
	if r.To != "" && day > r.To {
		return false
	}
	return true
}

// Validate checks that both bounds are ISO days and From <= To.
func (r DateRange) Validate() error {
	if r.From != "" {
		if err := ValidateDay(r.From); err != nil {
			return err
		}
	}
	if r.To != "" {
		if err := ValidateDay(r.To); err != nil {
			return err
		}
	}
	if r.From != "" && r.To != "" && r.From > r.To {
		return fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

// Day returns the UTC ledger key for t.
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ValidateDay checks that day is an ISO date.
func ValidateDay(day string) error {
	if _, err := time.Parse(DayLayout, day); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}
	return nil
}

// Repository defines restart ledger storage.
//
// Increment is an atomic read-increment-write: concurrent increments of the
// same (day, workload) key are serialized, increments of different keys never
// block each other. A key that was never incremented reads as zero.
type Repository interface {
	Increment(ctx context.Context, day, workload string) (int, error)
	Get(ctx context.Context, day, workload string) (int, error)
	List(ctx context.Context, r DateRange) (Counts, error)
}
