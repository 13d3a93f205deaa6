package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordDBPoolMetrics updates the pool gauges from a pgx pool snapshot.
// A nil pool, as with the memory and badger backends, is ignored.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	stats := pool.Stat()

	for state, n := range map[string]int32{
		"in_use":       stats.AcquiredConns(),
		"idle":         stats.IdleConns(),
		"constructing": stats.ConstructingConns(),
		"max":          stats.MaxConns(),
	} {
		DBPoolConnections.WithLabelValues(state).Set(float64(n))
	}
}
