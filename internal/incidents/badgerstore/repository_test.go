package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/bissquit/incident-autopilot/internal/pkg/badgerdb"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) (*Repository, *badgerdb.DB) {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), db
}

func newIncident(createdAt time.Time) *domain.Incident {
	return &domain.Incident{
		Issue: domain.Issue{
			Type:      domain.MetricCPU,
			Workload:  "w1",
			Namespace: "default",
			Value:     20,
			Threshold: 10,
		},
		CreatedAt:    createdAt.UTC(),
		ActionTaken:  domain.ActionRestartPod,
		RestartCount: 1,
	}
}

func TestRepository_CreateGetRoundTrip(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	inc := newIncident(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	inc.Ticket = &domain.ExternalRef{Number: 1, URL: "https://tracker/issues/1"}
	require.NoError(t, repo.Create(ctx, inc))

	got, err := repo.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc, got)
}

func TestRepository_CreateDuplicate(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	a := newIncident(time.Now())
	a.ID = "same"
	require.NoError(t, repo.Create(ctx, a))

	b := newIncident(time.Now())
	b.ID = "same"
	assert.ErrorIs(t, repo.Create(ctx, b), domain.ErrDuplicateIncident)
}

func TestRepository_ResolveIsIdempotent(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	inc := newIncident(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Create(ctx, inc))

	at := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	first, err := repo.Resolve(ctx, inc.ID, "", at)
	require.NoError(t, err)
	assert.True(t, first.Resolved)

	second, err := repo.Resolve(ctx, inc.ID, "", at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = repo.Resolve(ctx, "missing", "", at)
	assert.ErrorIs(t, err, domain.ErrIncidentNotFound)
}

func TestRepository_Query(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Create(ctx, newIncident(base.Add(time.Duration(i)*time.Minute))))
	}

	list, total, err := repo.Query(ctx, incidents.Filter{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, list, 3)
	assert.Equal(t, base.Add(3*time.Minute), list[0].CreatedAt)
	assert.Equal(t, base.Add(time.Minute), list[2].CreatedAt)
}

func TestRepository_CorruptRecord(t *testing.T) {
	repo, db := newRepo(t)
	ctx := context.Background()

	err := db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(incidentKey("bad"), []byte("{not json"))
	})
	require.NoError(t, err)

	_, err = repo.Get(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)

	_, _, err = repo.Query(ctx, incidents.Filter{})
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
}
