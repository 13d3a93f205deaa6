package engine

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	"github.com/bissquit/incident-autopilot/internal/pkg/auth"
	"github.com/bissquit/incident-autopilot/internal/pkg/httputil"
	"github.com/bissquit/incident-autopilot/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specPath = "../../api/openapi/openapi.yaml"

type envelope[T any] struct {
	Data T `json:"data"`
}

type apiFixture struct {
	*fixture
	client *testutil.Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := newFixture(t, Config{PollInterval: time.Minute})
	authenticator, err := auth.NewAuthenticator("test-secret")
	require.NoError(t, err)

	h := NewHandler(f.coordinator)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		h.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(authenticator))
			h.RegisterOperatorRoutes(r)
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	token, err := authenticator.IssueToken("oncall", time.Hour)
	require.NoError(t, err)

	return &apiFixture{
		fixture: f,
		client:  testutil.NewClientWithValidation(t, srv.URL, specPath).WithToken(token),
	}
}

func TestHandler_RunCycle(t *testing.T) {
	api := newAPIFixture(t)
	api.breach("w1", 20)

	resp, err := api.client.POST("/api/v1/cycles", Trigger{Workload: "w1"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body envelope[Result]
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, StatusSuccess, body.Data.Status)
	require.NotNil(t, body.Data.Incident)
	assert.Equal(t, domain.ActionRestartPod, body.Data.Incident.ActionTaken)
}

func TestHandler_RunCycleWithoutBody(t *testing.T) {
	api := newAPIFixture(t)
	api.lister.refs = []domain.WorkloadRef{{Namespace: "default", Name: "w1"}}

	resp, err := api.client.POST("/api/v1/cycles", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body envelope[Result]
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, StatusNoop, body.Data.Status)
	assert.Len(t, body.Data.Results, 1)
}

func TestHandler_RunCycleCooldown(t *testing.T) {
	api := newAPIFixture(t)
	api.coordinator.config.MinInterval = time.Hour
	api.breach("w1", 20)

	resp, err := api.client.POST("/api/v1/cycles", Trigger{Workload: "w1"})
	require.NoError(t, err)
	_ = testutil.ReadBody(t, resp)

	resp, err = api.client.POST("/api/v1/cycles", Trigger{Workload: "w1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)
}

func TestHandler_RunCycleRequiresToken(t *testing.T) {
	api := newAPIFixture(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"invalid", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := api.client.WithToken(tt.token).POST("/api/v1/cycles", Trigger{Workload: "w1"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			_ = testutil.ReadBody(t, resp)
		})
	}
	assert.Zero(t, api.remediator.calls.Load())
}

func TestHandler_AgentStatusAndAutoRun(t *testing.T) {
	api := newAPIFixture(t)

	resp, err := api.client.PUT("/api/v1/agent/auto-run", map[string]bool{"enabled": true})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated envelope[AgentStatus]
	testutil.DecodeJSON(t, resp, &updated)
	assert.True(t, updated.Data.AutoRun)

	resp, err = api.client.GET("/api/v1/agent/status")
	require.NoError(t, err)
	var status envelope[AgentStatus]
	testutil.DecodeJSON(t, resp, &status)
	assert.True(t, status.Data.AutoRun)
	assert.Equal(t, "1m0s", status.Data.PollInterval)
	assert.Empty(t, status.Data.InFlight)

	resp, err = api.client.WithoutValidation().PUT("/api/v1/agent/auto-run", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)
}

func TestHandler_IncidentLifecycle(t *testing.T) {
	api := newAPIFixture(t)
	api.breach("w1", 20)
	api.coordinator.RunCycle(t.Context(), Trigger{Workload: "w1"})

	resp, err := api.client.GET("/api/v1/incidents?type=cpu&resolved=false&limit=10")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list envelope[IncidentList]
	testutil.DecodeJSON(t, resp, &list)
	require.Equal(t, 1, list.Data.Total)
	id := list.Data.Incidents[0].ID

	resp, err = api.client.GET("/api/v1/incidents/" + id)
	require.NoError(t, err)
	var got envelope[*domain.Incident]
	testutil.DecodeJSON(t, resp, &got)
	assert.Equal(t, id, got.Data.ID)

	resp, err = api.client.POST("/api/v1/incidents/"+id+"/resolve", ResolveRequest{Notes: "memory leak fixed"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resolved envelope[*domain.Incident]
	testutil.DecodeJSON(t, resp, &resolved)
	assert.True(t, resolved.Data.Resolved)
	assert.Contains(t, resolved.Data.Notes, "memory leak fixed")

	resp, err = api.client.GET("/api/v1/incidents?resolved=false")
	require.NoError(t, err)
	var open envelope[IncidentList]
	testutil.DecodeJSON(t, resp, &open)
	assert.Zero(t, open.Data.Total)
	assert.NotNil(t, open.Data.Incidents)
}

func TestHandler_IncidentNotFound(t *testing.T) {
	api := newAPIFixture(t)

	resp, err := api.client.GET("/api/v1/incidents/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	resp, err = api.client.POST("/api/v1/incidents/missing/resolve", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)
}

func TestHandler_ListIncidentsBadParams(t *testing.T) {
	api := newAPIFixture(t)
	client := api.client.WithoutValidation()

	for _, query := range []string{"type=disk", "resolved=maybe", "since=yesterday", "limit=0", "limit=abc"} {
		t.Run(query, func(t *testing.T) {
			resp, err := client.GET("/api/v1/incidents?" + query)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			_ = testutil.ReadBody(t, resp)
		})
	}
}

func TestHandler_ListIncidentsDegrades(t *testing.T) {
	api := newAPIFixture(t)
	api.coordinator.deps.Incidents = brokenStore{}

	resp, err := api.client.GET("/api/v1/incidents")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list envelope[IncidentList]
	testutil.DecodeJSON(t, resp, &list)
	assert.True(t, list.Data.Degraded)
	assert.Empty(t, list.Data.Incidents)
}

func TestHandler_RestartCounts(t *testing.T) {
	api := newAPIFixture(t)
	api.seedRestarts(t, "w1", 3)
	today := ledger.Day(time.Now())

	resp, err := api.client.GET("/api/v1/restart-counts?from=" + today + "&to=" + today)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body envelope[struct {
		Counts ledger.Counts `json:"counts"`
	}]
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, 3, body.Data.Counts[today]["default/w1"])

	resp, err = api.client.WithoutValidation().GET("/api/v1/restart-counts?from=2026-03-10&to=2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)
}

func TestHandler_RestartCountsDegrades(t *testing.T) {
	api := newAPIFixture(t)
	api.coordinator.deps.Ledger = brokenLedger{}

	resp, err := api.client.GET("/api/v1/restart-counts")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body envelope[RestartCountsReport]
	testutil.DecodeJSON(t, resp, &body)
	assert.True(t, body.Data.Degraded)
	assert.Empty(t, body.Data.Counts)
}
