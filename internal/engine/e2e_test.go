package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/incident-autopilot/internal/codefix"
	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	incidentsmemory "github.com/bissquit/incident-autopilot/internal/incidents/memory"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	ledgermemory "github.com/bissquit/incident-autopilot/internal/ledger/memory"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/bissquit/incident-autopilot/internal/policy"
	"github.com/bissquit/incident-autopilot/internal/remediation"
	"github.com/bissquit/incident-autopilot/internal/signals"
	"github.com/bissquit/incident-autopilot/internal/tickets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster plays the metrics provider, the orchestration platform, the
// issue tracker, the reasoning engine and the annotator.
type fakeCluster struct {
	mu sync.Mutex

	cpu       map[string]float64
	restarts  []string
	branches  []string
	prs       int
	issues    int
	llmOutput string
}

func (f *fakeCluster) Query(_ context.Context, ref domain.WorkloadRef, metric domain.MetricType) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if metric != domain.MetricCPU {
		return 0, domain.ErrNoData
	}
	v, ok := f.cpu[ref.Name]
	if !ok {
		return 0, domain.ErrNoData
	}
	return v, nil
}

func (f *fakeCluster) Restart(_ context.Context, ref domain.WorkloadRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, ref.String())
	return nil
}

func (f *fakeCluster) ListWorkloads(context.Context, string) ([]domain.WorkloadRef, error) {
	return []domain.WorkloadRef{{Namespace: "default", Name: "w1"}}, nil
}

func (f *fakeCluster) GetLogs(context.Context, domain.WorkloadRef, int) (string, error) {
	return "busy loop detected\n", nil
}

func (f *fakeCluster) GetSource(context.Context, domain.WorkloadRef) (domain.SourceSnapshot, error) {
	return domain.SourceSnapshot{Files: map[string]string{"main.py": "while True: pass\n"}}, nil
}

func (f *fakeCluster) CreateIssue(context.Context, domain.TicketPayload) (domain.ExternalRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues++
	return domain.ExternalRef{Number: f.issues, URL: "https://git.example/issues"}, nil
}

func (f *fakeCluster) CreateBranch(_ context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, name)
	return nil
}

func (f *fakeCluster) CommitFiles(context.Context, string, string, []domain.FileChange) error {
	return nil
}

func (f *fakeCluster) CreatePullRequest(context.Context, domain.PullRequestPayload) (domain.ExternalRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs++
	return domain.ExternalRef{Number: 100 + f.prs, URL: "https://git.example/pull"}, nil
}

func (f *fakeCluster) Complete(context.Context, string, []domain.Message) (string, error) {
	return f.llmOutput, nil
}

func (f *fakeCluster) Annotate(context.Context, domain.Annotation) error {
	return nil
}

type system struct {
	coordinator *Coordinator
	cluster     *fakeCluster
	ledger      *ledgermemory.Repository
	incidents   *incidentsmemory.Repository
}

func newSystem(t *testing.T, cpuThreshold float64) *system {
	t.Helper()

	renderer, err := tickets.NewRenderer()
	require.NoError(t, err)

	retryCfg := retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	s := &system{
		cluster:   &fakeCluster{cpu: map[string]float64{}},
		ledger:    ledgermemory.NewRepository(),
		incidents: incidentsmemory.NewRepository(),
	}

	collector := signals.NewCollector(s.cluster, signals.Thresholds{CPU: cpuThreshold, Memory: 512}, retryCfg, nil)
	executor := remediation.NewExecutor(remediation.Deps{
		Platform:  s.cluster,
		Ledger:    s.ledger,
		Incidents: s.incidents,
		Tracker:   s.cluster,
		Annotator: s.cluster,
		Renderer:  renderer,
	}, retryCfg)
	pipeline := codefix.NewPipeline(codefix.Deps{
		Platform:  s.cluster,
		Engine:    s.cluster,
		Host:      s.cluster,
		Annotator: s.cluster,
		Incidents: s.incidents,
		Renderer:  renderer,
	}, codefix.Config{}, retryCfg)

	s.coordinator = NewCoordinator(Deps{
		Collector:  collector,
		Workloads:  s.cluster,
		Remediator: executor,
		Analyzer:   pipeline,
		Ledger:     s.ledger,
		Incidents:  s.incidents,
	}, Config{
		Thresholds: policy.DefaultThresholds(),
		Namespace:  "default",
		Retry:      retryCfg,
	})
	return s
}

func TestEndToEnd_HighCPURestartsWorkload(t *testing.T) {
	s := newSystem(t, 10)
	s.cluster.cpu["w1"] = 20
	ctx := context.Background()
	today := ledger.Day(time.Now())

	before, err := s.ledger.Get(ctx, today, "default/w1")
	require.NoError(t, err)
	require.Zero(t, before)

	res := s.coordinator.RunCycle(ctx, Trigger{Workload: "w1"})

	require.Equal(t, StatusSuccess, res.Status, res.Message)
	assert.Equal(t, domain.SeverityHigh, res.Severity)
	assert.Equal(t, policy.ActionRemediate, res.Action)

	require.NotNil(t, res.Incident)
	assert.Equal(t, domain.ActionRestartPod, res.Incident.ActionTaken)
	assert.False(t, res.Incident.Resolved)
	assert.InDelta(t, 2.0, res.Incident.Issue.Ratio(), 1e-9)

	after, err := s.ledger.Get(ctx, today, "default/w1")
	require.NoError(t, err)
	assert.Equal(t, 1, after)
	assert.Equal(t, []string{"default/w1"}, s.cluster.restarts)

	list := s.coordinator.ListIncidents(ctx, incidents.Filter{})
	assert.Equal(t, 1, list.Total)
}

func TestEndToEnd_MalformedAnalysisOpensNothing(t *testing.T) {
	s := newSystem(t, 10)
	s.cluster.cpu["w1"] = 20
	s.cluster.llmOutput = "I am not sure what is going on here."
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.ledger.Increment(ctx, ledger.Day(time.Now()), "default/w1")
		require.NoError(t, err)
	}

	res := s.coordinator.RunCycle(ctx, Trigger{Workload: "w1"})

	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, policy.ActionEscalate, res.Action)
	require.NotNil(t, res.Incident)
	assert.Equal(t, domain.ActionAnalysisFailed, res.Incident.ActionTaken)
	assert.Nil(t, res.Incident.PullRequest)

	assert.Empty(t, s.cluster.branches)
	assert.Zero(t, s.cluster.prs)
	assert.Empty(t, s.cluster.restarts)

	stored, err := s.incidents.Get(ctx, res.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAnalysisFailed, stored.ActionTaken)
}

func TestEndToEnd_SuccessfulAnalysisThenFollowUpEscalation(t *testing.T) {
	s := newSystem(t, 10)
	s.cluster.cpu["w1"] = 20
	s.cluster.llmOutput = `{"diagnosis":"busy loop","fix_description":"sleep between polls",` +
		`"patches":[{"path":"main.py","content":"import time\nwhile True: time.sleep(1)\n"}]}`
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.ledger.Increment(ctx, ledger.Day(time.Now()), "default/w1")
		require.NoError(t, err)
	}

	res := s.coordinator.RunCycle(ctx, Trigger{})
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	require.Len(t, res.Results, 1)
	inc := res.Results[0].Incident
	require.NotNil(t, inc)
	assert.Equal(t, domain.ActionEscalateAnalysis, inc.ActionTaken)
	require.NotNil(t, inc.PullRequest)
	assert.Equal(t, 101, inc.PullRequest.Number)

	again := s.coordinator.RunCycle(ctx, Trigger{Workload: "w1"})
	require.Equal(t, StatusSuccess, again.Status, again.Message)
	assert.Equal(t, policy.ActionEscalate, again.Action)
	assert.Equal(t, 2, s.cluster.prs)
	require.NotNil(t, again.Incident)
	assert.Contains(t, again.Incident.Notes, "earlier fix still awaiting review: "+inc.PullRequest.URL)
}
