package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/incident-autopilot/internal/codefix"
	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	incidentsmemory "github.com/bissquit/incident-autopilot/internal/incidents/memory"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	ledgermemory "github.com/bissquit/incident-autopilot/internal/ledger/memory"
	"github.com/bissquit/incident-autopilot/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCollector struct {
	issues map[string]*domain.Issue
	err    error
	// gate, when set, blocks Collect until closed.
	gate    chan struct{}
	entered chan struct{}
	panics  bool
}

func (s *stubCollector) Collect(_ context.Context, ref domain.WorkloadRef) (*domain.Issue, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.panics {
		panic("collector exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	issue, ok := s.issues[ref.Name]
	if !ok {
		return nil, nil
	}
	c := *issue
	return &c, nil
}

type stubLister struct {
	refs []domain.WorkloadRef
	err  error
}

func (s *stubLister) ListWorkloads(context.Context, string) ([]domain.WorkloadRef, error) {
	return s.refs, s.err
}

type stubRemediator struct {
	calls  atomic.Int32
	ledger ledger.Repository
	store  incidents.Repository
	err    error
}

func (s *stubRemediator) Remediate(ctx context.Context, issue domain.Issue) (*domain.Incident, error) {
	s.calls.Add(1)
	if s.err != nil {
		inc := &domain.Incident{Issue: issue, ActionTaken: domain.ActionNone, CreatedAt: time.Now()}
		_ = s.store.Create(ctx, inc)
		return inc, s.err
	}
	n, err := s.ledger.Increment(ctx, ledger.Day(time.Now()), issue.Ref().String())
	if err != nil {
		return nil, err
	}
	inc := &domain.Incident{Issue: issue, ActionTaken: domain.ActionRestartPod, RestartCount: n, CreatedAt: time.Now()}
	return inc, s.store.Create(ctx, inc)
}

type stubAnalyzer struct {
	calls   atomic.Int32
	history codefix.History
	store   incidents.Repository
}

func (s *stubAnalyzer) AnalyzeAndFix(ctx context.Context, issue domain.Issue, h codefix.History) (*domain.Incident, error) {
	s.calls.Add(1)
	s.history = h
	inc := &domain.Incident{
		Issue:        issue,
		ActionTaken:  domain.ActionEscalateAnalysis,
		RestartCount: h.RestartCount,
		PullRequest:  &domain.ExternalRef{Number: 1, URL: "https://git.example/pull/1"},
		CreatedAt:    time.Now(),
	}
	return inc, s.store.Create(ctx, inc)
}

type brokenStore struct {
	incidents.Repository
}

func (brokenStore) Query(context.Context, incidents.Filter) ([]*domain.Incident, int, error) {
	return nil, 0, errors.New("connection refused")
}

type brokenLedger struct {
	ledger.Repository
}

func (brokenLedger) List(context.Context, ledger.DateRange) (ledger.Counts, error) {
	return nil, errors.New("store unavailable")
}

type fixture struct {
	coordinator *Coordinator
	collector   *stubCollector
	lister      *stubLister
	remediator  *stubRemediator
	analyzer    *stubAnalyzer
	ledger      ledger.Repository
	incidents   incidents.Repository
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	led := ledgermemory.NewRepository()
	store := incidentsmemory.NewRepository()
	f := &fixture{
		collector:  &stubCollector{issues: map[string]*domain.Issue{}},
		lister:     &stubLister{},
		remediator: &stubRemediator{ledger: led, store: store},
		analyzer:   &stubAnalyzer{store: store},
		ledger:     led,
		incidents:  store,
	}
	if cfg.Thresholds == (policy.Thresholds{}) {
		cfg.Thresholds = policy.DefaultThresholds()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	f.coordinator = NewCoordinator(Deps{
		Collector:  f.collector,
		Workloads:  f.lister,
		Remediator: f.remediator,
		Analyzer:   f.analyzer,
		Ledger:     led,
		Incidents:  store,
	}, cfg)
	return f
}

func (f *fixture) breach(workload string, value float64) {
	f.collector.issues[workload] = &domain.Issue{
		Type:      domain.MetricCPU,
		Workload:  workload,
		Namespace: "default",
		Value:     value,
		Threshold: 10,
	}
}

func (f *fixture) seedRestarts(t *testing.T, workload string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.ledger.Increment(context.Background(), ledger.Day(time.Now()), "default/"+workload)
		require.NoError(t, err)
	}
}

func TestCoordinator_NoIssue(t *testing.T) {
	f := newFixture(t, Config{})

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})

	assert.Equal(t, StatusNoop, res.Status)
	assert.Equal(t, "w1", res.Workload)
	assert.Equal(t, "default", res.Namespace)
	assert.Nil(t, res.Incident)
	assert.Equal(t, []policy.State{policy.StateIdle, policy.StateIdle}, res.States)
	assert.Zero(t, f.remediator.calls.Load())
}

func TestCoordinator_Remediates(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 20)

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})

	require.Equal(t, StatusSuccess, res.Status, res.Message)
	assert.Equal(t, policy.ActionRemediate, res.Action)
	assert.Equal(t, domain.SeverityHigh, res.Severity)
	require.NotNil(t, res.Incident)
	assert.Equal(t, domain.ActionRestartPod, res.Incident.ActionTaken)
	assert.Equal(t, []policy.State{
		policy.StateIdle,
		policy.StateIssueDetected,
		policy.StateRestartPending,
		policy.StateResolved,
	}, res.States)
}

func TestCoordinator_EscalatesAtThreshold(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 13)
	f.seedRestarts(t, "w1", 4)

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})

	require.Equal(t, StatusSuccess, res.Status, res.Message)
	assert.Equal(t, policy.ActionEscalate, res.Action)
	assert.Equal(t, int32(1), f.analyzer.calls.Load())
	assert.Zero(t, f.remediator.calls.Load())
	assert.Equal(t, 4, f.analyzer.history.RestartCount)
	assert.Contains(t, res.States, policy.StateEscalationPending)
}

func TestCoordinator_KeepsEscalatingWhileFixAwaitsReview(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 13)
	f.seedRestarts(t, "w1", 4)

	first := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	require.Equal(t, StatusSuccess, first.Status, first.Message)
	assert.Empty(t, f.analyzer.history.OpenFixes)

	second := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	require.Equal(t, StatusSuccess, second.Status, second.Message)
	assert.Equal(t, policy.ActionEscalate, second.Action)
	assert.Equal(t, int32(2), f.analyzer.calls.Load())
	require.Len(t, f.analyzer.history.OpenFixes, 1)
	assert.Equal(t, "https://git.example/pull/1", f.analyzer.history.OpenFixes[0].URL)

	_, err := f.coordinator.ResolveIncident(context.Background(), first.Incident.ID, "merged")
	require.NoError(t, err)
	_, err = f.coordinator.ResolveIncident(context.Background(), second.Incident.ID, "merged")
	require.NoError(t, err)

	third := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	assert.Equal(t, policy.ActionEscalate, third.Action)
	assert.Empty(t, f.analyzer.history.OpenFixes)
}

func TestCoordinator_PassesRecentIncidentsToAnalysis(t *testing.T) {
	f := newFixture(t, Config{Thresholds: policy.Thresholds{AnalysisThreshold: 2, MaxRestartsPerDay: 10}})
	f.breach("w1", 13)

	for i := 0; i < 2; i++ {
		res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
		require.Equal(t, policy.ActionRemediate, res.Action)
	}

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	require.Equal(t, policy.ActionEscalate, res.Action)
	assert.Len(t, f.analyzer.history.Recent, 2)
}

func TestCoordinator_PathFailureIsError(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 20)
	f.remediator.err = domain.ErrRemediationFailed

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})

	assert.Equal(t, StatusError, res.Status)
	require.NotNil(t, res.Incident)
	assert.Equal(t, domain.ActionNone, res.Incident.ActionTaken)
	assert.Equal(t, policy.StateResolved, res.States[len(res.States)-1])
}

func TestCoordinator_DataIntegrityIsDegraded(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 20)
	f.remediator.err = domain.ErrDuplicateIncident

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestCoordinator_CollectorFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.collector.err = domain.ErrTransientExternal

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Message, "collect")
}

func TestCoordinator_StagePanicBecomesError(t *testing.T) {
	f := newFixture(t, Config{})
	f.collector.panics = true

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Message, "collector exploded")
	assert.Empty(t, f.coordinator.Status().InFlight)
}

func TestCoordinator_BusyRejection(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 20)
	f.collector.gate = make(chan struct{})
	f.collector.entered = make(chan struct{}, 2)

	var wg sync.WaitGroup
	var first Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	}()

	<-f.collector.entered
	assert.Equal(t, []string{"default/w1"}, f.coordinator.Status().InFlight)

	second := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1", Force: true})
	assert.Equal(t, StatusBusy, second.Status)

	close(f.collector.gate)
	wg.Wait()

	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, int32(1), f.remediator.calls.Load())
	assert.Empty(t, f.coordinator.Status().InFlight)
}

func TestCoordinator_ConcurrentTriggersRunOnePath(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 20)
	f.collector.gate = make(chan struct{})
	f.collector.entered = make(chan struct{}, 2)

	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
		}()
	}

	// one trigger holds the lock inside the collector; the other returns at once
	<-f.collector.entered
	rejected := <-results
	close(f.collector.gate)
	accepted := <-results

	assert.Equal(t, StatusBusy, rejected.Status)
	assert.Equal(t, StatusSuccess, accepted.Status)
	assert.Equal(t, int32(1), f.remediator.calls.Load())

	n, err := f.ledger.Get(context.Background(), ledger.Day(time.Now()), "default/w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCoordinator_Cooldown(t *testing.T) {
	f := newFixture(t, Config{MinInterval: time.Hour})
	f.breach("w1", 20)

	first := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	require.Equal(t, StatusSuccess, first.Status)

	second := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	assert.Equal(t, StatusCooldown, second.Status)
	assert.Equal(t, int32(1), f.remediator.calls.Load())

	forced := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1", Force: true})
	assert.Equal(t, StatusSuccess, forced.Status)
	assert.Equal(t, int32(2), f.remediator.calls.Load())

	other := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w2"})
	assert.Equal(t, StatusNoop, other.Status)
}

func TestCoordinator_AllWorkloads(t *testing.T) {
	f := newFixture(t, Config{})
	f.lister.refs = []domain.WorkloadRef{
		{Namespace: "default", Name: "w1"},
		{Namespace: "default", Name: "w2"},
		{Namespace: "default", Name: "w3"},
	}
	f.breach("w1", 20)
	f.breach("w3", 11)

	res := f.coordinator.RunCycle(context.Background(), Trigger{})

	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "w1", res.Results[0].Workload)
	assert.Equal(t, StatusSuccess, res.Results[0].Status)
	assert.Equal(t, StatusNoop, res.Results[1].Status)
	assert.Equal(t, StatusSuccess, res.Results[2].Status)
	assert.Equal(t, int32(2), f.remediator.calls.Load())
	assert.NotNil(t, f.coordinator.Status().LastRunAt)
}

func TestCoordinator_AllWorkloadsListingFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.lister.err = errors.New("forbidden")

	res := f.coordinator.RunCycle(context.Background(), Trigger{})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Message, "forbidden")
}

func TestCoordinator_ListIncidentsDegrades(t *testing.T) {
	f := newFixture(t, Config{})
	f.coordinator.deps.Incidents = brokenStore{}

	list := f.coordinator.ListIncidents(context.Background(), incidents.Filter{})
	assert.True(t, list.Degraded)
	assert.NotNil(t, list.Incidents)
	assert.Empty(t, list.Incidents)
	assert.Zero(t, list.Total)
}

func TestCoordinator_ListIncidents(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 20)
	f.breach("w2", 20)
	f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w2"})

	list := f.coordinator.ListIncidents(context.Background(), incidents.Filter{Limit: 1})
	assert.False(t, list.Degraded)
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.Incidents, 1)
	assert.Equal(t, "w2", list.Incidents[0].Issue.Workload)
}

func TestCoordinator_RestartCounts(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRestarts(t, "w1", 2)
	today := ledger.Day(time.Now())

	report, err := f.coordinator.RestartCounts(context.Background(), ledger.DateRange{From: today, To: today})
	require.NoError(t, err)
	assert.False(t, report.Degraded)
	assert.Equal(t, 2, report.Counts[today]["default/w1"])

	_, err = f.coordinator.RestartCounts(context.Background(), ledger.DateRange{From: "yesterday"})
	require.ErrorIs(t, err, ledger.ErrInvalidDay)
}

func TestCoordinator_RestartCountsDegrades(t *testing.T) {
	f := newFixture(t, Config{})
	f.coordinator.deps.Ledger = brokenLedger{}

	report, err := f.coordinator.RestartCounts(context.Background(), ledger.DateRange{})
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.NotNil(t, report.Counts)
	assert.Empty(t, report.Counts)

	_, err = f.coordinator.RestartCounts(context.Background(), ledger.DateRange{From: "2026-03-10", To: "2026-03-01"})
	require.ErrorIs(t, err, ledger.ErrInvalidRange)
}

func TestCoordinator_ResolveIncident(t *testing.T) {
	f := newFixture(t, Config{})
	f.breach("w1", 20)
	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	require.NotNil(t, res.Incident)

	inc, err := f.coordinator.ResolveIncident(context.Background(), res.Incident.ID, "")
	require.NoError(t, err)
	assert.True(t, inc.Resolved)
	require.NotNil(t, inc.ResolvedAt)

	again, err := f.coordinator.ResolveIncident(context.Background(), res.Incident.ID, "")
	require.NoError(t, err)
	assert.Equal(t, inc.ResolvedAt, again.ResolvedAt)

	_, err = f.coordinator.ResolveIncident(context.Background(), "missing", "")
	require.ErrorIs(t, err, domain.ErrIncidentNotFound)
}

func TestCoordinator_AutoRun(t *testing.T) {
	f := newFixture(t, Config{AutoRun: true, PollInterval: time.Minute})

	st := f.coordinator.Status()
	assert.True(t, st.AutoRun)
	assert.Equal(t, "1m0s", st.PollInterval)
	assert.Nil(t, st.LastRunAt)
	assert.Empty(t, st.InFlight)

	st = f.coordinator.SetAutoRun(false)
	assert.False(t, st.AutoRun)
	assert.False(t, f.coordinator.AutoRun())
}

type recordingNotifier struct {
	mu        sync.Mutex
	incidents []*domain.Incident
	err       error
}

func (n *recordingNotifier) NotifyIncident(_ context.Context, inc *domain.Incident) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incidents = append(n.incidents, inc)
	return n.err
}

func TestCoordinator_NotifiesRecordedIncidents(t *testing.T) {
	f := newFixture(t, Config{})
	notifier := &recordingNotifier{}
	f.coordinator.deps.Notifier = notifier

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "idle"})
	require.Equal(t, StatusNoop, res.Status)
	assert.Empty(t, notifier.incidents)

	f.breach("w1", 20)
	res = f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})
	require.Equal(t, StatusSuccess, res.Status)
	require.Len(t, notifier.incidents, 1)
	assert.Equal(t, domain.ActionRestartPod, notifier.incidents[0].ActionTaken)
}

func TestCoordinator_NotificationFailureKeepsResult(t *testing.T) {
	f := newFixture(t, Config{})
	f.coordinator.deps.Notifier = &recordingNotifier{err: errors.New("webhook down")}
	f.breach("w1", 20)

	res := f.coordinator.RunCycle(context.Background(), Trigger{Workload: "w1"})

	assert.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Incident)
}
