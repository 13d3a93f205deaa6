// Package engine runs decision cycles: it collects signals, consults the
// restart history, picks a remediation path and reports a uniform result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/incident-autopilot/internal/codefix"
	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	"github.com/bissquit/incident-autopilot/internal/pkg/ctxlog"
	"github.com/bissquit/incident-autopilot/internal/pkg/metrics"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/bissquit/incident-autopilot/internal/pkg/telemetry"
	"github.com/bissquit/incident-autopilot/internal/policy"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var errCooldown = errors.New("workload cycle in cooldown")

const (
	defaultHistoryLimit   = 5
	defaultMaxConcurrency = 4
)

// Collector detects the dominant issue of a workload.
type Collector interface {
	Collect(ctx context.Context, workload domain.WorkloadRef) (*domain.Issue, error)
}

// WorkloadLister enumerates the workloads of a namespace.
type WorkloadLister interface {
	ListWorkloads(ctx context.Context, namespace string) ([]domain.WorkloadRef, error)
}

// Remediator runs the restart path.
type Remediator interface {
	Remediate(ctx context.Context, issue domain.Issue) (*domain.Incident, error)
}

// Analyzer runs the code-fix path.
type Analyzer interface {
	AnalyzeAndFix(ctx context.Context, issue domain.Issue, history codefix.History) (*domain.Incident, error)
}

// Notifier announces recorded incidents.
type Notifier interface {
	NotifyIncident(ctx context.Context, inc *domain.Incident) error
}

// Deps are the collaborators of a Coordinator. Notifier is optional.
type Deps struct {
	Collector  Collector
	Workloads  WorkloadLister
	Remediator Remediator
	Analyzer   Analyzer
	Ledger     ledger.Repository
	Incidents  incidents.Repository
	Events     telemetry.Emitter
	Notifier   Notifier
}

// Config holds coordinator configuration.
type Config struct {
	Thresholds policy.Thresholds
	// Namespace is used when a trigger names none.
	Namespace string
	// MinInterval is the cooldown between two manual cycles of the same workload.
	MinInterval    time.Duration
	PollInterval   time.Duration
	AutoRun        bool
	HistoryLimit   int
	MaxConcurrency int
	Retry          retry.Config
}

// Trigger requests a cycle. An empty Workload covers every workload of the namespace.
type Trigger struct {
	Workload  string `json:"workload,omitempty" validate:"omitempty,max=253"`
	Namespace string `json:"namespace,omitempty" validate:"omitempty,max=63"`
	// Force skips the cooldown. It never skips the run lock.
	Force bool `json:"force,omitempty"`
	// Scheduled marks poll-driven triggers. The poll interval paces them, so
	// the cooldown does not apply.
	Scheduled bool `json:"-"`
}

// IncidentList is a page of incidents.
type IncidentList struct {
	Incidents []*domain.Incident `json:"incidents"`
	Total     int                `json:"total"`
	// Degraded is set when the store could not be read.
	Degraded bool `json:"degraded,omitempty"`
}

// RestartCountsReport is the result of a restart-count query.
type RestartCountsReport struct {
	Counts ledger.Counts `json:"counts"`
	// Degraded is set when the ledger could not be read.
	Degraded bool `json:"degraded,omitempty"`
}

// AgentStatus describes the coordinator.
type AgentStatus struct {
	AutoRun      bool       `json:"auto_run"`
	PollInterval string     `json:"poll_interval"`
	LastRunAt    *time.Time `json:"last_run_at"`
	InFlight     []string   `json:"in_flight"`
}

// Coordinator runs decision cycles and serves the incident and ledger queries.
type Coordinator struct {
	deps   Deps
	config Config
	events telemetry.Emitter
	now    func() time.Time

	mu        sync.Mutex
	inFlight  map[string]struct{}
	lastDone  map[string]time.Time
	lastRunAt time.Time

	autoRun atomic.Bool
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(deps Deps, config Config) *Coordinator {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaultHistoryLimit
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultMaxConcurrency
	}
	events := deps.Events
	if events == nil {
		events = telemetry.Nop{}
	}

	c := &Coordinator{
		deps:     deps,
		config:   config,
		events:   events,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		lastDone: make(map[string]time.Time),
	}
	c.autoRun.Store(config.AutoRun)
	return c
}

// RunCycle runs one decision cycle for the trigger's workload, or for every
// workload of the namespace. It always returns a well-formed Result.
//
// A started cycle runs to completion even if ctx is cancelled.
func (c *Coordinator) RunCycle(ctx context.Context, t Trigger) Result {
	ctx = context.WithoutCancel(ctx)

	namespace := t.Namespace
	if namespace == "" {
		namespace = c.config.Namespace
	}

	started := c.now().UTC()
	c.mu.Lock()
	c.lastRunAt = started
	c.mu.Unlock()

	if t.Workload != "" {
		return c.runWorkload(ctx, domain.WorkloadRef{Namespace: namespace, Name: t.Workload}, t.skipsCooldown())
	}

	refs, err := retry.DoValue(ctx, c.config.Retry, func(ctx context.Context) ([]domain.WorkloadRef, error) {
		return c.deps.Workloads.ListWorkloads(ctx, namespace)
	})
	if err != nil {
		c.events.Emit(ctx, telemetry.ComponentEngine, "workload listing failed", "namespace", namespace, "error", err)
		return Assemble(Outcome{
			State: cycleState{Workload: domain.WorkloadRef{Namespace: namespace}, StartedAt: started},
			Stage: "list workloads",
			Err:   err,
		})
	}

	results := make([]Result, len(refs))
	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			results[i] = c.runWorkload(ctx, ref, t.skipsCooldown())
			return nil
		})
	}
	_ = g.Wait()

	res := aggregate(started, results)
	res.Namespace = namespace
	res.Duration = c.now().Sub(started).Seconds()
	return res
}

func (t Trigger) skipsCooldown() bool {
	return t.Force || t.Scheduled
}

func (c *Coordinator) runWorkload(ctx context.Context, ref domain.WorkloadRef, skipCooldown bool) Result {
	state := cycleState{Workload: ref, StartedAt: c.now().UTC()}
	ctx = ctxlog.With(ctx, "cycle_id", uuid.NewString())

	if err := c.acquire(ref.String(), skipCooldown, state.StartedAt); err != nil {
		c.events.Emit(ctx, telemetry.ComponentEngine, "cycle rejected", "workload", ref.String(), "reason", err)
		return Assemble(Outcome{State: state, Err: err})
	}
	defer c.release(ref.String())

	metrics.WorkloadsInFlight.Inc()
	defer metrics.WorkloadsInFlight.Dec()

	res := Assemble(c.sequence(ctx, state))

	metrics.RecordCycle(string(res.Status), string(res.Action), res.Duration)
	attrs := []any{
		"workload", ref.String(),
		"status", res.Status,
		"duration_seconds", res.Duration,
	}
	if res.Action != "" {
		attrs = append(attrs, "action", res.Action)
	}
	if res.Incident != nil {
		attrs = append(attrs, "incident_id", res.Incident.ID)
	}
	if res.Message != "" {
		attrs = append(attrs, "message", res.Message)
	}
	c.events.Emit(ctx, telemetry.ComponentEngine, "cycle finished", attrs...)

	if res.Incident != nil {
		c.notify(ctx, res.Incident)
	}

	return res
}

// notify is best effort. A failed notification never changes the result.
func (c *Coordinator) notify(ctx context.Context, inc *domain.Incident) {
	if c.deps.Notifier == nil {
		return
	}
	err := retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		return c.deps.Notifier.NotifyIncident(ctx, inc)
	})
	if err != nil {
		c.events.Emit(ctx, telemetry.ComponentEngine, "notification failed",
			"incident_id", inc.ID, "error", err)
	}
}

// acquire takes the run lock of a workload. It never waits.
func (c *Coordinator) acquire(key string, skipCooldown bool, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inFlight[key]; busy {
		return fmt.Errorf("%w: %s", domain.ErrWorkloadBusy, key)
	}
	if !skipCooldown && c.config.MinInterval > 0 {
		if last, ok := c.lastDone[key]; ok {
			if since := now.Sub(last); since < c.config.MinInterval {
				return fmt.Errorf("%w: %s finished %s ago, minimum interval is %s",
					errCooldown, key, since.Truncate(time.Second), c.config.MinInterval)
			}
		}
	}
	c.inFlight[key] = struct{}{}
	return nil
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, key)
	c.lastDone[key] = c.now().UTC()
}

// ListIncidents returns incidents matching filter, newest first. A store
// failure yields an empty, degraded list instead of an error.
func (c *Coordinator) ListIncidents(ctx context.Context, filter incidents.Filter) IncidentList {
	list, total, err := c.deps.Incidents.Query(ctx, filter)
	if err != nil {
		c.events.Emit(ctx, telemetry.ComponentEngine, "incident query failed", "error", err)
		return IncidentList{Incidents: []*domain.Incident{}, Degraded: true}
	}
	if list == nil {
		list = []*domain.Incident{}
	}
	return IncidentList{Incidents: list, Total: total}
}

// GetIncident returns one incident.
func (c *Coordinator) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return c.deps.Incidents.Get(ctx, id)
}

// RestartCounts returns restart counts per day and workload within rng. An
// invalid range is an error; a ledger failure yields an empty, degraded report.
func (c *Coordinator) RestartCounts(ctx context.Context, rng ledger.DateRange) (RestartCountsReport, error) {
	if err := rng.Validate(); err != nil {
		return RestartCountsReport{}, err
	}
	counts, err := c.deps.Ledger.List(ctx, rng)
	if err != nil {
		c.events.Emit(ctx, telemetry.ComponentEngine, "restart count query failed", "error", err)
		return RestartCountsReport{Counts: ledger.Counts{}, Degraded: true}, nil
	}
	if counts == nil {
		counts = ledger.Counts{}
	}
	return RestartCountsReport{Counts: counts}, nil
}

// ResolveIncident marks an incident resolved. Resolving twice is a no-op.
func (c *Coordinator) ResolveIncident(ctx context.Context, id, notes string) (*domain.Incident, error) {
	inc, err := c.deps.Incidents.Resolve(ctx, id, notes, c.now().UTC())
	if err != nil {
		return nil, err
	}
	c.events.Emit(ctx, telemetry.ComponentEngine, "incident resolved", "incident_id", id)
	return inc, nil
}

// AutoRun reports whether scheduled cycles are enabled.
func (c *Coordinator) AutoRun() bool {
	return c.autoRun.Load()
}

// SetAutoRun enables or pauses scheduled cycles.
func (c *Coordinator) SetAutoRun(enabled bool) AgentStatus {
	if c.autoRun.Swap(enabled) != enabled {
		c.events.Emit(context.Background(), telemetry.ComponentScheduler, "auto run changed", "enabled", enabled)
	}
	return c.Status()
}

// Status reports the coordinator state.
func (c *Coordinator) Status() AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := AgentStatus{
		AutoRun:      c.autoRun.Load(),
		PollInterval: c.config.PollInterval.String(),
		InFlight:     make([]string, 0, len(c.inFlight)),
	}
	if !c.lastRunAt.IsZero() {
		t := c.lastRunAt
		st.LastRunAt = &t
	}
	for key := range c.inFlight {
		st.InFlight = append(st.InFlight, key)
	}
	sort.Strings(st.InFlight)
	return st
}
