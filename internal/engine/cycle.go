package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/incident-autopilot/internal/codefix"
	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	"github.com/bissquit/incident-autopilot/internal/pkg/telemetry"
	"github.com/bissquit/incident-autopilot/internal/policy"
)

// Stage names.
const (
	stageCollect = "collect"
	stageAssess  = "assess"
	stageDecide  = "decide"
	stageAct     = "act"
)

// cycleState is threaded through the stages by value. Each stage returns an
// updated copy and never touches the caller's.
type cycleState struct {
	Workload  domain.WorkloadRef
	StartedAt time.Time
	Duration  time.Duration

	Issue     *domain.Issue
	Restarts  int
	Recent    []*domain.Incident
	OpenFixes []domain.ExternalRef

	Decision policy.Decision
	Incident *domain.Incident
	States   []policy.State
}

type stageFunc func(ctx context.Context, s cycleState) (cycleState, error)

// sequence runs collect, assess, decide and act for one workload, driving
// the cycle state machine between stages.
func (c *Coordinator) sequence(ctx context.Context, s cycleState) Outcome {
	m := policy.NewMachine()
	done := func(s cycleState, stage string, err error) Outcome {
		s.States = m.History()
		s.Duration = c.now().Sub(s.StartedAt)
		return Outcome{State: s, Stage: stage, Err: err}
	}

	s, err := runStage(ctx, stageCollect, c.collect, s)
	if err != nil {
		return done(s, stageCollect, err)
	}
	if s.Issue == nil {
		_, _ = m.Fire(policy.EventNoIssue)
		return done(s, "", nil)
	}
	if _, err := m.Fire(policy.EventIssueFound); err != nil {
		return done(s, stageCollect, err)
	}

	s, err = runStage(ctx, stageAssess, c.assess, s)
	if err != nil {
		return done(s, stageAssess, err)
	}

	s, err = runStage(ctx, stageDecide, c.decide, s)
	if err != nil {
		return done(s, stageDecide, err)
	}
	if _, err := m.Fire(policy.EventFor(s.Decision.Action)); err != nil {
		return done(s, stageDecide, err)
	}
	if s.Decision.Action == policy.ActionNoop {
		return done(s, "", nil)
	}

	s, err = runStage(ctx, stageAct, c.act, s)
	ev := policy.EventPathCompleted
	if err != nil {
		ev = policy.EventPathFailed
	}
	if _, fireErr := m.Fire(ev); fireErr != nil && err == nil {
		err = fireErr
	}
	return done(s, stageAct, err)
}

// runStage converts a panicking stage into an error.
func runStage(ctx context.Context, name string, fn stageFunc, in cycleState) (out cycleState, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = in
			err = fmt.Errorf("panic in %s stage: %v", name, r)
		}
	}()
	return fn(ctx, in)
}

func (c *Coordinator) collect(ctx context.Context, s cycleState) (cycleState, error) {
	issue, err := c.deps.Collector.Collect(ctx, s.Workload)
	if err != nil {
		return s, err
	}
	s.Issue = issue
	return s, nil
}

func (c *Coordinator) assess(ctx context.Context, s cycleState) (cycleState, error) {
	restarts, err := c.deps.Ledger.Get(ctx, ledger.Day(s.StartedAt), s.Workload.String())
	if err != nil {
		return s, fmt.Errorf("read restart count: %w", err)
	}

	recent, _, err := c.deps.Incidents.Query(ctx, incidents.Filter{
		Workload:  s.Workload.Name,
		Namespace: s.Workload.Namespace,
		Limit:     c.config.HistoryLimit,
	})
	if err != nil {
		return s, fmt.Errorf("read incident history: %w", err)
	}

	unresolved := false
	open, _, err := c.deps.Incidents.Query(ctx, incidents.Filter{
		Workload:  s.Workload.Name,
		Namespace: s.Workload.Namespace,
		Resolved:  &unresolved,
	})
	if err != nil {
		return s, fmt.Errorf("read open incidents: %w", err)
	}

	s.Restarts = restarts
	s.Recent = recent
	s.OpenFixes = openFixes(open)
	return s, nil
}

// openFixes returns the pull requests of unresolved escalations.
func openFixes(open []*domain.Incident) []domain.ExternalRef {
	var refs []domain.ExternalRef
	for _, inc := range open {
		if inc.ActionTaken == domain.ActionEscalateAnalysis && inc.PullRequest != nil {
			refs = append(refs, *inc.PullRequest)
		}
	}
	return refs
}

func (c *Coordinator) decide(ctx context.Context, s cycleState) (cycleState, error) {
	in := policy.Input{
		Issue:    s.Issue,
		Restarts: s.Restarts,
	}
	s.Decision = policy.Decide(in, c.config.Thresholds)

	c.events.Emit(ctx, telemetry.ComponentPolicy, "decision made",
		"workload", s.Workload.String(),
		"action", s.Decision.Action,
		"rule", policy.Rule(in, c.config.Thresholds),
		"restarts", s.Restarts,
		"severity", s.Issue.Severity(),
	)
	return s, nil
}

func (c *Coordinator) act(ctx context.Context, s cycleState) (cycleState, error) {
	var (
		inc *domain.Incident
		err error
	)
	switch s.Decision.Action {
	case policy.ActionRemediate:
		inc, err = c.deps.Remediator.Remediate(ctx, *s.Issue)
	case policy.ActionEscalate:
		inc, err = c.deps.Analyzer.AnalyzeAndFix(ctx, *s.Issue, codefix.History{
			RestartCount: s.Restarts,
			Recent:       s.Recent,
			OpenFixes:    s.OpenFixes,
		})
	default:
		return s, fmt.Errorf("unexpected action %q", s.Decision.Action)
	}
	s.Incident = inc
	return s, err
}
