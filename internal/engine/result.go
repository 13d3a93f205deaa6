package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/policy"
)

// Status is the uniform outcome of a cycle.
type Status string

// Statuses.
const (
	StatusSuccess  Status = "success"
	StatusNoop     Status = "noop"
	StatusBusy     Status = "busy"
	StatusCooldown Status = "cooldown"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Result is what callers get back from a cycle, whatever happened inside it.
type Result struct {
	Status    Status           `json:"status"`
	Message   string           `json:"message,omitempty"`
	Workload  string           `json:"workload,omitempty"`
	Namespace string           `json:"namespace,omitempty"`
	Severity  domain.Severity  `json:"severity,omitempty"`
	Action    policy.Action    `json:"action,omitempty"`
	Rationale string           `json:"rationale,omitempty"`
	Incident  *domain.Incident `json:"incident,omitempty"`
	States    []policy.State   `json:"states,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Duration  float64          `json:"duration_seconds"`
	// Results holds one entry per workload when a cycle covers all workloads.
	Results []Result `json:"results,omitempty"`
}

// Outcome is the raw product of the stage sequencer.
type Outcome struct {
	State cycleState
	Stage string
	Err   error
}

// Assemble converts an outcome into a Result. It never panics.
func Assemble(o Outcome) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Status:    StatusError,
				Message:   fmt.Sprintf("assemble result: %v", r),
				Workload:  o.State.Workload.Name,
				Namespace: o.State.Workload.Namespace,
				StartedAt: o.State.StartedAt,
			}
		}
	}()

	s := o.State
	res = Result{
		Workload:  s.Workload.Name,
		Namespace: s.Workload.Namespace,
		Action:    s.Decision.Action,
		Rationale: s.Decision.Rationale,
		Incident:  s.Incident,
		States:    s.States,
		StartedAt: s.StartedAt,
		Duration:  s.Duration.Seconds(),
	}
	if s.Issue != nil {
		res.Severity = s.Issue.Severity()
	}

	res.Status, res.Message = classify(o)
	return res
}

func classify(o Outcome) (Status, string) {
	err := o.Err
	switch {
	case err == nil && o.State.Issue == nil:
		return StatusNoop, "no issue detected"
	case err == nil && o.State.Decision.Action == policy.ActionNoop:
		return StatusNoop, o.State.Decision.Rationale
	case err == nil:
		return StatusSuccess, ""
	case errors.Is(err, domain.ErrWorkloadBusy):
		return StatusBusy, err.Error()
	case errors.Is(err, errCooldown):
		return StatusCooldown, err.Error()
	case errors.Is(err, domain.ErrRemediationFailed), errors.Is(err, domain.ErrAnalysisFailed):
		return StatusError, err.Error()
	case errors.Is(err, domain.ErrDataIntegrity):
		return StatusDegraded, err.Error()
	}
	if o.Stage != "" {
		return StatusError, fmt.Sprintf("%s: %v", o.Stage, err)
	}
	return StatusError, err.Error()
}

// aggregate folds per-workload results into one. A fan-out where every
// workload failed is an error; a partial failure is degraded.
func aggregate(started time.Time, results []Result) Result {
	res := Result{
		Status:    StatusNoop,
		StartedAt: started,
		Results:   results,
	}

	var failed, succeeded int
	for _, r := range results {
		switch r.Status {
		case StatusError, StatusDegraded:
			failed++
		case StatusSuccess:
			succeeded++
		}
	}

	switch {
	case len(results) == 0:
		res.Message = "no workloads found"
	case failed == len(results):
		res.Status = StatusError
		res.Message = fmt.Sprintf("all %d workloads failed", failed)
	case failed > 0:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d of %d workloads failed", failed, len(results))
	case succeeded > 0:
		res.Status = StatusSuccess
		res.Message = fmt.Sprintf("%d of %d workloads remediated", succeeded, len(results))
	default:
		res.Message = fmt.Sprintf("%d workloads checked", len(results))
	}
	return res
}
