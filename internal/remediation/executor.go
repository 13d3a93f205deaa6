// Package remediation implements the restart-based response path.
package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/bissquit/incident-autopilot/internal/pkg/telemetry"
	"github.com/bissquit/incident-autopilot/internal/tickets"
	"github.com/google/uuid"
)

// Failed steps recorded on incidents.
const (
	StepRestart      = "restart"
	StepRecordCount  = "record_restart"
	StepCreateTicket = "create_ticket"
)

// Restarter restarts a workload.
type Restarter interface {
	Restart(ctx context.Context, workload domain.WorkloadRef) error
}

// TicketCreator opens issue tracker tickets.
type TicketCreator interface {
	CreateIssue(ctx context.Context, payload domain.TicketPayload) (domain.ExternalRef, error)
}

// Annotator posts dashboard annotations.
type Annotator interface {
	Annotate(ctx context.Context, annotation domain.Annotation) error
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Platform  Restarter
	Ledger    ledger.Repository
	Incidents incidents.Repository
	Tracker   TicketCreator
	Annotator Annotator
	Renderer  *tickets.Renderer
	Events    telemetry.Emitter
}

// Executor restarts workloads and records the outcome.
type Executor struct {
	deps  Deps
	retry retry.Config
	now   func() time.Time
}

// NewExecutor creates a new Executor.
func NewExecutor(deps Deps, retryCfg retry.Config) *Executor {
	if deps.Events == nil {
		deps.Events = telemetry.Nop{}
	}
	return &Executor{
		deps:  deps,
		retry: retryCfg,
		now:   time.Now,
	}
}

// Remediate restarts the issue's workload, counts the restart, opens a
// ticket, persists the incident and annotates the dashboard.
//
// A failed restart yields an incident with action none and an error wrapping
// domain.ErrRemediationFailed. Failures to record the restart count or the
// incident after a successful restart wrap domain.ErrDataIntegrity; the
// returned incident still describes what happened.
func (e *Executor) Remediate(ctx context.Context, issue domain.Issue) (*domain.Incident, error) {
	ref := issue.Ref()
	now := e.now().UTC()

	incident := &domain.Incident{
		ID:        uuid.NewString(),
		Issue:     issue,
		CreatedAt: now,
	}

	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.deps.Platform.Restart(ctx, ref)
	})
	if err != nil {
		e.deps.Events.Emit(ctx, telemetry.ComponentRemediation, "restart failed",
			"workload", ref.String(), "error", err)

		incident.ActionTaken = domain.ActionNone
		incident.FailedStep = StepRestart
		incident.AddNote(fmt.Sprintf("restart failed: %v", err))
		if n, getErr := e.deps.Ledger.Get(ctx, ledger.Day(now), ref.String()); getErr == nil {
			incident.RestartCount = n
		}

		failure := fmt.Errorf("%w: restart %s: %w", domain.ErrRemediationFailed, ref, err)
		if createErr := e.deps.Incidents.Create(ctx, incident); createErr != nil {
			return incident, fmt.Errorf("%w; record incident: %w", failure, createErr)
		}
		return incident, failure
	}

	e.deps.Events.Emit(ctx, telemetry.ComponentRemediation, "workload restarted", "workload", ref.String())
	incident.ActionTaken = domain.ActionRestartPod

	var integrityErr error

	count, err := e.deps.Ledger.Increment(ctx, ledger.Day(now), ref.String())
	if err != nil {
		e.deps.Events.Emit(ctx, telemetry.ComponentRemediation, "restart count not recorded",
			"workload", ref.String(), "error", err)
		incident.FailedStep = StepRecordCount
		incident.AddNote(fmt.Sprintf("restart count not recorded: %v", err))
		integrityErr = fmt.Errorf("%w: record restart: %w", domain.ErrDataIntegrity, err)
	}
	incident.RestartCount = count

	incident.Ticket = e.openTicket(ctx, incident)

	if err := e.deps.Incidents.Create(ctx, incident); err != nil {
		e.deps.Events.Emit(ctx, telemetry.ComponentRemediation, "incident not recorded",
			"workload", ref.String(), "incident_id", incident.ID, "error", err)
		recordErr := fmt.Errorf("%w: record incident: %w", domain.ErrDataIntegrity, err)
		if integrityErr != nil {
			recordErr = fmt.Errorf("%w; %w", integrityErr, recordErr)
		}
		return incident, recordErr
	}

	e.deps.Events.Emit(ctx, telemetry.ComponentRemediation, "incident recorded",
		"workload", ref.String(),
		"incident_id", incident.ID,
		"restart_count", incident.RestartCount,
		"severity", issue.Severity(),
	)

	e.annotate(ctx, incident)

	return incident, integrityErr
}

func (e *Executor) openTicket(ctx context.Context, incident *domain.Incident) *domain.ExternalRef {
	payload, err := e.deps.Renderer.RestartTicket(tickets.RestartData{
		Issue:        incident.Issue,
		RestartCount: incident.RestartCount,
		Time:         incident.CreatedAt,
	})
	if err == nil {
		var ref domain.ExternalRef
		ref, err = retry.DoValue(ctx, e.retry, func(ctx context.Context) (domain.ExternalRef, error) {
			return e.deps.Tracker.CreateIssue(ctx, payload)
		})
		if err == nil {
			return &ref
		}
	}

	e.deps.Events.Emit(ctx, telemetry.ComponentRemediation, "ticket creation failed",
		"workload", incident.Issue.Ref().String(), "error", err)
	if incident.FailedStep == "" {
		incident.FailedStep = StepCreateTicket
	}
	incident.AddNote(fmt.Sprintf("ticket creation failed: %v", err))
	return nil
}

func (e *Executor) annotate(ctx context.Context, incident *domain.Incident) {
	if e.deps.Annotator == nil {
		return
	}
	issue := incident.Issue
	err := retry.Do(ctx, e.retry.Once(), func(ctx context.Context) error {
		return e.deps.Annotator.Annotate(ctx, domain.Annotation{
			Time: incident.CreatedAt,
			Text: fmt.Sprintf("Restarted %s: %s at %.2f (threshold %.2f, %s severity), restart %d today",
				issue.Ref(), issue.Type, issue.Value, issue.Threshold, issue.Severity(), incident.RestartCount),
			Tags: tickets.RestartLabels(issue),
		})
	})
	if err != nil {
		e.deps.Events.Emit(ctx, telemetry.ComponentRemediation, "annotation failed",
			"workload", issue.Ref().String(), "error", err)
	}
}
