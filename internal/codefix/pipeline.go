// Package codefix implements the analysis-and-patch response path.
package codefix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/bissquit/incident-autopilot/internal/pkg/telemetry"
	"github.com/bissquit/incident-autopilot/internal/tickets"
	"github.com/google/uuid"
)

// Steps recorded in Incident.FailedStep.
const (
	StepFetchLogs         = "fetch_logs"
	StepReasoning         = "reasoning"
	StepParseAnalysis     = "parse_analysis"
	StepCreateBranch      = "create_branch"
	StepCommitFiles       = "commit_files"
	StepCreatePullRequest = "create_pull_request"
)

const (
	defaultLogTailLines   = 1000
	defaultMaxSourceBytes = 64 << 10
	defaultBaseBranch     = "main"
	branchPrefix          = "autopilot/fix-"
)

// SourceReader reads diagnostics of a workload.
type SourceReader interface {
	GetLogs(ctx context.Context, workload domain.WorkloadRef, maxLines int) (string, error)
	GetSource(ctx context.Context, workload domain.WorkloadRef) (domain.SourceSnapshot, error)
}

// ReasoningEngine produces the diagnosis and patches.
type ReasoningEngine interface {
	Complete(ctx context.Context, prompt string, history []domain.Message) (string, error)
}

// CodeHost opens tickets and submits changes.
type CodeHost interface {
	CreateIssue(ctx context.Context, payload domain.TicketPayload) (domain.ExternalRef, error)
	CreateBranch(ctx context.Context, base, name string) error
	CommitFiles(ctx context.Context, branch, message string, files []domain.FileChange) error
	CreatePullRequest(ctx context.Context, payload domain.PullRequestPayload) (domain.ExternalRef, error)
}

// Annotator posts dashboard annotations.
type Annotator interface {
	Annotate(ctx context.Context, annotation domain.Annotation) error
}

// Config holds pipeline configuration.
type Config struct {
	BaseBranch     string
	LogTailLines   int
	MaxSourceBytes int
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Platform  SourceReader
	Engine    ReasoningEngine
	Host      CodeHost
	Annotator Annotator
	Incidents incidents.Repository
	Renderer  *tickets.Renderer
	Events    telemetry.Emitter
}

// Pipeline diagnoses a workload and submits a fix for review.
type Pipeline struct {
	deps   Deps
	config Config
	retry  retry.Config
	now    func() time.Time
}

// NewPipeline creates a new Pipeline.
func NewPipeline(deps Deps, config Config, retryCfg retry.Config) *Pipeline {
	if deps.Events == nil {
		deps.Events = telemetry.Nop{}
	}
	if config.BaseBranch == "" {
		config.BaseBranch = defaultBaseBranch
	}
	if config.LogTailLines <= 0 {
		config.LogTailLines = defaultLogTailLines
	}
	if config.MaxSourceBytes <= 0 {
		config.MaxSourceBytes = defaultMaxSourceBytes
	}
	return &Pipeline{
		deps:   deps,
		config: config,
		retry:  retryCfg,
		now:    time.Now,
	}
}

// run tracks one pass through the pipeline.
type run struct {
	incident *domain.Incident
	analysis *Analysis
	branch   string
}

// AnalyzeAndFix fetches diagnostics, asks the reasoning engine for a patch
// and opens a pull request with it.
//
// Every outcome is persisted as an incident. Failures yield an
// analysis_failed incident whose FailedStep names the step that broke and an
// error wrapping domain.ErrAnalysisFailed. Nothing is left to clean up: a
// later cycle submits on a fresh branch.
func (p *Pipeline) AnalyzeAndFix(ctx context.Context, issue domain.Issue, history History) (*domain.Incident, error) {
	r := &run{
		incident: &domain.Incident{
			ID:           uuid.NewString(),
			Issue:        issue,
			CreatedAt:    p.now().UTC(),
			RestartCount: history.RestartCount,
		},
	}
	r.branch = branchName(issue, r.incident.ID)
	for _, pr := range history.OpenFixes {
		r.incident.AddNote("earlier fix still awaiting review: " + pr.URL)
	}

	p.deps.Events.Emit(ctx, telemetry.ComponentCodeFix, "analysis started",
		"workload", issue.Ref().String(), "incident_id", r.incident.ID, "restart_count", history.RestartCount)

	if step, err := p.submit(ctx, r, history); err != nil {
		return p.fail(ctx, r, step, err)
	}

	r.incident.ActionTaken = domain.ActionEscalateAnalysis
	if err := p.deps.Incidents.Create(ctx, r.incident); err != nil {
		p.deps.Events.Emit(ctx, telemetry.ComponentCodeFix, "incident not recorded",
			"workload", issue.Ref().String(), "incident_id", r.incident.ID, "error", err)
		return r.incident, fmt.Errorf("%w: record incident: %w", domain.ErrDataIntegrity, err)
	}

	p.deps.Events.Emit(ctx, telemetry.ComponentCodeFix, "pull request opened",
		"workload", issue.Ref().String(),
		"incident_id", r.incident.ID,
		"pull_request", r.incident.PullRequest.URL,
	)
	p.annotate(ctx, r)

	return r.incident, nil
}

// submit runs the steps in order and returns the failed step on error.
func (p *Pipeline) submit(ctx context.Context, r *run, history History) (string, error) {
	issue := r.incident.Issue
	ref := issue.Ref()

	logs, err := retry.DoValue(ctx, p.retry, func(ctx context.Context) (string, error) {
		return p.deps.Platform.GetLogs(ctx, ref, p.config.LogTailLines)
	})
	if err != nil {
		return StepFetchLogs, err
	}

	source, err := retry.DoValue(ctx, p.retry, func(ctx context.Context) (domain.SourceSnapshot, error) {
		return p.deps.Platform.GetSource(ctx, ref)
	})
	if err != nil {
		p.deps.Events.Emit(ctx, telemetry.ComponentCodeFix, "source not available",
			"workload", ref.String(), "error", err)
		r.incident.AddNote(fmt.Sprintf("source not available: %v", err))
		source = domain.SourceSnapshot{}
	}

	prompt, err := buildPrompt(issue, history.RestartCount, logs, source, p.config.MaxSourceBytes)
	if err != nil {
		return StepReasoning, err
	}

	raw, err := retry.DoValue(ctx, p.retry, func(ctx context.Context) (string, error) {
		return p.deps.Engine.Complete(ctx, prompt, historyMessages(issue, history))
	})
	if err != nil {
		return StepReasoning, err
	}

	r.analysis, err = ParseAnalysis(raw)
	if err != nil {
		return StepParseAnalysis, err
	}
	r.incident.AddNote("diagnosis: " + r.analysis.Diagnosis)

	data := tickets.AnalysisData{
		Issue:          issue,
		RestartCount:   history.RestartCount,
		Diagnosis:      r.analysis.Diagnosis,
		FixDescription: r.analysis.FixDescription,
		Files:          r.analysis.Paths(),
		PRTitle:        r.analysis.PRTitle,
		PRBody:         r.analysis.PRBody,
	}
	r.incident.Ticket = p.openTicket(ctx, r, data)
	if r.incident.Ticket != nil {
		data.TicketNumber = r.incident.Ticket.Number
	}

	err = retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.deps.Host.CreateBranch(ctx, p.config.BaseBranch, r.branch)
	})
	if err != nil {
		return StepCreateBranch, err
	}
	r.incident.AddNote("branch " + r.branch + " created")

	message := commitMessage(issue, r.analysis)
	err = retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.deps.Host.CommitFiles(ctx, r.branch, message, r.analysis.Patches)
	})
	if err != nil {
		return StepCommitFiles, err
	}
	r.incident.AddNote(fmt.Sprintf("%d %s committed", len(r.analysis.Patches), pluralFiles(len(r.analysis.Patches))))

	payload, err := p.deps.Renderer.PullRequest(data, r.branch, p.config.BaseBranch)
	if err != nil {
		return StepCreatePullRequest, err
	}
	// A pull request is opened at most once per branch.
	pr, err := retry.DoValue(ctx, p.retry.Once(), func(ctx context.Context) (domain.ExternalRef, error) {
		return p.deps.Host.CreatePullRequest(ctx, payload)
	})
	if err != nil {
		return StepCreatePullRequest, err
	}
	r.incident.PullRequest = &pr

	return "", nil
}

func (p *Pipeline) fail(ctx context.Context, r *run, step string, cause error) (*domain.Incident, error) {
	ref := r.incident.Issue.Ref()

	r.incident.ActionTaken = domain.ActionAnalysisFailed
	r.incident.FailedStep = step
	r.incident.AddNote(fmt.Sprintf("%s failed: %v", step, cause))

	p.deps.Events.Emit(ctx, telemetry.ComponentCodeFix, "analysis failed",
		"workload", ref.String(), "incident_id", r.incident.ID, "step", step, "error", cause)

	failure := fmt.Errorf("%w: %s: %w", domain.ErrAnalysisFailed, step, cause)
	if err := p.deps.Incidents.Create(ctx, r.incident); err != nil {
		return r.incident, errors.Join(failure, fmt.Errorf("%w: record incident: %w", domain.ErrDataIntegrity, err))
	}
	return r.incident, failure
}

func (p *Pipeline) openTicket(ctx context.Context, r *run, data tickets.AnalysisData) *domain.ExternalRef {
	payload, err := p.deps.Renderer.AnalysisTicket(data)
	if err == nil {
		var ref domain.ExternalRef
		ref, err = retry.DoValue(ctx, p.retry, func(ctx context.Context) (domain.ExternalRef, error) {
			return p.deps.Host.CreateIssue(ctx, payload)
		})
		if err == nil {
			return &ref
		}
	}

	p.deps.Events.Emit(ctx, telemetry.ComponentCodeFix, "ticket creation failed",
		"workload", data.Issue.Ref().String(), "error", err)
	r.incident.AddNote(fmt.Sprintf("ticket creation failed: %v", err))
	return nil
}

func (p *Pipeline) annotate(ctx context.Context, r *run) {
	if p.deps.Annotator == nil {
		return
	}
	issue := r.incident.Issue
	err := retry.Do(ctx, p.retry.Once(), func(ctx context.Context) error {
		return p.deps.Annotator.Annotate(ctx, domain.Annotation{
			Time: r.incident.CreatedAt,
			Text: fmt.Sprintf("Fix proposed for %s (%s usage, %d restarts today): %s",
				issue.Ref(), issue.Type, r.incident.RestartCount, r.incident.PullRequest.URL),
			Tags: tickets.AnalysisAnnotationTags(issue),
		})
	})
	if err != nil {
		p.deps.Events.Emit(ctx, telemetry.ComponentCodeFix, "annotation failed",
			"workload", issue.Ref().String(), "error", err)
	}
}

// branchName is unique per incident so resubmissions never collide.
func branchName(issue domain.Issue, id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return branchPrefix + sanitizeRefPart(issue.Workload) + "-" + short
}

func sanitizeRefPart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func commitMessage(issue domain.Issue, a *Analysis) string {
	subject := strings.TrimSpace(a.PRTitle)
	if subject == "" {
		subject = fmt.Sprintf("Fix high %s usage in %s", issue.Type, issue.Workload)
	}
	if desc := strings.TrimSpace(a.FixDescription); desc != "" {
		return subject + "\n\n" + desc
	}
	return subject
}

func pluralFiles(n int) string {
	if n == 1 {
		return "file"
	}
	return "files"
}
