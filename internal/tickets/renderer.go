// Package tickets renders issue tracker tickets, pull request bodies and chat
// notifications.
package tickets

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Labels.
const (
	LabelAutoRemediated = "auto-remediated"
	LabelAnalysis       = "analysis"
	LabelNeedsReview    = "needs-review"
	LabelPRCreated      = "pr-created"
)

const (
	templateRestartIssue  = "restart_issue"
	templateAnalysisIssue = "analysis_issue"
	templatePullRequest   = "pull_request"
	templateChatMessage   = "chat_message"
)

// RestartData feeds the restart ticket.
type RestartData struct {
	Issue        domain.Issue
	RestartCount int
	Time         time.Time
}

// AnalysisData feeds the analysis ticket and the pull request.
type AnalysisData struct {
	Issue          domain.Issue
	RestartCount   int
	Diagnosis      string
	FixDescription string
	Files          []string
	PRTitle        string
	PRBody         string
	// TicketNumber links the pull request to the analysis ticket when non-zero.
	TicketNumber int
}

// Renderer renders tickets from embedded templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"upper":      func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
		"formatTime": formatTime,
		"plural":     plural,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	for _, name := range []string{templateRestartIssue, templateAnalysisIssue, templatePullRequest, templateChatMessage} {
		filename := fmt.Sprintf("templates/%s.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// RestartTicket renders the ticket opened after an automatic restart.
func (r *Renderer) RestartTicket(d RestartData) (domain.TicketPayload, error) {
	body, err := r.execute(templateRestartIssue, d)
	if err != nil {
		return domain.TicketPayload{}, err
	}
	return domain.TicketPayload{
		Title:  fmt.Sprintf("%s usage alert for workload %s", strings.ToUpper(string(d.Issue.Type)), d.Issue.Workload),
		Body:   body,
		Labels: RestartLabels(d.Issue),
	}, nil
}

// AnalysisTicket renders the ticket opened before a code-fix attempt.
func (r *Renderer) AnalysisTicket(d AnalysisData) (domain.TicketPayload, error) {
	body, err := r.execute(templateAnalysisIssue, d)
	if err != nil {
		return domain.TicketPayload{}, err
	}
	return domain.TicketPayload{
		Title:  fmt.Sprintf("Analysis: %s usage in workload %s", strings.ToUpper(string(d.Issue.Type)), d.Issue.Workload),
		Body:   body,
		Labels: []string{string(d.Issue.Type), LabelAnalysis, LabelNeedsReview},
	}, nil
}

// PullRequest renders the pull request for head into base.
func (r *Renderer) PullRequest(d AnalysisData, head, base string) (domain.PullRequestPayload, error) {
	body, err := r.execute(templatePullRequest, d)
	if err != nil {
		return domain.PullRequestPayload{}, err
	}
	title := strings.TrimSpace(d.PRTitle)
	if title == "" {
		title = fmt.Sprintf("Fix high %s usage in %s", d.Issue.Type, d.Issue.Workload)
	}
	return domain.PullRequestPayload{
		Title: title,
		Body:  body,
		Head:  head,
		Base:  base,
	}, nil
}

// ChatMessage renders the chat notification of a recorded incident.
func (r *Renderer) ChatMessage(inc *domain.Incident) (domain.ChatMessage, error) {
	body, err := r.execute(templateChatMessage, inc)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{
		Subject: fmt.Sprintf("%s: %s", titleCase(strings.ReplaceAll(string(inc.ActionTaken), "_", " ")), inc.Issue.Workload),
		Body:    body,
	}, nil
}

func (r *Renderer) execute(name string, data any) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// RestartLabels returns the labels of a restart ticket and annotation.
func RestartLabels(issue domain.Issue) []string {
	return []string{string(issue.Type), LabelAutoRemediated, string(issue.Severity())}
}

// AnalysisAnnotationTags returns the dashboard tags of a submitted fix.
func AnalysisAnnotationTags(issue domain.Issue) []string {
	return []string{string(issue.Type), LabelAnalysis, LabelPRCreated}
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
