package domain

import "time"

// Action records which remediation path produced an incident.
type Action string

// Incident actions.
const (
	ActionRestartPod       Action = "restart_pod"
	ActionEscalateAnalysis Action = "escalate_analysis"
	ActionAnalysisFailed   Action = "analysis_failed"
	ActionNone             Action = "none"
)

// IsValid checks if the action is known.
func (a Action) IsValid() bool {
	switch a {
	case ActionRestartPod, ActionEscalateAnalysis, ActionAnalysisFailed, ActionNone:
		return true
	}
	return false
}

// ExternalRef points at an artifact created in the issue tracker.
type ExternalRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Incident is the persisted outcome of one response cycle.
// Once Resolved is true the record is immutable.
type Incident struct {
	ID           string       `json:"id"`
	Issue        Issue        `json:"issue"`
	CreatedAt    time.Time    `json:"created_at"`
	ActionTaken  Action       `json:"action_taken"`
	RestartCount int          `json:"restart_count"`
	Resolved     bool         `json:"resolved"`
	ResolvedAt   *time.Time   `json:"resolved_at"`
	Ticket       *ExternalRef `json:"ticket"`
	PullRequest  *ExternalRef `json:"pull_request"`
	FailedStep   string       `json:"failed_step,omitempty"`
	Notes        string       `json:"notes,omitempty"`
}

// Severity returns the severity of the issue snapshot.
func (i *Incident) Severity() Severity {
	return i.Issue.Severity()
}

// AddNote appends a line to the incident notes.
func (i *Incident) AddNote(note string) {
	if i.Notes == "" {
		i.Notes = note
		return
	}
	i.Notes += "\n" + note
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	if i.Ticket != nil {
		t := *i.Ticket
		c.Ticket = &t
	}
	if i.PullRequest != nil {
		p := *i.PullRequest
		c.PullRequest = &p
	}
	return &c
}
