// Package policy decides which remediation path a detected issue takes.
//
// The decision is a pure function of the issue, today's restart count for the
// workload and the configured thresholds. Rules are kept in an explicit,
// ordered transition table; the first matching rule wins.
package policy

import (
	"fmt"

	"github.com/bissquit/incident-autopilot/internal/domain"
)

// Action is the remediation path selected for an issue.
type Action string

// Actions.
const (
	ActionRemediate Action = "remediate"
	ActionEscalate  Action = "escalate"
	ActionNoop      Action = "noop"
)

// Default thresholds.
const (
	DefaultAnalysisThreshold = 4
	DefaultMaxRestartsPerDay = 10
)

// Thresholds configure the decision table.
type Thresholds struct {
	// AnalysisThreshold is the restart count at which issues escalate to code analysis.
	AnalysisThreshold int
	// MaxRestartsPerDay is the daily restart budget.
	MaxRestartsPerDay int
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AnalysisThreshold: DefaultAnalysisThreshold,
		MaxRestartsPerDay: DefaultMaxRestartsPerDay,
	}
}

// Input is everything the decision depends on.
type Input struct {
	Issue *domain.Issue
	// Restarts is today's restart count for the workload.
	Restarts int
}

// Decision is the selected action and why.
type Decision struct {
	Action    Action `json:"action"`
	Rationale string `json:"rationale"`
}

type rule struct {
	name      string
	matches   func(in Input, t Thresholds) bool
	action    Action
	rationale func(in Input, t Thresholds) string
}

// table is evaluated top to bottom.
var table = []rule{
	{
		name:    "no_issue",
		matches: func(in Input, _ Thresholds) bool { return in.Issue == nil },
		action:  ActionNoop,
		rationale: func(Input, Thresholds) string {
			return "no threshold breach observed"
		},
	},
	{
		name: "escalate",
		matches: func(in Input, t Thresholds) bool {
			return in.Restarts >= t.AnalysisThreshold
		},
		action: ActionEscalate,
		rationale: func(in Input, t Thresholds) string {
			return fmt.Sprintf("restart count %d reached analysis threshold %d", in.Restarts, t.AnalysisThreshold)
		},
	},
	{
		name: "within_budget",
		matches: func(in Input, t Thresholds) bool {
			return in.Restarts < t.MaxRestartsPerDay
		},
		action: ActionRemediate,
		rationale: func(in Input, t Thresholds) string {
			return fmt.Sprintf("restart count %d is below daily budget %d", in.Restarts, t.MaxRestartsPerDay)
		},
	},
	{
		// At or over the daily budget the policy still restarts as a final
		// attempt; the counter resets with the next UTC day.
		name:    "budget_exhausted",
		matches: func(Input, Thresholds) bool { return true },
		action:  ActionRemediate,
		rationale: func(in Input, t Thresholds) string {
			return fmt.Sprintf("restart count %d reached daily budget %d; final restart before next day's reset",
				in.Restarts, t.MaxRestartsPerDay)
		},
	},
}

// Decide selects the action for in. It performs no I/O.
func Decide(in Input, t Thresholds) Decision {
	for _, r := range table {
		if r.matches(in, t) {
			return Decision{Action: r.action, Rationale: r.rationale(in, t)}
		}
	}
	return Decision{Action: ActionNoop, Rationale: "no rule matched"}
}

// Rule returns the name of the first matching rule, for diagnostics.
func Rule(in Input, t Thresholds) string {
	for _, r := range table {
		if r.matches(in, t) {
			return r.name
		}
	}
	return ""
}
