package domain

import (
	"errors"
	"fmt"
)

// MetricType identifies the utilization signal that breached its threshold.
type MetricType string

// Metric types.
const (
	MetricCPU    MetricType = "cpu"
	MetricMemory MetricType = "memory"
)

// IsValid checks if the metric type is known.
func (t MetricType) IsValid() bool {
	return t == MetricCPU || t == MetricMemory
}

// Severity is a coarse classification of how far a signal is above its threshold.
type Severity string

// Severity levels.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Ratio boundaries between severity tiers. Lower bounds are inclusive.
const (
	MediumRatio = 1.2
	HighRatio   = 1.5
)

// ClassifySeverity maps a value/threshold ratio to a severity tier.
func ClassifySeverity(ratio float64) Severity {
	switch {
	case ratio >= HighRatio:
		return SeverityHigh
	case ratio >= MediumRatio:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank orders severities for comparisons; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// WorkloadRef names a workload managed by the orchestrator.
type WorkloadRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// String returns the namespace/name key used by the restart ledger.
func (w WorkloadRef) String() string {
	return w.Namespace + "/" + w.Name
}

// Issue is a single threshold breach for one workload and one metric.
// Severity is derived from the ratio on every read and never stored separately.
type Issue struct {
	Type      MetricType `json:"type"`
	Workload  string     `json:"workload"`
	Namespace string     `json:"namespace"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
}

// ErrInvalidThreshold is returned when an issue is built against a non-positive threshold.
var ErrInvalidThreshold = errors.New("threshold must be positive")

// NewIssue builds an issue for the given workload and observation.
func NewIssue(metric MetricType, ref WorkloadRef, value, threshold float64) (Issue, error) {
	if !metric.IsValid() {
		return Issue{}, fmt.Errorf("invalid metric type: %s", metric)
	}
	if threshold <= 0 {
		return Issue{}, ErrInvalidThreshold
	}
	return Issue{
		Type:      metric,
		Workload:  ref.Name,
		Namespace: ref.Namespace,
		Value:     value,
		Threshold: threshold,
	}, nil
}

// Ratio returns value/threshold.
func (i Issue) Ratio() float64 {
	if i.Threshold <= 0 {
		return 0
	}
	return i.Value / i.Threshold
}

// Severity returns the severity tier for the issue's ratio.
func (i Issue) Severity() Severity {
	return ClassifySeverity(i.Ratio())
}

// Ref returns the workload reference of the issue.
func (i Issue) Ref() WorkloadRef {
	return WorkloadRef{Namespace: i.Namespace, Name: i.Workload}
}
