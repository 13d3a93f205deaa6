// Package signals turns raw utilization readings into classified issues.
package signals

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/bissquit/incident-autopilot/internal/pkg/telemetry"
)

// MetricsSource returns the current value of one metric for a workload.
// Implementations return domain.ErrNoData when the backend has no sample.
type MetricsSource interface {
	Query(ctx context.Context, workload domain.WorkloadRef, metric domain.MetricType) (float64, error)
}

// Thresholds are the per-metric breach thresholds.
type Thresholds struct {
	CPU    float64
	Memory float64
}

// For returns the threshold of metric.
func (t Thresholds) For(metric domain.MetricType) float64 {
	if metric == domain.MetricMemory {
		return t.Memory
	}
	return t.CPU
}

// Collector queries the metrics source and builds issues.
type Collector struct {
	source     MetricsSource
	thresholds Thresholds
	retry      retry.Config
	events     telemetry.Emitter
}

// NewCollector creates a new Collector.
func NewCollector(source MetricsSource, thresholds Thresholds, retryCfg retry.Config, events telemetry.Emitter) *Collector {
	if events == nil {
		events = telemetry.Nop{}
	}
	return &Collector{
		source:     source,
		thresholds: thresholds,
		retry:      retryCfg,
		events:     events,
	}
}

// Query order. Memory comes last so that it wins ties.
var collectOrder = []domain.MetricType{domain.MetricCPU, domain.MetricMemory}

// Collect returns the issue with the highest ratio among breached metrics, or
// nil when no metric exceeds its threshold. Equal ratios resolve to memory.
// Query failures are retried; an exhausted retry surfaces as an error wrapping
// domain.ErrTransientExternal.
func (c *Collector) Collect(ctx context.Context, workload domain.WorkloadRef) (*domain.Issue, error) {
	var selected *domain.Issue

	for _, metric := range collectOrder {
		threshold := c.thresholds.For(metric)

		value, err := retry.DoValue(ctx, c.retry, func(ctx context.Context) (float64, error) {
			return c.source.Query(ctx, workload, metric)
		})
		if err != nil {
			if errors.Is(err, domain.ErrNoData) {
				c.events.Emit(ctx, telemetry.ComponentCollector, "no data",
					"workload", workload.String(), "metric", metric)
				continue
			}
			c.events.Emit(ctx, telemetry.ComponentCollector, "metrics query failed",
				"workload", workload.String(), "metric", metric, "error", err)
			return nil, fmt.Errorf("query %s for %s: %w", metric, workload, err)
		}

		if value <= threshold {
			continue
		}

		issue, err := domain.NewIssue(metric, workload, value, threshold)
		if err != nil {
			return nil, fmt.Errorf("%w: %s threshold: %w", domain.ErrConfiguration, metric, err)
		}
		if selected == nil || issue.Ratio() >= selected.Ratio() {
			selected = &issue
		}
	}

	if selected == nil {
		return nil, nil
	}

	c.events.Emit(ctx, telemetry.ComponentCollector, "issue detected",
		"workload", workload.String(),
		"type", selected.Type,
		"value", selected.Value,
		"threshold", selected.Threshold,
		"ratio", selected.Ratio(),
		"severity", selected.Severity(),
	)
	return selected, nil
}
