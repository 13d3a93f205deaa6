// Package telemetry provides the structured event emission interface used by
// the decision engine components.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/bissquit/incident-autopilot/internal/pkg/ctxlog"
	"github.com/bissquit/incident-autopilot/internal/pkg/metrics"
)

// Component names.
const (
	ComponentCollector   = "collector"
	ComponentPolicy      = "policy"
	ComponentRemediation = "remediation"
	ComponentCodeFix     = "codefix"
	ComponentEngine      = "engine"
	ComponentScheduler   = "scheduler"
)

// Emitter publishes a named event for a component.
type Emitter interface {
	Emit(ctx context.Context, component, event string, attrs ...any)
}

// LogEmitter writes events as slog records and counts them.
type LogEmitter struct {
	level slog.Level
}

// NewLogEmitter creates an emitter logging at the given level.
func NewLogEmitter(level slog.Level) *LogEmitter {
	return &LogEmitter{level: level}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(ctx context.Context, component, event string, attrs ...any) {
	metrics.EventsTotal.WithLabelValues(component, event).Inc()

	logger := ctxlog.FromContext(ctx).With("component", component)
	logger.Log(ctx, e.level, event, attrs...)
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, string, string, ...any) {}
