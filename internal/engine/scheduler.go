package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/incident-autopilot/internal/pkg/telemetry"
)

// cycleRunner is the part of Coordinator the scheduler drives.
type cycleRunner interface {
	AutoRun() bool
	RunCycle(ctx context.Context, t Trigger) Result
}

// Scheduler triggers a cycle over all workloads every poll interval while
// auto-run is enabled.
type Scheduler struct {
	runner   cycleRunner
	interval time.Duration
	events   telemetry.Emitter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a new scheduler.
func NewScheduler(runner cycleRunner, interval time.Duration, events telemetry.Emitter) *Scheduler {
	if events == nil {
		events = telemetry.Nop{}
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		events:   events,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting scheduler", "poll_interval", s.interval, "auto_run", s.runner.AutoRun())

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.runner.AutoRun() {
		return
	}
	res := s.runner.RunCycle(ctx, Trigger{Scheduled: true})
	s.events.Emit(ctx, telemetry.ComponentScheduler, "scheduled cycle finished",
		"status", res.Status,
		"workloads", len(res.Results),
		"duration_seconds", res.Duration,
	)
}
