// Package prometheus reads workload utilization from a Prometheus server.
package prometheus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Default queries. CPU is percent of one core, memory is MiB.
const (
	DefaultCPUQuery    = `sum(rate(container_cpu_usage_seconds_total{namespace="{{.Namespace}}",pod=~"{{.Workload}}-.*",container!=""}[5m])) * 100`
	DefaultMemoryQuery = `sum(container_memory_working_set_bytes{namespace="{{.Namespace}}",pod=~"{{.Workload}}-.*",container!=""}) / 1048576`
)

// Config configures the Prometheus source.
type Config struct {
	URL         string
	CPUQuery    string
	MemoryQuery string
}

type queryVars struct {
	Namespace string
	Workload  string
}

// Source implements signals.MetricsSource on the Prometheus HTTP API.
type Source struct {
	client  v1.API
	queries map[domain.MetricType]*template.Template
}

// NewSource creates a new Prometheus source.
func NewSource(cfg Config) (*Source, error) {
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return newSource(v1.NewAPI(client), cfg)
}

func newSource(client v1.API, cfg Config) (*Source, error) {
	if cfg.CPUQuery == "" {
		cfg.CPUQuery = DefaultCPUQuery
	}
	if cfg.MemoryQuery == "" {
		cfg.MemoryQuery = DefaultMemoryQuery
	}

	cpu, err := template.New("cpu").Parse(cfg.CPUQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: parse cpu query: %w", domain.ErrConfiguration, err)
	}
	mem, err := template.New("memory").Parse(cfg.MemoryQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: parse memory query: %w", domain.ErrConfiguration, err)
	}

	return &Source{
		client: client,
		queries: map[domain.MetricType]*template.Template{
			domain.MetricCPU:    cpu,
			domain.MetricMemory: mem,
		},
	}, nil
}

// Query evaluates the metric's query at the current time and sums the vector.
func (s *Source) Query(ctx context.Context, workload domain.WorkloadRef, metric domain.MetricType) (float64, error) {
	tmpl, ok := s.queries[metric]
	if !ok {
		return 0, retry.NewPermanentError(fmt.Errorf("unsupported metric %q", metric))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, queryVars{Namespace: workload.Namespace, Workload: workload.Name}); err != nil {
		return 0, retry.NewPermanentError(fmt.Errorf("render %s query: %w", metric, err))
	}
	query := buf.String()

	result, warnings, err := s.client.Query(ctx, query, time.Now())
	if err != nil {
		return 0, classify(err)
	}
	if len(warnings) > 0 {
		slog.Warn("prometheus query returned warnings", "query", query, "warnings", warnings)
	}

	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrNoData, query)
	}

	sum := 0.0
	for _, sample := range vector {
		sum += float64(sample.Value)
	}
	return sum, nil
}

// Ping checks that the server answers queries.
func (s *Source) Ping(ctx context.Context) error {
	_, _, err := s.client.Query(ctx, "vector(1)", time.Now())
	return err
}

func classify(err error) error {
	var apiErr *v1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case v1.ErrTimeout, v1.ErrServer, v1.ErrCanceled:
			return retry.NewRetryableError(fmt.Errorf("prometheus query: %w", err))
		default:
			return retry.NewPermanentError(fmt.Errorf("prometheus query: %w", err))
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("prometheus query: %w", err)
	}
	return retry.NewRetryableError(fmt.Errorf("prometheus query: %w", err))
}
