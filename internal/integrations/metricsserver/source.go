// Package metricsserver reads workload utilization from the Kubernetes metrics API.
package metricsserver

import (
	"context"
	"fmt"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

const bytesPerMiB = 1 << 20

// SelectorResolver maps a workload to the label selector of its pods.
type SelectorResolver interface {
	PodSelector(ctx context.Context, workload domain.WorkloadRef) (labels.Selector, error)
}

// Source implements signals.MetricsSource on metrics-server. Values use the
// same units as the default Prometheus queries: CPU in percent of one core,
// memory in MiB, summed over the workload's pods.
type Source struct {
	client    metricsv.Interface
	selectors SelectorResolver
}

// NewSource creates a new metrics-server source.
func NewSource(client metricsv.Interface, selectors SelectorResolver) *Source {
	return &Source{client: client, selectors: selectors}
}

// Query sums container usage of the pods selected by the workload's deployment.
func (s *Source) Query(ctx context.Context, workload domain.WorkloadRef, metric domain.MetricType) (float64, error) {
	if !metric.IsValid() {
		return 0, retry.NewPermanentError(fmt.Errorf("unsupported metric %q", metric))
	}

	selector, err := s.selectors.PodSelector(ctx, workload)
	if err != nil {
		return 0, err
	}

	list, err := s.client.MetricsV1beta1().PodMetricses(workload.Namespace).
		List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) ||
			apierrors.IsServiceUnavailable(err) || apierrors.IsTooManyRequests(err) ||
			apierrors.IsInternalError(err) {
			return 0, retry.NewRetryableError(fmt.Errorf("list pod metrics: %w", err))
		}
		return 0, fmt.Errorf("list pod metrics: %w", err)
	}
	if len(list.Items) == 0 {
		return 0, fmt.Errorf("%w: no pod metrics for %s", domain.ErrNoData, workload)
	}

	var total float64
	for _, pod := range list.Items {
		for _, c := range pod.Containers {
			if metric == domain.MetricCPU {
				total += float64(c.Usage.Cpu().MilliValue()) / 10
			} else {
				total += float64(c.Usage.Memory().Value()) / bytesPerMiB
			}
		}
	}
	return total, nil
}
