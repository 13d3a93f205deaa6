// Package kubernetes adapts the Kubernetes API to the orchestration platform
// operations used by the remediation paths.
package kubernetes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// RestartedAtAnnotation is the pod template annotation bumped by a rollout restart.
const RestartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// DefaultSourceSuffix names the ConfigMap holding a workload's source files.
const DefaultSourceSuffix = "-source"

// Pod lookup errors.
var (
	ErrNoPods        = errors.New("workload has no pods")
	ErrEmptySelector = errors.New("deployment has an empty pod selector")
)

// BuildConfig resolves the REST config from an explicit kubeconfig path, the
// KUBECONFIG variable, the in-cluster service account, or ~/.kube/config.
func BuildConfig(kubeconfig string) (*rest.Config, error) {
	var (
		config *rest.Config
		err    error
	)
	switch {
	case kubeconfig != "":
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	case os.Getenv("KUBECONFIG") != "":
		config, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
	default:
		config, err = rest.InClusterConfig()
		if err != nil {
			if home := homedir.HomeDir(); home != "" {
				config, err = clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: kubeconfig: %w", domain.ErrConfiguration, err)
	}
	return config, nil
}

// Platform operates on Deployments.
type Platform struct {
	client       kubernetes.Interface
	sourceSuffix string
	now          func() time.Time
}

// NewPlatform creates a new Platform.
func NewPlatform(client kubernetes.Interface, sourceSuffix string) *Platform {
	if sourceSuffix == "" {
		sourceSuffix = DefaultSourceSuffix
	}
	return &Platform{
		client:       client,
		sourceSuffix: sourceSuffix,
		now:          time.Now,
	}
}

// Restart performs a rollout restart of the deployment. The call is
// acknowledged once the API server accepts the patch.
func (p *Platform) Restart(ctx context.Context, workload domain.WorkloadRef) error {
	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{
						RestartedAtAnnotation: p.now().UTC().Format(time.RFC3339),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("encode restart patch: %w", err)
	}

	_, err = p.client.AppsV1().Deployments(workload.Namespace).
		Patch(ctx, workload.Name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		// A missing deployment is often mid-rollout or being recreated.
		if apierrors.IsNotFound(err) {
			return retry.NewRetryableError(fmt.Errorf("restart %s: %w", workload, err))
		}
		return classify(fmt.Sprintf("restart %s", workload), err)
	}
	return nil
}

// ListWorkloads returns the deployments of namespace.
func (p *Platform) ListWorkloads(ctx context.Context, namespace string) ([]domain.WorkloadRef, error) {
	list, err := p.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list deployments", err)
	}

	refs := make([]domain.WorkloadRef, 0, len(list.Items))
	for _, d := range list.Items {
		refs = append(refs, domain.WorkloadRef{Namespace: d.Namespace, Name: d.Name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}

// PodSelector returns the label selector of the workload's deployment. An
// empty selector is rejected since it would match every pod of the namespace.
func (p *Platform) PodSelector(ctx context.Context, workload domain.WorkloadRef) (labels.Selector, error) {
	deploy, err := p.client.AppsV1().Deployments(workload.Namespace).Get(ctx, workload.Name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(fmt.Sprintf("get deployment %s", workload), err)
	}

	selector, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector)
	if err != nil {
		return nil, retry.NewPermanentError(fmt.Errorf("deployment %s selector: %w", workload, err))
	}
	if selector.Empty() {
		return nil, retry.NewPermanentError(fmt.Errorf("deployment %s: %w", workload, ErrEmptySelector))
	}
	return selector, nil
}

// GetLogs returns up to maxLines trailing log lines of the newest pod of the
// deployment.
func (p *Platform) GetLogs(ctx context.Context, workload domain.WorkloadRef, maxLines int) (string, error) {
	selector, err := p.PodSelector(ctx, workload)
	if err != nil {
		return "", err
	}

	pods, err := p.client.CoreV1().Pods(workload.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", classify("list pods", err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("%s: %w", workload, ErrNoPods)
	}

	newest := pods.Items[0]
	for _, pod := range pods.Items[1:] {
		if pod.CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = pod
		}
	}

	opts := &corev1.PodLogOptions{}
	if maxLines > 0 {
		tail := int64(maxLines)
		opts.TailLines = &tail
	}
	raw, err := p.client.CoreV1().Pods(workload.Namespace).GetLogs(newest.Name, opts).DoRaw(ctx)
	if err != nil {
		return "", classify(fmt.Sprintf("get logs of %s", newest.Name), err)
	}
	return string(raw), nil
}

// GetSource reads the workload's source snapshot from ConfigMap
// <workload><suffix>; keys are file paths, values file contents.
func (p *Platform) GetSource(ctx context.Context, workload domain.WorkloadRef) (domain.SourceSnapshot, error) {
	name := workload.Name + p.sourceSuffix
	cm, err := p.client.CoreV1().ConfigMaps(workload.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return domain.SourceSnapshot{}, classify(fmt.Sprintf("get source configmap %s", name), err)
	}

	files := make(map[string]string, len(cm.Data))
	for path, content := range cm.Data {
		files[path] = content
	}
	return domain.SourceSnapshot{Revision: cm.ResourceVersion, Files: files}, nil
}

func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) {
		return retry.NewRetryableError(wrapped)
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return retry.NewPermanentError(wrapped)
	}
	// Transport failures carry no API status.
	return retry.NewRetryableError(wrapped)
}
