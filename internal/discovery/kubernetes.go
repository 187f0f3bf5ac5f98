package discovery

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	tunerr "ecstunnel/internal/errors"
)

// Kubernetes resolves services and pods in one namespace.  The cluster
// argument is informational; the client is already bound to a context.
type Kubernetes struct {
	Client    kubernetes.Interface
	Namespace string
}

// ServiceName returns the alphabetically first service with a selector.
// Selector-less services (such as the API server's) have no pods.
func (k *Kubernetes) ServiceName(ctx context.Context, cluster string) (string, error) {
	list, err := k.Client.CoreV1().Services(k.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", &tunerr.DiscoveryError{Kind: "service", Cluster: cluster, Err: err}
	}
	var names []string
	for _, svc := range list.Items {
		if len(svc.Spec.Selector) > 0 {
			names = append(names, svc.Name)
		}
	}
	if len(names) == 0 {
		return "", notFound("service", cluster, "")
	}
	sort.Strings(names)
	return names[0], nil
}

// TaskID returns the alphabetically first running pod that the
// service's selector matches.
func (k *Kubernetes) TaskID(ctx context.Context, cluster, service string) (string, error) {
	fail := func(err error) error {
		return &tunerr.DiscoveryError{Kind: "task", Cluster: cluster, Service: service, Err: err}
	}
	svc, err := k.Client.CoreV1().Services(k.Namespace).Get(ctx, service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", fail(fmt.Errorf("%w: %v", tunerr.ErrNotFound, err))
	}
	if err != nil {
		return "", fail(err)
	}
	if len(svc.Spec.Selector) == 0 {
		return "", notFound("task", cluster, service)
	}
	pods, err := k.Client.CoreV1().Pods(k.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(svc.Spec.Selector).String(),
	})
	if err != nil {
		return "", fail(err)
	}
	var running []string
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning && p.DeletionTimestamp == nil {
			running = append(running, p.Name)
		}
	}
	if len(running) == 0 {
		return "", notFound("task", cluster, service)
	}
	sort.Strings(running)
	return running[0], nil
}
