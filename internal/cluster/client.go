// Package cluster provides access to the Kubernetes side of the system: a
// narrow client for managed pods and nodes, an informer-based change watcher,
// and the immutable workload projection the reconciler diffs against.
package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"falconeye/internal/adapter"
	"falconeye/internal/api"
)

// Interface is the cluster surface the reconciler and health monitor depend
// on. The production implementation wraps a controller-runtime client; tests
// use the in-memory Fake.
type Interface interface {
	// CreatePod submits a rendered workload spec.
	CreatePod(ctx context.Context, pod *corev1.Pod) error

	// DeletePod removes a managed pod by name. Deleting an absent pod is
	// not an error.
	DeletePod(ctx context.Context, name string) error

	// GetPod fetches a managed pod by name, returning a NotFoundError when
	// absent.
	GetPod(ctx context.Context, name string) (*corev1.Pod, error)

	// ListManagedPods lists all pods carrying the managed-by label.
	ListManagedPods(ctx context.Context) ([]corev1.Pod, error)

	// ListNodes lists schedulable nodes.
	ListNodes(ctx context.Context) ([]corev1.Node, error)
}

// Client is the production Interface implementation.
type Client struct {
	c         client.Client
	namespace string
}

// NewClient builds a cluster client for the given namespace from a REST
// config.
func NewClient(restConfig *rest.Config, namespace string) (*Client, error) {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("cluster: create client: %w", err)
	}
	return &Client{c: c, namespace: namespace}, nil
}

// GetRestConfig resolves cluster access via controller-runtime's detection
// (in-cluster config, then kubeconfig).
func GetRestConfig() (*rest.Config, error) {
	return ctrl.GetConfig()
}

// CreatePod implements Interface.
func (cl *Client) CreatePod(ctx context.Context, pod *corev1.Pod) error {
	pod = pod.DeepCopy()
	pod.Namespace = cl.namespace
	if err := cl.c.Create(ctx, pod); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return api.NewConflictError("workload", pod.Name, "already exists")
		}
		return api.NewClusterAPIError("create", err)
	}
	return nil
}

// DeletePod implements Interface.
func (cl *Client) DeletePod(ctx context.Context, name string) error {
	pod := &corev1.Pod{}
	pod.Name = name
	pod.Namespace = cl.namespace
	if err := cl.c.Delete(ctx, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return api.NewClusterAPIError("delete", err)
	}
	return nil
}

// GetPod implements Interface.
func (cl *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	if err := cl.c.Get(ctx, client.ObjectKey{Namespace: cl.namespace, Name: name}, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, api.NewNotFoundError("workload", name)
		}
		return nil, api.NewClusterAPIError("get", err)
	}
	return pod, nil
}

// ListManagedPods implements Interface.
func (cl *Client) ListManagedPods(ctx context.Context) ([]corev1.Pod, error) {
	list := &corev1.PodList{}
	err := cl.c.List(ctx, list,
		client.InNamespace(cl.namespace),
		client.MatchingLabels{adapter.ManagedByLabel: adapter.ManagedByValue})
	if err != nil {
		return nil, api.NewClusterAPIError("list pods", err)
	}
	return list.Items, nil
}

// ListNodes implements Interface. Nodes marked unschedulable are filtered
// out; they cannot receive new workloads.
func (cl *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	list := &corev1.NodeList{}
	if err := cl.c.List(ctx, list); err != nil {
		return nil, api.NewClusterAPIError("list nodes", err)
	}
	nodes := make([]corev1.Node, 0, len(list.Items))
	for _, n := range list.Items {
		if n.Spec.Unschedulable {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
