package cluster

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"falconeye/internal/api"
)

// Fake is an in-memory Interface implementation for tests. Pods created
// through it are immediately marked running and ready unless FailNextCreate
// or ManualPhase is set.
type Fake struct {
	mu    sync.Mutex
	pods  map[string]*corev1.Pod
	nodes []corev1.Node

	// ManualPhase leaves created pods in their zero status so tests can
	// drive phase transitions explicitly via SetPodStatus.
	ManualPhase bool

	// FailNextCreate makes the next CreatePod return a transient cluster
	// error, then clears itself.
	FailNextCreate error

	// Counters for idempotence assertions.
	Creates int
	Deletes int
}

// NewFake creates a fake cluster with the given schedulable node names.
func NewFake(nodeNames ...string) *Fake {
	f := &Fake{pods: make(map[string]*corev1.Pod)}
	for _, name := range nodeNames {
		f.nodes = append(f.nodes, corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: name},
		})
	}
	return f
}

// CreatePod implements Interface.
func (f *Fake) CreatePod(_ context.Context, pod *corev1.Pod) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.FailNextCreate; err != nil {
		f.FailNextCreate = nil
		return api.NewClusterAPIError("create", err)
	}
	if _, exists := f.pods[pod.Name]; exists {
		return api.NewConflictError("workload", pod.Name, "already exists")
	}

	pod = pod.DeepCopy()
	if !f.ManualPhase {
		markRunning(pod)
	}
	f.pods[pod.Name] = pod
	f.Creates++
	return nil
}

// DeletePod implements Interface.
func (f *Fake) DeletePod(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pods, name)
	f.Deletes++
	return nil
}

// GetPod implements Interface.
func (f *Fake) GetPod(_ context.Context, name string) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[name]
	if !ok {
		return nil, api.NewNotFoundError("workload", name)
	}
	return pod.DeepCopy(), nil
}

// ListManagedPods implements Interface.
func (f *Fake) ListManagedPods(_ context.Context) ([]corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]corev1.Pod, 0, len(f.pods))
	for _, pod := range f.pods {
		out = append(out, *pod.DeepCopy())
	}
	return out, nil
}

// ListNodes implements Interface.
func (f *Fake) ListNodes(_ context.Context) ([]corev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]corev1.Node, len(f.nodes))
	copy(out, f.nodes)
	return out, nil
}

// SetPodStatus overrides the status of an existing pod; used with
// ManualPhase to simulate pending and crash-looping workloads.
func (f *Fake) SetPodStatus(name string, mutate func(*corev1.Pod)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[name]
	if !ok {
		return false
	}
	mutate(pod)
	return true
}

// RemovePod deletes a pod without counting it as a controller delete,
// simulating a cluster-side deletion behind the registry's back.
func (f *Fake) RemovePod(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pods, name)
}

// MarkRunning marks an existing pod running and ready, for ManualPhase tests.
func (f *Fake) MarkRunning(name string) bool {
	return f.SetPodStatus(name, markRunning)
}

func markRunning(pod *corev1.Pod) {
	pod.Status.Phase = corev1.PodRunning
	pod.Status.PodIP = "10.0.0.1"
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:               corev1.PodReady,
		Status:             corev1.ConditionTrue,
		LastTransitionTime: metav1.Now(),
	}}
}
