package cluster

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	toolscache "k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"falconeye/internal/adapter"
	"falconeye/pkg/logging"
)

// PodEvent signals that the cluster-side state of an entity's workload
// changed and the entity should be re-reconciled.
type PodEvent struct {
	EntityID string
}

// Watcher watches managed pods through a controller-runtime informer cache
// and emits a PodEvent whenever one is added, updated or deleted. This is the
// reactive half of self-healing: a pod deleted behind the registry's back
// shows up here within the informer resync, long before the periodic sweep.
type Watcher struct {
	mu sync.Mutex

	restConfig *rest.Config
	namespace  string

	cache      cache.Cache
	cancelFunc context.CancelFunc
	running    bool
}

// NewWatcher creates a watcher for managed pods in the given namespace.
func NewWatcher(restConfig *rest.Config, namespace string) *Watcher {
	return &Watcher{restConfig: restConfig, namespace: namespace}
}

// Start begins watching and sends events to the provided channel until the
// context is cancelled. Events are dropped, with a warning, if the channel is
// full; the periodic sweep covers anything missed.
func (w *Watcher) Start(ctx context.Context, events chan<- PodEvent) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancelFunc = context.WithCancel(ctx)
	w.running = true
	w.mu.Unlock()

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	selector := labels.SelectorFromSet(labels.Set{adapter.ManagedByLabel: adapter.ManagedByValue})
	c, err := cache.New(w.restConfig, cache.Options{
		Scheme: scheme,
		DefaultNamespaces: map[string]cache.Config{
			w.namespace: {},
		},
		ByObject: map[client.Object]cache.ByObject{
			&corev1.Pod{}: {Label: selector},
		},
	})
	if err != nil {
		return fmt.Errorf("cluster: create cache: %w", err)
	}

	w.mu.Lock()
	w.cache = c
	w.mu.Unlock()

	informer, err := c.GetInformer(ctx, &corev1.Pod{})
	if err != nil {
		return fmt.Errorf("cluster: pod informer: %w", err)
	}

	emit := func(obj interface{}) {
		// Objects deleted while the watcher was down arrive wrapped.
		if deleted, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
			obj = deleted.Obj
		}
		pod, ok := obj.(*corev1.Pod)
		if !ok {
			return
		}
		id := pod.Labels[adapter.EntityIDLabel]
		if id == "" {
			return
		}
		select {
		case events <- PodEvent{EntityID: id}:
		default:
			logging.Warn("ClusterWatcher", "Event channel full, dropping event for %s", id)
		}
	}

	_, err = informer.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc:    emit,
		UpdateFunc: func(_, newObj interface{}) { emit(newObj) },
		DeleteFunc: emit,
	})
	if err != nil {
		return fmt.Errorf("cluster: add event handler: %w", err)
	}

	go func() {
		if err := c.Start(ctx); err != nil {
			logging.Error("ClusterWatcher", err, "Informer cache stopped")
		}
	}()

	if !c.WaitForCacheSync(ctx) {
		return fmt.Errorf("cluster: cache sync failed")
	}

	logging.Info("ClusterWatcher", "Watching managed pods in namespace %s", w.namespace)
	return nil
}

// Stop cancels the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
}
