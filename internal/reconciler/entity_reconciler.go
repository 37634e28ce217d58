package reconciler

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"

	"falconeye/internal/adapter"
	"falconeye/internal/api"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/internal/registry"
	"falconeye/pkg/logging"
)

// Registry is the declared-state surface the reconciler needs. *registry.Store
// implements it.
type Registry interface {
	GetEntity(ctx context.Context, id string) (*entity.Entity, error)
	GetCamera(ctx context.Context, id string) (*entity.Camera, error)
	GetAgent(ctx context.Context, id string) (*entity.Agent, error)
	ListEntities(ctx context.Context, filter registry.Filter) ([]*entity.Entity, error)
	SetStatus(ctx context.Context, id string, status entity.Status, lastError string) error
	Purge(ctx context.Context, id string) error
}

const (
	// settleDelay is how long to wait before re-observing an in-flight
	// transition (a create that has not reported running yet, a delete that
	// has not confirmed absence).
	settleDelay = 2 * time.Second

	// placementRetryDelay is how often a parked PlacementError is retried
	// in case capacity appears. Placement failures do not count toward the
	// degraded limit.
	placementRetryDelay = 30 * time.Second

	// crashRetryDelay is how often a crash-looping workload is re-observed.
	crashRetryDelay = 30 * time.Second
)

// EntityReconciler drives a single entity toward its declared state: diffing
// the registry against the observed workload projection and issuing
// idempotent create/delete operations.
type EntityReconciler struct {
	registry Registry
	cluster  cluster.Interface
	adapter  *adapter.Adapter
}

// NewEntityReconciler creates the reconciler used by the manager's workers.
func NewEntityReconciler(reg Registry, c cluster.Interface, a *adapter.Adapter) *EntityReconciler {
	return &EntityReconciler{registry: reg, cluster: c, adapter: a}
}

// Reconcile processes one request. It is idempotent: re-running the same
// generation against a converged cluster issues no further mutations.
func (r *EntityReconciler) Reconcile(ctx context.Context, req Request) Result {
	e, err := r.registry.GetEntity(ctx, req.EntityID)
	if api.IsNotFound(err) {
		return r.reconcileOrphan(ctx, req.EntityID)
	}
	if err != nil {
		return Result{Error: fmt.Errorf("fetch entity %s: %w", req.EntityID, err), Requeue: true}
	}

	snap, err := cluster.TakeSnapshot(ctx, r.cluster)
	if err != nil {
		return Result{Error: err, Requeue: true}
	}
	workload, exists := snap.Lookup(e.ID)

	if exists && workload.Phase == entity.PhaseTerminating {
		// Let the in-flight termination finish before deciding anything.
		return Result{RequeueAfter: settleDelay}
	}

	if !e.DesiredEnabled {
		return r.reconcileDisabled(ctx, e, workload, exists)
	}
	return r.reconcileEnabled(ctx, e, snap, workload, exists)
}

// reconcileOrphan handles a request for an id the registry no longer knows:
// any workload still carrying the id is removed.
func (r *EntityReconciler) reconcileOrphan(ctx context.Context, entityID string) Result {
	snap, err := cluster.TakeSnapshot(ctx, r.cluster)
	if err != nil {
		return Result{Error: err, Requeue: true}
	}
	workload, exists := snap.Lookup(entityID)
	if !exists {
		return Result{Purged: true}
	}

	logging.Info("Reconciler", "Removing workload %s for purged entity %s", workload.Name, entityID)
	if err := r.cluster.DeletePod(ctx, workload.Name); err != nil {
		return Result{Error: err, Requeue: true}
	}
	// Confirm absence before the manager drops its tracking.
	return Result{RequeueAfter: settleDelay}
}

// reconcileDisabled converges a disabled entity toward zero workloads and, if
// the entity is marked deleting, purges it once absence is confirmed.
func (r *EntityReconciler) reconcileDisabled(ctx context.Context, e *entity.Entity, workload entity.Workload, exists bool) Result {
	if exists {
		logging.Info("Reconciler", "Deleting workload %s for disabled %s %s", workload.Name, e.Kind, e.ID)
		if err := r.cluster.DeletePod(ctx, workload.Name); err != nil {
			return Result{Error: err, Requeue: true}
		}
		if e.Status != entity.StatusDeleting {
			r.setStatus(ctx, e.ID, entity.StatusStopping, "")
		}
		// Wait for confirmed absence before declaring stopped or purging.
		return Result{RequeueAfter: settleDelay}
	}

	if e.Status == entity.StatusDeleting {
		logging.Info("Reconciler", "Purging %s %s: zero workloads confirmed", e.Kind, e.ID)
		if err := r.registry.Purge(ctx, e.ID); err != nil && !api.IsNotFound(err) {
			return Result{Error: err, Requeue: true}
		}
		return Result{Purged: true}
	}

	if e.Status != entity.StatusStopped {
		r.setStatus(ctx, e.ID, entity.StatusStopped, "")
	}
	return Result{}
}

// reconcileEnabled converges an enabled entity toward a running, spec-matching
// workload.
func (r *EntityReconciler) reconcileEnabled(ctx context.Context, e *entity.Entity, snap *cluster.Snapshot, workload entity.Workload, exists bool) Result {
	if !exists {
		return r.createWorkload(ctx, e, snap)
	}

	// Render against the declared pin when one exists so a constraint change
	// diverges the spec hash; unconstrained entities stay where they were
	// placed.
	renderNode := workload.Node
	if e.NodeConstraint != "" {
		renderNode = e.NodeConstraint
	}
	desired, err := r.render(ctx, e, adapter.Placement{Node: renderNode})
	if err != nil {
		return Result{Error: err, Requeue: true}
	}

	pod, err := r.cluster.GetPod(ctx, workload.Name)
	if api.IsNotFound(err) {
		// Deleted between snapshot and now; next pass re-creates it.
		return Result{RequeueAfter: settleDelay}
	}
	if err != nil {
		return Result{Error: err, Requeue: true}
	}

	if pod.Labels[adapter.SpecHashLabel] != adapter.SpecHash(desired) {
		// Spec divergence is unpatchable for pods (image, env, node
		// pinning); recreate from the current generation.
		logging.Info("Reconciler", "Spec for %s %s diverged, recreating workload %s", e.Kind, e.ID, workload.Name)
		if err := r.cluster.DeletePod(ctx, workload.Name); err != nil {
			return Result{Error: err, Requeue: true}
		}
		r.setStatus(ctx, e.ID, entity.StatusProvisioning, "")
		return Result{RequeueAfter: settleDelay}
	}

	switch workload.Phase {
	case entity.PhaseRunning:
		if e.Status != entity.StatusRunning {
			r.setStatus(ctx, e.ID, entity.StatusRunning, "")
		}
		return Result{}
	case entity.PhaseCrashLooping:
		msg := fmt.Sprintf("workload crash-looping on node %s", workload.Node)
		r.setStatus(ctx, e.ID, entity.StatusError, msg)
		// Restart policy may recover it; keep observing without counting
		// toward the degraded limit.
		return Result{RequeueAfter: crashRetryDelay}
	default:
		if e.Status != entity.StatusProvisioning {
			r.setStatus(ctx, e.ID, entity.StatusProvisioning, "")
		}
		return Result{RequeueAfter: settleDelay}
	}
}

// createWorkload places, renders and submits a new workload for an entity.
func (r *EntityReconciler) createWorkload(ctx context.Context, e *entity.Entity, snap *cluster.Snapshot) Result {
	placement, err := r.place(ctx, e, snap)
	if err != nil {
		if api.IsPlacement(err) {
			// Parked, not failed: retried periodically in case capacity
			// appears.
			r.setStatus(ctx, e.ID, entity.StatusError, err.Error())
			return Result{RequeueAfter: placementRetryDelay}
		}
		return Result{Error: err, Requeue: true}
	}

	pod, err := r.render(ctx, e, placement)
	if err != nil {
		return Result{Error: err, Requeue: true}
	}

	r.setStatus(ctx, e.ID, entity.StatusProvisioning, "")
	logging.Info("Reconciler", "Creating workload %s for %s %s on node %q", pod.Name, e.Kind, e.ID, placement.Node)

	if err := r.cluster.CreatePod(ctx, pod); err != nil {
		if api.IsConflict(err) {
			// Lost a race with an earlier create; observe it next pass.
			return Result{RequeueAfter: settleDelay}
		}
		return Result{Error: err, Requeue: true}
	}
	return Result{RequeueAfter: settleDelay}
}

// render produces the pod spec the entity's current generation implies.
func (r *EntityReconciler) render(ctx context.Context, e *entity.Entity, placement adapter.Placement) (*corev1.Pod, error) {
	switch e.Kind {
	case entity.KindCamera:
		cam, err := r.registry.GetCamera(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		return r.adapter.RenderCamera(cam, placement)
	case entity.KindAgent:
		ag, err := r.registry.GetAgent(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		return r.adapter.RenderAgent(ag, placement)
	default:
		return nil, fmt.Errorf("unknown entity kind %q", e.Kind)
	}
}

// place chooses a node for an entity. A node constraint is honored verbatim;
// unconstrained entities go to the node hosting the fewest camera workloads,
// ties broken by the lexicographically lowest node name.
func (r *EntityReconciler) place(ctx context.Context, e *entity.Entity, snap *cluster.Snapshot) (adapter.Placement, error) {
	nodes, err := r.cluster.ListNodes(ctx)
	if err != nil {
		return adapter.Placement{}, err
	}

	if e.NodeConstraint != "" {
		for _, n := range nodes {
			if n.Name == e.NodeConstraint {
				return adapter.Placement{Node: e.NodeConstraint}, nil
			}
		}
		return adapter.Placement{}, &api.PlacementError{
			EntityID: e.ID,
			Reason:   fmt.Sprintf("node %s not available", e.NodeConstraint),
		}
	}

	if len(nodes) == 0 {
		return adapter.Placement{}, &api.PlacementError{EntityID: e.ID, Reason: "no schedulable nodes"}
	}

	counts := snap.CameraCountByNode()
	sort.Slice(nodes, func(i, j int) bool {
		ci, cj := counts[nodes[i].Name], counts[nodes[j].Name]
		if ci != cj {
			return ci < cj
		}
		return nodes[i].Name < nodes[j].Name
	})
	return adapter.Placement{Node: nodes[0].Name}, nil
}

// setStatus records observed status, logging rather than failing on error:
// status is advisory and the next pass will rewrite it.
func (r *EntityReconciler) setStatus(ctx context.Context, id string, status entity.Status, lastError string) {
	if err := r.registry.SetStatus(ctx, id, status, lastError); err != nil && !api.IsNotFound(err) {
		logging.Warn("Reconciler", "Failed to set status %s for %s: %v", status, id, err)
	}
}
