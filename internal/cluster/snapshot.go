package cluster

import (
	"context"
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"

	"falconeye/internal/adapter"
	"falconeye/internal/entity"
)

// Snapshot is an immutable projection of the cluster's managed workloads,
// rebuilt on every reconciliation tick. Decisions made against one snapshot
// stay internally consistent even if the cluster moves on mid-decision;
// readers receive copies, never shared references.
type Snapshot struct {
	workloads []entity.Workload
	byEntity  map[string]int
}

// TakeSnapshot lists the managed pods and projects them into workloads.
func TakeSnapshot(ctx context.Context, c Interface) (*Snapshot, error) {
	pods, err := c.ListManagedPods(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{byEntity: make(map[string]int, len(pods))}
	for i := range pods {
		w := ProjectPod(&pods[i])
		if w.EntityID == "" {
			continue
		}
		snap.byEntity[w.EntityID] = len(snap.workloads)
		snap.workloads = append(snap.workloads, w)
	}
	return snap, nil
}

// ProjectPod derives the workload view of a single pod.
func ProjectPod(pod *corev1.Pod) entity.Workload {
	w := entity.Workload{
		EntityID: pod.Labels[adapter.EntityIDLabel],
		Kind:     entity.Kind(pod.Labels[adapter.KindLabel]),
		Name:     pod.Name,
		Node:     pod.Spec.NodeName,
		Phase:    podPhase(pod),
	}
	if gen, err := strconv.ParseInt(pod.Labels[adapter.GenerationLabel], 10, 64); err == nil {
		w.Generation = gen
	}
	if pod.Status.PodIP != "" {
		w.Address = fmt.Sprintf("%s:%d", pod.Status.PodIP, adapter.RelayPort)
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			w.LastTransition = cond.LastTransitionTime.Time
			break
		}
	}
	return w
}

// podPhase collapses pod status into the workload phase model. Crash-looping
// containers are distinguished from ordinary pending so the health monitor
// can tell a mis-scheduled USB relay from a workload that is still starting.
func podPhase(pod *corev1.Pod) entity.WorkloadPhase {
	if pod.DeletionTimestamp != nil {
		return entity.PhaseTerminating
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff" {
			return entity.PhaseCrashLooping
		}
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return entity.PhaseRunning
			}
		}
		return entity.PhasePending
	case corev1.PodFailed:
		return entity.PhaseCrashLooping
	default:
		return entity.PhasePending
	}
}

// Lookup returns a copy of the workload for an entity id. The second return
// is false when the entity has no workload; callers treat that as phase
// absent.
func (s *Snapshot) Lookup(entityID string) (entity.Workload, bool) {
	idx, ok := s.byEntity[entityID]
	if !ok {
		return entity.Workload{EntityID: entityID, Phase: entity.PhaseAbsent}, false
	}
	return s.workloads[idx], true
}

// Workloads returns a copy of all projected workloads.
func (s *Snapshot) Workloads() []entity.Workload {
	out := make([]entity.Workload, len(s.workloads))
	copy(out, s.workloads)
	return out
}

// CameraCountByNode counts camera workloads per node, used by placement for
// load spreading.
func (s *Snapshot) CameraCountByNode() map[string]int {
	counts := make(map[string]int)
	for _, w := range s.workloads {
		if w.Kind != entity.KindCamera || w.Node == "" || w.Phase == entity.PhaseTerminating {
			continue
		}
		counts[w.Node]++
	}
	return counts
}
