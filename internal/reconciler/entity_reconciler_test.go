package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"falconeye/internal/adapter"
	"falconeye/internal/api"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/internal/registry"
)

func testImages() adapter.Images {
	return adapter.Images{
		USBRelay:       "falconeye/usb-relay:test",
		NetworkRelay:   "falconeye/net-relay:test",
		AgentMain:      "falconeye/agent:test",
		AgentAdapter:   "falconeye/agent-adapter:test",
		AgentEphemeral: "falconeye/agent-ephemeral:test",
	}
}

func newTestReconciler(t *testing.T, nodes ...string) (*EntityReconciler, *registry.Store, *cluster.Fake) {
	t.Helper()

	store, err := registry.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := cluster.NewFake(nodes...)
	r := NewEntityReconciler(store, fake, adapter.New("falcon-eye", testImages()))
	return r, store, fake
}

func putCamera(t *testing.T, store *registry.Store, cam *entity.Camera) *entity.Camera {
	t.Helper()
	stored, err := store.PutCamera(context.Background(), cam)
	require.NoError(t, err)
	return stored
}

func rtspCamera(enabled bool) *entity.Camera {
	return &entity.Camera{
		Entity:   entity.Entity{DesiredEnabled: enabled},
		Protocol: entity.ProtocolRTSP,
		Source:   "rtsp://10.1.2.3/stream",
	}
}

// reconcileUntilSettled runs reconcile passes until no follow-up is requested.
func reconcileUntilSettled(t *testing.T, r *EntityReconciler, id string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		res := r.Reconcile(ctx, Request{EntityID: id, Generation: CurrentGeneration, Attempt: 1})
		require.NoError(t, res.Error)
		if !res.Requeue && res.RequeueAfter == 0 {
			return
		}
	}
	t.Fatal("reconcile did not settle within 10 passes")
}

func TestReconcile_EnabledCameraConvergesToRunning(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))

	reconcileUntilSettled(t, r, cam.ID)

	require.Equal(t, 1, fake.Creates)

	e, err := store.GetEntity(context.Background(), cam.ID)
	require.NoError(t, err)
	require.Equal(t, entity.StatusRunning, e.Status)

	snap, err := cluster.TakeSnapshot(context.Background(), fake)
	require.NoError(t, err)
	w, exists := snap.Lookup(cam.ID)
	require.True(t, exists)
	require.Equal(t, entity.PhaseRunning, w.Phase)
	require.Equal(t, "node-a", w.Node)
}

func TestReconcile_Idempotent(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))

	reconcileUntilSettled(t, r, cam.ID)
	require.Equal(t, 1, fake.Creates)

	// Re-running the same converged state issues no further mutations.
	reconcileUntilSettled(t, r, cam.ID)
	reconcileUntilSettled(t, r, cam.ID)
	require.Equal(t, 1, fake.Creates)
	require.Equal(t, 0, fake.Deletes)
}

func TestReconcile_DisabledCameraStops(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))
	reconcileUntilSettled(t, r, cam.ID)

	cam.DesiredEnabled = false
	putCamera(t, store, cam)
	reconcileUntilSettled(t, r, cam.ID)

	require.Equal(t, 1, fake.Deletes)

	e, err := store.GetEntity(context.Background(), cam.ID)
	require.NoError(t, err)
	require.Equal(t, entity.StatusStopped, e.Status)
}

func TestReconcile_DeleteDuringCreateLeavesNoOrphan(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))

	// First pass creates the workload but has not observed it running yet.
	res := r.Reconcile(context.Background(), Request{EntityID: cam.ID, Generation: cam.Generation, Attempt: 1})
	require.NoError(t, res.Error)
	require.Equal(t, 1, fake.Creates)

	// The delete lands while the create is still settling. The follow-up
	// pass sees the newer intent and issues the compensating delete.
	require.NoError(t, store.MarkDeleting(context.Background(), cam.ID))
	reconcileUntilSettled(t, r, cam.ID)

	snap, err := cluster.TakeSnapshot(context.Background(), fake)
	require.NoError(t, err)
	require.Empty(t, snap.Workloads(), "no workload may survive a delete-during-create")

	// Purge completed: the registry row is gone.
	_, err = store.GetEntity(context.Background(), cam.ID)
	require.True(t, api.IsNotFound(err))
}

func TestReconcile_OrphanWorkloadRemoved(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))
	reconcileUntilSettled(t, r, cam.ID)

	// Simulate the row vanishing without the reconciler's involvement.
	require.NoError(t, store.Purge(context.Background(), cam.ID))

	res := r.Reconcile(context.Background(), Request{EntityID: cam.ID, Generation: CurrentGeneration, Attempt: 1})
	require.NoError(t, res.Error)

	snap, err := cluster.TakeSnapshot(context.Background(), fake)
	require.NoError(t, err)
	require.Empty(t, snap.Workloads())
}

func TestReconcile_USBCameraPinnedToConstraint(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a", "node-b")
	cam := putCamera(t, store, &entity.Camera{
		Entity:   entity.Entity{DesiredEnabled: true, NodeConstraint: "node-b"},
		Protocol: entity.ProtocolUSB,
		Source:   "/dev/video0",
	})

	reconcileUntilSettled(t, r, cam.ID)

	pod, err := fake.GetPod(context.Background(), adapter.WorkloadName(entity.KindCamera, cam.ID))
	require.NoError(t, err)
	require.Equal(t, "node-b", pod.Spec.NodeName)
}

func TestReconcile_USBCameraParkedWhenConstraintUnavailable(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, &entity.Camera{
		Entity:   entity.Entity{DesiredEnabled: true, NodeConstraint: "node-gone"},
		Protocol: entity.ProtocolUSB,
		Source:   "/dev/video0",
	})

	res := r.Reconcile(context.Background(), Request{EntityID: cam.ID, Generation: cam.Generation, Attempt: 1})

	// Parked, not failed: periodic retry, no error toward the degraded limit,
	// and absolutely no workload on a different node.
	require.NoError(t, res.Error)
	require.NotZero(t, res.RequeueAfter)
	require.Equal(t, 0, fake.Creates)

	e, err := store.GetEntity(context.Background(), cam.ID)
	require.NoError(t, err)
	require.Equal(t, entity.StatusError, e.Status)
	require.Contains(t, e.LastError, "node-gone")
}

func TestReconcile_PlacementSpreadsByCameraCount(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-b", "node-a")

	first := putCamera(t, store, rtspCamera(true))
	reconcileUntilSettled(t, r, first.ID)

	// Empty counts tie; the lexicographically lowest node wins.
	pod, err := fake.GetPod(context.Background(), adapter.WorkloadName(entity.KindCamera, first.ID))
	require.NoError(t, err)
	require.Equal(t, "node-a", pod.Spec.NodeName)

	// The second camera goes to the emptier node.
	second := putCamera(t, store, rtspCamera(true))
	reconcileUntilSettled(t, r, second.ID)

	pod, err = fake.GetPod(context.Background(), adapter.WorkloadName(entity.KindCamera, second.ID))
	require.NoError(t, err)
	require.Equal(t, "node-b", pod.Spec.NodeName)
}

func TestReconcile_SpecDivergenceRecreatesWorkload(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))
	reconcileUntilSettled(t, r, cam.ID)
	require.Equal(t, 1, fake.Creates)

	cam.Source = "rtsp://10.9.9.9/stream"
	putCamera(t, store, cam)
	reconcileUntilSettled(t, r, cam.ID)

	require.Equal(t, 1, fake.Deletes, "diverged workload must be deleted")
	require.Equal(t, 2, fake.Creates, "replacement must be created")

	e, err := store.GetEntity(context.Background(), cam.ID)
	require.NoError(t, err)
	require.Equal(t, entity.StatusRunning, e.Status)
}

func TestReconcile_NodeConstraintChangeRecreatesWorkload(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a", "node-b")
	cam := putCamera(t, store, rtspCamera(true))
	reconcileUntilSettled(t, r, cam.ID)

	pod, err := fake.GetPod(context.Background(), adapter.WorkloadName(entity.KindCamera, cam.ID))
	require.NoError(t, err)
	require.Equal(t, "node-a", pod.Spec.NodeName)

	// Pinning the camera to the other node must replace the workload; a pod's
	// node assignment cannot be patched in place.
	cam.NodeConstraint = "node-b"
	putCamera(t, store, cam)
	reconcileUntilSettled(t, r, cam.ID)

	require.Equal(t, 1, fake.Deletes)
	require.Equal(t, 2, fake.Creates)

	pod, err = fake.GetPod(context.Background(), adapter.WorkloadName(entity.KindCamera, cam.ID))
	require.NoError(t, err)
	require.Equal(t, "node-b", pod.Spec.NodeName)
}

func TestReconcile_ClusterDeletionRepaired(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))
	reconcileUntilSettled(t, r, cam.ID)

	// Someone deletes the pod behind the controller's back.
	fake.RemovePod(adapter.WorkloadName(entity.KindCamera, cam.ID))

	reconcileUntilSettled(t, r, cam.ID)
	require.Equal(t, 2, fake.Creates)

	e, err := store.GetEntity(context.Background(), cam.ID)
	require.NoError(t, err)
	require.Equal(t, entity.StatusRunning, e.Status)
}

func TestReconcile_TransientCreateFailureReturnsError(t *testing.T) {
	r, store, fake := newTestReconciler(t, "node-a")
	cam := putCamera(t, store, rtspCamera(true))

	fake.FailNextCreate = context.DeadlineExceeded
	res := r.Reconcile(context.Background(), Request{EntityID: cam.ID, Generation: cam.Generation, Attempt: 1})
	require.Error(t, res.Error)
	require.True(t, res.Requeue)

	// The retry succeeds once the cluster recovers.
	reconcileUntilSettled(t, r, cam.ID)
	require.Equal(t, 1, fake.Creates)
}
