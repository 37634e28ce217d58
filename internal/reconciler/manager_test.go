package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"falconeye/internal/adapter"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/internal/registry"
)

func newTestManager(t *testing.T, cfg ManagerConfig, nodes ...string) (*Manager, *registry.Store, *cluster.Fake) {
	t.Helper()

	store, err := registry.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := cluster.NewFake(nodes...)
	r := NewEntityReconciler(store, fake, adapter.New("falcon-eye", testImages()))
	m := NewManager(cfg, store, r)
	store.SetNotifier(m)
	return m, store, fake
}

func waitForStatus(t *testing.T, store *registry.Store, id string, want entity.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := store.GetEntity(context.Background(), id)
		require.NoError(t, err)
		if e.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, _ := store.GetEntity(context.Background(), id)
	t.Fatalf("entity %s never reached %s (last: %s, error: %s)", id, want, e.Status, e.LastError)
}

func TestManager_WriteDrivesConvergence(t *testing.T) {
	m, store, fake := newTestManager(t, ManagerConfig{}, "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	cam, err := store.PutCamera(ctx, rtspCamera(true))
	require.NoError(t, err)

	waitForStatus(t, store, cam.ID, entity.StatusRunning)
	require.Equal(t, 1, fake.Creates)

	summary := m.Metrics().GetSummary()
	require.NotZero(t, summary.TotalAttempts)
	require.Zero(t, summary.TotalFailures)
}

func TestManager_SupersededGenerationSkipped(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})

	require.False(t, m.superseded(Request{EntityID: "cam-1", Generation: 3}))
	require.True(t, m.superseded(Request{EntityID: "cam-1", Generation: 2}),
		"older generation must be discarded after a newer one was observed")
	require.False(t, m.superseded(Request{EntityID: "cam-1", Generation: 4}))

	// Drift requests always pass; they reconcile whatever is current.
	require.False(t, m.superseded(Request{EntityID: "cam-1", Generation: CurrentGeneration}))
}

func TestManager_DegradedAfterMaxRetries(t *testing.T) {
	m, store, _ := newTestManager(t, ManagerConfig{MaxRetries: 3})
	cam, err := store.PutCamera(context.Background(), rtspCamera(true))
	require.NoError(t, err)

	failure := Result{Error: errors.New("cluster unreachable"), Requeue: true}
	for attempt := 1; attempt <= 3; attempt++ {
		m.handleError(Request{EntityID: cam.ID, Generation: cam.Generation, Attempt: attempt}, failure)
	}

	e, err := store.GetEntity(context.Background(), cam.ID)
	require.NoError(t, err)
	require.Equal(t, entity.StatusDegraded, e.Status)

	// Degraded entities sit out drift-driven passes.
	require.True(t, m.superseded(Request{EntityID: cam.ID, Generation: CurrentGeneration}))

	// An operator write clears the latch.
	m.EnqueueReconcile(cam.ID, cam.Generation+1)
	require.False(t, m.superseded(Request{EntityID: cam.ID, Generation: CurrentGeneration}))
}

func TestManager_PurgeForgetsTracking(t *testing.T) {
	m, store, _ := newTestManager(t, ManagerConfig{}, "node-a")
	ctx := context.Background()

	cam, err := store.PutCamera(ctx, rtspCamera(true))
	require.NoError(t, err)
	require.False(t, m.superseded(Request{EntityID: cam.ID, Generation: cam.Generation}))

	// No workload was ever created, so marking deleting purges immediately.
	require.NoError(t, store.MarkDeleting(ctx, cam.ID))
	m.ctx = ctx
	m.processRequest(Request{EntityID: cam.ID, Generation: cam.Generation + 1, Attempt: 1})

	m.mu.Lock()
	_, tracked := m.lastObserved[cam.ID]
	m.mu.Unlock()
	require.False(t, tracked, "purged entities must not linger in the generation map")
	require.Empty(t, m.metrics.GetSummary().PerEntity)
}

func TestManager_CalculateBackoff(t *testing.T) {
	m := NewManager(ManagerConfig{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}, nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := m.calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestManager_SweepRepairsDrift(t *testing.T) {
	m, store, fake := newTestManager(t, ManagerConfig{SweepInterval: 50 * time.Millisecond}, "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	cam, err := store.PutCamera(ctx, rtspCamera(true))
	require.NoError(t, err)
	waitForStatus(t, store, cam.ID, entity.StatusRunning)

	// Delete the pod behind the controller's back; no event arrives, only
	// the periodic sweep can notice.
	fake.RemovePod(adapter.WorkloadName(entity.KindCamera, cam.ID))
	store.SetStatus(ctx, cam.ID, entity.StatusProvisioning, "")

	waitForStatus(t, store, cam.ID, entity.StatusRunning)
	require.Equal(t, 2, fake.Creates)
}
