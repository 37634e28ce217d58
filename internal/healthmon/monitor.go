package healthmon

import (
	"context"
	"sync"
	"time"

	"falconeye/internal/adapter"
	"falconeye/internal/api"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/internal/registry"
	"falconeye/pkg/logging"
)

// Registry is the declared-state surface the monitor reads and repairs.
// *registry.Store implements it.
type Registry interface {
	GetEntity(ctx context.Context, id string) (*entity.Entity, error)
	GetAgent(ctx context.Context, id string) (*entity.Agent, error)
	ListEntities(ctx context.Context, filter registry.Filter) ([]*entity.Entity, error)
	ListCameras(ctx context.Context, filter registry.Filter) ([]*entity.Camera, error)
	ListAgents(ctx context.Context, filter registry.Filter) ([]*entity.Agent, error)
	MarkDeleting(ctx context.Context, id string) error
	ActiveRecording(ctx context.Context, cameraID string) (*entity.Recording, error)
	UpdateRecording(ctx context.Context, id string, status entity.RecordingStatus, sizeBytes int64) error
}

// Triggerer re-enqueues an entity for reconciliation; implemented by the
// reconcile manager.
type Triggerer interface {
	TriggerReconcile(entityID string)
}

// Config tunes the health monitor sweeps.
type Config struct {
	// Interval is the period between sweeps. Defaults to 30s.
	Interval time.Duration

	// OrphanGracePeriod is how old a managed workload with no backing
	// entity must be before it is garbage-collected. The grace period
	// keeps the sweep from racing a create whose registry row landed a
	// moment ago. Defaults to 2m.
	OrphanGracePeriod time.Duration

	// StaleTimeout is how long an entity may sit in provisioning or error
	// without a status change before it is re-triggered. Defaults to 5m.
	StaleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.OrphanGracePeriod == 0 {
		c.OrphanGracePeriod = 2 * time.Minute
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 5 * time.Minute
	}
}

// Monitor runs the periodic garbage-collection and staleness sweeps: orphaned
// workloads are deleted, ephemeral agents that outlived their parent are
// marked for deletion, stuck entities are re-triggered, and recordings whose
// camera workload vanished are failed.
type Monitor struct {
	config    Config
	registry  Registry
	cluster   cluster.Interface
	triggerer Triggerer

	mu         sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

// New creates a health monitor.
func New(config Config, reg Registry, c cluster.Interface, t Triggerer) *Monitor {
	config.applyDefaults()
	return &Monitor{config: config, registry: reg, cluster: c, triggerer: t}
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancelFunc = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
	logging.Info("HealthMonitor", "Started, sweeping every %s", m.config.Interval)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancelFunc()
	m.wg.Wait()
	logging.Info("HealthMonitor", "Stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.ctx)
		}
	}
}

// Sweep runs one pass of all checks. Exposed for tests and for a forced
// sweep at startup.
func (m *Monitor) Sweep(ctx context.Context) {
	m.collectOrphans(ctx)
	m.collectOrphanedEphemerals(ctx)
	m.retriggerStale(ctx)
	m.failDeadRecordings(ctx)
}

// collectOrphans deletes managed workloads whose entity no longer exists or
// is no longer enabled, once they are past the grace period.
func (m *Monitor) collectOrphans(ctx context.Context) {
	pods, err := m.cluster.ListManagedPods(ctx)
	if err != nil {
		logging.Warn("HealthMonitor", "Orphan sweep list failed: %v", err)
		return
	}

	cutoff := time.Now().Add(-m.config.OrphanGracePeriod)
	for i := range pods {
		pod := &pods[i]
		if pod.DeletionTimestamp != nil {
			continue
		}
		if pod.CreationTimestamp.Time.After(cutoff) {
			continue
		}

		entityID := pod.Labels[adapter.EntityIDLabel]
		if entityID == "" {
			// A managed pod without an entity label is malformed and
			// unconditionally an orphan.
			m.deleteOrphan(ctx, pod.Name, "missing entity label")
			continue
		}

		e, err := m.registry.GetEntity(ctx, entityID)
		if api.IsNotFound(err) {
			m.deleteOrphan(ctx, pod.Name, "entity purged")
			continue
		}
		if err != nil {
			logging.Warn("HealthMonitor", "Orphan check for %s failed: %v", pod.Name, err)
			continue
		}
		if !e.DesiredEnabled {
			// The reconciler normally handles this; re-trigger rather than
			// deleting out from under it.
			m.triggerer.TriggerReconcile(entityID)
		}
	}
}

func (m *Monitor) deleteOrphan(ctx context.Context, podName, reason string) {
	logging.Info("HealthMonitor", "Garbage-collecting orphaned workload %s (%s)", podName, reason)
	if err := m.cluster.DeletePod(ctx, podName); err != nil {
		logging.Warn("HealthMonitor", "Failed to delete orphan %s: %v", podName, err)
	}
}

// collectOrphanedEphemerals marks ephemeral agents for deletion once the
// agent that spawned them is gone. The reconciler then tears the workload
// down and purges the row through the normal deletion path.
func (m *Monitor) collectOrphanedEphemerals(ctx context.Context) {
	agents, err := m.registry.ListAgents(ctx, registry.Filter{})
	if err != nil {
		logging.Warn("HealthMonitor", "Ephemeral sweep list failed: %v", err)
		return
	}

	for _, ag := range agents {
		if ag.AgentKind != entity.AgentKindEphemeral || ag.Status == entity.StatusDeleting {
			continue
		}

		_, err := m.registry.GetAgent(ctx, ag.SpawnReason)
		if err == nil {
			continue
		}
		if !api.IsNotFound(err) {
			logging.Warn("HealthMonitor", "Parent lookup for ephemeral %s failed: %v", ag.ID, err)
			continue
		}

		logging.Info("HealthMonitor", "Deleting ephemeral agent %s: parent %s is gone", ag.ID, ag.SpawnReason)
		if err := m.registry.MarkDeleting(ctx, ag.ID); err != nil && !api.IsNotFound(err) {
			logging.Warn("HealthMonitor", "Failed to mark ephemeral %s deleting: %v", ag.ID, err)
		}
	}
}

// retriggerStale re-enqueues entities stuck in provisioning or error past the
// stale timeout. Degraded entities are deliberately excluded; they wait for
// an operator write.
func (m *Monitor) retriggerStale(ctx context.Context) {
	entities, err := m.registry.ListEntities(ctx, registry.Filter{})
	if err != nil {
		logging.Warn("HealthMonitor", "Staleness sweep list failed: %v", err)
		return
	}

	cutoff := time.Now().Add(-m.config.StaleTimeout)
	for _, e := range entities {
		switch e.Status {
		case entity.StatusProvisioning, entity.StatusError, entity.StatusStopping:
		default:
			continue
		}
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		logging.Info("HealthMonitor", "Re-triggering stale %s %s (status %s since %s)",
			e.Kind, e.ID, e.Status, e.UpdatedAt.Format(time.RFC3339))
		m.triggerer.TriggerReconcile(e.ID)
	}
}

// failDeadRecordings marks active recordings as failed when the camera
// workload they depend on is gone.
func (m *Monitor) failDeadRecordings(ctx context.Context) {
	cameras, err := m.registry.ListCameras(ctx, registry.Filter{})
	if err != nil {
		logging.Warn("HealthMonitor", "Recording sweep list failed: %v", err)
		return
	}

	snap, err := cluster.TakeSnapshot(ctx, m.cluster)
	if err != nil {
		logging.Warn("HealthMonitor", "Recording sweep snapshot failed: %v", err)
		return
	}

	for _, cam := range cameras {
		rec, err := m.registry.ActiveRecording(ctx, cam.ID)
		if api.IsNotFound(err) {
			continue
		}
		if err != nil {
			logging.Warn("HealthMonitor", "Recording lookup for camera %s failed: %v", cam.ID, err)
			continue
		}

		if _, exists := snap.Lookup(cam.ID); exists {
			// A present workload may still be holding the file open, even
			// mid-restart or behind a readiness blip. Only confirmed absence
			// means no confirmation will ever arrive.
			continue
		}

		logging.Warn("HealthMonitor", "Failing recording %s: camera %s workload is gone",
			rec.ID, cam.ID)
		if err := m.registry.UpdateRecording(ctx, rec.ID, entity.RecordingFailed, rec.SizeBytes); err != nil {
			logging.Warn("HealthMonitor", "Failed to update recording %s: %v", rec.ID, err)
		}
	}
}
