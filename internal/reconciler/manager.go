package reconciler

import (
	"context"
	"sync"
	"time"

	"falconeye/internal/entity"
	"falconeye/internal/registry"
	"falconeye/pkg/logging"
)

// Manager coordinates reconciliation: the work queue, the worker pool, retry
// with exponential backoff, the degraded latch, and the periodic full sweep.
//
// Two paths feed the queue. Registry writes arrive through EnqueueReconcile
// (the Manager implements registry.Notifier) and carry the written
// generation. Drift arrives through HandlePodEvent and the periodic sweep and
// carries CurrentGeneration. Per-entity mutual exclusion comes from the
// queue's processing/dirty discipline, so the sweep can never race a
// just-enqueued control-triggered pass on the same entity.
type Manager struct {
	mu sync.Mutex

	config     ManagerConfig
	reconciler *EntityReconciler
	reg        Registry
	queue      *delayedQueue
	metrics    *Metrics

	// lastObserved is the highest generation seen per entity; requests
	// carrying an older concrete generation are discarded as superseded.
	lastObserved map[string]int64

	// failures counts consecutive failed attempts per entity. Reaching
	// MaxRetries parks the entity in degraded until the operator writes to
	// it again.
	failures map[string]int
	degraded map[string]bool

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

// NewManager creates a reconcile manager. Call Start to run it and register
// it as the registry's notifier.
func NewManager(config ManagerConfig, reg Registry, reconciler *EntityReconciler) *Manager {
	config.applyDefaults()
	return &Manager{
		config:       config,
		reconciler:   reconciler,
		reg:          reg,
		queue:        newDelayedQueue(),
		metrics:      NewMetrics(),
		lastObserved: make(map[string]int64),
		failures:     make(map[string]int),
		degraded:     make(map[string]bool),
	}
}

// Start launches the workers and the periodic sweep.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancelFunc = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	for i := 0; i < m.config.WorkerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	m.wg.Add(1)
	go m.sweepLoop()

	logging.Info("ReconcileManager", "Started with %d workers, sweep every %s",
		m.config.WorkerCount, m.config.SweepInterval)
}

// Stop shuts the manager down and waits for in-flight work to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancelFunc()
	m.queue.Shutdown()
	m.wg.Wait()
	logging.Info("ReconcileManager", "Stopped")
}

// EnqueueReconcile implements registry.Notifier. An operator write clears the
// failure count and the degraded latch for the entity: the definition
// changed, so auto-retry is allowed again.
func (m *Manager) EnqueueReconcile(entityID string, generation int64) {
	m.mu.Lock()
	m.failures[entityID] = 0
	delete(m.degraded, entityID)
	m.mu.Unlock()

	m.queue.Add(Request{EntityID: entityID, Generation: generation, Attempt: 1})
}

// HandlePodEvent enqueues a drift-driven pass for an entity whose cluster
// state changed.
func (m *Manager) HandlePodEvent(entityID string) {
	m.queue.Add(Request{EntityID: entityID, Generation: CurrentGeneration, Attempt: 1})
}

// TriggerReconcile enqueues a drift-driven pass; used by the health monitor
// for stale entities.
func (m *Manager) TriggerReconcile(entityID string) {
	m.HandlePodEvent(entityID)
}

// Metrics returns the manager's reconciliation counters.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

var _ registry.Notifier = (*Manager)(nil)

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	logging.Debug("ReconcileManager", "Worker %d started", id)

	for {
		req, ok := m.queue.Get(m.ctx)
		if !ok {
			logging.Debug("ReconcileManager", "Worker %d shutting down", id)
			return
		}
		m.processRequest(req)
		m.queue.Done(req)
	}
}

func (m *Manager) processRequest(req Request) {
	if m.superseded(req) {
		logging.Debug("ReconcileManager", "Skipping superseded generation %d for %s", req.Generation, req.EntityID)
		return
	}

	m.metrics.RecordAttempt(req.EntityID)

	ctx, cancel := context.WithTimeout(m.ctx, m.config.OperationTimeout)
	result := m.reconciler.Reconcile(ctx, req)
	cancel()

	if ctx.Err() == context.DeadlineExceeded && result.Error == nil {
		result.Error = ctx.Err()
		result.Requeue = true
	}

	if result.Error != nil {
		m.handleError(req, result)
		return
	}

	m.mu.Lock()
	m.failures[req.EntityID] = 0
	m.mu.Unlock()
	m.metrics.RecordSuccess(req.EntityID)

	if result.Purged {
		m.forget(req.EntityID)
		return
	}

	if result.Requeue || result.RequeueAfter > 0 {
		delay := result.RequeueAfter
		if delay == 0 {
			delay = m.config.InitialBackoff
		}
		m.queue.AddAfter(Request{EntityID: req.EntityID, Generation: CurrentGeneration, Attempt: 1}, delay)
	}
}

// forget drops per-entity tracking once the registry row is confirmed gone.
// Without this, ids of long-purged entities accumulate in the generation,
// failure and metrics maps for the life of the process.
func (m *Manager) forget(entityID string) {
	m.mu.Lock()
	delete(m.lastObserved, entityID)
	delete(m.failures, entityID)
	delete(m.degraded, entityID)
	m.mu.Unlock()
	m.metrics.Forget(entityID)
}

// superseded reports whether the request carries a generation older than the
// newest one observed for its entity, and records the newer generation
// otherwise.
func (m *Manager) superseded(req Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.degraded[req.EntityID] && req.Generation == CurrentGeneration {
		// Degraded entities sit out drift-driven passes; only an operator
		// write (which clears the latch) resumes reconciliation.
		return true
	}

	if req.Generation == CurrentGeneration {
		return false
	}
	if req.Generation < m.lastObserved[req.EntityID] {
		return true
	}
	m.lastObserved[req.EntityID] = req.Generation
	return false
}

func (m *Manager) handleError(req Request, result Result) {
	m.metrics.RecordFailure(req.EntityID)
	logging.Warn("ReconcileManager", "Reconcile failed for %s (attempt %d): %v",
		req.EntityID, req.Attempt, result.Error)

	m.mu.Lock()
	m.failures[req.EntityID]++
	failures := m.failures[req.EntityID]
	if failures >= m.config.MaxRetries {
		m.degraded[req.EntityID] = true
	}
	m.mu.Unlock()

	if failures >= m.config.MaxRetries {
		logging.Error("ReconcileManager", result.Error,
			"Entity %s degraded after %d consecutive failures, auto-retry stopped", req.EntityID, failures)
		m.setStatus(req.EntityID, entity.StatusDegraded, result.Error.Error())
		return
	}

	m.setStatus(req.EntityID, entity.StatusError, result.Error.Error())

	backoff := m.calculateBackoff(req.Attempt)
	next := Request{EntityID: req.EntityID, Generation: req.Generation, Attempt: req.Attempt + 1}
	m.queue.AddAfter(next, backoff)
	logging.Debug("ReconcileManager", "Requeuing %s after %s (attempt %d)", req.EntityID, backoff, next.Attempt)
}

func (m *Manager) setStatus(entityID string, status entity.Status, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.reg.SetStatus(ctx, entityID, status, lastError); err != nil {
		logging.Debug("ReconcileManager", "Status write for %s failed: %v", entityID, err)
	}
}

// calculateBackoff computes the capped exponential retry delay.
func (m *Manager) calculateBackoff(attempt int) time.Duration {
	backoff := m.config.InitialBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > m.config.MaxBackoff || backoff <= 0 {
		backoff = m.config.MaxBackoff
	}
	return backoff
}

// sweepLoop periodically re-enqueues every entity, catching drift the event
// path missed: cluster-side deletions, node failures, missed events.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.OperationTimeout)
	defer cancel()

	entities, err := m.reg.ListEntities(ctx, registry.Filter{})
	if err != nil {
		logging.Warn("ReconcileManager", "Periodic sweep list failed: %v", err)
		return
	}

	for _, e := range entities {
		m.queue.Add(Request{EntityID: e.ID, Generation: CurrentGeneration, Attempt: 1})
	}
	logging.Debug("ReconcileManager", "Periodic sweep enqueued %d entities", len(entities))
}
