package reconciler

import (
	"sync"
	"time"
)

// Metrics tracks reconciliation counters for monitoring and debugging.
//
// Counters are kept globally and per entity so a stuck or flapping entity can
// be identified without log archaeology.
type Metrics struct {
	mu sync.RWMutex

	perEntity map[string]*entityMetrics

	totalAttempts  int64
	totalSuccesses int64
	totalFailures  int64
}

type entityMetrics struct {
	EntityID      string
	Attempts      int64
	Successes     int64
	Failures      int64
	LastAttemptAt time.Time
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// NewMetrics creates an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		perEntity: make(map[string]*entityMetrics),
	}
}

func (m *Metrics) getOrCreate(entityID string) *entityMetrics {
	if em, exists := m.perEntity[entityID]; exists {
		return em
	}
	em := &entityMetrics{EntityID: entityID}
	m.perEntity[entityID] = em
	return em
}

// RecordAttempt records the start of a reconciliation attempt.
func (m *Metrics) RecordAttempt(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	em := m.getOrCreate(entityID)
	em.Attempts++
	em.LastAttemptAt = time.Now()
	m.totalAttempts++
}

// RecordSuccess records a reconciliation attempt that returned without error.
func (m *Metrics) RecordSuccess(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	em := m.getOrCreate(entityID)
	em.Successes++
	em.LastSuccessAt = time.Now()
	m.totalSuccesses++
}

// RecordFailure records a failed reconciliation attempt.
func (m *Metrics) RecordFailure(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	em := m.getOrCreate(entityID)
	em.Failures++
	em.LastFailureAt = time.Now()
	m.totalFailures++
}

// Forget drops the per-entity counters for a purged entity.
func (m *Metrics) Forget(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perEntity, entityID)
}

// Summary is a read-only snapshot of the reconciliation counters.
type Summary struct {
	TotalAttempts  int64             `json:"total_attempts"`
	TotalSuccesses int64             `json:"total_successes"`
	TotalFailures  int64             `json:"total_failures"`
	FailureRate    float64           `json:"failure_rate"`
	PerEntity      []EntityMetricRow `json:"per_entity"`
}

// EntityMetricRow is the per-entity view inside a Summary.
type EntityMetricRow struct {
	EntityID      string    `json:"entity_id"`
	Attempts      int64     `json:"attempts"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// GetSummary returns a snapshot of all counters.
func (m *Metrics) GetSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		TotalAttempts:  m.totalAttempts,
		TotalSuccesses: m.totalSuccesses,
		TotalFailures:  m.totalFailures,
	}
	if m.totalAttempts > 0 {
		s.FailureRate = float64(m.totalFailures) / float64(m.totalAttempts)
	}
	for _, em := range m.perEntity {
		s.PerEntity = append(s.PerEntity, EntityMetricRow{
			EntityID:      em.EntityID,
			Attempts:      em.Attempts,
			Successes:     em.Successes,
			Failures:      em.Failures,
			LastAttemptAt: em.LastAttemptAt,
			LastSuccessAt: em.LastSuccessAt,
			LastFailureAt: em.LastFailureAt,
		})
	}
	return s
}
