package reconciler

import (
	"time"
)

// CurrentGeneration is the sentinel generation used by requests that should
// reconcile whatever generation the registry currently holds: the periodic
// sweep, pod events, and health monitor re-triggers.
const CurrentGeneration int64 = -1

// Request asks for one entity to be reconciled.
type Request struct {
	// EntityID is the registry id of the entity.
	EntityID string

	// Generation is the declared generation that triggered this request,
	// or CurrentGeneration for drift-driven requests. The manager discards
	// requests older than the generation it last observed for the id.
	Generation int64

	// Attempt is the current retry attempt number (starts at 1).
	Attempt int
}

// Result is the outcome of one reconciliation attempt.
type Result struct {
	// Requeue retries the request with backoff.
	Requeue bool

	// RequeueAfter schedules a follow-up pass after the given delay, used
	// to observe an in-flight transition (creation settling, deletion
	// confirming absence).
	RequeueAfter time.Duration

	// Error is any error that occurred. Errors count toward the
	// consecutive-failure limit that parks an entity in degraded.
	Error error

	// Purged is set once the entity's registry row is gone and no workload
	// remains; the manager drops its per-entity tracking in response.
	Purged bool
}

// ManagerConfig holds tuning for the reconcile manager.
type ManagerConfig struct {
	// WorkerCount is the number of concurrent reconciliation workers.
	// Per-entity mutual exclusion is guaranteed regardless of the count.
	// Defaults to 2.
	WorkerCount int

	// MaxRetries is the number of consecutive failures before an entity is
	// marked degraded and auto-retry stops. Defaults to 5.
	MaxRetries int

	// InitialBackoff is the first retry delay. Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential retry delay. Defaults to 5m.
	MaxBackoff time.Duration

	// SweepInterval is the period of the full registry sweep that catches
	// drift the event path missed. Defaults to 1m.
	SweepInterval time.Duration

	// OperationTimeout bounds a single reconciliation attempt, including
	// its cluster calls. Defaults to 30s.
	OperationTimeout time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.WorkerCount == 0 {
		c.WorkerCount = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 30 * time.Second
	}
}
