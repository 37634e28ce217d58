package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"falconeye/internal/api"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/pkg/logging"
)

// Registry is the declared-state surface the proxy mutates and polls.
// *registry.Store implements it.
type Registry interface {
	GetEntity(ctx context.Context, id string) (*entity.Entity, error)
	SetDesiredEnabled(ctx context.Context, id string, enabled bool) error
}

const (
	// statusPollInterval is how often a blocked control call re-reads entity
	// status while waiting for convergence.
	statusPollInterval = 500 * time.Millisecond

	streamPath  = "/stream"
	commandPath = "/command"
)

// Proxy exposes the control operations and forwards media and command traffic
// to the running workload of an entity.
//
// Control operations only mutate declared state through the registry and then
// wait for the reconciler to converge; they never touch the workload
// themselves. Traffic forwarding resolves the workload address from a cluster
// snapshot and caches it; on a send failure exactly one deduplicated refresh
// and retry is attempted before the entity is reported unavailable.
type Proxy struct {
	registry Registry
	cluster  cluster.Interface
	client   *http.Client

	refresh singleflight.Group

	mu        sync.Mutex
	addrCache map[string]string
}

// New creates a proxy. The HTTP client is shared across all forwards.
func New(reg Registry, c cluster.Interface) *Proxy {
	return &Proxy{
		registry:  reg,
		cluster:   c,
		client:    &http.Client{},
		addrCache: make(map[string]string),
	}
}

// Start enables an entity and blocks until it reports running or ctx expires.
// On expiry the returned error is ErrStillConverging and the returned status
// is whatever was last observed; the operation itself remains in effect and
// retryable.
func (p *Proxy) Start(ctx context.Context, id string) (entity.Status, error) {
	if err := p.registry.SetDesiredEnabled(ctx, id, true); err != nil {
		return "", err
	}
	return p.awaitStatus(ctx, id, entity.StatusRunning)
}

// Stop disables an entity and blocks until it reports stopped or ctx expires.
func (p *Proxy) Stop(ctx context.Context, id string) (entity.Status, error) {
	if err := p.registry.SetDesiredEnabled(ctx, id, false); err != nil {
		return "", err
	}
	return p.awaitStatus(ctx, id, entity.StatusStopped)
}

// Restart stops an entity, waits for the workload to be fully gone, and
// starts it again. Expressed entirely as declared-state writes so the
// reconciler's generation ordering applies.
func (p *Proxy) Restart(ctx context.Context, id string) (entity.Status, error) {
	status, err := p.Stop(ctx, id)
	if err != nil {
		return status, err
	}
	return p.Start(ctx, id)
}

// awaitStatus polls entity status until it reaches want, the status the
// written intent converges to. The pre-write status may already be a settled
// one, so waiting for just any settled status would return before the
// reconciler has even seen the write. Degraded also ends the wait: retries
// are exhausted and only an operator write resumes convergence, so blocking
// the caller longer gains nothing.
func (p *Proxy) awaitStatus(ctx context.Context, id string, want entity.Status) (entity.Status, error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	var last entity.Status
	for {
		e, err := p.registry.GetEntity(ctx, id)
		if api.IsNotFound(err) {
			if want == entity.StatusStopped {
				// Deletion converged while we waited.
				return entity.StatusStopped, nil
			}
			return last, err
		}
		if err != nil {
			return last, err
		}
		last = e.Status
		if last == want || last == entity.StatusDegraded {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, api.ErrStillConverging
		case <-ticker.C:
		}
	}
}

// ProxyCommand forwards a command payload to the entity's running workload
// and returns the response body.
func (p *Proxy) ProxyCommand(ctx context.Context, id string, payload []byte) ([]byte, error) {
	var body []byte
	err := p.withAddress(ctx, id, func(addr string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			"http://"+addr+commandPath, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("workload returned %s", resp.Status)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	return body, err
}

// ProxyStream copies the entity's live media stream to w until the stream
// ends or ctx is cancelled.
func (p *Proxy) ProxyStream(ctx context.Context, id string, w io.Writer) error {
	return p.withAddress(ctx, id, func(addr string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"http://"+addr+streamPath, nil)
		if err != nil {
			return err
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("workload returned %s", resp.Status)
		}
		_, err = io.Copy(w, resp.Body)
		return err
	})
}

// withAddress runs fn against the entity's cached workload address. On
// failure it refreshes the address exactly once and retries; a second failure
// surfaces as ErrUnavailable. The refresh is singleflight-deduplicated so a
// burst of failing calls triggers one snapshot, not one per caller.
func (p *Proxy) withAddress(ctx context.Context, id string, fn func(addr string) error) error {
	addr, ok := p.cachedAddress(id)
	if !ok {
		var err error
		addr, err = p.refreshAddress(ctx, id)
		if err != nil {
			return err
		}
	}

	firstErr := fn(addr)
	if firstErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return firstErr
	}

	logging.Debug("Proxy", "Forward to %s at %s failed, refreshing address: %v", id, addr, firstErr)
	p.invalidate(id, addr)

	addr, err := p.refreshAddress(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(addr); err != nil {
		logging.Warn("Proxy", "Forward to %s failed after address refresh: %v", id, err)
		return fmt.Errorf("%w: %s", api.ErrUnavailable, id)
	}
	return nil
}

func (p *Proxy) cachedAddress(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.addrCache[id]
	return addr, ok
}

// invalidate drops a cache entry, but only if it still holds the address that
// just failed; a concurrent refresh may have already replaced it.
func (p *Proxy) invalidate(id, failedAddr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addrCache[id] == failedAddr {
		delete(p.addrCache, id)
	}
}

// refreshAddress takes a fresh snapshot and returns the entity's current
// workload address. Concurrent refreshes for the same id collapse into one.
func (p *Proxy) refreshAddress(ctx context.Context, id string) (string, error) {
	v, err, _ := p.refresh.Do(id, func() (any, error) {
		snap, err := cluster.TakeSnapshot(ctx, p.cluster)
		if err != nil {
			return "", err
		}
		workload, exists := snap.Lookup(id)
		if !exists || workload.Phase != entity.PhaseRunning || workload.Address == "" {
			return "", fmt.Errorf("%w: %s has no running workload", api.ErrUnavailable, id)
		}

		p.mu.Lock()
		p.addrCache[id] = workload.Address
		p.mu.Unlock()
		return workload.Address, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
