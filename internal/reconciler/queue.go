package reconciler

import (
	"context"
	"sync"
	"time"
)

// workQueue is a reconcile queue with per-entity deduplication.
//
// An entity id is in at most one of three places: the FIFO queue, the
// processing set, or the dirty map. Adding an id that is currently being
// processed marks it dirty; Done re-queues dirty ids, so an in-flight
// operation is allowed to finish but is immediately superseded by a fresh
// pass. This is what guarantees at-most-one-in-flight per entity and that a
// stale generation is never the final state.
type workQueue struct {
	mu sync.Mutex

	queue      []Request
	processing map[string]bool
	dirty      map[string]Request

	cond         *sync.Cond
	shuttingDown bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{
		processing: make(map[string]bool),
		dirty:      make(map[string]Request),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// merge keeps the more recent of two requests for the same entity. A concrete
// generation always supersedes an older one; CurrentGeneration requests defer
// to any concrete generation already queued.
func merge(existing, incoming Request) Request {
	if incoming.Generation == CurrentGeneration {
		return existing
	}
	if existing.Generation == CurrentGeneration || incoming.Generation > existing.Generation {
		return incoming
	}
	return existing
}

// Add enqueues a request, deduplicating by entity id.
func (q *workQueue) Add(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	if q.processing[req.EntityID] {
		if existing, ok := q.dirty[req.EntityID]; ok {
			req = merge(existing, req)
		}
		q.dirty[req.EntityID] = req
		return
	}

	for i, existing := range q.queue {
		if existing.EntityID == req.EntityID {
			q.queue[i] = merge(existing, req)
			return
		}
	}

	q.queue = append(q.queue, req)
	q.cond.Signal()
}

// Get blocks until a request is available or the context is cancelled. The
// returned entity id is marked as processing until Done is called.
func (q *workQueue) Get(ctx context.Context) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.shuttingDown {
		select {
		case <-ctx.Done():
			return Request{}, false
		default:
		}

		// Race context cancellation against a normal cond wakeup. Closing
		// done ensures the helper goroutine exits either way.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()

		q.cond.Wait()
		close(done)

		select {
		case <-ctx.Done():
			return Request{}, false
		default:
		}
	}

	if q.shuttingDown && len(q.queue) == 0 {
		return Request{}, false
	}

	req := q.queue[0]
	q.queue = q.queue[1:]
	q.processing[req.EntityID] = true
	return req, true
}

// Done releases the entity id and re-queues it if it was marked dirty while
// in flight.
func (q *workQueue) Done(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, req.EntityID)

	if dirtyReq, ok := q.dirty[req.EntityID]; ok {
		delete(q.dirty, req.EntityID)
		q.queue = append(q.queue, dirtyReq)
		q.cond.Signal()
	}
}

// Len returns the number of queued (not in-flight) requests.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Shutdown stops the queue; blocked Get calls return false once drained.
func (q *workQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shuttingDown = true
	q.cond.Broadcast()
}

// delayedQueue wraps workQueue with delayed requeue support for backoff and
// settle-observation requeues.
type delayedQueue struct {
	queue *workQueue

	mu         sync.Mutex
	delayedMap map[string]*time.Timer
	stopCh     chan struct{}
}

func newDelayedQueue() *delayedQueue {
	return &delayedQueue{
		queue:      newWorkQueue(),
		delayedMap: make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
	}
}

// Add enqueues a request immediately.
func (d *delayedQueue) Add(req Request) {
	d.queue.Add(req)
}

// AddAfter enqueues a request after a delay, replacing any pending delayed
// request for the same entity.
func (d *delayedQueue) AddAfter(req Request, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.delayedMap[req.EntityID]; ok {
		timer.Stop()
	}

	d.delayedMap[req.EntityID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.delayedMap, req.EntityID)
		d.mu.Unlock()

		select {
		case <-d.stopCh:
		default:
			d.queue.Add(req)
		}
	})
}

// Get retrieves the next request.
func (d *delayedQueue) Get(ctx context.Context) (Request, bool) {
	return d.queue.Get(ctx)
}

// Done marks a request as completed.
func (d *delayedQueue) Done(req Request) {
	d.queue.Done(req)
}

// Len returns the queued request count.
func (d *delayedQueue) Len() int {
	return d.queue.Len()
}

// Shutdown stops the queue and cancels pending timers.
func (d *delayedQueue) Shutdown() {
	close(d.stopCh)

	d.mu.Lock()
	for _, timer := range d.delayedMap {
		timer.Stop()
	}
	d.delayedMap = make(map[string]*time.Timer)
	d.mu.Unlock()

	d.queue.Shutdown()
}
