// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

// semaphore is a FIFO counting semaphore with adjustable capacity. A
// buffered channel would not guarantee waiter order, so waiters queue
// explicitly.
type semaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	return &semaphore{capacity: capacity}
}

// Acquire blocks until a slot is free or ctx is done. Waiters are served in
// arrival order.
func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.capacity && len(s.waiters) == 0 {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// The slot may have been granted concurrently with cancellation;
		// if so, give it back.
		granted := true
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				granted = false
				break
			}
		}
		if granted {
			select {
			case <-ready:
				s.releaseLocked()
			default:
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees one slot and wakes the next waiter if capacity allows.
func (s *semaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *semaphore) releaseLocked() {
	if s.inUse > 0 {
		s.inUse--
	}
	s.grantLocked()
}

// SetCapacity adjusts the effective cap. Shrinking never revokes held
// slots; new acquires simply see the reduced capacity.
func (s *semaphore) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	s.capacity = capacity
	s.grantLocked()
	s.mu.Unlock()
}

func (s *semaphore) grantLocked() {
	for len(s.waiters) > 0 && s.inUse < s.capacity {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.inUse++
		close(next)
	}
}

// InUse reports the number of held slots.
func (s *semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// AdmissionToken is the permit for one outbound call to a backend. Release
// is idempotent.
type AdmissionToken struct {
	backendID string
	sem       *semaphore
	released  atomic.Bool
}

// BackendID names the backend the token is bound to.
func (t *AdmissionToken) BackendID() string {
	return t.backendID
}

// Release returns the slot to the backend's semaphore.
func (t *AdmissionToken) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.sem.Release()
}

// AdmissionController bounds concurrency per backend and pending work
// globally. Per-backend waiters are FIFO; ordering across backends is not
// coordinated.
type AdmissionController struct {
	mu       sync.Mutex
	sems     map[string]*semaphore
	caps     map[string]int // configured full capacity per backend
	pending  atomic.Int64
	queueCap int64
}

// NewAdmissionController creates a controller with the given global pending
// queue cap.
func NewAdmissionController(globalQueueCap int64) *AdmissionController {
	if globalQueueCap <= 0 {
		globalQueueCap = defaultGlobalQueueCap
	}
	return &AdmissionController{
		sems:     make(map[string]*semaphore),
		caps:     make(map[string]int),
		queueCap: globalQueueCap,
	}
}

// RegisterBackend sizes the backend's semaphore to its configured cap.
func (a *AdmissionController) RegisterBackend(id string, maxInFlight int) {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	a.mu.Lock()
	a.sems[id] = newSemaphore(maxInFlight)
	a.caps[id] = maxInFlight
	a.mu.Unlock()
}

// TryEnqueue reserves a slot in the global pending queue. It fails with
// Overloaded when the queue is at capacity: the gateway sheds load instead
// of buffering unboundedly.
func (a *AdmissionController) TryEnqueue() error {
	for {
		cur := a.pending.Load()
		if cur >= a.queueCap {
			return NewError(KindOverloaded, "global queue is full")
		}
		if a.pending.CompareAndSwap(cur, cur+1) {
			metricJobsQueued.Set(float64(cur + 1))
			return nil
		}
	}
}

// Dequeue releases a pending-queue reservation.
func (a *AdmissionController) Dequeue() {
	v := a.pending.Add(-1)
	if v < 0 {
		a.pending.Store(0)
		v = 0
	}
	metricJobsQueued.Set(float64(v))
}

// QueueDepth reports the number of reserved pending slots.
func (a *AdmissionController) QueueDepth() int64 {
	return a.pending.Load()
}

// QueueCap reports the configured global queue bound.
func (a *AdmissionController) QueueCap() int64 {
	return a.queueCap
}

// Acquire obtains an admission token for the backend, blocking until a
// slot frees or ctx is done.
func (a *AdmissionController) Acquire(ctx context.Context, backendID string) (*AdmissionToken, error) {
	a.mu.Lock()
	sem, ok := a.sems[backendID]
	a.mu.Unlock()
	if !ok {
		return nil, Errorf(KindInternal, "unknown backend %q", backendID)
	}
	if err := sem.Acquire(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return nil, WrapError(KindCancelled, "cancelled while waiting for admission", err)
		}
		return nil, WrapError(KindTimeout, "deadline elapsed while waiting for admission", err)
	}
	return &AdmissionToken{backendID: backendID, sem: sem}, nil
}

// SetDegraded halves the backend's effective cap while degraded and
// restores the configured cap when healthy again.
func (a *AdmissionController) SetDegraded(backendID string, degraded bool) {
	a.mu.Lock()
	sem, ok := a.sems[backendID]
	full := a.caps[backendID]
	a.mu.Unlock()
	if !ok {
		return
	}
	if degraded {
		half := full / 2
		if half < 1 {
			half = 1
		}
		sem.SetCapacity(half)
	} else {
		sem.SetCapacity(full)
	}
}

// InFlight reports held tokens for a backend.
func (a *AdmissionController) InFlight(backendID string) int {
	a.mu.Lock()
	sem, ok := a.sems[backendID]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	return sem.InUse()
}
