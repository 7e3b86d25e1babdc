// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"sync"
	"time"

	"axonflow/gateway/shared/logger"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker pauses traffic to a failing backend. Closed opens after
// threshold consecutive failures; open turns half-open after the cooldown,
// admitting a single trial request whose outcome closes or reopens the
// circuit.
type circuitBreaker struct {
	mu            sync.Mutex
	state         circuitState
	failures      int
	threshold     int
	cooldown      time.Duration
	openedAt      time.Time
	trialInFlight bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = defaultCircuitThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCircuitCooldown
	}
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// allow reports whether a new request may be routed. It does not consume
// the half-open trial slot; markTrial does, once the router commits to the
// backend.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = circuitHalfOpen
			cb.trialInFlight = false
			return true
		}
		return false
	default: // circuitHalfOpen
		return !cb.trialInFlight
	}
}

// markTrial claims the half-open trial slot. No-op in other states.
func (cb *circuitBreaker) markTrial() {
	cb.mu.Lock()
	if cb.state == circuitHalfOpen {
		cb.trialInFlight = true
	}
	cb.mu.Unlock()
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	cb.state = circuitClosed
	cb.trialInFlight = false
	cb.mu.Unlock()
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	switch cb.state {
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.openedAt = time.Now()
		cb.trialInFlight = false
	default:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = circuitOpen
			cb.openedAt = time.Now()
		}
	}
	cb.mu.Unlock()
}

// openUntil reports when an open circuit may half-open again.
func (cb *circuitBreaker) openUntil() (time.Time, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != circuitOpen {
		return time.Time{}, false
	}
	return cb.openedAt.Add(cb.cooldown), true
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == circuitOpen
}

// HealthAggregator probes every backend at a fixed cadence, independent of
// request traffic, and folds call outcomes from the dispatch path into the
// same per-backend health state. Health transitions drive the router
// (unroutable backends) and admission (half caps while degraded).
type HealthAggregator struct {
	registry  *Registry
	pool      *Pool
	admission *AdmissionController
	log       *logger.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewHealthAggregator wires the aggregator over the registry.
func NewHealthAggregator(registry *Registry, pool *Pool, admission *AdmissionController, interval time.Duration) *HealthAggregator {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &HealthAggregator{
		registry:  registry,
		pool:      pool,
		admission: admission,
		log:       logger.New("health-aggregator"),
		interval:  interval,
	}
}

// Start launches the probe loop.
func (h *HealthAggregator) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.probeAll(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (h *HealthAggregator) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// probeAll probes every backend concurrently with a bounded deadline.
func (h *HealthAggregator) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range h.registry.All() {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, h.interval/2)
			defer cancel()
			err := h.pool.Probe(probeCtx, b)
			b.mu.Lock()
			b.lastProbe = time.Now()
			b.mu.Unlock()
			if err != nil {
				h.RecordFailure(b)
			} else {
				h.RecordSuccess(b)
			}
		}(b)
	}
	wg.Wait()
}

// RecordSuccess folds a successful probe or backend call into health state.
func (h *HealthAggregator) RecordSuccess(b *Backend) {
	b.breaker.recordSuccess()
	b.mu.Lock()
	b.consecutiveFailures = 0
	h.setStatusLocked(b, HealthHealthy)
	b.mu.Unlock()
}

// RecordFailure folds a failed probe or backend call into health state.
// Below the circuit threshold the backend degrades; once the circuit opens
// it is unhealthy until a half-open trial succeeds.
func (h *HealthAggregator) RecordFailure(b *Backend) {
	b.breaker.recordFailure()
	b.mu.Lock()
	b.consecutiveFailures++
	if b.breaker.isOpen() {
		h.setStatusLocked(b, HealthUnhealthy)
	} else {
		h.setStatusLocked(b, HealthDegraded)
	}
	b.mu.Unlock()
}

// setStatusLocked applies a status change and its side effects. Callers
// hold b.mu.
func (h *HealthAggregator) setStatusLocked(b *Backend, status HealthStatus) {
	if b.status == status {
		return
	}
	old := b.status
	b.status = status
	metricBackendHealth.WithLabelValues(b.cfg.ID).Set(status.healthWeight())
	if h.admission != nil {
		h.admission.SetDegraded(b.cfg.ID, status == HealthDegraded)
	}
	h.log.Info("", "backend health changed", map[string]interface{}{
		"backend": b.cfg.ID,
		"from":    string(old),
		"to":      string(status),
	})
}
