// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"axonflow/gateway/shared/logger"
)

// Dispatcher is the public entry point of the control plane. It ties the
// registry, router, pool, job table, batcher, cache, admission controller
// and health aggregator together and drives every job through its
// lifecycle.
type Dispatcher struct {
	cfg       Config
	registry  *Registry
	router    *Router
	pool      *Pool
	jobs      *JobTable
	batcher   *Batcher
	cache     *Cache
	admission *AdmissionController
	health    *HealthAggregator
	retry     RetryPolicy
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRemoteCache attaches a shared cache tier (e.g. Redis).
func WithRemoteCache(remote RemoteCache) DispatcherOption {
	return func(d *Dispatcher) {
		d.cache = NewCache(d.cfg.CacheTTL, d.cfg.CacheMaxEntries, remote)
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = p
	}
}

// NewDispatcher builds a dispatcher over the configured backends and
// starts its background loops (janitor, health probes).
func NewDispatcher(cfg Config, backends []BackendConfig, opts ...DispatcherOption) *Dispatcher {
	cfg = cfg.Normalize()
	registerMetrics()

	registry := NewRegistry(backends, cfg.CircuitFailureThreshold, cfg.CircuitCooldown)
	pool := NewPool(cfg)
	admission := NewAdmissionController(cfg.GlobalQueueCap)
	for _, b := range backends {
		admission.RegisterBackend(b.ID, b.MaxInFlight)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		router:    NewRouter(registry),
		pool:      pool,
		jobs:      NewJobTable(),
		cache:     NewCache(cfg.CacheTTL, cfg.CacheMaxEntries, nil),
		admission: admission,
		retry:     DefaultRetryPolicy(cfg.RetryMaxAttempts),
		log:       logger.New("dispatcher"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.batcher = NewBatcher(cfg.MaxBatchSize, cfg.MaxBatchWait, d.dispatchBatch)
	d.health = NewHealthAggregator(registry, pool, admission, cfg.ProbeInterval)
	d.health.Start(ctx)
	d.jobs.startJanitor(ctx, cfg.JanitorInterval)
	return d
}

// JobHandle exposes one submission to its caller.
type JobHandle struct {
	d   *Dispatcher
	job *Job
}

// ID returns the job id.
func (h *JobHandle) ID() string { return h.job.ID() }

// Await blocks until the job settles or ctx is done, returning the latest
// snapshot either way.
func (h *JobHandle) Await(ctx context.Context) JobSnapshot {
	select {
	case <-h.job.Done():
	case <-ctx.Done():
	}
	return h.job.Snapshot()
}

// AwaitTimeout waits up to d for a terminal snapshot; done reports whether
// the job settled in time.
func (h *JobHandle) AwaitTimeout(d time.Duration) (JobSnapshot, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.job.Done():
		return h.job.Snapshot(), true
	case <-timer.C:
		return h.job.Snapshot(), false
	}
}

// Cancel cancels the job. Idempotent.
func (h *JobHandle) Cancel() {
	h.d.CancelJob(h.job.ID())
}

// Submit enters a request into the dispatch pipeline and returns its
// handle. The request must already be validated and canonicalized.
func (d *Dispatcher) Submit(ctx context.Context, req Request, opts SubmitOptions) (*JobHandle, error) {
	if d.closed.Load() {
		return nil, NewError(KindOverloaded, "gateway is shutting down")
	}
	if !IsValidCapability(string(req.Capability)) {
		return nil, Errorf(KindInvalidRequest, "unknown capability %q", req.Capability)
	}

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = d.cfg.HTTPTimeout
	}

	fingerprint, err := Fingerprint(req.Capability, req.Payload, d.cfg.FloatPrecision)
	if err != nil {
		return nil, err
	}

	// Load shedding happens before the job exists so rejected submissions
	// leave no trace.
	if err := d.admission.TryEnqueue(); err != nil {
		metricErrorsTotal.WithLabelValues(string(req.Capability), string(KindOverloaded)).Inc()
		return nil, err
	}

	job := newJob(d.ctx, req.Capability, fingerprint, time.Now().Add(deadline))
	d.jobs.Put(job)
	d.watchDeadline(job)

	// Single-flight (and caching, when a TTL is configured) applies to
	// pure requests and to any request the caller opted in with
	// allow_cache.
	req.coalesced = req.Pure || opts.AllowCache

	if req.coalesced {
		outcome, result, marker := d.cache.Lookup(ctx, fingerprint, job.ID())
		switch outcome {
		case LookupHit:
			d.dequeue(job)
			if job.settle(JobSucceeded, result, nil, d.cfg.RetentionWindow) {
				d.recordOutcome(job)
			}
			return &JobHandle{d: d, job: job}, nil
		case LookupJoined:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.awaitMarker(job, req, marker)
			}()
			return &JobHandle{d: d, job: job}, nil
		}
		// LookupMiss: this job is the origin and dispatches below.
	}

	d.route(job, req, opts.Priority)
	return &JobHandle{d: d, job: job}, nil
}

// route sends the job through the batcher or straight to dispatch. High
// priority submissions skip the batch wait.
func (d *Dispatcher) route(job *Job, req Request, priority Priority) {
	if priority != PriorityHigh && req.Capability.Batchable() && d.batchEligible(req) {
		if d.batcher.Add(job, req) {
			return
		}
		// Batcher closed during shutdown: fall through to direct dispatch
		// so the job still settles.
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatchSingle(job, req)
	}()
}

func (d *Dispatcher) batchEligible(req Request) bool {
	return req.BucketKey != "" && !d.closed.Load()
}

// awaitMarker parks a joined job on an in-flight marker. If the origin is
// cancelled the job may be promoted and re-dispatches as the new origin.
func (d *Dispatcher) awaitMarker(job *Job, req Request, marker *InFlightMarker) {
	result, failure, promoted, err := d.cache.Await(job.Context(), marker, job.ID())
	switch {
	case err != nil:
		d.settleFromContext(job, err)
	case promoted:
		// The promoted waiter re-dispatches directly; re-entering the
		// batcher would add a second batch wait it already paid for.
		d.dispatchSingle(job, req)
	case failure != nil:
		d.dequeue(job)
		if job.settle(JobFailed, nil, failure, d.cfg.RetentionWindow) {
			d.recordOutcome(job)
		}
	default:
		d.dequeue(job)
		if job.settle(JobSucceeded, result, nil, d.cfg.RetentionWindow) {
			d.recordOutcome(job)
		}
	}
}

// dispatchSingle runs the attempt loop for one job and settles it.
func (d *Dispatcher) dispatchSingle(job *Job, req Request) {
	result, failure := d.execute(job, req)
	d.settleDispatch(job, req, result, failure)
}

// settleDispatch settles a job after its dispatch finished and resolves
// the single-flight marker it may own. Marker operations are
// origin-guarded, so a job that lost its origin role through promotion
// cannot disturb the new origin.
func (d *Dispatcher) settleDispatch(job *Job, req Request, result json.RawMessage, failure *Error) {
	d.dequeue(job)

	switch {
	case failure == nil:
		if job.settle(JobSucceeded, result, nil, d.cfg.RetentionWindow) {
			d.recordOutcome(job)
		}
		if req.coalesced {
			d.cache.Publish(job.Fingerprint(), job.ID(), result, 0)
		}
	case failure.Kind == KindCancelled:
		if job.settle(JobCancelled, nil, failure, d.cfg.RetentionWindow) {
			d.recordOutcome(job)
		}
		// Waiters survive a cancelled origin: one of them is promoted.
		if req.coalesced {
			d.cache.OriginAbandoned(job.Fingerprint(), job.ID())
		}
	case failure.Kind == KindTimeout:
		if job.settle(JobTimedOut, nil, failure, d.cfg.RetentionWindow) {
			d.recordOutcome(job)
		}
		if req.coalesced {
			d.cache.Fail(job.Fingerprint(), job.ID(), failure)
		}
	default:
		if job.settle(JobFailed, nil, failure, d.cfg.RetentionWindow) {
			d.recordOutcome(job)
		}
		if req.coalesced {
			d.cache.Fail(job.Fingerprint(), job.ID(), failure)
		}
	}
}

// execute performs up to MaxAttempts backend calls for the job, selecting
// a backend afresh each attempt and backing off between retryable
// failures.
func (d *Dispatcher) execute(job *Job, req Request) (json.RawMessage, *Error) {
	var lastBackend string
	for attempt := 1; ; attempt++ {
		job.bumpAttempts()
		if s := job.State(); s.Terminal() {
			return nil, terminalError(s)
		}

		backend, err := d.router.Resolve(req.Capability, lastBackend)
		if err != nil {
			return nil, AsError(err)
		}

		result, callErr := d.callBackend(job, req, backend)
		if callErr == nil {
			d.health.RecordSuccess(backend)
			metricModelInference.WithLabelValues(string(req.Capability), "success").Inc()
			return result, nil
		}

		failure := AsError(callErr)
		metricModelInference.WithLabelValues(string(req.Capability), "error").Inc()
		if failure.Kind == KindCancelled {
			return nil, failure
		}
		// A timeout caused by the job's own deadline expiring (e.g. while
		// waiting for admission) says nothing about backend health.
		if failure.Kind.Retryable() && job.Context().Err() == nil {
			d.health.RecordFailure(backend)
		}
		lastBackend = backend.ID()

		if !failure.Kind.Retryable() || attempt >= d.retry.MaxAttempts {
			return nil, failure
		}
		if err := d.retry.sleep(job.Context(), attempt-1); err != nil {
			return nil, contextError(err)
		}
	}
}

// callBackend admits, reserves and invokes one backend call for the job.
func (d *Dispatcher) callBackend(job *Job, req Request, backend *Backend) (json.RawMessage, error) {
	defer backend.endCall()

	token, err := d.admission.Acquire(job.Context(), backend.ID())
	if err != nil {
		return nil, err
	}
	defer token.Release()
	backend.breaker.markTrial()

	if job.transition(JobAdmitted) {
		job.setProgress(0.25)
	} else if job.State().Terminal() {
		return nil, terminalError(job.State())
	}
	d.dequeue(job)

	if job.transition(JobRunning) {
		job.setProgress(0.5)
		if job.countedRunning.CompareAndSwap(false, true) {
			metricJobsRunning.Inc()
		}
	} else if job.State().Terminal() {
		return nil, terminalError(job.State())
	}

	return d.pool.Call(job.Context(), backend, req.Capability.Path(), req.Payload)
}

// dispatchBatch dispatches one sealed group: a single backend call when the
// selected backend advertises batch support, member-by-member otherwise.
func (d *Dispatcher) dispatchBatch(group *BatchGroup) {
	live := make([]*batchMember, 0, len(group.members))
	for _, m := range group.members {
		if !m.job.State().Terminal() {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return
	}

	backend, err := d.router.Resolve(group.capability, "")
	if err != nil {
		failure := AsError(err)
		for _, m := range live {
			d.settleDispatch(m.job, m.req, nil, failure)
		}
		return
	}

	if !backend.SupportsBatch() {
		// The group still dispatches together, one call per member.
		backend.endCall()
		var wg sync.WaitGroup
		for _, m := range live {
			wg.Add(1)
			go func(m *batchMember) {
				defer wg.Done()
				d.dispatchSingle(m.job, m.req)
			}(m)
		}
		wg.Wait()
		return
	}

	d.dispatchBatchCall(group, live, backend)
}

// batchEnvelope is the southbound wire shape for batched calls.
type batchEnvelope struct {
	Requests []json.RawMessage `json:"requests"`
}

type batchResults struct {
	Results []json.RawMessage `json:"results"`
}

// dispatchBatchCall performs the single batched backend invocation and
// distributes results to members in submission order.
func (d *Dispatcher) dispatchBatchCall(group *BatchGroup, members []*batchMember, backend *Backend) {
	envelope := batchEnvelope{Requests: make([]json.RawMessage, len(members))}
	for i, m := range members {
		envelope.Requests[i] = m.req.Payload
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		backend.endCall()
		failure := WrapError(KindInternal, "encode batch payload", err)
		for _, m := range members {
			d.settleDispatch(m.job, m.req, nil, failure)
		}
		return
	}

	// The batch call is bounded by the earliest member deadline so no
	// member overshoots its own deadline.
	deadline := members[0].job.deadline
	for _, m := range members[1:] {
		if m.job.deadline.Before(deadline) {
			deadline = m.job.deadline
		}
	}
	ctx, cancel := context.WithDeadline(d.ctx, deadline)
	defer cancel()

	var raw json.RawMessage
	failure := (*Error)(nil)
	lastBackend := ""
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			var rerr error
			backend, rerr = d.resolveForRetry(group.capability, lastBackend)
			if rerr != nil {
				failure = AsError(rerr)
				break
			}
		}

		token, aerr := d.admission.Acquire(ctx, backend.ID())
		if aerr != nil {
			backend.endCall()
			failure = AsError(aerr)
			break
		}
		backend.breaker.markTrial()
		for _, m := range members {
			m.job.bumpAttempts()
			m.job.transition(JobAdmitted)
			d.dequeue(m.job)
			if m.job.transition(JobRunning) && m.job.countedRunning.CompareAndSwap(false, true) {
				metricJobsRunning.Inc()
			}
		}

		var callErr error
		raw, callErr = d.pool.Call(ctx, backend, group.capability.Path()+"/batch", payload)
		token.Release()
		backend.endCall()

		if callErr == nil {
			failure = nil
			d.health.RecordSuccess(backend)
			metricModelInference.WithLabelValues(string(group.capability), "success").Inc()
			break
		}
		failure = AsError(callErr)
		metricModelInference.WithLabelValues(string(group.capability), "error").Inc()
		if failure.Kind.Retryable() {
			d.health.RecordFailure(backend)
		}
		lastBackend = backend.ID()
		if failure.Kind == KindCancelled || !failure.Kind.Retryable() || attempt >= d.retry.MaxAttempts {
			break
		}
		if serr := d.retry.sleep(ctx, attempt-1); serr != nil {
			failure = AsError(contextError(serr))
			break
		}
	}

	if failure != nil {
		for _, m := range members {
			d.settleDispatch(m.job, m.req, nil, failure)
		}
		return
	}

	var results batchResults
	if err := json.Unmarshal(raw, &results); err != nil {
		failure := Errorf(KindMalformedResponse, "backend %s returned an invalid batch envelope", backend.ID())
		for _, m := range members {
			d.settleDispatch(m.job, m.req, nil, failure)
		}
		return
	}

	// Responses map to members in submission order; a short response fails
	// the tail.
	for i, m := range members {
		if i < len(results.Results) {
			d.settleDispatch(m.job, m.req, results.Results[i], nil)
		} else {
			d.settleDispatch(m.job, m.req, nil, Errorf(
				KindBatchShortResponse,
				"backend returned %d results for %d batched requests",
				len(results.Results), len(members)))
		}
	}
}

// resolveForRetry re-resolves a backend for a batch retry, preferring a
// different backend than the failed attempt.
func (d *Dispatcher) resolveForRetry(capability Capability, exclude string) (*Backend, error) {
	return d.router.Resolve(capability, exclude)
}

// CancelJob cancels a job cooperatively: it leaves the batcher, releases
// any admission token by aborting the job context, signals the in-flight
// call, and settles the record. Idempotent; cancelling a terminal or
// unknown job is a no-op (unknown returns false).
func (d *Dispatcher) CancelJob(id string) bool {
	job, ok := d.jobs.lookup(id)
	if !ok {
		return false
	}
	d.batcher.Remove(id)
	failure := NewError(KindCancelled, "cancelled by caller")
	if job.settle(JobCancelled, nil, failure, d.cfg.RetentionWindow) {
		d.recordOutcome(job)
		d.cache.OriginAbandoned(job.Fingerprint(), job.ID())
	}
	job.cancel()
	d.dequeue(job)
	return true
}

// Get returns a consistent snapshot of the job.
func (d *Dispatcher) Get(id string) (JobSnapshot, bool) {
	return d.jobs.Get(id)
}

// List returns job snapshots matching the filter.
func (d *Dispatcher) List(filter ListFilter) []JobSnapshot {
	return d.jobs.List(filter)
}

// Health reports per-backend health, queue depths and cache stats.
func (d *Dispatcher) Health() HealthReport {
	return HealthReport{
		Backends:    d.registry.HealthReport(),
		QueueDepth:  d.admission.QueueDepth(),
		QueueCap:    d.admission.QueueCap(),
		JobsRunning: d.jobs.CountRunning(),
		Cache:       d.cache.Stats(),
	}
}

// Registry exposes the backend registry (admin surface).
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Shutdown stops accepting submissions, flushes the batcher, drains
// in-flight jobs until ctx is done, then cancels the rest and releases
// pooled connections.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.batcher.Close()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}

	d.cancel()
	d.health.Stop()
	d.pool.CloseIdleConnections()
}

// watchDeadline settles the job as TimedOut if its deadline elapses in any
// non-terminal state, wherever it is parked. The watcher is not part of
// the shutdown drain group: it exits on its own once the job context dies.
func (d *Dispatcher) watchDeadline(job *Job) {
	go func() {
		select {
		case <-job.Done():
			return
		case <-job.Context().Done():
		}
		if job.Context().Err() == context.DeadlineExceeded {
			d.batcher.Remove(job.ID())
			failure := NewError(KindTimeout, "job deadline elapsed")
			if job.settle(JobTimedOut, nil, failure, d.cfg.RetentionWindow) {
				d.recordOutcome(job)
				d.cache.OriginAbandoned(job.Fingerprint(), job.ID())
			}
			d.dequeue(job)
		}
	}()
}

// dequeue releases the job's global pending-queue slot exactly once.
func (d *Dispatcher) dequeue(job *Job) {
	if job.dequeued.CompareAndSwap(false, true) {
		d.admission.Dequeue()
	}
}

// settleFromContext settles a job whose wait ended with a context error.
func (d *Dispatcher) settleFromContext(job *Job, err error) {
	d.dequeue(job)
	failure := AsError(contextError(err))
	state := JobFailed
	switch failure.Kind {
	case KindCancelled:
		state = JobCancelled
	case KindTimeout:
		state = JobTimedOut
	}
	if job.settle(state, nil, failure, d.cfg.RetentionWindow) {
		d.recordOutcome(job)
	}
}

// recordOutcome publishes metrics and a log line for a settled job.
func (d *Dispatcher) recordOutcome(job *Job) {
	s := job.Snapshot()
	if job.countedRunning.Load() {
		metricJobsRunning.Dec()
	}

	status := "success"
	if s.State != JobSucceeded {
		status = string(s.State)
	}
	metricRequestsTotal.WithLabelValues(string(s.Capability), status).Inc()
	duration := time.Duration(0)
	if s.FinishTS != nil {
		duration = s.FinishTS.Sub(s.SubmitTS)
	}
	metricRequestDuration.WithLabelValues(string(s.Capability)).Observe(duration.Seconds())
	if s.Error != nil {
		metricErrorsTotal.WithLabelValues(string(s.Capability), string(s.Error.Kind)).Inc()
		d.log.ErrorWithKind(s.ID, "job failed", string(s.Error.Kind), s.Error, map[string]interface{}{
			"capability": string(s.Capability),
			"state":      string(s.State),
			"attempts":   s.Attempts,
		})
		return
	}
	d.log.InfoWithDuration(s.ID, "job completed", float64(duration.Milliseconds()), map[string]interface{}{
		"capability": string(s.Capability),
		"attempts":   s.Attempts,
	})
}

// terminalError reports why a job stopped before its backend call.
func terminalError(s JobState) *Error {
	switch s {
	case JobCancelled:
		return NewError(KindCancelled, "job was cancelled")
	case JobTimedOut:
		return NewError(KindTimeout, "job deadline elapsed")
	default:
		return Errorf(KindInternal, "job settled unexpectedly in state %s", s)
	}
}

// contextError classifies a context error into the dispatch taxonomy.
func contextError(err error) *Error {
	if err == context.Canceled {
		return WrapError(KindCancelled, "wait cancelled", err)
	}
	return WrapError(KindTimeout, "wait deadline elapsed", err)
}
