// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JobState is one node of the job lifecycle DAG:
//
//	Queued → Admitted → Running → {Succeeded, Failed, Cancelled, TimedOut}
//
// plus Queued→Succeeded (cache hit or shared single-flight result),
// Queued→Failed/Cancelled/TimedOut and Admitted→Failed/Cancelled/TimedOut
// for work that ends before its backend call. Terminal states are absorbing.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobAdmitted  JobState = "admitted"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobTimedOut  JobState = "timed_out"
)

// Terminal reports whether the state is absorbing.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

// validTransitions encodes the lifecycle DAG.
var validTransitions = map[JobState][]JobState{
	JobQueued:   {JobAdmitted, JobCancelled, JobTimedOut, JobFailed, JobSucceeded},
	JobAdmitted: {JobRunning, JobCancelled, JobTimedOut, JobFailed},
	JobRunning:  {JobSucceeded, JobFailed, JobCancelled, JobTimedOut},
}

func transitionAllowed(from, to JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one tracked unit of submitted work. All mutation goes through the
// transition methods; readers get consistent value copies via Snapshot.
type Job struct {
	id          string
	capability  Capability
	fingerprint string
	deadline    time.Time

	mu             sync.Mutex
	state          JobState
	submitTS       time.Time
	startTS        time.Time
	finishTS       time.Time
	progress       float64
	result         json.RawMessage
	failure        *Error
	retentionUntil time.Time
	attempts       int

	// done closes exactly once, when the job reaches a terminal state.
	done chan struct{}

	// ctx bounds every suspension point of the job; cancel aborts batch
	// waits, admission waits and the in-flight backend call.
	ctx    context.Context
	cancel context.CancelFunc

	refs atomic.Int64

	// dequeued and countedRunning keep the queue-depth and running gauges
	// exact across racing settle paths.
	dequeued       atomic.Bool
	countedRunning atomic.Bool
}

// newJob creates a job in Queued holding its own deadline-bounded context.
func newJob(parent context.Context, capability Capability, fingerprint string, deadline time.Time) *Job {
	ctx, cancel := context.WithDeadline(parent, deadline)
	return &Job{
		id:          uuid.NewString(),
		capability:  capability,
		fingerprint: fingerprint,
		deadline:    deadline,
		state:       JobQueued,
		submitTS:    time.Now(),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Capability returns the job's capability tag.
func (j *Job) Capability() Capability { return j.capability }

// Fingerprint returns the request fingerprint. It never changes.
func (j *Job) Fingerprint() string { return j.fingerprint }

// Context returns the job-scoped context.
func (j *Job) Context() context.Context { return j.ctx }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// transition moves the job to a new non-terminal state, returning false if
// the move is not on the DAG (e.g. the job already settled).
func (j *Job) transition(to JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !transitionAllowed(j.state, to) {
		return false
	}
	j.state = to
	if to == JobRunning && j.startTS.IsZero() {
		j.startTS = time.Now()
	}
	return true
}

// settle moves the job to a terminal state with its outcome, releasing the
// job context and waking awaiters. Settling an already terminal job is a
// no-op so cancel and completion may race safely.
func (j *Job) settle(to JobState, result json.RawMessage, failure *Error, retention time.Duration) bool {
	j.mu.Lock()
	if j.state.Terminal() || !transitionAllowed(j.state, to) {
		j.mu.Unlock()
		return false
	}
	j.state = to
	j.finishTS = time.Now()
	if j.startTS.IsZero() {
		j.startTS = j.finishTS
	}
	j.result = result
	j.failure = failure
	j.progress = 1
	j.retentionUntil = j.finishTS.Add(retention)
	j.mu.Unlock()

	j.cancel()
	close(j.done)
	return true
}

// setProgress publishes fractional progress for non-terminal jobs.
func (j *Job) setProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	j.mu.Lock()
	if !j.state.Terminal() {
		j.progress = p
	}
	j.mu.Unlock()
}

// bumpAttempts records one more dispatch attempt.
func (j *Job) bumpAttempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
	return j.attempts
}

// JobSnapshot is the consistent read view of a job. No partially
// transitioned state is ever observable.
type JobSnapshot struct {
	ID             string          `json:"id"`
	Capability     Capability      `json:"capability"`
	Fingerprint    string          `json:"fingerprint"`
	State          JobState        `json:"state"`
	SubmitTS       time.Time       `json:"submit_ts"`
	StartTS        *time.Time      `json:"start_ts,omitempty"`
	FinishTS       *time.Time      `json:"finish_ts,omitempty"`
	Progress       float64         `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	Deadline       time.Time       `json:"deadline"`
	RetentionUntil *time.Time      `json:"retention_until,omitempty"`
	Attempts       int             `json:"attempts"`
}

// Snapshot copies the job under its lock.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobSnapshot{
		ID:          j.id,
		Capability:  j.capability,
		Fingerprint: j.fingerprint,
		State:       j.state,
		SubmitTS:    j.submitTS,
		Progress:    j.progress,
		Result:      j.result,
		Error:       j.failure,
		Deadline:    j.deadline,
		Attempts:    j.attempts,
	}
	if !j.startTS.IsZero() {
		ts := j.startTS
		s.StartTS = &ts
	}
	if !j.finishTS.IsZero() {
		ts := j.finishTS
		s.FinishTS = &ts
	}
	if !j.retentionUntil.IsZero() {
		ts := j.retentionUntil
		s.RetentionUntil = &ts
	}
	return s
}

// ListFilter selects jobs for List.
type ListFilter struct {
	State      JobState
	Capability Capability
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// JobTable indexes every live job. Terminal jobs stay queryable until
// their retention deadline; the janitor frees them afterwards, skipping
// jobs still referenced by a holder.
type JobTable struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobTable creates an empty table.
func NewJobTable() *JobTable {
	return &JobTable{jobs: make(map[string]*Job)}
}

// Put records a job.
func (t *JobTable) Put(j *Job) {
	t.mu.Lock()
	t.jobs[j.id] = j
	t.mu.Unlock()
}

// Get returns a consistent snapshot of the job, or false if unknown or
// already swept.
func (t *JobTable) Get(id string) (JobSnapshot, bool) {
	t.mu.RLock()
	j, ok := t.jobs[id]
	if ok {
		// Pin before releasing the table lock so the janitor cannot free
		// the job mid-read.
		j.refs.Add(1)
	}
	t.mu.RUnlock()
	if !ok {
		return JobSnapshot{}, false
	}
	defer j.refs.Add(-1)
	return j.Snapshot(), true
}

// lookup returns the live job record.
func (t *JobTable) lookup(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

// List returns snapshots matching the filter, newest submission first.
func (t *JobTable) List(filter ListFilter) []JobSnapshot {
	t.mu.RLock()
	all := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		all = append(all, j)
	}
	t.mu.RUnlock()

	snapshots := make([]JobSnapshot, 0, len(all))
	for _, j := range all {
		s := j.Snapshot()
		if filter.State != "" && s.State != filter.State {
			continue
		}
		if filter.Capability != "" && s.Capability != filter.Capability {
			continue
		}
		if !filter.Since.IsZero() && s.SubmitTS.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && s.SubmitTS.After(filter.Until) {
			continue
		}
		snapshots = append(snapshots, s)
	}
	sort.Slice(snapshots, func(i, k int) bool {
		return snapshots[i].SubmitTS.After(snapshots[k].SubmitTS)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(snapshots) {
			return nil
		}
		snapshots = snapshots[filter.Offset:]
	}
	if filter.Limit > 0 && len(snapshots) > filter.Limit {
		snapshots = snapshots[:filter.Limit]
	}
	return snapshots
}

// Count returns the number of indexed jobs.
func (t *JobTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// CountRunning returns the number of jobs currently Running.
func (t *JobTable) CountRunning() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, j := range t.jobs {
		j.mu.Lock()
		if j.state == JobRunning {
			n++
		}
		j.mu.Unlock()
	}
	return n
}

// sweep frees terminal jobs whose retention window has elapsed. Jobs with
// live references are skipped until those drop.
func (t *JobTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, j := range t.jobs {
		if j.refs.Load() > 0 {
			continue
		}
		j.mu.Lock()
		expired := j.state.Terminal() && !j.retentionUntil.IsZero() && now.After(j.retentionUntil)
		j.mu.Unlock()
		if expired {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// startJanitor sweeps the table at a fixed cadence until ctx is done.
func (t *JobTable) startJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.sweep(now)
			}
		}
	}()
}
