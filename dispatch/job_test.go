// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func makeJob(t *testing.T) *Job {
	t.Helper()
	j := newJob(context.Background(), CapabilityLLMCompletion, "fp-1", time.Now().Add(time.Minute))
	t.Cleanup(j.cancel)
	return j
}

func TestJobLifecycleHappyPath(t *testing.T) {
	j := makeJob(t)
	if j.State() != JobQueued {
		t.Fatalf("new job state %s, want queued", j.State())
	}
	if !j.transition(JobAdmitted) {
		t.Fatal("queued→admitted rejected")
	}
	if !j.transition(JobRunning) {
		t.Fatal("admitted→running rejected")
	}
	if !j.settle(JobSucceeded, json.RawMessage(`{"ok":true}`), nil, time.Hour) {
		t.Fatal("running→succeeded rejected")
	}

	s := j.Snapshot()
	if s.State != JobSucceeded {
		t.Fatalf("state %s, want succeeded", s.State)
	}
	if s.StartTS == nil || s.FinishTS == nil {
		t.Fatal("timestamps missing after settle")
	}
	if s.FinishTS.Before(*s.StartTS) || s.StartTS.Before(s.SubmitTS) {
		t.Fatal("timestamp ordering violated: finish >= start >= submit expected")
	}
	if s.RetentionUntil == nil || !s.RetentionUntil.After(*s.FinishTS) {
		t.Fatal("retention must extend past finish")
	}
}

func TestJobTerminalStatesAbsorbing(t *testing.T) {
	j := makeJob(t)
	if !j.settle(JobCancelled, nil, NewError(KindCancelled, "cancelled by caller"), time.Hour) {
		t.Fatal("queued→cancelled rejected")
	}
	if j.settle(JobSucceeded, json.RawMessage(`{}`), nil, time.Hour) {
		t.Fatal("terminal job accepted a second settle")
	}
	if j.transition(JobRunning) {
		t.Fatal("terminal job accepted a transition")
	}
	if j.Snapshot().State != JobCancelled {
		t.Fatal("terminal state mutated")
	}
}

func TestJobInvalidTransitionRejected(t *testing.T) {
	j := makeJob(t)
	if j.transition(JobRunning) {
		t.Fatal("queued→running must go through admitted")
	}
}

func TestJobDoneChannel(t *testing.T) {
	j := makeJob(t)
	select {
	case <-j.Done():
		t.Fatal("done closed before settle")
	default:
	}
	j.settle(JobFailed, nil, NewError(KindUpstreamServer, "backend error"), time.Hour)
	select {
	case <-j.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after settle")
	}
}

func TestJobTableGetAndSweep(t *testing.T) {
	table := NewJobTable()
	j := newJob(context.Background(), CapabilityNLPAnalyze, "fp-2", time.Now().Add(time.Minute))
	defer j.cancel()
	table.Put(j)

	if _, ok := table.Get(j.ID()); !ok {
		t.Fatal("job not found after Put")
	}
	if _, ok := table.Get("nope"); ok {
		t.Fatal("unknown id returned a job")
	}

	// Terminal with an already-elapsed retention window.
	j.settle(JobSucceeded, json.RawMessage(`{}`), nil, -time.Second)
	if removed := table.sweep(time.Now()); removed != 1 {
		t.Fatalf("sweep removed %d jobs, want 1", removed)
	}
	if _, ok := table.Get(j.ID()); ok {
		t.Fatal("job reachable after retention sweep")
	}
}

func TestJobTableSweepSkipsLiveAndRetained(t *testing.T) {
	table := NewJobTable()

	running := newJob(context.Background(), CapabilityNLPAnalyze, "fp-3", time.Now().Add(time.Minute))
	defer running.cancel()
	table.Put(running)

	retained := newJob(context.Background(), CapabilityNLPAnalyze, "fp-4", time.Now().Add(time.Minute))
	defer retained.cancel()
	table.Put(retained)
	retained.settle(JobSucceeded, json.RawMessage(`{}`), nil, time.Hour)

	if removed := table.sweep(time.Now()); removed != 0 {
		t.Fatalf("sweep removed %d jobs, want 0", removed)
	}
	if _, ok := table.Get(retained.ID()); !ok {
		t.Fatal("terminal job inside retention window must stay queryable")
	}
}

func TestJobTableList(t *testing.T) {
	table := NewJobTable()
	for i := 0; i < 3; i++ {
		j := newJob(context.Background(), CapabilityNLPAnalyze, "fp", time.Now().Add(time.Minute))
		defer j.cancel()
		table.Put(j)
		if i == 0 {
			j.settle(JobSucceeded, json.RawMessage(`{}`), nil, time.Hour)
		}
		time.Sleep(time.Millisecond)
	}
	other := newJob(context.Background(), CapabilityVisionAnalyze, "fp", time.Now().Add(time.Minute))
	defer other.cancel()
	table.Put(other)

	if got := len(table.List(ListFilter{Capability: CapabilityNLPAnalyze})); got != 3 {
		t.Fatalf("capability filter returned %d, want 3", got)
	}
	if got := len(table.List(ListFilter{State: JobSucceeded})); got != 1 {
		t.Fatalf("state filter returned %d, want 1", got)
	}
	if got := len(table.List(ListFilter{Limit: 2})); got != 2 {
		t.Fatalf("limit returned %d, want 2", got)
	}
	if got := len(table.List(ListFilter{Offset: 3})); got != 1 {
		t.Fatalf("offset returned %d, want 1", got)
	}

	// Newest first.
	all := table.List(ListFilter{})
	for i := 1; i < len(all); i++ {
		if all[i].SubmitTS.After(all[i-1].SubmitTS) {
			t.Fatal("list not sorted newest first")
		}
	}
}
