// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.recordFailure()
		if !cb.allow() {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i+1)
		}
	}
	cb.recordFailure()
	if cb.allow() {
		t.Fatal("circuit still closed at threshold")
	}
	if _, open := cb.openUntil(); !open {
		t.Fatal("openUntil should report an open circuit")
	}
}

func TestCircuitBreakerHalfOpenTrial(t *testing.T) {
	cb := newCircuitBreaker(1, 20*time.Millisecond)
	cb.recordFailure()
	if cb.allow() {
		t.Fatal("circuit should be open")
	}

	time.Sleep(30 * time.Millisecond)
	if !cb.allow() {
		t.Fatal("cooldown elapsed: a trial should be permitted")
	}
	cb.markTrial()
	if cb.allow() {
		t.Fatal("only a single trial is permitted in half-open")
	}

	// Trial failure reopens.
	cb.recordFailure()
	if cb.allow() {
		t.Fatal("failed trial must reopen the circuit")
	}

	time.Sleep(30 * time.Millisecond)
	if !cb.allow() {
		t.Fatal("second cooldown elapsed")
	}
	cb.markTrial()
	cb.recordSuccess()
	if !cb.allow() {
		t.Fatal("successful trial must close the circuit")
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := newCircuitBreaker(3, time.Minute)
	cb.recordFailure()
	cb.recordFailure()
	cb.recordSuccess()
	cb.recordFailure()
	cb.recordFailure()
	if !cb.allow() {
		t.Fatal("non-consecutive failures must not trip the circuit")
	}
}

func TestHealthTransitionsDriveAdmission(t *testing.T) {
	cfg := Config{CircuitFailureThreshold: 3}.Normalize()
	registry := NewRegistry([]BackendConfig{{
		ID:           "llm",
		BaseURL:      "http://llm:8081",
		Capabilities: []Capability{CapabilityLLMCompletion},
		MaxInFlight:  4,
	}}, cfg.CircuitFailureThreshold, cfg.CircuitCooldown)
	admission := NewAdmissionController(100)
	admission.RegisterBackend("llm", 4)
	agg := NewHealthAggregator(registry, NewPool(cfg), admission, time.Minute)

	b, _ := registry.Get("llm")
	agg.RecordFailure(b)
	if b.Status() != HealthDegraded {
		t.Fatalf("status %s after one failure, want degraded", b.Status())
	}

	// Degraded: effective cap halves to 2.
	ctx := context.Background()
	t1, _ := admission.Acquire(ctx, "llm")
	t2, _ := admission.Acquire(ctx, "llm")
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	if _, err := admission.Acquire(blockedCtx, "llm"); err == nil {
		t.Fatal("degraded backend should admit at half cap")
	}
	cancel()

	agg.RecordSuccess(b)
	if b.Status() != HealthHealthy {
		t.Fatalf("status %s after recovery, want healthy", b.Status())
	}
	t3, err := admission.Acquire(ctx, "llm")
	if err != nil {
		t.Fatalf("full cap not restored: %v", err)
	}
	t1.Release()
	t2.Release()
	t3.Release()
}

func TestHealthUnhealthyAfterCircuitOpens(t *testing.T) {
	cfg := Config{CircuitFailureThreshold: 2}.Normalize()
	registry := NewRegistry([]BackendConfig{{
		ID:           "llm",
		BaseURL:      "http://llm:8081",
		Capabilities: []Capability{CapabilityLLMCompletion},
		MaxInFlight:  4,
	}}, 2, cfg.CircuitCooldown)
	agg := NewHealthAggregator(registry, NewPool(cfg), nil, time.Minute)

	b, _ := registry.Get("llm")
	agg.RecordFailure(b)
	agg.RecordFailure(b)
	if b.Status() != HealthUnhealthy {
		t.Fatalf("status %s with open circuit, want unhealthy", b.Status())
	}
	if b.routable() {
		t.Fatal("unhealthy backend must not be routable")
	}
}

func TestAggregatorProbesBackends(t *testing.T) {
	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			probes.Add(1)
			w.Write([]byte(`{"status":"healthy"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := Config{ProbeInterval: 30 * time.Millisecond}.Normalize()
	registry := NewRegistry([]BackendConfig{{
		ID:           "llm",
		BaseURL:      srv.URL,
		Capabilities: []Capability{CapabilityLLMCompletion},
		MaxInFlight:  4,
	}}, cfg.CircuitFailureThreshold, cfg.CircuitCooldown)
	agg := NewHealthAggregator(registry, NewPool(cfg), nil, cfg.ProbeInterval)

	ctx, cancel := context.WithCancel(context.Background())
	agg.Start(ctx)
	time.Sleep(110 * time.Millisecond)
	cancel()
	agg.Stop()

	if probes.Load() < 2 {
		t.Fatalf("expected at least 2 probes, saw %d", probes.Load())
	}

	b, _ := registry.Get("llm")
	if b.healthSnapshot().LastProbe.IsZero() {
		t.Fatal("probe timestamp not recorded")
	}
}
