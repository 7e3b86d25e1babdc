// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSemaphoreCapEnforced(t *testing.T) {
	sem := newSemaphore(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if sem.InUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", sem.InUse())
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(blockedCtx); err == nil {
		t.Fatal("third acquire should block past the deadline")
	}

	sem.Release()
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSemaphoreFIFO(t *testing.T) {
	sem := newSemaphore(1)
	ctx := context.Background()
	if err := sem.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			sem.Release()
		}(i)
		// Serialize arrival so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	sem.Release()
	wg.Wait()
	close(order)

	want := 1
	for got := range order {
		if got != want {
			t.Fatalf("FIFO violated: got waiter %d, want %d", got, want)
		}
		want++
	}
}

func TestSemaphoreShrinkDoesNotRevoke(t *testing.T) {
	sem := newSemaphore(4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := sem.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}

	sem.SetCapacity(2)
	if sem.InUse() != 4 {
		t.Fatal("shrinking capacity must not revoke held slots")
	}

	// Releasing down to the new cap frees no waiter slots above it.
	sem.Release()
	sem.Release()
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(blockedCtx); err == nil {
		t.Fatal("acquire should block: still at reduced capacity")
	}

	sem.Release()
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("acquire below reduced cap: %v", err)
	}
}

func TestAdmissionQueueCap(t *testing.T) {
	a := NewAdmissionController(2)
	if err := a.TryEnqueue(); err != nil {
		t.Fatal(err)
	}
	if err := a.TryEnqueue(); err != nil {
		t.Fatal(err)
	}
	err := a.TryEnqueue()
	if err == nil {
		t.Fatal("expected rejection at queue cap")
	}
	if KindOf(err) != KindOverloaded {
		t.Fatalf("expected overloaded, got %s", KindOf(err))
	}

	a.Dequeue()
	if err := a.TryEnqueue(); err != nil {
		t.Fatalf("enqueue after dequeue: %v", err)
	}
}

func TestAdmissionTokenReleaseIdempotent(t *testing.T) {
	a := NewAdmissionController(10)
	a.RegisterBackend("llm", 1)

	token, err := a.Acquire(context.Background(), "llm")
	if err != nil {
		t.Fatal(err)
	}
	token.Release()
	token.Release() // second release must not free a phantom slot

	t1, err := a.Acquire(context.Background(), "llm")
	if err != nil {
		t.Fatal(err)
	}
	defer t1.Release()

	blockedCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(blockedCtx, "llm"); err == nil {
		t.Fatal("cap of 1 must hold after double release")
	}
}

func TestAdmissionDegradedHalvesCap(t *testing.T) {
	a := NewAdmissionController(100)
	a.RegisterBackend("llm", 4)

	a.SetDegraded("llm", true)
	ctx := context.Background()
	tokens := make([]*AdmissionToken, 0, 2)
	for i := 0; i < 2; i++ {
		tok, err := a.Acquire(ctx, "llm")
		if err != nil {
			t.Fatalf("acquire %d under degraded cap: %v", i, err)
		}
		tokens = append(tokens, tok)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(blockedCtx, "llm"); err == nil {
		t.Fatal("third acquire should block at half cap")
	}

	a.SetDegraded("llm", false)
	tok, err := a.Acquire(ctx, "llm")
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	tok.Release()
	for _, tok := range tokens {
		tok.Release()
	}
}

func TestAdmissionAcquireCancellation(t *testing.T) {
	a := NewAdmissionController(100)
	a.RegisterBackend("llm", 1)

	tok, err := a.Acquire(context.Background(), "llm")
	if err != nil {
		t.Fatal(err)
	}
	defer tok.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Acquire(ctx, "llm")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if KindOf(err) != KindCancelled {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}
