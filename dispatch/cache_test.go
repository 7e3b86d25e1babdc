// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestCacheMissThenHit(t *testing.T) {
	c := NewCache(time.Minute, 16, nil)
	ctx := context.Background()

	outcome, _, m := c.Lookup(ctx, "fp", "job-1")
	if outcome != LookupMiss {
		t.Fatalf("first lookup outcome %d, want miss", outcome)
	}
	if m.OriginID() != "job-1" {
		t.Fatalf("origin %s, want job-1", m.OriginID())
	}

	c.Publish("fp", "job-1", json.RawMessage(`"ok"`), 0)

	outcome, result, _ := c.Lookup(ctx, "fp", "job-2")
	if outcome != LookupHit {
		t.Fatalf("second lookup outcome %d, want hit", outcome)
	}
	if string(result) != `"ok"` {
		t.Fatalf("hit returned %s", result)
	}
}

func TestCacheSingleFlightJoin(t *testing.T) {
	c := NewCache(time.Minute, 16, nil)
	ctx := context.Background()

	_, _, marker := c.Lookup(ctx, "fp", "origin")

	outcome, _, joined := c.Lookup(ctx, "fp", "waiter")
	if outcome != LookupJoined {
		t.Fatalf("concurrent lookup outcome %d, want joined", outcome)
	}
	if joined != marker {
		t.Fatal("waiter joined a different marker")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, failure, promoted, err := c.Await(ctx, joined, "waiter")
		if err != nil || promoted {
			t.Errorf("await: err=%v promoted=%v", err, promoted)
			return
		}
		if failure != nil || string(result) != `"shared"` {
			t.Errorf("await got result=%s failure=%v", result, failure)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c.Publish("fp", "origin", json.RawMessage(`"shared"`), 0)
	wg.Wait()
}

func TestCacheFailWakesWaiters(t *testing.T) {
	c := NewCache(time.Minute, 16, nil)
	ctx := context.Background()

	c.Lookup(ctx, "fp", "origin")
	_, _, m := c.Lookup(ctx, "fp", "waiter")

	go c.Fail("fp", "origin", NewError(KindUpstreamServer, "backend error"))

	_, failure, promoted, err := c.Await(ctx, m, "waiter")
	if err != nil || promoted {
		t.Fatalf("await: err=%v promoted=%v", err, promoted)
	}
	if failure == nil || failure.Kind != KindUpstreamServer {
		t.Fatalf("expected upstream_server failure, got %v", failure)
	}

	// The marker is gone; the next lookup becomes a fresh origin.
	outcome, _, _ := c.Lookup(ctx, "fp", "job-3")
	if outcome != LookupMiss {
		t.Fatalf("lookup after fail outcome %d, want miss", outcome)
	}
}

func TestCachePromotionOnOriginAbandon(t *testing.T) {
	c := NewCache(time.Minute, 16, nil)
	ctx := context.Background()

	c.Lookup(ctx, "fp", "origin")
	_, _, m := c.Lookup(ctx, "fp", "waiter")

	go c.OriginAbandoned("fp", "origin")

	_, _, promoted, err := c.Await(ctx, m, "waiter")
	if err != nil {
		t.Fatal(err)
	}
	if !promoted {
		t.Fatal("waiter was not promoted after origin abandon")
	}
	if m.OriginID() != "waiter" {
		t.Fatalf("marker origin %s, want waiter", m.OriginID())
	}

	// A stale publish from the old origin must not disturb the marker.
	c.Publish("fp", "origin", json.RawMessage(`"stale"`), 0)
	outcome, _, _ := c.Lookup(ctx, "fp", "late")
	if outcome != LookupJoined {
		t.Fatalf("marker vanished after stale publish: outcome %d", outcome)
	}

	c.Publish("fp", "waiter", json.RawMessage(`"fresh"`), 0)
	outcome, result, _ := c.Lookup(ctx, "fp", "reader")
	if outcome != LookupHit || string(result) != `"fresh"` {
		t.Fatalf("expected fresh hit, got outcome=%d result=%s", outcome, result)
	}
}

func TestCacheAbandonWithoutWaitersRemovesMarker(t *testing.T) {
	c := NewCache(time.Minute, 16, nil)
	ctx := context.Background()

	c.Lookup(ctx, "fp", "origin")
	c.OriginAbandoned("fp", "origin")

	outcome, _, _ := c.Lookup(ctx, "fp", "next")
	if outcome != LookupMiss {
		t.Fatalf("marker not removed: outcome %d", outcome)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(time.Minute, 16, nil)
	ctx := context.Background()

	c.Lookup(ctx, "fp", "origin")
	c.Publish("fp", "origin", json.RawMessage(`"v"`), 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	outcome, _, _ := c.Lookup(ctx, "fp", "later")
	if outcome != LookupMiss {
		t.Fatalf("expired entry still served: outcome %d", outcome)
	}
}

func TestCacheDisabledStillCoalesces(t *testing.T) {
	c := NewCache(0, 16, nil)
	ctx := context.Background()

	outcome, _, _ := c.Lookup(ctx, "fp", "origin")
	if outcome != LookupMiss {
		t.Fatal("first lookup should miss")
	}
	_, _, m := c.Lookup(ctx, "fp", "waiter")

	go c.Publish("fp", "origin", json.RawMessage(`"v"`), 0)
	result, failure, promoted, err := c.Await(ctx, m, "waiter")
	if err != nil || promoted || failure != nil || string(result) != `"v"` {
		t.Fatalf("waiter outcome: %s %v %v %v", result, failure, promoted, err)
	}

	// TTL 0 disables storage: the next lookup misses again.
	outcome, _, _ = c.Lookup(ctx, "fp", "again")
	if outcome != LookupMiss {
		t.Fatal("disabled cache stored a result")
	}
}

func TestCacheLRUEvictionSkipsPinned(t *testing.T) {
	c := NewCache(time.Minute, 2, nil)
	ctx := context.Background()

	for _, fp := range []string{"fp1", "fp2"} {
		c.Lookup(ctx, fp, "o")
		c.Publish(fp, "o", json.RawMessage(`"v"`), 0)
	}
	if !c.Pin("fp1") {
		t.Fatal("pin failed for live entry")
	}

	// fp1 is the LRU candidate but pinned; fp2 must be evicted instead.
	c.Lookup(ctx, "fp3", "o")
	c.Publish("fp3", "o", json.RawMessage(`"v"`), 0)

	if outcome, _, _ := c.Lookup(ctx, "fp1", "r"); outcome != LookupHit {
		t.Fatal("pinned entry was evicted")
	}
	if outcome, _, _ := c.Lookup(ctx, "fp3", "r"); outcome != LookupHit {
		t.Fatal("new entry missing after eviction pass")
	}
	stats := c.Stats()
	if stats.Entries != 2 || stats.Evictions != 1 {
		t.Fatalf("stats entries=%d evictions=%d, want 2 and 1", stats.Entries, stats.Evictions)
	}

	c.Unpin("fp1")
}

func TestCacheAwaitDeadline(t *testing.T) {
	c := NewCache(time.Minute, 16, nil)

	c.Lookup(context.Background(), "fp", "origin")
	_, _, m := c.Lookup(context.Background(), "fp", "waiter")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, _, err := c.Await(ctx, m, "waiter")
	if err == nil {
		t.Fatal("await should honor the deadline")
	}
}
