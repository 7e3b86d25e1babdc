// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"sync"
	"time"
)

// batchMember couples a job with its request for dispatch.
type batchMember struct {
	job *Job
	req Request
}

// BatchGroup is a transient gathering of jobs sharing a capability and a
// bucket key (the parameters that must be identical for one batched
// backend call). Once sealed no member is added; members are dispatched
// together and responses are distributed in submission order.
type BatchGroup struct {
	capability Capability
	bucketKey  string
	openTS     time.Time
	members    []*batchMember
	sealed     bool
	timer      *time.Timer
}

// Batcher micro-batches jobs per (capability, bucket-key). A group opens on
// its first member and seals when it reaches MaxBatchSize, when MaxBatchWait
// elapses, or on an explicit flush at shutdown.
type Batcher struct {
	mu      sync.Mutex
	groups  map[string]*BatchGroup
	maxSize int
	maxWait time.Duration
	sealFn  func(*BatchGroup)
	closed  bool
}

// NewBatcher creates a batcher delivering sealed groups to sealFn.
func NewBatcher(maxSize int, maxWait time.Duration, sealFn func(*BatchGroup)) *Batcher {
	if maxSize <= 0 {
		maxSize = defaultMaxBatchSize
	}
	if maxWait <= 0 {
		maxWait = defaultMaxBatchWait
	}
	return &Batcher{
		groups:  make(map[string]*BatchGroup),
		maxSize: maxSize,
		maxWait: maxWait,
		sealFn:  sealFn,
	}
}

func groupKey(capability Capability, bucketKey string) string {
	return string(capability) + "\x00" + bucketKey
}

// Add appends the job to its bucket's open group, opening one if needed.
// Returns false after Close (shutdown: the caller must fail the job).
func (b *Batcher) Add(job *Job, req Request) bool {
	key := groupKey(req.Capability, req.BucketKey)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	g, ok := b.groups[key]
	if !ok {
		g = &BatchGroup{
			capability: req.Capability,
			bucketKey:  req.BucketKey,
			openTS:     time.Now(),
		}
		b.groups[key] = g
		g.timer = time.AfterFunc(b.maxWait, func() {
			b.sealByKey(key, g)
		})
	}
	g.members = append(g.members, &batchMember{job: job, req: req})
	full := len(g.members) >= b.maxSize
	var sealedGroup *BatchGroup
	if full {
		sealedGroup = b.sealLocked(key, g)
	}
	b.mu.Unlock()

	if sealedGroup != nil {
		go b.sealFn(sealedGroup)
	}
	return true
}

// Remove drops a still-queued job from its unsealed group, e.g. on
// cancellation. Sealed groups are not touched; the dispatch path notices
// the cancelled job when distributing responses.
func (b *Batcher) Remove(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, g := range b.groups {
		for i, m := range g.members {
			if m.job.ID() == jobID {
				g.members = append(g.members[:i], g.members[i+1:]...)
				if len(g.members) == 0 {
					g.timer.Stop()
					delete(b.groups, key)
				}
				return
			}
		}
	}
}

// Flush seals every open group immediately (graceful shutdown). Sealed
// groups are dispatched synchronously so the caller can drain behind it.
func (b *Batcher) Flush() {
	b.mu.Lock()
	sealed := make([]*BatchGroup, 0, len(b.groups))
	for key, g := range b.groups {
		if sg := b.sealLocked(key, g); sg != nil {
			sealed = append(sealed, sg)
		}
	}
	b.mu.Unlock()

	for _, g := range sealed {
		b.sealFn(g)
	}
}

// Close flushes open groups and rejects further adds.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

// sealByKey is the timer path: seal only if the group is still the open
// one for its key.
func (b *Batcher) sealByKey(key string, g *BatchGroup) {
	b.mu.Lock()
	if b.groups[key] != g {
		b.mu.Unlock()
		return
	}
	sealed := b.sealLocked(key, g)
	b.mu.Unlock()

	if sealed != nil {
		b.sealFn(sealed)
	}
}

// sealLocked marks the group sealed and detaches it. Returns nil when the
// group is already sealed or empty.
func (b *Batcher) sealLocked(key string, g *BatchGroup) *BatchGroup {
	if g.sealed {
		return nil
	}
	g.sealed = true
	g.timer.Stop()
	delete(b.groups, key)
	if len(g.members) == 0 {
		return nil
	}
	return g
}

// OpenGroups reports the number of unsealed groups (health/introspection).
func (b *Batcher) OpenGroups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}
