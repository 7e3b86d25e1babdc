// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisTier is the optional shared response-cache tier backed by Redis.
// Multiple gateway instances pointed at the same Redis reuse each other's
// results. Every operation fails open: a Redis outage degrades the gateway
// to its in-memory cache, it never fails requests.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier connects to the Redis named by redisURL
// (redis://host:port[/db]). The connection is verified once at startup.
func NewRedisTier(redisURL string) (*RedisTier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisTier{client: client, prefix: "respcache:"}, nil
}

// Get fetches a cached result by fingerprint.
func (t *RedisTier) Get(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	data, err := t.client.Get(ctx, t.prefix+fingerprint).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !json.Valid(data) {
		return nil, false, nil
	}
	return json.RawMessage(data), true, nil
}

// Set stores a result under the fingerprint with the entry's TTL.
func (t *RedisTier) Set(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return t.client.Set(ctx, t.prefix+fingerprint, []byte(result), ttl).Err()
}

// Close releases the Redis connection pool.
func (t *RedisTier) Close() error {
	return t.client.Close()
}
