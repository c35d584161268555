// Package idempotence implements the Idempotence Cache (C2): a Redis-backed
// hot path with a Postgres-backed durable copy, so a TTL'd memoization
// layer survives a Redis restart without ever becoming a source of truth.
package idempotence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/toolrunner/pkg/log"
)

// Durable is the subset of the Execution Record Store's persistence the
// cache needs for its write-through copy.
type Durable interface {
	UpsertCacheSlot(ctx context.Context, toolVersionID, inputHash, executionID string, expiresAt time.Time) error
	GetCacheSlot(ctx context.Context, toolVersionID, inputHash string) (executionID string, expiresAt time.Time, found bool, err error)
	IncrementCacheHit(ctx context.Context, toolVersionID, inputHash string) error
}

// Cache is the idempotence cache described in the original design's C2:
// Lookup, Store, IncrementHit, all keyed by (tool_version_id, input_hash).
type Cache struct {
	redis   *redis.Client
	durable Durable
}

// New wires a Redis client as the hot path and a durable store as the
// write-through copy.
func New(redisClient *redis.Client, durable Durable) *Cache {
	return &Cache{redis: redisClient, durable: durable}
}

func key(toolVersionID, inputHash string) string {
	return fmt.Sprintf("cache:%s:%s", toolVersionID, inputHash)
}

func hitKey(toolVersionID, inputHash string) string {
	return fmt.Sprintf("hits:%s:%s", toolVersionID, inputHash)
}

// Lookup returns the execution id of a prior succeeded execution for
// (toolVersionID, inputHash), or found=false if no non-expired slot exists.
// Redis's own key TTL realizes "an expired slot is treated as absent"
// without a separate sweeper; a Redis miss falls back to Postgres so a
// cold cache doesn't silently look like "never executed".
func (c *Cache) Lookup(ctx context.Context, toolVersionID, inputHash string) (string, bool, error) {
	executionID, err := c.redis.Get(ctx, key(toolVersionID, inputHash)).Result()
	if err == nil {
		return executionID, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.WithComponent("idempotence").Warn().Err(err).Msg("redis lookup failed, falling back to durable store")
	}

	executionID, expiresAt, found, derr := c.durable.GetCacheSlot(ctx, toolVersionID, inputHash)
	if derr != nil {
		return "", false, fmt.Errorf("durable cache lookup: %w", derr)
	}
	if !found || time.Now().After(expiresAt) {
		return "", false, nil
	}

	ttl := time.Until(expiresAt)
	if ttl > 0 {
		if err := c.redis.Set(ctx, key(toolVersionID, inputHash), executionID, ttl).Err(); err != nil {
			log.WithComponent("idempotence").Warn().Err(err).Msg("failed to warm redis from durable store")
		}
	}
	return executionID, true, nil
}

// Store upserts the mapping, refreshing the TTL. Concurrent Store calls for
// the same key race freely; the last writer wins (no single-flight), which
// matches the concurrency model's explicit "at-most-one cached result at a
// time" contract rather than "at-most-one execution in flight".
func (c *Cache) Store(ctx context.Context, toolVersionID, inputHash, executionID string, ttl time.Duration) error {
	if err := c.redis.Set(ctx, key(toolVersionID, inputHash), executionID, ttl).Err(); err != nil {
		log.WithComponent("idempotence").Warn().Err(err).Msg("redis store failed")
	}

	if err := c.durable.UpsertCacheSlot(ctx, toolVersionID, inputHash, executionID, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("durable cache store: %w", err)
	}
	return nil
}

// IncrementHit bumps the hit counter for a cache slot. It is keyed off
// (tool_version_id, input_hash) rather than execution_id, resolving the
// ambiguous signature noted in the design notes' open questions: it does
// not depend on an execution_id being known to the caller at lookup time.
// Every call adds one to the counter, so the count reflects the number of
// hits served.
func (c *Cache) IncrementHit(ctx context.Context, toolVersionID, inputHash string) {
	if err := c.redis.Incr(ctx, hitKey(toolVersionID, inputHash)).Err(); err != nil {
		log.WithComponent("idempotence").Warn().Err(err).Msg("redis hit increment failed")
	}
	if err := c.durable.IncrementCacheHit(ctx, toolVersionID, inputHash); err != nil {
		log.WithComponent("idempotence").Warn().Err(err).Msg("durable hit increment failed")
	}
}
