package idempotence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDurable struct {
	mu    sync.Mutex
	slots map[string]slot
	hits  map[string]int
}

type slot struct {
	executionID string
	expiresAt   time.Time
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{slots: map[string]slot{}, hits: map[string]int{}}
}

func (f *fakeDurable) UpsertCacheSlot(ctx context.Context, toolVersionID, inputHash, executionID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[toolVersionID+":"+inputHash] = slot{executionID: executionID, expiresAt: expiresAt}
	return nil
}

func (f *fakeDurable) GetCacheSlot(ctx context.Context, toolVersionID, inputHash string) (string, time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[toolVersionID+":"+inputHash]
	if !ok {
		return "", time.Time{}, false, nil
	}
	return s.executionID, s.expiresAt, true, nil
}

func (f *fakeDurable) IncrementCacheHit(ctx context.Context, toolVersionID, inputHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[toolVersionID+":"+inputHash]++
	return nil
}

func newTestCache(t *testing.T) (*Cache, *fakeDurable) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	durable := newFakeDurable()
	return New(client, durable), durable
}

func TestCache_StoreThenLookupHitsRedis(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.Store(ctx, "tv-1", "hash-1", "exec-1", time.Minute))

	id, found, err := c.Lookup(ctx, "tv-1", "hash-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "exec-1", id)
}

func TestCache_LookupMissFallsBackToDurable(t *testing.T) {
	c, durable := newTestCache(t)
	ctx := t.Context()

	require.NoError(t, durable.UpsertCacheSlot(ctx, "tv-1", "hash-1", "exec-1", time.Now().Add(time.Minute)))

	id, found, err := c.Lookup(ctx, "tv-1", "hash-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "exec-1", id)
}

func TestCache_LookupExpiredDurableSlotIsMiss(t *testing.T) {
	c, durable := newTestCache(t)
	ctx := t.Context()

	require.NoError(t, durable.UpsertCacheSlot(ctx, "tv-1", "hash-1", "exec-1", time.Now().Add(-time.Minute)))

	_, found, err := c.Lookup(ctx, "tv-1", "hash-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_LookupNoSlotIsMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, found, err := c.Lookup(t.Context(), "tv-1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_IncrementHit(t *testing.T) {
	c, durable := newTestCache(t)
	ctx := t.Context()

	c.IncrementHit(ctx, "tv-1", "hash-1")
	c.IncrementHit(ctx, "tv-1", "hash-1")

	assert.Equal(t, 2, durable.hits["tv-1:hash-1"])
}
