package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"soundslice/model"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the handful of commands the cache uses.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx, "get", key)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = expiration
	cmd := redis.NewStatusCmd(ctx, "set", key)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx, "del")
	cmd.SetVal(n)
	return cmd
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	c := NewSnapshotCache(rdb, time.Hour)

	entry := "mem-1"
	rec := &model.ReuseRecord{
		ID:                  "rec-1",
		OriginalTrackID:     "track-1",
		RequesterID:         "alice",
		Percent:             17,
		ValuationMinorUnits: 170_000,
		Status:              model.ReuseStatusFinalized,
		LedgerEntryID:       &entry,
		Version:             6,
	}
	require.NoError(t, c.Put(ctx, rec))
	assert.Equal(t, time.Hour, rdb.ttls[SnapshotKey("rec-1")])

	got, err := c.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ReuseStatusFinalized, got.Status)
	assert.Equal(t, int64(170_000), got.ValuationMinorUnits)
	assert.Equal(t, &entry, got.LedgerEntryID)

	require.NoError(t, c.Invalidate(ctx, "rec-1"))
	got, err = c.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotCache_SkipsNonTerminal(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	c := NewSnapshotCache(rdb, 0)

	require.NoError(t, c.Put(ctx, &model.ReuseRecord{ID: "rec-2", Status: model.ReuseStatusPersistedPending}))
	assert.Empty(t, rdb.data)
}

func TestSnapshotCache_CorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	rdb.data[SnapshotKey("rec-3")] = "{not json"

	got, err := NewSnapshotCache(rdb, 0).Get(ctx, "rec-3")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NotContains(t, rdb.data, SnapshotKey("rec-3"))
}
