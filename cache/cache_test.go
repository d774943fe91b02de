package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/collector/domain"
)

func point(id string) domain.PointID {
	return domain.PointID{Kind: domain.PointKindData, ID: id}
}

func TestCachePutAndGet(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	cv := domain.CurrentValue{Point: point("temp-1"), Value: 21.5, Timestamp: time.Unix(100, 0)}
	assert.True(t, c.Put(ctx, cv))

	got, ok := c.Get(point("temp-1"))
	require.True(t, ok)
	assert.Equal(t, 21.5, got.Value)
}

func TestCacheRejectsOutOfOrderSamples(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	newer := domain.CurrentValue{Point: point("temp-1"), Value: 30, Timestamp: time.Unix(200, 0)}
	older := domain.CurrentValue{Point: point("temp-1"), Value: 10, Timestamp: time.Unix(100, 0)}

	assert.True(t, c.Put(ctx, newer))
	assert.False(t, c.Put(ctx, older), "a sample older than the cached one must be rejected")

	got, ok := c.Get(point("temp-1"))
	require.True(t, ok)
	assert.Equal(t, 30.0, got.Value, "the rejected older sample must not overwrite the cache")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestCacheEqualTimestampIsAccepted(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()
	ts := time.Unix(100, 0)

	assert.True(t, c.Put(ctx, domain.CurrentValue{Point: point("temp-1"), Value: 1, Timestamp: ts}))
	assert.True(t, c.Put(ctx, domain.CurrentValue{Point: point("temp-1"), Value: 2, Timestamp: ts}))
}

func TestCacheGetAllSnapshotsEveryPoint(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	c.Put(ctx, domain.CurrentValue{Point: point("a"), Value: 1, Timestamp: time.Unix(1, 0)})
	c.Put(ctx, domain.CurrentValue{Point: point("b"), Value: 2, Timestamp: time.Unix(1, 0)})

	all := c.GetAll()
	assert.Len(t, all, 2)
}

func TestCacheSweepStaleMarksOldEntries(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	old := domain.CurrentValue{Point: point("temp-1"), Value: 1, Quality: domain.QualityGood, Timestamp: time.Now().Add(-time.Hour)}
	fresh := domain.CurrentValue{Point: point("temp-2"), Value: 2, Quality: domain.QualityGood, Timestamp: time.Now()}
	c.Put(ctx, old)
	c.Put(ctx, fresh)

	touched := c.SweepStale(ctx, 5*time.Minute)
	assert.Equal(t, 1, touched)

	got, ok := c.Get(point("temp-1"))
	require.True(t, ok)
	assert.Equal(t, domain.QualityStale, got.Quality)

	got2, ok := c.Get(point("temp-2"))
	require.True(t, ok)
	assert.Equal(t, domain.QualityGood, got2.Quality)
}

func TestCacheStatsCountEntries(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()
	c.Put(ctx, domain.CurrentValue{Point: point("a"), Timestamp: time.Unix(1, 0)})
	c.Put(ctx, domain.CurrentValue{Point: point("b"), Timestamp: time.Unix(1, 0)})

	assert.Equal(t, 2, c.Stats().Entries)
}

func TestCacheWithoutRedisSkipsMirror(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()
	c.Put(ctx, domain.CurrentValue{Point: point("a"), Timestamp: time.Unix(1, 0)})

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.MirrorWrites)
	assert.Equal(t, int64(0), stats.MirrorErrors)
}

func TestCachePutReturnsBeforeMirrorWriteCompletes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	mr.SetError("simulated redis stall") // every command errors for the rest of the test

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(Config{Redis: client, KeyPrefix: "lvc:"})
	defer c.Close()
	ctx := context.Background()

	cv := domain.CurrentValue{Point: point("temp-1"), Value: 21.5, Timestamp: time.Unix(100, 0)}
	assert.True(t, c.Put(ctx, cv), "Put succeeds immediately regardless of the mirror's fate")

	got, ok := c.Get(point("temp-1"))
	require.True(t, ok)
	assert.Equal(t, 21.5, got.Value)

	require.Eventually(t, func() bool { return c.Stats().MirrorErrors == 1 }, time.Second, time.Millisecond,
		"the mirror failure is recorded asynchronously, never surfaced through Put")
}

func TestCacheMirrorsToRedisAsynchronously(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(Config{Redis: client, KeyPrefix: "lvc:"})
	defer c.Close()
	ctx := context.Background()

	cv := domain.CurrentValue{Point: point("temp-1"), Value: 21.5, Timestamp: time.Unix(100, 0)}
	require.True(t, c.Put(ctx, cv))

	require.Eventually(t, func() bool { return c.Stats().MirrorWrites == 1 }, time.Second, time.Millisecond)
	val, err := mr.Get("lvc:" + cv.Point.String())
	require.NoError(t, err)
	assert.Equal(t, "21.5", val)
}

func TestEnqueueMirrorDropsWhenMailboxIsFull(t *testing.T) {
	c := &Cache{
		cfg:      Config{Redis: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})},
		mirrorCh: make(chan domain.CurrentValue, 1),
	}
	c.enqueueMirror(domain.CurrentValue{Point: point("a")})
	c.enqueueMirror(domain.CurrentValue{Point: point("b")}) // mailbox already full, this one is dropped

	assert.Equal(t, int64(1), c.mirrorDropped, "a full mailbox drops the write instead of blocking the caller")
}
