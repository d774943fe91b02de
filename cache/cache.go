// Package cache implements the Live Value Cache: an in-process map of the
// most recent CurrentValue per point, rejecting out-of-order samples, with
// an optional Redis mirror for external readers. Grounded on
// resources/manager.go's sharded-map-plus-mutex shape; the teacher's disk
// spillover is replaced with the Redis mirror since PulseOne's cache needs
// an externally queryable copy, not an overflow file. The mirror write
// itself follows historian/historian.go's bounded-mailbox pattern: Put never
// blocks on Redis, a full mailbox drops the write and counts it instead.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pulseone/collector/domain"
)

// Config controls the Live Value Cache's mirror behavior.
type Config struct {
	Redis          *redis.Client // nil disables the external mirror
	MirrorTTL      time.Duration // default 300s per spec §6
	KeyPrefix      string
	MirrorQueueCap int // default 4096
}

// Stats is a lightweight snapshot of cache activity.
type Stats struct {
	Entries       int
	Rejected      int64
	MirrorWrites  int64
	MirrorErrors  int64
	MirrorDropped int64
}

// Cache is the Live Value Cache.
type Cache struct {
	cfg Config

	mu     sync.RWMutex
	values map[domain.PointID]domain.CurrentValue

	mirrorCh chan domain.CurrentValue
	stopCh   chan struct{}
	wg       sync.WaitGroup

	rejected      int64
	mirrorWrites  int64
	mirrorErrors  int64
	mirrorDropped int64
}

func (c *Cache) addRejected(n int64)      { atomic.AddInt64(&c.rejected, n) }
func (c *Cache) addMirrorWrites(n int64)  { atomic.AddInt64(&c.mirrorWrites, n) }
func (c *Cache) addMirrorErrors(n int64)  { atomic.AddInt64(&c.mirrorErrors, n) }
func (c *Cache) addMirrorDropped(n int64) { atomic.AddInt64(&c.mirrorDropped, n) }

func New(cfg Config) *Cache {
	if cfg.MirrorTTL <= 0 {
		cfg.MirrorTTL = 300 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pulseone:lvc:"
	}
	if cfg.MirrorQueueCap <= 0 {
		cfg.MirrorQueueCap = 4096
	}
	c := &Cache{
		cfg:      cfg,
		values:   make(map[domain.PointID]domain.CurrentValue),
		mirrorCh: make(chan domain.CurrentValue, cfg.MirrorQueueCap),
		stopCh:   make(chan struct{}),
	}
	if cfg.Redis != nil {
		c.wg.Add(1)
		go c.mirrorLoop()
	}
	return c
}

// Put stores cv if it is newer than (or equal to) whatever is currently
// cached for its point; older samples are rejected to guard against
// out-of-order delivery from retried reads. The Redis mirror write is
// queued onto a bounded mailbox rather than performed inline, so a slow or
// unreachable Redis never blocks the in-process cache update or whichever
// pipeline worker called Put (spec §4.3).
func (c *Cache) Put(ctx context.Context, cv domain.CurrentValue) bool {
	c.mu.Lock()
	existing, ok := c.values[cv.Point]
	if ok && cv.Timestamp.Before(existing.Timestamp) {
		c.mu.Unlock()
		c.addRejected(1)
		return false
	}
	c.values[cv.Point] = cv
	c.mu.Unlock()

	c.enqueueMirror(cv)
	return true
}

func (c *Cache) Get(point domain.PointID) (domain.CurrentValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.values[point]
	return cv, ok
}

// GetAll returns a snapshot copy suitable for the introspection surface.
func (c *Cache) GetAll() []domain.CurrentValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.CurrentValue, 0, len(c.values))
	for _, cv := range c.values {
		out = append(out, cv)
	}
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.values)
	c.mu.RUnlock()
	return Stats{
		Entries:       n,
		Rejected:      atomic.LoadInt64(&c.rejected),
		MirrorWrites:  atomic.LoadInt64(&c.mirrorWrites),
		MirrorErrors:  atomic.LoadInt64(&c.mirrorErrors),
		MirrorDropped: atomic.LoadInt64(&c.mirrorDropped),
	}
}

// SweepStale marks cached values older than olderThan as stale in place,
// so introspection readers don't mistake a disconnected device's frozen
// reading for a live one. Returns the count of entries touched.
func (c *Cache) SweepStale(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	touched := 0
	for id, cv := range c.values {
		if cv.Quality != domain.QualityStale && cv.Timestamp.Before(cutoff) {
			cv.Quality = domain.QualityStale
			c.values[id] = cv
			touched++
		}
	}
	return touched
}

// enqueueMirror is non-blocking: if the mailbox is full the write is dropped
// and counted rather than backing up the caller.
func (c *Cache) enqueueMirror(cv domain.CurrentValue) {
	if c.cfg.Redis == nil {
		return
	}
	select {
	case c.mirrorCh <- cv:
	default:
		c.addMirrorDropped(1)
	}
}

func (c *Cache) mirrorLoop() {
	defer c.wg.Done()
	for {
		select {
		case cv := <-c.mirrorCh:
			c.writeMirror(cv)
		case <-c.stopCh:
			c.drainMirror()
			return
		}
	}
}

func (c *Cache) drainMirror() {
	for {
		select {
		case cv := <-c.mirrorCh:
			c.writeMirror(cv)
		default:
			return
		}
	}
}

func (c *Cache) writeMirror(cv domain.CurrentValue) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := c.cfg.KeyPrefix + cv.Point.String()
	if err := c.cfg.Redis.Set(ctx, key, cv.Value, c.cfg.MirrorTTL).Err(); err != nil {
		c.addMirrorErrors(1)
		return
	}
	c.addMirrorWrites(1)
}

// Close stops the mirror drainer after flushing whatever is already queued.
func (c *Cache) Close() error {
	if c.cfg.Redis == nil {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	return nil
}
