package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Metrics counts hits and misses per level plus refill attempts, exposed
// for the audit/observability surface.
type Metrics struct {
	L1Hits, L1Misses atomic.Uint64
	L2Hits, L2Misses atomic.Uint64
	L3Hits, L3Misses atomic.Uint64
	Refills          atomic.Uint64
}

// Config carries the tunables for the layered cache.
type Config struct {
	L1Capacity      int
	L1HighWatermark float64
	L1LowWatermark  float64
}

func (c Config) resolved() Config {
	if c.L1Capacity <= 0 {
		c.L1Capacity = 1024
	}
	if c.L1HighWatermark <= 0 {
		c.L1HighWatermark = 0.8
	}
	if c.L1LowWatermark <= 0 {
		c.L1LowWatermark = 0.2
	}
	return c
}

// Cache is the per-stream layered id cache: L1 ring buffers per stream,
// a shared L2 staging tier, and an optional shared L3 adapter.
type Cache struct {
	cfg Config
	l2  *L2
	l3  *L3

	rings   sync.Map // string -> *Ring
	metrics Metrics
}

// New constructs a Cache; l3 may be nil when no external KV tier is
// configured.
func New(ctx context.Context, cfg Config, l3 *L3) *Cache {
	cfg = cfg.resolved()
	return &Cache{cfg: cfg, l2: NewL2(ctx, 100), l3: l3}
}

func (c *Cache) ringFor(stream string) *Ring {
	if v, ok := c.rings.Load(stream); ok {
		return v.(*Ring)
	}
	r := NewRing(c.cfg.L1Capacity)
	actual, _ := c.rings.LoadOrStore(stream, r)
	return actual.(*Ring)
}

// Pop returns up to k ids for stream, trying L1 first, then L2, then L3,
// backfilling each missed level with whatever the lower level returned.
// refill is invoked when L1 drops to its low watermark, to ask the
// caller (typically the Segment algorithm) to top up the ring from the
// counter store; it is not itself a cache level.
func (c *Cache) Pop(ctx context.Context, stream string, k int, refill func(need int) []uint64) []uint64 {
	ring := c.ringFor(stream)

	out := make([]uint64, 0, k)
	for len(out) < k {
		id, ok := ring.Pop()
		if !ok {
			break
		}
		out = append(out, id)
	}
	if len(out) > 0 {
		c.metrics.L1Hits.Add(uint64(len(out)))
	}
	if ring.Watermark(c.cfg.L1HighWatermark, c.cfg.L1LowWatermark) == WatermarkLow {
		if c.triggerRefill(ctx, stream, ring, refill) {
			for len(out) < k {
				id, ok := ring.Pop()
				if !ok {
					break
				}
				out = append(out, id)
				c.metrics.L1Hits.Add(1)
			}
		}
	}
	if len(out) >= k {
		return out
	}
	c.metrics.L1Misses.Add(1)

	need := k - len(out)
	fromL2 := c.l2.Consume(ctx, stream, need)
	if len(fromL2) > 0 {
		c.metrics.L2Hits.Add(uint64(len(fromL2)))
		out = append(out, fromL2...)
	} else {
		c.metrics.L2Misses.Add(1)
	}
	if len(out) >= k || c.l3 == nil {
		return out
	}

	ids, hit, err := c.l3.Get(ctx, stream)
	if err == nil && hit {
		c.metrics.L3Hits.Add(1)
		take := k - len(out)
		if take > len(ids) {
			take = len(ids)
		}
		out = append(out, ids[:take]...)
		remainder := ids[take:]
		if len(remainder) > 0 {
			ring.PushBatch(remainder)
		}
	} else {
		c.metrics.L3Misses.Add(1)
	}
	return out
}

// triggerRefill asks refill for enough ids to top up ring to capacity,
// pushing what it returns into L1 and seeding L2/L3 with the same batch.
// Reports whether it actually added anything, so the caller knows whether
// a fresh ring.Pop() attempt is worthwhile.
func (c *Cache) triggerRefill(ctx context.Context, stream string, ring *Ring, refill func(need int) []uint64) bool {
	if refill == nil {
		return false
	}
	need := ring.Capacity() - ring.Len()
	if need <= 0 {
		return false
	}
	c.metrics.Refills.Add(1)
	ids := refill(need)
	if len(ids) == 0 {
		return false
	}
	ring.PushBatch(ids)
	c.l2.Produce(ctx, stream, ids)
	if c.l3 != nil {
		_ = c.l3.Set(ctx, stream, ids)
	}
	return true
}

// Metrics returns the cache's hit/miss/refill counters.
func (c *Cache) Metrics() *Metrics {
	return &c.metrics
}

// Shutdown stops the L2 goroutine pair; the caller must have already
// canceled the context passed to New.
func (c *Cache) Shutdown() {
	c.l2.Shutdown()
}
