// Package worker assigns each process a worker_id in [0, 255] for the
// lifetime of the process, leasing it from a coordination store and
// renewing the lease on a derived interval — fixing a bug in the system
// this engine replaces, where the renewal interval was hardcoded to ten
// seconds regardless of the configured lease TTL.
package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nebulaid/idengine/errs"
	"github.com/nebulaid/idengine/store/coordstore"
)

// Allocator assigns and holds a worker_id for the process lifetime.
type Allocator interface {
	// WorkerID returns the claimed id; valid only after Claim succeeds.
	WorkerID() int64
	// Healthy reports whether the last renewal succeeded within the TTL
	// window.
	Healthy() bool
	// Release gives up the lease; idempotent.
	Release(ctx context.Context) error
}

const maxWorkerID = 255

// leaseStore is the subset of coordstore.CoordinationStore (or its
// HealthMonitor wrapper) the allocator needs.
type leaseStore interface {
	TryClaim(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// RedisAllocator claims a worker_id by scanning [0, 255] ascending for the
// first free lease slot, exactly as the teacher's own Redis worker
// coordinator example does over SetNX.
type RedisAllocator struct {
	store        leaseStore
	datacenterID int64
	ttl          time.Duration

	workerID int64
	key      string

	lastRenewal atomic.Int64 // unix nanos

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Claim scans worker_id in [0, maxWorkerID] and claims the first free
// slot, then starts the background renewal loop at the derived interval
// floor(ttl/3).
func Claim(ctx context.Context, store leaseStore, datacenterID int64, ttl time.Duration) (*RedisAllocator, error) {
	value := fmt.Sprintf("dc=%d,pid=%d,ts=%d", datacenterID, os.Getpid(), time.Now().Unix())

	for id := int64(0); id <= maxWorkerID; id++ {
		key := coordstore.KeyFor(datacenterID, id)
		ok, err := store.TryClaim(ctx, key, value, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			a := &RedisAllocator{
				store:        store,
				datacenterID: datacenterID,
				ttl:          ttl,
				workerID:     id,
				key:          key,
				stopCh:       make(chan struct{}),
			}
			a.lastRenewal.Store(time.Now().UnixNano())
			a.startRenewalLoop()
			return a, nil
		}
	}
	return nil, errs.NewInvalidInputError("worker_id", strconv.FormatInt(maxWorkerID, 10),
		"no available worker_id: all 256 slots are leased for datacenter "+strconv.FormatInt(datacenterID, 10))
}

func (a *RedisAllocator) startRenewalLoop() {
	interval := a.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := a.store.Renew(ctx, a.key, a.ttl)
				cancel()
				if err == nil {
					a.lastRenewal.Store(time.Now().UnixNano())
				}
			case <-a.stopCh:
				return
			}
		}
	}()
}

func (a *RedisAllocator) WorkerID() int64 { return a.workerID }

// Healthy reports whether the last successful renewal was within the TTL
// window; a stale renewal means the lease may already have expired on the
// store side even though this process still believes it owns workerID.
func (a *RedisAllocator) Healthy() bool {
	last := time.Unix(0, a.lastRenewal.Load())
	return time.Since(last) < a.ttl
}

// Release deletes the lease key and stops the renewal loop.
func (a *RedisAllocator) Release(ctx context.Context) error {
	select {
	case <-a.stopCh:
		return nil
	default:
		close(a.stopCh)
	}
	a.wg.Wait()
	return a.store.Release(ctx, a.key)
}
