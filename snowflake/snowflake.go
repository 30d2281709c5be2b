// Package snowflake implements the datacenter/worker/sequence id packer
// described for the Snowflake algorithm: a 63-bit value built from a
// millisecond timestamp since a fixed epoch, a combined datacenter+worker
// namespace, and a per-millisecond sequence counter. Engine (engine.go)
// adapts this package to the algorithm.Handle contract the router uses;
// everything in this file operates on raw int64 packed values and knows
// nothing about the rest of the engine.
//
// # Clock handling
//
// The generator uses a monotonic time.Since() reference rather than wall
// clock reads, so it is unaffected by NTP adjustments once running. A
// clock that appears to move backward by less than MaxClockBackward is
// waited out; anything larger is reported as a ClockError, since
// continuing would risk handing out an id that collides with one already
// issued for a later timestamp.
package snowflake

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Epoch is the custom epoch (2024-01-01T00:00:00Z) in milliseconds. A
// recent epoch maximizes how many years of timestamp bits the configured
// layout can represent before overflowing.
const Epoch int64 = 1704067200000

var (
	ErrClockMovedBack  = errors.New("clock moved backwards")
	ErrContextCanceled = errors.New("context canceled")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// Config holds the parameters Engine derives from EngineConfig (engine.go)
// before constructing a Generator.
type Config struct {
	// WorkerID is the combined datacenter+worker value already folded into
	// a single namespace by Engine.
	WorkerID int64

	Epoch int64

	// MaxClockBackward is the maximum tolerable clock drift; past this,
	// Generate returns a ClockError instead of waiting it out.
	MaxClockBackward time.Duration

	// EnableMetrics is accepted for forward compatibility with callers
	// that gate metrics collection; the clock-drift counter the
	// generator keeps is always live regardless of this flag.
	EnableMetrics bool

	Layout BitLayout
}

// Validate checks the configuration, defaulting nothing: Engine always
// supplies an explicit Layout sized from EngineConfig's bit widths.
func (c *Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return err
	}

	if err := c.Layout.ValidateWorkerID(c.WorkerID); err != nil {
		_, _, maxWorker, _ := c.Layout.CalculateShifts()
		return newConfigError(
			"WorkerID",
			fmt.Sprintf("%d", c.WorkerID),
			"out of valid range for layout",
			fmt.Sprintf("must be between 0 and %d (%d bits)", maxWorker, c.Layout.WorkerBits),
		)
	}

	if c.Epoch <= 0 {
		return newConfigError("Epoch", fmt.Sprintf("%d", c.Epoch), "must be positive",
			"epoch timestamp in milliseconds must be > 0")
	}
	if c.MaxClockBackward < 0 {
		return newConfigError("MaxClockBackward", c.MaxClockBackward.String(), "must be non-negative",
			"duration must be >= 0")
	}
	return nil
}

// Generator packs ids for a single datacenter+worker namespace. Safe for
// concurrent use; the lock is held only for the duration of id packing.
type Generator struct {
	mu               sync.Mutex
	epoch            time.Time // monotonic clock reference captured at construction
	customEpoch      int64     // Config.Epoch converted to the layout's time unit
	workerID         int64
	sequence         int64
	lastTimestamp    int64
	maxClockBackward time.Duration

	timestampShift int
	workerShift    int
	maxWorker      int64
	maxSequence    int64
	timeUnit       time.Duration
	timeUnitShift  int8

	// clockDriftObserved counts every time the monotonic clock read comes
	// back below lastTimestamp, whether or not it was recovered by
	// waiting — the clock_drift_observed counter the packing algorithm is
	// specified to keep.
	clockDriftObserved atomic.Int64
}

// NewWithConfig validates cfg and pre-calculates the layout's bit shifts
// once, so generateInt64WithContext does zero per-call layout math.
func NewWithConfig(cfg Config) (*Generator, error) {
	if err := (&cfg).Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	timestampShift, workerShift, maxWorker, maxSequence := cfg.Layout.CalculateShifts()
	timeUnitShift := cfg.Layout.TimeUnitShift()
	customEpochInTimeUnits := cfg.Epoch / cfg.Layout.TimeUnit.Milliseconds()

	return &Generator{
		epoch:            now,
		customEpoch:      customEpochInTimeUnits,
		workerID:         cfg.WorkerID,
		maxClockBackward: cfg.MaxClockBackward,
		timestampShift:   timestampShift,
		workerShift:      workerShift,
		maxWorker:        maxWorker,
		maxSequence:      maxSequence,
		timeUnit:         cfg.Layout.TimeUnit,
		timeUnitShift:    timeUnitShift,
	}, nil
}

// ClockDriftObserved returns the number of times the monotonic clock read
// has come back behind lastTimestamp, recovered or not.
func (g *Generator) ClockDriftObserved() int64 {
	return g.clockDriftObserved.Load()
}

// GenerateIDWithContext packs a single id, waiting out small clock drift
// or sequence exhaustion as needed; ctx cancellation aborts either wait.
func (g *Generator) GenerateIDWithContext(ctx context.Context) (ID, error) {
	id, err := g.generateInt64WithContext(ctx)
	return ID(id), err
}

func (g *Generator) generateInt64WithContext(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-ctx.Done():
		return 0, ErrContextCanceled
	default:
	}

	return g.nextLocked(ctx)
}

// nextLocked implements the packing algorithm: resolve clock drift,
// advance or reset the sequence, then pack
// (timestamp << timestampShift) | (workerID << workerShift) | sequence.
// Callers must hold g.mu.
func (g *Generator) nextLocked(ctx context.Context) (int64, error) {
	timestamp := g.currentTimestamp()

	if timestamp < g.lastTimestamp {
		g.clockDriftObserved.Add(1)

		diff := g.lastTimestamp - timestamp
		toleranceInTimeUnits := g.maxClockBackward.Milliseconds() / g.timeUnit.Milliseconds()

		if diff <= toleranceInTimeUnits {
			sleepDuration := time.Duration(diff) * g.timeUnit
			select {
			case <-time.After(sleepDuration):
				timestamp = g.currentTimestamp()
			case <-ctx.Done():
				return 0, ErrContextCanceled
			}
		}

		if timestamp < g.lastTimestamp {
			return 0, newClockError(timestamp, g.lastTimestamp, g.maxClockBackward.Milliseconds(), g.workerID, false)
		}
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & g.maxSequence
		if g.sequence == 0 {
			var err error
			timestamp, err = g.waitNextMillisWithContext(ctx, timestamp)
			if err != nil {
				// Leave the sequence exhausted so the next call at this
				// timestamp waits again instead of reusing a sequence.
				g.sequence = g.maxSequence
				return 0, err
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	id := ((timestamp - g.customEpoch) << g.timestampShift) |
		(g.workerID << g.workerShift) |
		g.sequence

	return id, nil
}

// GenerateBatch packs count ids under a single mutex acquisition, reusing
// the same per-id algorithm as GenerateIDWithContext so a custom Layout
// (as Engine always supplies) is honored identically in both paths.
func (g *Generator) GenerateBatch(ctx context.Context, count int) ([]ID, error) {
	if count <= 0 {
		return []ID{}, nil
	}

	ids := make([]ID, 0, count)

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < count; i++ {
		if i%100 == 0 {
			select {
			case <-ctx.Done():
				return ids, ErrContextCanceled
			default:
			}
		}

		id, err := g.nextLocked(ctx)
		if err != nil {
			return ids, err
		}
		ids = append(ids, ID(id))
	}

	return ids, nil
}

// currentTimestamp returns the current time in the layout's time unit,
// using a monotonic clock reference so NTP adjustments and leap seconds
// never make it appear to run backward on their own.
func (g *Generator) currentTimestamp() int64 {
	currentTime := g.epoch.Add(time.Since(g.epoch))
	currentMillis := currentTime.UnixMilli()

	if g.timeUnitShift >= 0 {
		return currentMillis >> g.timeUnitShift
	}
	return currentMillis / g.timeUnit.Milliseconds()
}

// waitNextMillisWithContext blocks until the clock advances past
// lastTimestamp, sleeping for most of the wait and busy-waiting with
// runtime.Gosched() for the final stretch to get sub-millisecond
// precision without hogging a core.
func (g *Generator) waitNextMillisWithContext(ctx context.Context, currentTime int64) (int64, error) {
	nextTimeUnit := g.lastTimestamp + 1
	timeToWait := nextTimeUnit - currentTime

	if timeToWait > 0 {
		sleepDuration := time.Duration(timeToWait) * g.timeUnit
		if sleepDuration > 100*time.Microsecond {
			select {
			case <-time.After(sleepDuration - 50*time.Microsecond):
			case <-ctx.Done():
				return 0, ErrContextCanceled
			}
		}
	}

	for {
		now := g.currentTimestamp()
		if now > g.lastTimestamp {
			return now, nil
		}
		runtime.Gosched()
	}
}
