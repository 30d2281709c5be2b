// Package segment implements the Segment algorithm: a double-buffered,
// atomically-consumed ID range per stream, refilled asynchronously from a
// durable counter store.
package segment

import "context"

// RangeInfo is the point-read result of GetRange, used for diagnostics.
type RangeInfo struct {
	CurrentID int64
	MaxID     int64
	Step      int64
	Delta     int64
}

// CounterStore is the external collaborator the Segment algorithm calls
// to obtain fresh ranges. Any strongly-consistent durable store
// satisfying these two operations is acceptable; the engine ships a
// SQLite-backed implementation in store/counterstore.
type CounterStore interface {
	// AllocateRange atomically advances the persisted current_id for
	// (workspace, bizTag) by step and returns the pre-advance value as
	// startID and the post-advance value as maxID, so the returned
	// range is the half-open [startID, maxID).
	AllocateRange(ctx context.Context, workspace, bizTag string, step int64) (startID, maxID int64, err error)

	// GetRange is a point read used for diagnostics; it does not mutate
	// the persisted counter.
	GetRange(ctx context.Context, workspace, bizTag string) (*RangeInfo, error)
}
