// layout.go describes how the 63 usable bits of a packed id are split
// between timestamp, combined datacenter+worker namespace, and sequence.

package snowflake

import (
	"errors"
	"fmt"
	"time"
)

// BitLayout controls the width of each field packed into a generated id.
// Engine folds its DatacenterIDBits and WorkerIDBits into a single
// WorkerBits field before building one of these; the rest of the package
// only ever deals with the combined namespace.
type BitLayout struct {
	TimestampBits int
	WorkerBits    int
	SequenceBits  int
	TimeUnit      time.Duration
}

var (
	ErrInvalidBitLayout       = errors.New("invalid bit layout")
	ErrLayoutWorkerIDTooLarge = errors.New("worker ID too large for layout")
)

// Validate checks that the layout sums to the 63 usable bits of a positive
// int64 and that each field stays within a range that leaves the id
// usefully sortable and the worker namespace usefully sized.
func (l BitLayout) Validate() error {
	if l.TimestampBits < 0 {
		return fmt.Errorf("%w: timestamp bits cannot be negative (%d)", ErrInvalidBitLayout, l.TimestampBits)
	}
	if l.WorkerBits < 0 {
		return fmt.Errorf("%w: worker bits cannot be negative (%d)", ErrInvalidBitLayout, l.WorkerBits)
	}
	if l.SequenceBits < 0 {
		return fmt.Errorf("%w: sequence bits cannot be negative (%d)", ErrInvalidBitLayout, l.SequenceBits)
	}

	totalBits := l.TimestampBits + l.WorkerBits + l.SequenceBits
	if totalBits != 63 {
		return fmt.Errorf("%w: total bits must equal 63, got %d (%d+%d+%d)",
			ErrInvalidBitLayout, totalBits, l.TimestampBits, l.WorkerBits, l.SequenceBits)
	}

	if l.TimestampBits < 38 || l.TimestampBits > 42 {
		return fmt.Errorf("%w: timestamp bits should be 38-42 for reasonable lifespan, got %d",
			ErrInvalidBitLayout, l.TimestampBits)
	}
	if l.WorkerBits < 8 || l.WorkerBits > 18 {
		return fmt.Errorf("%w: worker bits (datacenter+worker combined) should be 8-18, got %d",
			ErrInvalidBitLayout, l.WorkerBits)
	}
	if l.SequenceBits < 6 || l.SequenceBits > 14 {
		return fmt.Errorf("%w: sequence bits should be 6-14 for reasonable throughput, got %d",
			ErrInvalidBitLayout, l.SequenceBits)
	}

	if l.TimeUnit <= 0 {
		return fmt.Errorf("%w: time unit must be positive, got %v", ErrInvalidBitLayout, l.TimeUnit)
	}

	return nil
}

// CalculateShifts returns the pre-calculated bit shift values for this
// layout, cached by the generator at construction time.
func (l BitLayout) CalculateShifts() (timestampShift, workerShift int, maxWorker, maxSequence int64) {
	workerShift = l.SequenceBits
	timestampShift = l.SequenceBits + l.WorkerBits
	maxWorker = (1 << l.WorkerBits) - 1
	maxSequence = (1 << l.SequenceBits) - 1
	return
}

// ValidateWorkerID checks that the combined datacenter+worker value fits
// the layout's WorkerBits.
func (l BitLayout) ValidateWorkerID(workerID int64) error {
	_, _, maxWorker, _ := l.CalculateShifts()
	if workerID < 0 || workerID > maxWorker {
		return fmt.Errorf("%w: worker ID %d exceeds layout maximum %d (%d bits)",
			ErrLayoutWorkerIDTooLarge, workerID, maxWorker, l.WorkerBits)
	}
	return nil
}

// TimeUnitShift returns the bitshift amount for converting milliseconds to
// time units: a non-negative right-shift for power-of-2 units (1ms, 2ms,
// 4ms, ...), or -1 to fall back to division for anything else.
func (l BitLayout) TimeUnitShift() int8 {
	return calculateTimeUnitShift(l.TimeUnit)
}

func calculateTimeUnitShift(timeUnit time.Duration) int8 {
	ms := timeUnit.Milliseconds()
	if ms <= 0 || !isPowerOfTwo(ms) {
		return -1
	}
	shift := int8(0)
	for ms > 1 {
		ms >>= 1
		shift++
	}
	return shift
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}
