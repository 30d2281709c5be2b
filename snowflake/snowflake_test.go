package snowflake

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testLayout keeps SequenceBits small (64 ids per millisecond) so that a
// batch of a few hundred ids forces sequence rollovers within a test's
// wall-clock budget, while still satisfying BitLayout.Validate's ranges.
func testLayout() BitLayout {
	return BitLayout{TimestampBits: 42, WorkerBits: 15, SequenceBits: 6, TimeUnit: time.Millisecond}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		WorkerID:         100,
		Epoch:            Epoch,
		MaxClockBackward: 50 * time.Millisecond,
		EnableMetrics:    true,
		Layout:           testLayout(),
	}
}

func TestNewWithConfigRejectsInvalidLayout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Layout.SequenceBits = 3 // breaks the 63-bit total
	if _, err := NewWithConfig(cfg); !errors.Is(err, ErrInvalidBitLayout) {
		t.Fatalf("NewWithConfig() error = %v, want ErrInvalidBitLayout", err)
	}
}

func TestNewWithConfigRejectsWorkerIDOutOfRange(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerID = 1 << 20
	var configErr *ConfigError
	_, err := NewWithConfig(cfg)
	if !errors.As(err, &configErr) {
		t.Fatalf("NewWithConfig() error = %v, want *ConfigError", err)
	}
}

func TestNewWithConfigRejectsNonPositiveEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epoch = 0
	if _, err := NewWithConfig(cfg); err == nil {
		t.Fatal("expected an error for a zero epoch")
	}
}

func TestNewWithConfigRejectsNegativeMaxClockBackward(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxClockBackward = -1
	if _, err := NewWithConfig(cfg); err == nil {
		t.Fatal("expected an error for a negative MaxClockBackward")
	}
}

func TestGenerateIDWithContextProducesIncreasingIds(t *testing.T) {
	gen, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	var prev int64
	for i := 0; i < 20; i++ {
		id, err := gen.GenerateIDWithContext(context.Background())
		if err != nil {
			t.Fatalf("GenerateIDWithContext() error = %v", err)
		}
		if id.Int64() <= prev {
			t.Fatalf("id %d did not increase over previous id %d", id.Int64(), prev)
		}
		prev = id.Int64()
	}
}

// TestGenerateIDWithContextPacksWorkerIDIntoLayoutPosition is the packing
// round-trip check: unpacking a generated id by hand, using the layout's
// own shifts, must recover the worker id the generator was configured
// with and a sequence value within range.
func TestGenerateIDWithContextPacksWorkerIDIntoLayoutPosition(t *testing.T) {
	cfg := testConfig(t)
	gen, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	id, err := gen.GenerateIDWithContext(context.Background())
	if err != nil {
		t.Fatalf("GenerateIDWithContext() error = %v", err)
	}

	_, workerShift, maxWorker, maxSequence := cfg.Layout.CalculateShifts()

	gotWorker := (id.Int64() >> workerShift) & maxWorker
	if gotWorker != cfg.WorkerID {
		t.Errorf("unpacked worker id = %d, want %d", gotWorker, cfg.WorkerID)
	}

	gotSeq := id.Int64() & maxSequence
	if gotSeq < 0 || gotSeq > maxSequence {
		t.Errorf("unpacked sequence %d out of range [0, %d]", gotSeq, maxSequence)
	}
}

// TestGenerateBatchRotatesSequenceAcrossMillisecondBoundaries drives enough
// ids through a layout with only 6 sequence bits (64 per millisecond) that
// GenerateBatch must roll the sequence counter over into a new millisecond
// at least once, and the resulting ids must still be strictly increasing
// and unique.
func TestGenerateBatchRotatesSequenceAcrossMillisecondBoundaries(t *testing.T) {
	gen, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	const n = 200 // > 64 per ms, forces multiple sequence rotations
	ids, err := gen.GenerateBatch(context.Background(), n)
	if err != nil {
		t.Fatalf("GenerateBatch() error = %v", err)
	}
	if len(ids) != n {
		t.Fatalf("GenerateBatch() returned %d ids, want %d", len(ids), n)
	}

	seen := make(map[int64]bool, n)
	for i, id := range ids {
		if seen[id.Int64()] {
			t.Fatalf("GenerateBatch() produced a duplicate id at index %d: %d", i, id.Int64())
		}
		seen[id.Int64()] = true
		if i > 0 && id.Int64() <= ids[i-1].Int64() {
			t.Fatalf("id at index %d (%d) did not increase over previous id %d", i, id.Int64(), ids[i-1].Int64())
		}
	}
}

// TestGenerateIDWithContextRecoversFromClockDriftWithinTolerance simulates
// the clock appearing to move backward by an amount within
// MaxClockBackward: the generator must wait it out and still return a
// valid id rather than erroring, and must record the drift.
func TestGenerateIDWithContextRecoversFromClockDriftWithinTolerance(t *testing.T) {
	gen, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	gen.mu.Lock()
	gen.lastTimestamp = gen.currentTimestamp() + 2 // 2ms "ahead", within the 50ms tolerance
	gen.mu.Unlock()

	before := gen.ClockDriftObserved()
	if _, err := gen.GenerateIDWithContext(context.Background()); err != nil {
		t.Fatalf("GenerateIDWithContext() error = %v, want recovery within tolerance", err)
	}
	if gen.ClockDriftObserved() <= before {
		t.Error("ClockDriftObserved() did not increase after a backward clock reading")
	}
}

// TestGenerateIDWithContextFailsOnClockDriftExceedingTolerance simulates a
// backward jump larger than MaxClockBackward: the generator must return a
// *ClockError rather than waiting indefinitely.
func TestGenerateIDWithContextFailsOnClockDriftExceedingTolerance(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxClockBackward = 1 * time.Millisecond
	gen, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	gen.mu.Lock()
	gen.lastTimestamp = gen.currentTimestamp() + 500 // far beyond the 1ms tolerance
	gen.mu.Unlock()

	_, err = gen.GenerateIDWithContext(context.Background())
	var clockErr *ClockError
	if !errors.As(err, &clockErr) {
		t.Fatalf("GenerateIDWithContext() error = %v, want *ClockError", err)
	}
	if clockErr.WorkerID != cfg.WorkerID {
		t.Errorf("ClockError.WorkerID = %d, want %d", clockErr.WorkerID, cfg.WorkerID)
	}
}

func TestGenerateIDWithContextRespectsContextCancellation(t *testing.T) {
	gen, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gen.GenerateIDWithContext(ctx); !errors.Is(err, ErrContextCanceled) {
		t.Fatalf("GenerateIDWithContext() error = %v, want ErrContextCanceled", err)
	}
}

func TestGenerateBatchReturnsEmptySliceForNonPositiveCount(t *testing.T) {
	gen, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	ids, err := gen.GenerateBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("GenerateBatch(0) error = %v, want nil", err)
	}
	if len(ids) != 0 {
		t.Errorf("GenerateBatch(0) returned %d ids, want 0", len(ids))
	}
}
