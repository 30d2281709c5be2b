package snowflake

import (
	"context"
	"time"

	"github.com/nebulaid/idengine/algorithm"
	"github.com/nebulaid/idengine/errs"
)

// EngineConfig is the Snowflake dimension of the configuration surface:
// separate datacenter and worker ID bit widths, the way the original
// design partitions the node identity into a datacenter id and a worker
// id rather than a single flat worker field. The generator underneath
// still only knows about one combined "worker" namespace (WorkerBits =
// DatacenterIDBits + WorkerIDBits); the combined value is computed once
// here and handed to NewWithConfig so the existing BitLayout machinery
// and its 63-bit invariant are reused unchanged.
type EngineConfig struct {
	DatacenterID          int64
	WorkerID              int64
	DatacenterIDBits      int
	WorkerIDBits          int
	SequenceBits          int
	ClockDriftThresholdMs int64
}

// Engine adapts a Generator to the algorithm.Handle contract the router
// expects, translating the generator's ClockError/OverflowError into the
// engine-wide typed errors in package errs.
type Engine struct {
	gen        *Generator
	datacenter int64
	worker     int64
}

// NewEngine builds the combined-worker-namespace layout from cfg and
// constructs the underlying Generator.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	layout := BitLayout{
		TimestampBits: 63 - cfg.DatacenterIDBits - cfg.WorkerIDBits - cfg.SequenceBits,
		WorkerBits:    cfg.DatacenterIDBits + cfg.WorkerIDBits,
		SequenceBits:  cfg.SequenceBits,
		TimeUnit:      time.Millisecond,
	}

	combinedWorker := (cfg.DatacenterID << uint(cfg.WorkerIDBits)) | cfg.WorkerID

	genCfg := Config{
		WorkerID:         combinedWorker,
		Epoch:            Epoch,
		MaxClockBackward: time.Duration(cfg.ClockDriftThresholdMs) * time.Millisecond,
		EnableMetrics:    true,
		Layout:           layout,
	}

	gen, err := NewWithConfig(genCfg)
	if err != nil {
		return nil, errs.NewInvalidInputError("snowflake_layout", "", err.Error())
	}

	return &Engine{gen: gen, datacenter: cfg.DatacenterID, worker: cfg.WorkerID}, nil
}

func (*Engine) Kind() algorithm.Kind { return algorithm.Snowflake }

func (e *Engine) Generate(ctx context.Context, _ algorithm.Context) (algorithm.Id, error) {
	id, err := e.gen.GenerateIDWithContext(ctx)
	if err != nil {
		return algorithm.Id{}, e.translateErr(err)
	}
	return algorithm.FromInt64(id.Int64()), nil
}

func (e *Engine) BatchGenerate(ctx context.Context, _ algorithm.Context, n int) (algorithm.IdBatch, error) {
	if n <= 0 || n > algorithm.MaxBatchSize {
		return algorithm.IdBatch{}, errs.NewInvalidInputError("n", "", "must be in [1, 1000]")
	}
	ids, err := e.gen.GenerateBatch(ctx, n)
	if err != nil && len(ids) == 0 {
		return algorithm.IdBatch{}, e.translateErr(err)
	}
	out := make([]algorithm.Id, len(ids))
	for i, id := range ids {
		out[i] = algorithm.FromInt64(id.Int64())
	}
	return algorithm.IdBatch{Ids: out, Kind: algorithm.Snowflake}, nil
}

// Healthy always reports true: the generator keeps no health state, the
// degradation manager tracks the consecutive-failure streak independently,
// and the router relies on Generate's error return for health feedback.
func (e *Engine) Healthy() bool { return true }

func (e *Engine) Shutdown(context.Context) error { return nil }

func (e *Engine) translateErr(err error) error {
	if clockErr, ok := GetClockError(err); ok {
		return errs.NewClockMovedBackwardError(clockErr.LastTimestamp, clockErr.WorkerID, clockErr.DriftMilliseconds)
	}
	if overflowErr, ok := GetOverflowError(err); ok && overflowErr.Type == SequenceOverflowType {
		return errs.NewSequenceOverflowError(overflowErr.Timestamp, overflowErr.WorkerID)
	}
	return errs.NewStoreUnavailableError("snowflake", err)
}
