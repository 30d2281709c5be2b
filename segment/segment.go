package segment

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nebulaid/idengine/algorithm"
	"github.com/nebulaid/idengine/errs"
)

// segmentRange is a half-open ID range [startID, maxID) with an atomic
// cursor. Reservation is CAS-guarded: tryConsume either advances
// currentID by exactly k or leaves it untouched.
type segmentRange struct {
	startID   int64
	currentID atomic.Int64
	maxID     int64
	step      int64
}

func newSegmentRange(start, max, step int64) *segmentRange {
	r := &segmentRange{startID: start, maxID: max, step: step}
	r.currentID.Store(start)
	return r
}

// placeholderRange forces the first consumer on a stream to perform a
// synchronous load rather than hand out IDs from an empty range.
func placeholderRange() *segmentRange {
	return newSegmentRange(0, 0, 0)
}

func (r *segmentRange) total() int64 {
	return r.maxID - r.startID
}

func (r *segmentRange) remaining() int64 {
	return r.maxID - r.currentID.Load()
}

// needSwitch reports whether a refill of the next buffer should begin:
// either this range has never been loaded (total == 0, the placeholder
// case) or its remaining fraction has dropped below threshold.
func (r *segmentRange) needSwitch(threshold float64) bool {
	total := r.total()
	if total == 0 {
		return true
	}
	return float64(r.remaining())/float64(total) < threshold
}

// tryConsume reserves k contiguous IDs, returning the start of the
// reserved range and true on success, or false if the range cannot fit k
// more IDs without exceeding maxID.
func (r *segmentRange) tryConsume(k int64) (int64, bool) {
	for {
		c := r.currentID.Load()
		if c+k > r.maxID {
			return 0, false
		}
		if r.currentID.CompareAndSwap(c, c+k) {
			return c, true
		}
	}
}

// streamState is the per-(workspace,bizTag) double buffer plus the
// bookkeeping needed for adaptive step sizing.
type streamState struct {
	mu      sync.Mutex
	current *segmentRange
	next    *segmentRange

	loaderInFlight atomic.Bool

	step          atomic.Int64
	requestCount  atomic.Int64
	windowStartMs atomic.Int64
	syncLoads     atomic.Int64
	discarded     atomic.Int64
}

func newStreamState(baseStep int64) *streamState {
	s := &streamState{current: placeholderRange()}
	s.step.Store(baseStep)
	s.windowStartMs.Store(time.Now().UnixMilli())
	return s
}

// Config carries the Segment algorithm's tunables.
type Config struct {
	BaseStep        int64
	MinStep         int64
	MaxStep         int64
	SwitchThreshold float64
	// StepWindow is how often the adaptive step recalculates; defaults
	// to one second if zero.
	StepWindow time.Duration
}

func (c Config) resolved() Config {
	if c.StepWindow <= 0 {
		c.StepWindow = time.Second
	}
	if c.SwitchThreshold <= 0 {
		c.SwitchThreshold = 0.1
	}
	return c
}

// Algorithm implements algorithm.Handle for the Segment strategy.
type Algorithm struct {
	cfg    Config
	store  CounterStore
	logger *slog.Logger

	streams sync.Map // string -> *streamState
}

// New constructs a Segment algorithm.Handle backed by store.
func New(cfg Config, store CounterStore, logger *slog.Logger) *Algorithm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Algorithm{cfg: cfg.resolved(), store: store, logger: logger}
}

func (*Algorithm) Kind() algorithm.Kind { return algorithm.Segment }

func (a *Algorithm) Healthy() bool { return true }

func (a *Algorithm) Shutdown(context.Context) error { return nil }

func (a *Algorithm) streamFor(key string) *streamState {
	if v, ok := a.streams.Load(key); ok {
		return v.(*streamState)
	}
	st := newStreamState(a.cfg.BaseStep)
	actual, _ := a.streams.LoadOrStore(key, st)
	return actual.(*streamState)
}

// Generate reserves a single ID, swapping to the prefetched buffer or
// synchronously loading a fresh range when the current one is exhausted.
// Per the design, a request retries the swap/load path up to three times
// before giving up with SegmentExhaustedError so the router can fall back.
func (a *Algorithm) Generate(ctx context.Context, gctx algorithm.Context) (algorithm.Id, error) {
	start, _, err := a.reserve(ctx, gctx, 1)
	if err != nil {
		return algorithm.Id{}, err
	}
	return algorithm.FromInt64(start), nil
}

// BatchGenerate attempts to reserve a contiguous sub-range of length n
// from the current segment; if it does not fit, it falls back to
// per-ID generation, which may cross segment boundaries and therefore
// need not be contiguous.
func (a *Algorithm) BatchGenerate(ctx context.Context, gctx algorithm.Context, n int) (algorithm.IdBatch, error) {
	if n <= 0 || n > algorithm.MaxBatchSize {
		return algorithm.IdBatch{}, errs.NewInvalidInputError("n", strconv.Itoa(n), "must be in [1, 1000]")
	}

	if start, ok, err := a.tryReserveContiguous(gctx, int64(n)); err != nil {
		return algorithm.IdBatch{}, err
	} else if ok {
		ids := make([]algorithm.Id, n)
		for i := 0; i < n; i++ {
			ids[i] = algorithm.FromInt64(start + int64(i))
		}
		return algorithm.IdBatch{Ids: ids, Kind: algorithm.Segment}, nil
	}

	ids := make([]algorithm.Id, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.Generate(ctx, gctx)
		if err != nil {
			if len(ids) > 0 {
				return algorithm.IdBatch{Ids: ids, Kind: algorithm.Segment}, nil
			}
			return algorithm.IdBatch{}, err
		}
		ids = append(ids, id)
	}
	return algorithm.IdBatch{Ids: ids, Kind: algorithm.Segment}, nil
}

// tryReserveContiguous attempts the fast path, consuming n from the
// current buffer without ever crossing to next or the store.
func (a *Algorithm) tryReserveContiguous(gctx algorithm.Context, n int64) (int64, bool, error) {
	st := a.streamFor(gctx.StreamKey())
	st.mu.Lock()
	cur := st.current
	st.mu.Unlock()
	start, ok := cur.tryConsume(n)
	if ok {
		st.requestCount.Add(n)
		a.maybeRefill(gctx, st)
		a.maybeRetune(st)
	}
	return start, ok, nil
}

// reserve is the single-ID reservation path with swap/synchronous-load
// recovery, shared by Generate.
func (a *Algorithm) reserve(ctx context.Context, gctx algorithm.Context, n int64) (int64, int64, error) {
	st := a.streamFor(gctx.StreamKey())

	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		st.mu.Lock()
		cur := st.current
		st.mu.Unlock()

		if start, ok := cur.tryConsume(n); ok {
			st.requestCount.Add(n)
			a.maybeRefill(gctx, st)
			a.maybeRetune(st)
			return start, start + n, nil
		}

		if err := a.swapOrLoad(ctx, gctx, st); err != nil {
			return 0, 0, err
		}
	}
	return 0, 0, errs.NewSegmentExhaustedError(gctx.StreamKey(), st.current.maxID)
}

// swapOrLoad installs next into current if present (a no-op swap never
// happens here: this is only called once current is exhausted), or
// performs a synchronous load and installs the result directly.
func (a *Algorithm) swapOrLoad(ctx context.Context, gctx algorithm.Context, st *streamState) error {
	st.mu.Lock()
	if st.next != nil {
		total := st.current.total()
		if total > 0 && st.current.remaining() > 0 {
			discardedFrac := float64(st.current.remaining()) / float64(total)
			if discardedFrac > 0.5 {
				st.discarded.Add(1)
			}
		}
		st.current = st.next
		st.next = nil
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	st.syncLoads.Add(1)
	start, max, err := a.load(ctx, gctx, st.step.Load())
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.current = newSegmentRange(start, max, max-start)
	st.mu.Unlock()
	return nil
}

func (a *Algorithm) load(ctx context.Context, gctx algorithm.Context, step int64) (int64, int64, error) {
	start, max, err := a.store.AllocateRange(ctx, gctx.WorkspaceID, gctx.BizTag, step)
	if err != nil {
		return 0, 0, errs.NewStoreUnavailableError("counter_store", err)
	}
	return start, max, nil
}

// maybeRefill starts an asynchronous load of the next buffer once the
// current one has crossed the switch threshold, provided a refill is not
// already in flight.
func (a *Algorithm) maybeRefill(gctx algorithm.Context, st *streamState) {
	st.mu.Lock()
	cur := st.current
	hasNext := st.next != nil
	st.mu.Unlock()

	if hasNext || !cur.needSwitch(a.cfg.SwitchThreshold) {
		return
	}
	if !st.loaderInFlight.CompareAndSwap(false, true) {
		return
	}

	step := st.step.Load()
	go func() {
		defer st.loaderInFlight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		start, max, err := a.load(ctx, gctx, step)
		if err != nil {
			a.logger.Warn("segment async refill failed", "stream", gctx.StreamKey(), "error", err)
			return
		}
		st.mu.Lock()
		if st.next == nil {
			st.next = newSegmentRange(start, max, max-start)
		}
		st.mu.Unlock()
	}()
}

// maybeRetune recalculates the adaptive step once per StepWindow: the
// target step is ten seconds of measured QPS clamped to [min, max];
// repeated synchronous loads (the loader couldn't keep up) double the
// step; sustained under-use (over half a segment discarded at swap)
// halves it.
func (a *Algorithm) maybeRetune(st *streamState) {
	now := time.Now().UnixMilli()
	windowStart := st.windowStartMs.Load()
	elapsed := now - windowStart
	if elapsed < a.cfg.StepWindow.Milliseconds() {
		return
	}
	if !st.windowStartMs.CompareAndSwap(windowStart, now) {
		return
	}

	requests := st.requestCount.Swap(0)
	syncLoads := st.syncLoads.Swap(0)
	discarded := st.discarded.Swap(0)

	qps := float64(requests) / (float64(elapsed) / 1000.0)
	target := int64(qps * 10)
	target = clamp(target, a.cfg.MinStep, a.cfg.MaxStep)

	current := st.step.Load()
	switch {
	case syncLoads > 0:
		target = clamp(current*2, a.cfg.MinStep, a.cfg.MaxStep)
	case discarded > 0:
		target = clamp(current/2, a.cfg.MinStep, a.cfg.MaxStep)
	}
	if target <= 0 {
		target = a.cfg.MinStep
	}
	st.step.Store(target)
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
