// Package router implements the algorithm router: given a stream request
// it selects an algorithm, attempts generation, and falls back through an
// ordered chain on failure, recording every outcome with the degradation
// manager it owns directly (the design notes invert the source's
// back-reference from algorithm to router: here the router is the one
// calling into the degradation manager, never the other way around).
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nebulaid/idengine/algorithm"
	"github.com/nebulaid/idengine/audit"
	"github.com/nebulaid/idengine/degradation"
	"github.com/nebulaid/idengine/errs"
)

// Router is the engine's single entry point.
type Router struct {
	primary       algorithm.Kind
	fallbackChain []algorithm.Kind
	algorithms    map[algorithm.Kind]algorithm.Handle

	overrides sync.Map // bizTag string -> algorithm.Kind

	degradation *degradation.Manager
	sink        audit.Sink
	logger      *slog.Logger
}

// New constructs a Router over an already-built set of algorithm handles.
// The caller supplies the degradation manager so its configuration
// (thresholds, fallback chain) stays in one place; Shutdown releases both
// the handles and the manager's background health tick.
func New(primary algorithm.Kind, fallbackChain []algorithm.Kind, handles map[algorithm.Kind]algorithm.Handle,
	degradationMgr *degradation.Manager, sink audit.Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NoopSink{}
	}
	return &Router{
		primary:       primary,
		fallbackChain: fallbackChain,
		algorithms:    handles,
		degradation:   degradationMgr,
		sink:          sink,
		logger:        logger,
	}
}

// SetAlgorithm installs a per-biz-tag override, visible to subsequent
// Generate/BatchGenerate calls on that tag. Safe for concurrent use with
// in-flight requests: a reader observes either the old or new value, never
// a torn one, since sync.Map guarantees atomic per-key visibility.
func (r *Router) SetAlgorithm(bizTag string, kind algorithm.Kind) {
	r.overrides.Store(bizTag, kind)
	r.sink.Record(context.Background(), audit.Event{Kind: audit.ConfigChange, BizTag: bizTag, Detail: "algorithm override set to " + kind.String()})
}

// chainFor resolves the primary and ordered fallback list for gctx: an
// override replaces the primary but never appears in its own fallback
// chain.
func (r *Router) chainFor(gctx algorithm.Context) (algorithm.Kind, []algorithm.Kind) {
	primary := r.primary
	if v, ok := r.overrides.Load(gctx.BizTag); ok {
		primary = v.(algorithm.Kind)
	}
	if primary == r.primary {
		return primary, r.fallbackChain
	}
	chain := make([]algorithm.Kind, 0, len(r.fallbackChain)+1)
	for _, k := range append([]algorithm.Kind{r.primary}, r.fallbackChain...) {
		if k != primary {
			chain = append(chain, k)
		}
	}
	return primary, chain
}

func (r *Router) handleFor(kind algorithm.Kind) (algorithm.Handle, bool) {
	h, ok := r.algorithms[kind]
	return h, ok
}

// Generate tries the primary algorithm, recording the outcome with the
// degradation manager; on failure it walks the fallback chain in order
// until one succeeds. If every algorithm errors, AllAlgorithmsFailedError
// is returned with every attempt's error attached.
func (r *Router) Generate(ctx context.Context, gctx algorithm.Context) (algorithm.Id, error) {
	primary, chain := r.chainFor(gctx)
	var attempts []errs.AlgorithmAttempt

	for _, kind := range append([]algorithm.Kind{primary}, chain...) {
		handle, ok := r.handleFor(kind)
		if !ok {
			continue
		}
		if r.degradation != nil && !r.degradation.Allowed(kind) {
			attempts = append(attempts, errs.AlgorithmAttempt{Kind: kind.String(), Err: errs.NewCircuitOpenError(kind.String())})
			continue
		}

		id, err := handle.Generate(ctx, gctx)
		r.record(ctx, kind, gctx, err == nil, err)
		if err == nil {
			return id, nil
		}
		attempts = append(attempts, errs.AlgorithmAttempt{Kind: kind.String(), Err: err})
	}

	return algorithm.Id{}, errs.NewAllAlgorithmsFailedError(attempts)
}

// BatchGenerate attempts the full batch atomically on one algorithm; on
// partial failure it returns what succeeded if non-empty, else falls
// through the chain exactly as Generate does.
func (r *Router) BatchGenerate(ctx context.Context, gctx algorithm.Context, n int) (algorithm.IdBatch, error) {
	if n <= 0 || n > algorithm.MaxBatchSize {
		return algorithm.IdBatch{}, errs.NewInvalidInputError("n", "", "must be in [1, 1000]")
	}

	primary, chain := r.chainFor(gctx)
	var attempts []errs.AlgorithmAttempt

	for _, kind := range append([]algorithm.Kind{primary}, chain...) {
		handle, ok := r.handleFor(kind)
		if !ok {
			continue
		}
		if r.degradation != nil && !r.degradation.Allowed(kind) {
			attempts = append(attempts, errs.AlgorithmAttempt{Kind: kind.String(), Err: errs.NewCircuitOpenError(kind.String())})
			continue
		}

		batch, err := handle.BatchGenerate(ctx, gctx, n)
		success := err == nil || len(batch.Ids) > 0
		r.record(ctx, kind, gctx, success, err)
		if len(batch.Ids) > 0 {
			return batch, nil
		}
		if err != nil {
			attempts = append(attempts, errs.AlgorithmAttempt{Kind: kind.String(), Err: err})
		}
	}

	return algorithm.IdBatch{}, errs.NewAllAlgorithmsFailedError(attempts)
}

func (r *Router) record(ctx context.Context, kind algorithm.Kind, gctx algorithm.Context, success bool, err error) {
	if r.degradation != nil {
		r.degradation.Record(ctx, kind, success)
	}
	r.sink.Record(ctx, audit.Event{
		Kind:      audit.Generation,
		Algorithm: kind.String(),
		BizTag:    gctx.BizTag,
		Success:   success,
		Err:       err,
	})
}

// HealthReport exposes the degradation manager's per-algorithm snapshot.
func (r *Router) HealthReport() []degradation.AlgorithmHealthStatus {
	if r.degradation == nil {
		return nil
	}
	return r.degradation.HealthReport()
}

// Shutdown releases every algorithm handle and stops the degradation
// manager's background health tick. Idempotent: calling it twice is safe
// because each Handle.Shutdown and the manager's own Shutdown tolerate
// repeated calls.
func (r *Router) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, h := range r.algorithms {
		if err := h.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.degradation != nil {
		r.degradation.Shutdown()
	}
	return firstErr
}
