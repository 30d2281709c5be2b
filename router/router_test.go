package router

import (
	"context"
	"testing"
	"time"

	"github.com/nebulaid/idengine/algorithm"
	"github.com/nebulaid/idengine/audit"
	"github.com/nebulaid/idengine/degradation"
)

// stubHandle is a minimal algorithm.Handle whose behavior is controlled
// per test: it can always fail, always succeed, or fail a fixed number of
// times before succeeding.
type stubHandle struct {
	kind      algorithm.Kind
	failTimes int
	calls     int
}

func (s *stubHandle) Kind() algorithm.Kind { return s.kind }

func (s *stubHandle) Generate(context.Context, algorithm.Context) (algorithm.Id, error) {
	s.calls++
	if s.calls <= s.failTimes {
		return algorithm.Id{}, errStub
	}
	return algorithm.FromInt64(int64(s.calls)), nil
}

func (s *stubHandle) BatchGenerate(ctx context.Context, gctx algorithm.Context, n int) (algorithm.IdBatch, error) {
	id, err := s.Generate(ctx, gctx)
	if err != nil {
		return algorithm.IdBatch{}, err
	}
	ids := make([]algorithm.Id, n)
	for i := range ids {
		ids[i] = id
	}
	return algorithm.IdBatch{Ids: ids, Kind: s.kind}, nil
}

func (s *stubHandle) Healthy() bool { return true }

func (*stubHandle) Shutdown(context.Context) error { return nil }

type stubErr struct{}

func (stubErr) Error() string { return "stub failure" }

var errStub = stubErr{}

func newTestRouter(handles map[algorithm.Kind]algorithm.Handle, chain []algorithm.Kind) *Router {
	cfg := degradation.DefaultConfig()
	cfg.FallbackChain = chain
	degMgr := degradation.New(cfg, algorithm.Segment, audit.NoopSink{}, nil)
	return New(algorithm.Segment, chain, handles, degMgr, audit.NoopSink{}, nil)
}

func TestGeneratePrefersPrimary(t *testing.T) {
	seg := &stubHandle{kind: algorithm.Segment}
	sf := &stubHandle{kind: algorithm.Snowflake}
	r := newTestRouter(map[algorithm.Kind]algorithm.Handle{
		algorithm.Segment:   seg,
		algorithm.Snowflake: sf,
	}, []algorithm.Kind{algorithm.Snowflake})

	if _, err := r.Generate(context.Background(), algorithm.Context{BizTag: "t"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if seg.calls != 1 || sf.calls != 0 {
		t.Errorf("expected only primary to be called, got seg.calls=%d sf.calls=%d", seg.calls, sf.calls)
	}
}

func TestGenerateFallsBackOnPrimaryFailure(t *testing.T) {
	seg := &stubHandle{kind: algorithm.Segment, failTimes: 100}
	sf := &stubHandle{kind: algorithm.Snowflake}
	r := newTestRouter(map[algorithm.Kind]algorithm.Handle{
		algorithm.Segment:   seg,
		algorithm.Snowflake: sf,
	}, []algorithm.Kind{algorithm.Snowflake})

	id, err := r.Generate(context.Background(), algorithm.Context{BizTag: "t"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if id.IsZero() {
		t.Error("expected a non-zero id from the fallback algorithm")
	}
	if sf.calls != 1 {
		t.Errorf("expected fallback to be called once, got %d", sf.calls)
	}
}

func TestGenerateFailsWhenEveryAlgorithmFails(t *testing.T) {
	seg := &stubHandle{kind: algorithm.Segment, failTimes: 100}
	sf := &stubHandle{kind: algorithm.Snowflake, failTimes: 100}
	r := newTestRouter(map[algorithm.Kind]algorithm.Handle{
		algorithm.Segment:   seg,
		algorithm.Snowflake: sf,
	}, []algorithm.Kind{algorithm.Snowflake})

	if _, err := r.Generate(context.Background(), algorithm.Context{BizTag: "t"}); err == nil {
		t.Error("expected an error when every algorithm fails")
	}
}

func TestSetAlgorithmOverridesPerBizTag(t *testing.T) {
	seg := &stubHandle{kind: algorithm.Segment}
	sf := &stubHandle{kind: algorithm.Snowflake}
	r := newTestRouter(map[algorithm.Kind]algorithm.Handle{
		algorithm.Segment:   seg,
		algorithm.Snowflake: sf,
	}, []algorithm.Kind{algorithm.Snowflake})

	r.SetAlgorithm("special", algorithm.Snowflake)

	if _, err := r.Generate(context.Background(), algorithm.Context{BizTag: "special"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if sf.calls != 1 || seg.calls != 0 {
		t.Errorf("expected override to route to snowflake only, got seg.calls=%d sf.calls=%d", seg.calls, sf.calls)
	}

	if _, err := r.Generate(context.Background(), algorithm.Context{BizTag: "default"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if seg.calls != 1 {
		t.Errorf("expected the default tag to still use the primary, got seg.calls=%d", seg.calls)
	}
}

func TestBatchGenerateRejectsInvalidCount(t *testing.T) {
	seg := &stubHandle{kind: algorithm.Segment}
	r := newTestRouter(map[algorithm.Kind]algorithm.Handle{algorithm.Segment: seg}, nil)

	if _, err := r.BatchGenerate(context.Background(), algorithm.Context{}, 0); err == nil {
		t.Error("expected error for n=0")
	}
	if _, err := r.BatchGenerate(context.Background(), algorithm.Context{}, algorithm.MaxBatchSize+1); err == nil {
		t.Error("expected error for n over MaxBatchSize")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	seg := &stubHandle{kind: algorithm.Segment}
	r := newTestRouter(map[algorithm.Kind]algorithm.Handle{algorithm.Segment: seg}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}
