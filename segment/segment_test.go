package segment

import (
	"context"
	"sync"
	"testing"

	"github.com/nebulaid/idengine/algorithm"
)

// fakeStore is an in-memory CounterStore for unit tests; each call to
// AllocateRange hands out the next step-sized range starting from zero.
type fakeStore struct {
	mu      sync.Mutex
	current map[string]int64
	fail    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{current: make(map[string]int64)}
}

func (s *fakeStore) key(workspace, bizTag string) string { return workspace + ":" + bizTag }

func (s *fakeStore) AllocateRange(_ context.Context, workspace, bizTag string, step int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, 0, errFake
	}
	k := s.key(workspace, bizTag)
	start := s.current[k]
	max := start + step
	s.current[k] = max
	return start, max, nil
}

func (s *fakeStore) GetRange(_ context.Context, workspace, bizTag string) (*RangeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current[s.key(workspace, bizTag)]
	return &RangeInfo{CurrentID: cur, MaxID: cur}, nil
}

type fakeErr struct{}

func (fakeErr) Error() string { return "fake store failure" }

var errFake = fakeErr{}

func TestGenerateSequential(t *testing.T) {
	store := newFakeStore()
	algo := New(Config{BaseStep: 10, MinStep: 5, MaxStep: 100}, store, nil)
	gctx := algorithm.Context{WorkspaceID: "ws", BizTag: "order"}

	seen := make(map[int64]bool)
	var prev int64 = -1
	for i := 0; i < 25; i++ {
		id, err := algo.Generate(context.Background(), gctx)
		if err != nil {
			t.Fatalf("Generate() error at i=%d: %v", i, err)
		}
		v := id.Int64()
		if seen[v] {
			t.Fatalf("duplicate id %d at i=%d", v, i)
		}
		seen[v] = true
		if v <= prev {
			t.Fatalf("id not increasing: prev=%d got=%d", prev, v)
		}
		prev = v
	}
}

func TestBatchGenerateContiguous(t *testing.T) {
	store := newFakeStore()
	algo := New(Config{BaseStep: 1000, MinStep: 500, MaxStep: 100000}, store, nil)
	gctx := algorithm.Context{WorkspaceID: "ws", BizTag: "order"}

	batch, err := algo.BatchGenerate(context.Background(), gctx, 50)
	if err != nil {
		t.Fatalf("BatchGenerate() error = %v", err)
	}
	if len(batch.Ids) != 50 {
		t.Fatalf("got %d ids, want 50", len(batch.Ids))
	}
	for i := 1; i < len(batch.Ids); i++ {
		if batch.Ids[i].Int64() != batch.Ids[i-1].Int64()+1 {
			t.Fatalf("batch not contiguous at index %d: %d -> %d", i, batch.Ids[i-1].Int64(), batch.Ids[i].Int64())
		}
	}
}

func TestBatchGenerateRejectsOutOfRange(t *testing.T) {
	store := newFakeStore()
	algo := New(Config{BaseStep: 10, MinStep: 5, MaxStep: 100}, store, nil)
	gctx := algorithm.Context{WorkspaceID: "ws", BizTag: "order"}

	tests := []struct {
		name string
		n    int
	}{
		{"zero", 0},
		{"negative", -1},
		{"too large", algorithm.MaxBatchSize + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := algo.BatchGenerate(context.Background(), gctx, tt.n); err == nil {
				t.Errorf("BatchGenerate(%d) expected error, got nil", tt.n)
			}
		})
	}
}

func TestGenerateFailsWhenStoreUnavailable(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	algo := New(Config{BaseStep: 10, MinStep: 5, MaxStep: 100}, store, nil)
	gctx := algorithm.Context{WorkspaceID: "ws", BizTag: "order"}

	if _, err := algo.Generate(context.Background(), gctx); err == nil {
		t.Error("Generate() expected error when store always fails, got nil")
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	store := newFakeStore()
	algo := New(Config{BaseStep: 10, MinStep: 5, MaxStep: 100}, store, nil)

	idA, err := algo.Generate(context.Background(), algorithm.Context{WorkspaceID: "ws", BizTag: "a"})
	if err != nil {
		t.Fatalf("Generate() stream a error = %v", err)
	}
	idB, err := algo.Generate(context.Background(), algorithm.Context{WorkspaceID: "ws", BizTag: "b"})
	if err != nil {
		t.Fatalf("Generate() stream b error = %v", err)
	}
	// Both streams start fresh at 0 from the fake store, independently.
	if idA.Int64() != 0 || idB.Int64() != 0 {
		t.Errorf("expected both independent streams to start at 0, got a=%d b=%d", idA.Int64(), idB.Int64())
	}
}

func TestSegmentRangeTryConsume(t *testing.T) {
	r := newSegmentRange(0, 10, 10)
	start, ok := r.tryConsume(5)
	if !ok || start != 0 {
		t.Fatalf("tryConsume(5) = (%d, %v), want (0, true)", start, ok)
	}
	start, ok = r.tryConsume(5)
	if !ok || start != 5 {
		t.Fatalf("tryConsume(5) = (%d, %v), want (5, true)", start, ok)
	}
	if _, ok := r.tryConsume(1); ok {
		t.Error("tryConsume(1) on exhausted range should fail")
	}
}

func TestPlaceholderRangeAlwaysNeedsSwitch(t *testing.T) {
	r := placeholderRange()
	if !r.needSwitch(0.1) {
		t.Error("placeholder range should always report needSwitch")
	}
}
