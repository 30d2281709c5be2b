// Package degradation implements the per-algorithm health tracking and
// circuit-breaker state machine the router consults before and after every
// generation attempt. It is grounded on the consecutive-counter health
// model (not the sliding-window variant used for the L3 cache breaker in
// package cache) and mirrors the circuit_breaker.go shape from the plugin
// framework in the example corpus, adapted to the simpler threshold rules
// this engine specifies.
package degradation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nebulaid/idengine/algorithm"
	"github.com/nebulaid/idengine/audit"
)

// CircuitState is the per-algorithm admission gate.
type CircuitState int32

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// GlobalState is the engine-wide degradation summary the router exposes
// for health reporting.
type GlobalState int32

const (
	Normal GlobalState = iota
	Degraded
	Critical
)

func (s GlobalState) String() string {
	switch s {
	case Normal:
		return "normal"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config holds the thresholds from the configuration surface; every field
// has the default named in the design notes.
type Config struct {
	Enabled                 bool
	CheckInterval           time.Duration
	FailureThreshold        uint32
	RecoveryThreshold       uint32
	CircuitBreakerTimeout   time.Duration
	HalfOpenSuccessThreshold uint32
	FallbackChain           []algorithm.Kind
}

// DefaultConfig returns the documented defaults: failure_threshold=3,
// recovery_threshold=5, circuit_breaker_timeout_ms=60000,
// half_open_success_threshold=2, check_interval_ms=5000.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		CheckInterval:            5 * time.Second,
		FailureThreshold:         3,
		RecoveryThreshold:        5,
		CircuitBreakerTimeout:    60 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

// healthState is the per-algorithm counters and circuit state. All
// counter fields are atomics so record() never blocks a generation
// request; the mutex below guards only the multi-field circuit
// transition, and is held for O(1) work.
type healthState struct {
	consecutiveFailures  atomic.Uint32
	consecutiveSuccesses atomic.Uint32
	totalRequests        atomic.Uint64
	totalFailures        atomic.Uint64
	totalSuccesses       atomic.Uint64
	isDegraded           atomic.Bool

	mu        sync.Mutex
	circuit   CircuitState
	openedAt  time.Time
}

// AlgorithmHealthStatus is a point-in-time snapshot for HealthReport().
type AlgorithmHealthStatus struct {
	Kind                 algorithm.Kind
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	TotalRequests        uint64
	TotalFailures        uint64
	TotalSuccesses       uint64
	IsDegraded           bool
	Circuit              CircuitState
}

// Manager tracks health for every registered algorithm kind and derives
// the global degradation state. The router owns one Manager directly
// (per the design notes' inverted dependency: algorithms never call back
// into the manager themselves).
type Manager struct {
	cfg     Config
	sink    audit.Sink
	logger  *slog.Logger
	primary algorithm.Kind

	states map[algorithm.Kind]*healthState

	runningTick atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Manager for the given primary algorithm and fallback
// chain; every kind in the chain plus the primary gets its own health
// state, initialized Closed and not degraded.
func New(cfg Config, primary algorithm.Kind, sink audit.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NoopSink{}
	}
	m := &Manager{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		primary: primary,
		states:  make(map[algorithm.Kind]*healthState),
		stopCh:  make(chan struct{}),
	}
	kinds := append([]algorithm.Kind{primary}, cfg.FallbackChain...)
	for _, k := range kinds {
		if _, ok := m.states[k]; !ok {
			m.states[k] = &healthState{circuit: Closed}
		}
	}
	return m
}

func (m *Manager) stateFor(kind algorithm.Kind) *healthState {
	st, ok := m.states[kind]
	if !ok {
		st = &healthState{circuit: Closed}
		m.states[kind] = st
	}
	return st
}

// Allowed reports whether the circuit for kind currently admits a request.
// Open always refuses; HalfOpen admits (the probe itself decides the next
// transition via Record); Closed always admits.
func (m *Manager) Allowed(kind algorithm.Kind) bool {
	if !m.cfg.Enabled {
		return true
	}
	st := m.stateFor(kind)
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.circuit {
	case Open:
		if time.Since(st.openedAt) >= m.cfg.CircuitBreakerTimeout {
			st.circuit = HalfOpen
			m.logger.Info("circuit half-open", "algorithm", kind.String())
			return true
		}
		return false
	default:
		return true
	}
}

// Record feeds a generation outcome into the manager. Success zeroes the
// failure streak and, once consecutive successes clear
// RecoveryThreshold, attempts recovery; failure zeroes the success streak
// and, once consecutive failures clear FailureThreshold, triggers
// degradation and opens the circuit.
func (m *Manager) Record(ctx context.Context, kind algorithm.Kind, success bool) {
	st := m.stateFor(kind)
	st.totalRequests.Add(1)

	if success {
		st.totalSuccesses.Add(1)
		st.consecutiveFailures.Store(0)
		successes := st.consecutiveSuccesses.Add(1)

		if st.isDegraded.Load() && successes >= m.cfg.RecoveryThreshold {
			m.attemptRecovery(ctx, kind, st)
		}
		m.advanceCircuitOnSuccess(ctx, kind, st, successes)
		return
	}

	st.totalFailures.Add(1)
	st.consecutiveSuccesses.Store(0)
	failures := st.consecutiveFailures.Add(1)

	if !st.isDegraded.Load() && failures >= m.cfg.FailureThreshold {
		m.triggerDegradation(ctx, kind, st)
	}
	m.advanceCircuitOnFailure(ctx, kind, st)
}

func (m *Manager) advanceCircuitOnFailure(ctx context.Context, kind algorithm.Kind, st *healthState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	failures := st.consecutiveFailures.Load()
	switch st.circuit {
	case Closed:
		if failures >= m.cfg.FailureThreshold {
			st.circuit = Open
			st.openedAt = time.Now()
			m.logger.Warn("circuit opened", "algorithm", kind.String(), "consecutive_failures", failures)
			m.sink.Record(ctx, audit.Event{Kind: audit.CircuitTransition, Algorithm: kind.String(), Detail: "closed->open"})
		}
	case HalfOpen:
		st.circuit = Open
		st.openedAt = time.Now()
		m.logger.Warn("circuit reopened from half-open", "algorithm", kind.String())
		m.sink.Record(ctx, audit.Event{Kind: audit.CircuitTransition, Algorithm: kind.String(), Detail: "half_open->open"})
	}
}

func (m *Manager) advanceCircuitOnSuccess(ctx context.Context, kind algorithm.Kind, st *healthState, successes uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.circuit == HalfOpen && successes >= m.cfg.HalfOpenSuccessThreshold {
		st.circuit = Closed
		m.logger.Info("circuit closed", "algorithm", kind.String())
		m.sink.Record(ctx, audit.Event{Kind: audit.CircuitTransition, Algorithm: kind.String(), Detail: "half_open->closed"})
	}
}

func (m *Manager) triggerDegradation(ctx context.Context, kind algorithm.Kind, st *healthState) {
	st.isDegraded.Store(true)
	m.logger.Warn("algorithm degraded", "algorithm", kind.String())
	m.sink.Record(ctx, audit.Event{Kind: audit.DegradationChange, Algorithm: kind.String(), Detail: "degraded"})
}

func (m *Manager) attemptRecovery(ctx context.Context, kind algorithm.Kind, st *healthState) {
	st.isDegraded.Store(false)
	m.logger.Info("algorithm recovered", "algorithm", kind.String())
	m.sink.Record(ctx, audit.Event{Kind: audit.DegradationChange, Algorithm: kind.String(), Detail: "recovered"})
}

// ManualDegrade and ManualRecover let an operator (or a future admin
// surface) force a transition outside the automatic thresholds.
func (m *Manager) ManualDegrade(ctx context.Context, kind algorithm.Kind) {
	m.triggerDegradation(ctx, kind, m.stateFor(kind))
}

func (m *Manager) ManualRecover(ctx context.Context, kind algorithm.Kind) {
	m.attemptRecovery(ctx, kind, m.stateFor(kind))
}

// IsDegraded reports the current degradation flag for kind.
func (m *Manager) IsDegraded(kind algorithm.Kind) bool {
	return m.stateFor(kind).isDegraded.Load()
}

// EffectiveState derives the global DegradationState: Normal if the
// primary is healthy, else Degraded(first healthy fallback), else
// Critical if nothing in the chain is healthy.
func (m *Manager) EffectiveState() (GlobalState, algorithm.Kind) {
	if !m.IsDegraded(m.primary) {
		return Normal, m.primary
	}
	for _, k := range m.cfg.FallbackChain {
		if !m.IsDegraded(k) {
			return Degraded, k
		}
	}
	return Critical, m.primary
}

// HealthReport snapshots every tracked algorithm's state.
func (m *Manager) HealthReport() []AlgorithmHealthStatus {
	out := make([]AlgorithmHealthStatus, 0, len(m.states))
	for kind, st := range m.states {
		st.mu.Lock()
		circuit := st.circuit
		st.mu.Unlock()
		out = append(out, AlgorithmHealthStatus{
			Kind:                 kind,
			ConsecutiveFailures:  st.consecutiveFailures.Load(),
			ConsecutiveSuccesses: st.consecutiveSuccesses.Load(),
			TotalRequests:        st.totalRequests.Load(),
			TotalFailures:        st.totalFailures.Load(),
			TotalSuccesses:       st.totalSuccesses.Load(),
			IsDegraded:           st.isDegraded.Load(),
			Circuit:              circuit,
		})
	}
	return out
}

// StartBackgroundCheck runs the periodic health tick until the context is
// canceled or Shutdown is called; it is a no-op if CheckInterval is zero
// or the manager is disabled. Safe to call at most once (guarded by a CAS
// so a concurrent second call is a no-op rather than a duplicate ticker).
func (m *Manager) StartBackgroundCheck(ctx context.Context) {
	if !m.cfg.Enabled || m.cfg.CheckInterval <= 0 {
		return
	}
	if !m.runningTick.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkAllHealth(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// checkAllHealth re-evaluates every algorithm's circuit: an Open circuit
// past its timeout moves to HalfOpen so the next request can probe it.
func (m *Manager) checkAllHealth(ctx context.Context) {
	for kind, st := range m.states {
		st.mu.Lock()
		if st.circuit == Open && time.Since(st.openedAt) >= m.cfg.CircuitBreakerTimeout {
			st.circuit = HalfOpen
			m.logger.Info("circuit half-open on health tick", "algorithm", kind.String())
			m.sink.Record(ctx, audit.Event{Kind: audit.CircuitTransition, Algorithm: kind.String(), Detail: "open->half_open"})
		}
		st.mu.Unlock()
	}
}

// Shutdown stops the background health tick; idempotent.
func (m *Manager) Shutdown() {
	if m.runningTick.Load() {
		select {
		case <-m.stopCh:
		default:
			close(m.stopCh)
		}
		m.wg.Wait()
	}
}
