package cache

import (
	"sync"
	"time"
)

// slidingWindowBreaker is the request-volume-sensitive circuit breaker
// variant grounded on the sliding-window shape this engine's degradation
// manager deliberately does not use (that one is a pure consecutive-
// failure gate); L3 failures are better modeled as a fraction of recent
// requests, since a KV under load-shedding fails some requests, not a
// consecutive run.
type slidingWindowBreaker struct {
	windowSize      time.Duration
	minRequests     int
	failureRatio    float64
	openTimeout     time.Duration

	mu        sync.Mutex
	open      bool
	openedAt  time.Time
	events    []event
}

type event struct {
	at      time.Time
	success bool
}

// newSlidingWindowBreaker builds a breaker evaluating failure ratio over
// the trailing windowSize, requiring at least minRequests observations
// before it will trip.
func newSlidingWindowBreaker(windowSize time.Duration, minRequests int, failureRatio float64, openTimeout time.Duration) *slidingWindowBreaker {
	return &slidingWindowBreaker{
		windowSize:   windowSize,
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openTimeout:  openTimeout,
	}
}

// Allow reports whether a request may proceed; an Open breaker admits every
// request once openTimeout has elapsed, and stays open until Record sees a
// success with at least minRequests outcomes in the window.
func (b *slidingWindowBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.openTimeout {
		return true
	}
	return false
}

// Record appends an outcome and re-evaluates the trip condition over the
// trailing window.
func (b *slidingWindowBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.events = append(b.events, event{at: now, success: success})
	b.trim(now)

	if success {
		if b.open && len(b.events) >= b.minRequests {
			b.open = false
		}
		return
	}

	if len(b.events) < b.minRequests {
		return
	}
	failures := 0
	for _, e := range b.events {
		if !e.success {
			failures++
		}
	}
	if float64(failures)/float64(len(b.events)) >= b.failureRatio {
		if !b.open {
			b.open = true
			b.openedAt = now
		}
	}
}

func (b *slidingWindowBreaker) trim(now time.Time) {
	cutoff := now.Add(-b.windowSize)
	i := 0
	for i < len(b.events) && b.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}
