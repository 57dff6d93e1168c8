package main

import (
	"sync/atomic"
	"time"
)

type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker shields a flaky push endpoint. After threshold consecutive
// failures the breaker opens and sends are skipped; after the cooldown one
// probe is let through (half-open) and its outcome decides the next state.
type CircuitBreaker struct {
	threshold int32
	cooldown  time.Duration

	failures atomic.Int32
	state    atomic.Int32
	openedAt atomic.Int64
}

func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int32(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Allow reports whether a send may proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	if cb.State() != CircuitBreakerOpen {
		return true
	}
	openedAt := time.UnixMilli(cb.openedAt.Load())
	if time.Since(openedAt) >= cb.cooldown {
		cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
		return true
	}
	return false
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb.State() == CircuitBreakerHalfOpen {
		cb.trip()
		return
	}
	if cb.failures.Add(1) >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

func (cb *CircuitBreaker) trip() {
	cb.state.Store(int32(CircuitBreakerOpen))
	cb.openedAt.Store(time.Now().UnixMilli())
}
