// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tsdb

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/observability"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is
	// allowed through.
	Cooldown time.Duration
}

// Breaker is a three-state circuit breaker guarding the write path.
//
// Closed passes everything through. After FailureThreshold consecutive
// failures it opens; while open every call is refused until Cooldown
// elapses, at which point one probe passes through half-open. A probe
// success closes the circuit, a probe failure reopens it.
//
// Thread Safety: safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         BreakerState
	failures      int
	openedAt      time.Time
	totalTrips    uint64
	probeInFlight bool

	now func() time.Time
}

// NewBreaker builds a closed breaker. Zero config fields get defaults
// (5 failures, 30 s cooldown).
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a write attempt may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		// One probe at a time.
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure streak; a half-open probe success
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a failure; the circuit opens at the threshold or
// immediately on a failed half-open probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probeInFlight = false

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time snapshot for health endpoints.
type BreakerStats struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
	TotalTrips   uint64 `json:"total_trips"`
}

// Stats snapshots the breaker for reporting.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:        b.state.String(),
		FailureCount: b.failures,
		TotalTrips:   b.totalTrips,
	}
}

// trip opens the circuit. Caller holds the lock.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.totalTrips++
	b.setState(BreakerOpen)
}

// setState transitions and mirrors the state into the gauge. Caller
// holds the lock.
func (b *Breaker) setState(s BreakerState) {
	b.state = s
	observability.BreakerState.Set(float64(s))
}
