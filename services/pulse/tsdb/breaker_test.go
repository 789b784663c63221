// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tsdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.Equal(t, BreakerClosed, b.State())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "below threshold stays closed")
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "open circuit refuses writes")
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow(), "cooldown elapsed, one probe allowed")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe in flight")

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "cooldown restarts on a failed probe")

	s := b.Stats()
	assert.Equal(t, "open", s.State)
	assert.Equal(t, uint64(2), s.TotalTrips)
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "streak reset by success")
}
