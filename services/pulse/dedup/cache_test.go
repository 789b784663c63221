// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
)

func testPoint(i int) model.Point {
	return model.Point{
		Measurement: "heart",
		Tags:        map[string]string{"source": "watch"},
		Timestamp:   time.Date(2024, 1, 15, 10, 0, i, 0, time.UTC),
		Fields:      map[string]any{"heart_rate": float64(60 + i)},
	}
}

func testBatch(n int) []model.Point {
	out := make([]model.Point, n)
	for i := range out {
		out[i] = testPoint(i)
	}
	return out
}

// Dedup idempotence: reserve + commit + reserve again yields nothing.
func TestCache_ReserveCommitReserve_Empty(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})
	batch := testBatch(10)

	toProcess, keys := c.ReserveBatch(batch)
	require.Len(t, toProcess, 10)
	require.Len(t, keys, 10)

	c.CommitBatch(keys)

	again, againKeys := c.ReserveBatch(batch)
	assert.Empty(t, again)
	assert.Empty(t, againKeys)
}

func TestCache_ReserveBatch_SkipsIntraBatchDuplicates(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})

	p := testPoint(1)
	toProcess, keys := c.ReserveBatch([]model.Point{p, p, p})
	assert.Len(t, toProcess, 1)
	assert.Len(t, keys, 1)
}

func TestCache_ReservedKeyBlocksSecondCaller(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})
	batch := testBatch(5)

	first, keys := c.ReserveBatch(batch)
	require.Len(t, first, 5)

	second, _ := c.ReserveBatch(batch)
	assert.Empty(t, second, "reserved fingerprints must be excluded until commit/release/expiry")

	// Release makes them reservable again.
	c.ReleaseBatch(keys)
	third, _ := c.ReserveBatch(batch)
	assert.Len(t, third, 5)
}

// Reservation exclusion: concurrent overlapping reservations partition the
// fingerprints disjointly.
func TestCache_ConcurrentReservations_Disjoint(t *testing.T) {
	c := New(Config{MaxSize: 10_000, TTL: time.Hour, ReservationTTL: time.Minute})
	batch := testBatch(200)

	const callers = 8
	results := make([][]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, keys := c.ReserveBatch(batch)
			results[i] = keys
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	total := 0
	for _, keys := range results {
		total += len(keys)
		for _, k := range keys {
			seen[k]++
		}
	}
	assert.Equal(t, 200, total, "every fingerprint reserved exactly once across all callers")
	for k, n := range seen {
		assert.Equal(t, 1, n, "fingerprint %s reserved by %d callers", k, n)
	}
}

// Reservation expiry: after the TTL elapses without commit/release, the
// fingerprint is reservable again.
func TestCache_ReservationExpiry(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})

	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	batch := testBatch(3)
	first, _ := c.ReserveBatch(batch)
	require.Len(t, first, 3)

	// Within the TTL the keys stay blocked.
	now = now.Add(30 * time.Second)
	blocked, _ := c.ReserveBatch(batch)
	assert.Empty(t, blocked)

	// Past the TTL the presumed-dead worker's reservations are retaken.
	now = now.Add(31 * time.Second)
	retaken, _ := c.ReserveBatch(batch)
	assert.Len(t, retaken, 3)
}

func TestCache_CommittedTTLExpiry(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})

	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	batch := testBatch(2)
	_, keys := c.ReserveBatch(batch)
	c.CommitBatch(keys)

	now = now.Add(2 * time.Hour)
	again, _ := c.ReserveBatch(batch)
	assert.Len(t, again, 2, "expired committed entries no longer block")
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})

	_, keys := c.ReserveBatch(testBatch(150))
	c.CommitBatch(keys)

	assert.Equal(t, 100, c.Len())
	stats := c.Stats()
	assert.Equal(t, uint64(50), stats.Evictions)
}

func TestCache_FilterDuplicates(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})

	committed := testBatch(5)
	_, keys := c.ReserveBatch(committed)
	c.CommitBatch(keys)

	fresh := []model.Point{testPoint(10), testPoint(11), testPoint(11)}
	input := append(append([]model.Point{}, committed[:2]...), fresh...)

	out := c.FilterDuplicates(input)
	assert.Len(t, out, 2, "committed and intra-input duplicates are dropped")

	// FilterDuplicates takes no reservations.
	assert.Equal(t, 0, c.Stats().Reservations)
}

func TestCache_CleanupExpired(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})

	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, keys := c.ReserveBatch(testBatch(4))
	c.CommitBatch(keys)
	c.ReserveBatch([]model.Point{testPoint(20)})

	now = now.Add(2 * time.Hour)
	removed := c.CleanupExpired()
	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Stats().Reservations)
}

func TestCache_Stats(t *testing.T) {
	c := New(Config{MaxSize: 100, TTL: time.Hour, ReservationTTL: time.Minute})

	batch := testBatch(4)
	_, keys := c.ReserveBatch(batch) // 4 misses
	c.CommitBatch(keys)
	c.ReserveBatch(batch) // 4 hits

	s := c.Stats()
	assert.Equal(t, uint64(4), s.Hits)
	assert.Equal(t, uint64(4), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
	assert.Equal(t, 4, s.Size)
}

func TestCache_DefaultsApplied(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, 100, c.cfg.MaxSize)
	assert.Equal(t, 24*time.Hour, c.cfg.TTL)
	assert.Equal(t, 5*time.Minute, c.cfg.ReservationTTL)
}

func BenchmarkReserveCommit(b *testing.B) {
	c := New(Config{MaxSize: 1_000_000, TTL: time.Hour, ReservationTTL: time.Minute})
	for i := 0; i < b.N; i++ {
		p := model.Point{
			Measurement: "bench",
			Timestamp:   time.Unix(0, int64(i)),
			Fields:      map[string]any{"v": fmt.Sprintf("%d", i)},
		}
		_, keys := c.ReserveBatch([]model.Point{p})
		c.CommitBatch(keys)
	}
}
