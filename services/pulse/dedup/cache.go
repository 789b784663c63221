// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup implements the content-hash idempotency layer of the
// pulse pipeline: an LRU+TTL cache of committed point fingerprints plus a
// short-lived reservation table that gives exactly one worker the right
// to process a fingerprint at a time.
//
// Why reservations: without them, two workers processing overlapping
// batches could each see the same point as "not a duplicate", both write
// it, then both commit. A reservation is a short exclusion window; its
// TTL guarantees a crashed worker cannot block a fingerprint forever.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
)

// Config holds dedup cache settings.
type Config struct {
	// MaxSize caps the committed cache; oldest entries are evicted past it.
	MaxSize int

	// TTL is how long a committed fingerprint blocks re-processing.
	TTL time.Duration

	// ReservationTTL bounds how long a reservation excludes other
	// workers without a commit or release. Callers should clamp it to
	// [60s, 300s] (config package does this).
	ReservationTTL time.Duration

	// PersistPath is the SQLite file for checkpoints. Empty disables
	// persistence.
	PersistPath string
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size         int     `json:"size"`
	MaxSize      int     `json:"max_size"`
	Reservations int     `json:"reservations"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Evictions    uint64  `json:"evictions"`
	HitRate      float64 `json:"hit_rate"`
}

// entry is one committed fingerprint in the LRU list.
type entry struct {
	key      string
	lastSeen time.Time
}

// Cache is the dedup cache with reservation semantics.
//
// Thread Safety: all methods are safe for concurrent use. A single mutex
// covers both the committed map and the reservation table so that expiry
// checks and new reservations cannot race; the lock is held for map and
// list operations only, never across I/O.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	items    map[string]*list.Element // fingerprint -> LRU element
	order    *list.List               // front = most recent
	reserved map[string]time.Time     // fingerprint -> reservedAt

	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time // injectable clock for tests
}

// New creates a dedup cache. MaxSize below 1 falls back to 100.
func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	return &Cache{
		cfg:      cfg,
		items:    make(map[string]*list.Element, cfg.MaxSize),
		order:    list.New(),
		reserved: make(map[string]time.Time),
		now:      time.Now,
	}
}

// ReserveBatch atomically classifies a batch of points.
//
// Description:
//
//	A point is skipped when its fingerprint is present in the committed
//	cache (unexpired) or in the reservation table (unexpired); otherwise
//	it is reserved for the caller and included in toProcess. Within a
//	single batch, later copies of an already-seen fingerprint are
//	skipped. Expired reservations are purged inside the same critical
//	section, so a freshly-expired reservation can be retaken immediately
//	without racing a concurrent caller.
//
// Outputs:
//   - []model.Point: Points the caller now owns and must resolve via
//     CommitBatch or ReleaseBatch.
//   - []string: The reservation keys, parallel to toProcess.
func (c *Cache) ReserveBatch(points []model.Point) ([]model.Point, []string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	toProcess := make([]model.Point, 0, len(points))
	keys := make([]string, 0, len(points))

	for _, p := range points {
		key := p.Fingerprint()

		if c.isCommittedLocked(key, now) {
			c.hits++
			continue
		}
		if reservedAt, ok := c.reserved[key]; ok {
			if now.Sub(reservedAt) < c.cfg.ReservationTTL {
				c.hits++
				continue
			}
			// Reservation expired: the holder is presumed dead.
			delete(c.reserved, key)
		}

		c.misses++
		c.reserved[key] = now
		toProcess = append(toProcess, p)
		keys = append(keys, key)
	}
	return toProcess, keys
}

// CommitBatch promotes reservations to committed entries.
//
// Description:
//
//	Each key is removed from the reservation table and upserted into the
//	committed cache with the current timestamp. The LRU cap is enforced
//	afterwards by evicting oldest entries. Keys whose reservation
//	already expired are still committed; the write happened.
func (c *Cache) CommitBatch(keys []string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.reserved, key)
		c.upsertLocked(key, now)
	}
	c.enforceCapLocked()
}

// ReleaseBatch drops reservations without committing. Equivalent to a
// no-op commit for exclusion purposes.
func (c *Cache) ReleaseBatch(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.reserved, key)
	}
}

// FilterDuplicates returns the points that are neither committed in the
// cache nor duplicated earlier in the input. It takes no reservations;
// replay paths that dedupe read-only use this.
func (c *Cache) FilterDuplicates(points []model.Point) []model.Point {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(points))
	out := make([]model.Point, 0, len(points))
	for _, p := range points {
		key := p.Fingerprint()
		if _, dup := seen[key]; dup {
			c.hits++
			continue
		}
		seen[key] = struct{}{}
		if c.isCommittedLocked(key, now) {
			c.hits++
			continue
		}
		c.misses++
		out = append(out, p)
	}
	return out
}

// CleanupExpired removes entries older than their TTL from both tables.
//
// Outputs:
//   - int: Total number of entries removed.
func (c *Cache) CleanupExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.order.Back(); e != nil; {
		prev := e.Prev()
		ent := e.Value.(*entry)
		if now.Sub(ent.lastSeen) > c.cfg.TTL {
			c.order.Remove(e)
			delete(c.items, ent.key)
			removed++
		}
		e = prev
	}
	for key, reservedAt := range c.reserved {
		if now.Sub(reservedAt) >= c.cfg.ReservationTTL {
			delete(c.reserved, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:         c.order.Len(),
		MaxSize:      c.cfg.MaxSize,
		Reservations: len(c.reserved),
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Len returns the committed entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// =============================================================================
// Internal (callers hold c.mu)
// =============================================================================

func (c *Cache) isCommittedLocked(key string, now time.Time) bool {
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	ent := elem.Value.(*entry)
	if now.Sub(ent.lastSeen) > c.cfg.TTL {
		// Lazily drop the expired entry.
		c.order.Remove(elem)
		delete(c.items, key)
		return false
	}
	return true
}

func (c *Cache) upsertLocked(key string, now time.Time) {
	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).lastSeen = now
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(&entry{key: key, lastSeen: now})
}

func (c *Cache) enforceCapLocked() {
	for c.order.Len() > c.cfg.MaxSize {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		ent := elem.Value.(*entry)
		c.order.Remove(elem)
		delete(c.items, ent.key)
		c.evictions++
	}
}

// seedLocked is used by Restore to load persisted entries.
func (c *Cache) seed(key string, lastSeen time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(key, lastSeen)
	c.enforceCapLocked()
}

// snapshot returns a copy of the committed entries for checkpointing.
func (c *Cache) snapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]time.Time, len(c.items))
	for key, elem := range c.items {
		out[key] = elem.Value.(*entry).lastSeen
	}
	return out
}
