// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Persistence snapshots the committed dedup cache into a local SQLite
// table so the at-most-once guarantee survives restarts.
//
// The table is read only on startup (Restore); Checkpoint replaces its
// full contents inside one transaction at a configured interval.
type Persistence struct {
	db *sql.DB
}

const dedupSchema = `
CREATE TABLE IF NOT EXISTS dedup_cache (
    key       TEXT PRIMARY KEY,
    timestamp REAL NOT NULL
);`

// OpenPersistence opens (or creates) the dedup checkpoint database.
// A missing file is treated as an empty cache.
func OpenPersistence(path string) (*Persistence, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("dedup: create persistence dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("dedup: open %s: %w", path, err)
	}
	if _, err := db.Exec(dedupSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dedup: create schema: %w", err)
	}
	return &Persistence{db: db}, nil
}

// Close releases the database handle.
func (p *Persistence) Close() error {
	return p.db.Close()
}

// Checkpoint replaces the persisted snapshot with the cache's current
// committed entries, all inside one transaction.
func (p *Persistence) Checkpoint(ctx context.Context, c *Cache) error {
	snap := c.snapshot()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dedup: begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_cache`); err != nil {
		return fmt.Errorf("dedup: clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dedup_cache (key, timestamp) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("dedup: prepare insert: %w", err)
	}
	defer stmt.Close()

	for key, lastSeen := range snap {
		epoch := float64(lastSeen.UnixNano()) / float64(time.Second)
		if _, err := stmt.ExecContext(ctx, key, epoch); err != nil {
			return fmt.Errorf("dedup: insert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dedup: commit checkpoint: %w", err)
	}
	return nil
}

// Restore loads up to the cache's MaxSize most-recent, non-expired
// entries from the snapshot into the cache.
//
// Outputs:
//   - int: Number of entries restored.
func (p *Persistence) Restore(ctx context.Context, c *Cache) (int, error) {
	cutoff := float64(c.now().Add(-c.cfg.TTL).UnixNano()) / float64(time.Second)

	rows, err := p.db.QueryContext(ctx,
		`SELECT key, timestamp FROM dedup_cache
		 WHERE timestamp > ?
		 ORDER BY timestamp DESC
		 LIMIT ?`, cutoff, c.cfg.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("dedup: restore query: %w", err)
	}
	defer rows.Close()

	type row struct {
		key   string
		epoch float64
	}
	var loaded []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.epoch); err != nil {
			return 0, fmt.Errorf("dedup: scan restore row: %w", err)
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("dedup: restore rows: %w", err)
	}

	// Seed oldest-first so the newest entries end up at the LRU front.
	for i := len(loaded) - 1; i >= 0; i-- {
		sec := int64(loaded[i].epoch)
		nsec := int64((loaded[i].epoch - float64(sec)) * float64(time.Second))
		c.seed(loaded[i].key, time.Unix(sec, nsec))
	}
	return len(loaded), nil
}
