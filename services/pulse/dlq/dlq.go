// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dlq implements the dead-letter queue: a durable, inspectable
// SQLite catalog of every payload the pipeline could not process, with
// per-category stats and a capped-retry replay workflow.
package dlq

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Category classifies why a payload landed in the DLQ.
type Category string

const (
	CategoryJSONParse     Category = "json_parse_error"
	CategoryUnicodeDecode Category = "unicode_decode_error"
	CategoryValidation    Category = "validation_error"
	CategoryTransform     Category = "transform_error"
	CategoryWrite         Category = "write_error"
	CategoryUnknown       Category = "unknown_error"
)

// Entry is one dead-lettered payload.
type Entry struct {
	ID             string     `json:"id"`
	Category       Category   `json:"category"`
	Topic          string     `json:"topic"`
	Payload        []byte     `json:"-"`
	ErrorMessage   string     `json:"error_message"`
	ErrorTraceback string     `json:"error_traceback,omitempty"`
	ArchiveID      string     `json:"archive_id,omitempty"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastRetryAt    *time.Time `json:"last_retry_at,omitempty"`
}

// Config holds DLQ settings.
type Config struct {
	DBPath        string
	MaxEntries    int
	RetentionDays int
	MaxRetries    int
}

// Queue is the SQLite-backed dead-letter queue.
//
// Thread Safety: all operations serialize through SQLite with WAL
// journaling and a 5 s busy timeout; no application-level locking is
// required.
type Queue struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger

	totalEnqueued atomic.Uint64
	totalReplayed atomic.Uint64
	totalFailed   atomic.Uint64
}

const dlqSchema = `
CREATE TABLE IF NOT EXISTS dlq_entries (
    id              TEXT PRIMARY KEY,
    category        TEXT NOT NULL,
    topic           TEXT NOT NULL,
    payload         BLOB NOT NULL,
    error_message   TEXT NOT NULL,
    error_traceback TEXT,
    archive_id      TEXT,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    created_at      REAL NOT NULL,
    last_retry_at   REAL
);
CREATE INDEX IF NOT EXISTS idx_dlq_category   ON dlq_entries(category);
CREATE INDEX IF NOT EXISTS idx_dlq_created_at ON dlq_entries(created_at);`

// Open opens (or creates) the DLQ database.
//
// Outputs:
//   - *Queue: Ready for use.
//   - error: Non-nil if the database cannot be initialized. Startup must
//     treat this as fatal: without the DLQ the pipeline has no durable
//     failure record.
func Open(cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("dlq: create dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.DBPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("dlq: open %s: %w", cfg.DBPath, err)
	}
	if _, err := db.Exec(dlqSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dlq: create schema: %w", err)
	}
	return &Queue{cfg: cfg, db: db, logger: logger}, nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue records a failed payload and returns the new entry ID.
//
// Description:
//
//	The payload is stored zlib-compressed. Every enqueue triggers a
//	best-effort cleanup pass enforcing retention and the max-entries
//	cap (oldest evicted first); cleanup failures are logged, never
//	propagated.
func (q *Queue) Enqueue(ctx context.Context, category Category, topic string, payload []byte, errMsg, traceback, archiveID string) (string, error) {
	id := newEntryID()

	compressed, err := compress(payload)
	if err != nil {
		return "", fmt.Errorf("dlq: compress payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO dlq_entries
		 (id, category, topic, payload, error_message, error_traceback, archive_id, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, string(category), topic, compressed, errMsg, traceback,
		nullable(archiveID), epochNow())
	if err != nil {
		return "", fmt.Errorf("dlq: insert entry: %w", err)
	}
	q.totalEnqueued.Add(1)

	if err := q.cleanup(ctx); err != nil {
		q.logger.Warn("dlq cleanup pass failed", "error", err)
	}
	return id, nil
}

// GetEntry returns one entry by ID, or nil when absent.
func (q *Queue) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx,
		selectColumns+` FROM dlq_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetEntries returns a page of entries, newest first. An empty category
// matches all categories.
func (q *Queue) GetEntries(ctx context.Context, category Category, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := selectColumns + ` FROM dlq_entries`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dlq: query entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEntry removes one entry. Returns true when a row was deleted.
func (q *Queue) DeleteEntry(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("dlq: delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear removes all entries and returns the deleted count.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dlq_entries`)
	if err != nil {
		return 0, fmt.Errorf("dlq: clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// cleanup enforces retention and the max-entries cap.
func (q *Queue) cleanup(ctx context.Context) error {
	cutoff := epochAt(time.Now().AddDate(0, 0, -q.cfg.RetentionDays))
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM dlq_entries WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("retention delete: %w", err)
	}

	if q.cfg.MaxEntries > 0 {
		_, err := q.db.ExecContext(ctx,
			`DELETE FROM dlq_entries WHERE id NOT IN (
			     SELECT id FROM dlq_entries ORDER BY created_at DESC LIMIT ?
			 )`, q.cfg.MaxEntries)
		if err != nil {
			return fmt.Errorf("cap eviction: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Row plumbing
// =============================================================================

const selectColumns = `SELECT id, category, topic, payload, error_message,
	COALESCE(error_traceback, ''), COALESCE(archive_id, ''), retry_count,
	created_at, last_retry_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var (
		e         Entry
		category  string
		blob      []byte
		createdAt float64
		lastRetry sql.NullFloat64
	)
	err := row.Scan(&e.ID, &category, &e.Topic, &blob, &e.ErrorMessage,
		&e.ErrorTraceback, &e.ArchiveID, &e.RetryCount, &createdAt, &lastRetry)
	if err != nil {
		return nil, err
	}

	e.Category = Category(category)
	e.Payload = decompress(blob)
	e.CreatedAt = fromEpoch(createdAt)
	if lastRetry.Valid {
		ts := fromEpoch(lastRetry.Float64)
		e.LastRetryAt = &ts
	}
	return &e, nil
}

// compress zlib-compresses a payload for storage.
func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress attempts zlib decompression, falling back to the raw bytes
// so legacy uncompressed rows stay readable.
func decompress(blob []byte) []byte {
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return blob
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return blob
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func epochNow() float64 { return epochAt(time.Now()) }

func epochAt(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(epoch float64) time.Time {
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func newEntryID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UnixNano()
		for i := 0; i < 8; i++ {
			b[i] = byte(now >> (8 * i))
		}
	}
	return hex.EncodeToString(b[:])
}

// IsReplayable reports whether the stored payload decompresses into valid
// UTF-8 JSON. Binary-tainted payloads remain inspectable only.
func (e *Entry) IsReplayable() bool {
	return json.Valid(e.Payload)
}
