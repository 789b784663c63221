// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive implements the append-only JSONL store of raw payloads —
// the first durability tier of the pulse pipeline.
//
// Every accepted payload is written here before anything else happens to
// it, so the raw bytes survive even if the process crashes between HTTP
// accept and worker pickup. Files rotate daily or hourly, are gzipped
// after a configurable age, and deleted after a retention window.
package archive

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

// Rotation strategies for archive file naming.
const (
	RotationDaily  = "daily"
	RotationHourly = "hourly"
)

// Record is one JSONL line in an archive file.
type Record struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	TS      string `json:"ts"`
	Payload any    `json:"payload"`
}

// Config holds archive store settings.
type Config struct {
	// Dir is the archive directory. Created on Open if missing.
	Dir string

	// Rotation is RotationDaily or RotationHourly.
	Rotation string

	// CompressAfterDays is the age at which a .jsonl file is replaced by
	// its .jsonl.gz form.
	CompressAfterDays int

	// MaxAgeDays is the age at which archive files (either form) are
	// deleted.
	MaxAgeDays int

	// SyncWrites forces fsync after every append. Default off: the
	// archive is a best-effort tier behind the DLQ.
	SyncWrites bool
}

// Store is the append-only archive of raw payloads.
//
// Thread Safety: Store is safe for concurrent use. Appends serialize on a
// per-process mutex; replay readers open fresh handles and never take the
// write lock.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex // guards file append
}

// Open creates the archive directory if needed and returns a Store.
//
// Outputs:
//   - *Store: Ready for Store/Replay calls.
//   - error: Non-nil if the directory cannot be created. Startup must
//     treat this as fatal — refusing to run beats silently losing the
//     durability tier.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Rotation == "" {
		cfg.Rotation = RotationDaily
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create dir %s: %w", cfg.Dir, err)
	}
	return &Store{cfg: cfg, logger: logger}, nil
}

// Store appends one payload record and returns its archive ID.
//
// Description:
//
//	The record lands in the file selected by the rotation policy and
//	receivedAt. If the payload parses as UTF-8 JSON it is embedded in
//	decoded form; otherwise it is wrapped in a {"_binary": base64}
//	envelope so binary-tainted submissions remain inspectable.
//
// Inputs:
//   - topic: Logical payload source, e.g. "http/ingest".
//   - payload: The raw client bytes.
//   - receivedAt: Accept timestamp; selects the rotation key.
//
// Outputs:
//   - string: 16-hex archive ID, collision-free within retention.
//   - error: Non-nil if the append failed. Callers treat this as
//     non-fatal for the HTTP response.
func (s *Store) Store(topic string, payload []byte, receivedAt time.Time) (string, error) {
	id := newArchiveID()

	rec := Record{
		ID:      id,
		Topic:   topic,
		TS:      receivedAt.UTC().Format(time.RFC3339Nano),
		Payload: decodePayload(payload),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("archive: marshal record: %w", err)
	}
	line = append(line, '\n')

	path := filepath.Join(s.cfg.Dir, s.rotationKey(receivedAt)+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return "", fmt.Errorf("archive: append %s: %w", path, err)
	}
	if s.cfg.SyncWrites {
		if err := f.Sync(); err != nil {
			return "", fmt.Errorf("archive: fsync %s: %w", path, err)
		}
	}
	return id, nil
}

// rotationKey formats the file stem for a receive time.
func (s *Store) rotationKey(ts time.Time) string {
	ts = ts.UTC()
	if s.cfg.Rotation == RotationHourly {
		return ts.Format("2006-01-02_15")
	}
	return ts.Format("2006-01-02")
}

// decodePayload returns the JSON-decoded payload, or the binary envelope
// when the bytes are not valid UTF-8 JSON.
func decodePayload(payload []byte) any {
	if utf8.Valid(payload) {
		var v any
		if err := json.Unmarshal(payload, &v); err == nil {
			return v
		}
	}
	return map[string]any{"_binary": base64.StdEncoding.EncodeToString(payload)}
}

// newArchiveID returns 8 random bytes hex-encoded (16 chars).
func newArchiveID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the process is in serious trouble;
		// fall back to a time-derived ID rather than panic mid-ingest.
		now := time.Now().UnixNano()
		for i := 0; i < 8; i++ {
			b[i] = byte(now >> (8 * i))
		}
	}
	return hex.EncodeToString(b[:])
}
