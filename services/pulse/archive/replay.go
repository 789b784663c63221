// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ReplayFunc receives one archived record during Replay.
type ReplayFunc func(topic string, payload any, archiveID string) error

// Replay enumerates archived records whose rotation key falls within the
// inclusive [from, to] date range, in on-disk order, invoking fn per record.
//
// Description:
//
//	Both .jsonl and .jsonl.gz files are read transparently. Malformed
//	JSONL lines are logged and skipped; a corrupt line never aborts the
//	replay. An error returned by fn stops the replay and is propagated.
//	Readers open fresh handles, so replay is safe to run concurrently
//	with live ingestion.
//
// Inputs:
//   - ctx: Cancellation; checked between files and records.
//   - from, to: Inclusive date bounds (compared at day granularity).
//   - fn: Callback per record. Must not be nil.
func (s *Store) Replay(ctx context.Context, from, to time.Time, fn ReplayFunc) error {
	files, err := s.filesInRange(from, to)
	if err != nil {
		return err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.replayFile(ctx, path, fn); err != nil {
			return err
		}
	}
	return nil
}

// CountInRange returns the number of replayable records in the date range
// without invoking any callback. Used by the CLI dry-run mode.
func (s *Store) CountInRange(ctx context.Context, from, to time.Time) (int, error) {
	n := 0
	err := s.Replay(ctx, from, to, func(string, any, string) error {
		n++
		return nil
	})
	return n, err
}

// filesInRange lists archive files whose rotation key date is within the
// inclusive range, sorted by name so records replay in rotation order.
func (s *Store) filesInRange(from, to time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("archive: read dir %s: %w", s.cfg.Dir, err)
	}

	fromDay := from.UTC().Truncate(24 * time.Hour)
	toDay := to.UTC().Truncate(24 * time.Hour)

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		day, ok := fileDate(name)
		if !ok {
			continue
		}
		if day.Before(fromDay) || day.After(toDay) {
			continue
		}
		files = append(files, filepath.Join(s.cfg.Dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// fileDate extracts the date from an archive filename.
// Accepts YYYY-MM-DD.jsonl, YYYY-MM-DD_HH.jsonl, and their .gz forms.
func fileDate(name string) (time.Time, bool) {
	stem := strings.TrimSuffix(name, ".gz")
	stem = strings.TrimSuffix(stem, ".jsonl")
	if i := strings.IndexByte(stem, '_'); i >= 0 {
		stem = stem[:i]
	}
	day, err := time.Parse("2006-01-02", stem)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func (s *Store) replayFile(ctx context.Context, path string, fn ReplayFunc) error {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("archive replay: open failed, skipping file",
			"file", path, "error", err)
		return nil
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			s.logger.Error("archive replay: bad gzip stream, skipping file",
				"file", path, "error", err)
			return nil
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}

		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.logger.Warn("archive replay: skipping malformed line",
				"file", path, "line", lineNo, "error", err)
			continue
		}
		if err := fn(rec.Topic, rec.Payload, rec.ID); err != nil {
			return fmt.Errorf("archive: replay callback at %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("archive replay: scan error, rest of file skipped",
			"file", path, "line", lineNo, "error", err)
	}
	return nil
}
