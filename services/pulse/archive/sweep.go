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
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CompressOld gzips every .jsonl file whose rotation date is older than
// CompressAfterDays, then removes the original.
//
// Description:
//
//	Runs as a periodic background task. Failure on a single file is
//	logged and the sweep continues; the write mutex is never held, so
//	sweeps do not stall live ingestion. The current rotation file is
//	never old enough to qualify.
//
// Outputs:
//   - int: Number of files compressed.
func (s *Store) CompressOld(now time.Time) int {
	cutoff := now.UTC().AddDate(0, 0, -s.cfg.CompressAfterDays)

	compressed := 0
	for _, path := range s.filesOlderThan(cutoff, ".jsonl") {
		if err := gzipFile(path); err != nil {
			s.logger.Error("archive compress: file failed, continuing",
				"file", path, "error", err)
			continue
		}
		compressed++
		s.logger.Info("archive file compressed", "file", filepath.Base(path))
	}
	return compressed
}

// DeleteExpired removes archive files (compressed or not) whose rotation
// date is older than MaxAgeDays. Per-file failures are isolated.
//
// Outputs:
//   - int: Number of files deleted.
func (s *Store) DeleteExpired(now time.Time) int {
	cutoff := now.UTC().AddDate(0, 0, -s.cfg.MaxAgeDays)

	deleted := 0
	for _, suffix := range []string{".jsonl", ".jsonl.gz"} {
		for _, path := range s.filesOlderThan(cutoff, suffix) {
			if err := os.Remove(path); err != nil {
				s.logger.Error("archive retention: delete failed, continuing",
					"file", path, "error", err)
				continue
			}
			deleted++
			s.logger.Info("archive file deleted", "file", filepath.Base(path))
		}
	}
	return deleted
}

// filesOlderThan lists files with the exact suffix whose rotation date is
// strictly before the cutoff day.
func (s *Store) filesOlderThan(cutoff time.Time, suffix string) []string {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.logger.Error("archive sweep: read dir failed", "dir", s.cfg.Dir, "error", err)
		return nil
	}
	cutoffDay := cutoff.Truncate(24 * time.Hour)

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		// ".jsonl" must not also match ".jsonl.gz" files.
		if suffix == ".jsonl" && strings.HasSuffix(e.Name(), ".gz") {
			continue
		}
		day, ok := fileDate(e.Name())
		if !ok {
			continue
		}
		if day.Before(cutoffDay) {
			out = append(out, filepath.Join(s.cfg.Dir, e.Name()))
		}
	}
	return out
}

// gzipFile streams src into src+".gz" and removes src on success.
func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer in.Close()

	dst := src + ".gz"
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("finalize gzip: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close %s: %w", dst, err)
	}

	return os.Remove(src)
}
