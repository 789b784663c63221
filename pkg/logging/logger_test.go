// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "pulse-test",
		Quiet:   true,
	})

	logger.Info("hello", "k", "v")
	logger.Debug("debug line")
	require.NoError(t, logger.Close())

	filename := "pulse-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var lines []map[string]any
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "file logs are JSONL")
		lines = append(lines, entry)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0]["msg"])
	assert.Equal(t, "v", lines[0]["k"])
	assert.Equal(t, "pulse-test", lines[0]["service"])
}

func TestNew_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelWarn, LogDir: dir, Service: "svc", Quiet: true})

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	require.NoError(t, logger.Close())

	filename := "svc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), "kept")
}

func TestClose_Idempotent(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".pulse/logs"), expandPath("~/.pulse/logs"))
	assert.Equal(t, home, expandPath("~"))
	assert.Equal(t, "/var/log/pulse", expandPath("/var/log/pulse"))
	assert.Equal(t, "relative/path", expandPath("relative/path"))
}

// recordingHandler captures records for multiHandler assertions.
type recordingHandler struct {
	level   slog.Level
	records []slog.Record
}

func (h *recordingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func TestMultiHandler_FansOutRespectingLevels(t *testing.T) {
	verbose := &recordingHandler{level: slog.LevelDebug}
	terse := &recordingHandler{level: slog.LevelWarn}
	logger := slog.New(&multiHandler{handlers: []slog.Handler{verbose, terse}})

	logger.Debug("low")
	logger.Warn("high")

	assert.Len(t, verbose.records, 2)
	require.Len(t, terse.records, 1)
	assert.Equal(t, "high", terse.records[0].Message)
}
