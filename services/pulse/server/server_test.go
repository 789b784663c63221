// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPulse/services/pulse/archive"
	"github.com/AleutianAI/AleutianPulse/services/pulse/config"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dlq"
	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
	"github.com/AleutianAI/AleutianPulse/services/pulse/pipeline"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tsdb"
)

// stubSink scripts Enqueue outcomes and records accepted events.
type stubSink struct {
	started bool
	err     error
	events  []model.IngestionEvent
}

func (s *stubSink) Enqueue(ev model.IngestionEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubSink) Started() bool { return s.started }

type fixture struct {
	server   *Server
	sink     *stubSink
	queueDLQ *dlq.Queue
	dir      string
}

func newFixture(t *testing.T, cfg config.HTTPConfig) *fixture {
	t.Helper()

	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = 1 << 20
	}

	dir := t.TempDir()
	store, err := archive.Open(archive.Config{
		Dir: dir, Rotation: "daily", CompressAfterDays: 7, MaxAgeDays: 30,
	}, nil)
	require.NoError(t, err)

	queueDLQ, err := dlq.Open(dlq.Config{
		DBPath: filepath.Join(t.TempDir(), "dlq.db"), MaxEntries: 100,
		RetentionDays: 14, MaxRetries: 3,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { queueDLQ.Close() })

	sink := &stubSink{started: true}
	return &fixture{
		server:   New(cfg, sink, store, queueDLQ, nil, nil),
		sink:     sink,
		queueDLQ: queueDLQ,
		dir:      dir,
	}
}

func (f *fixture) post(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) archiveFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

const validPayload = `{"data":[{"name":"heart_rate","date":"2024-01-15T10:00:00+00:00","qty":72,"source":"Apple Watch"}]}`

func TestIngest_Accepted(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.post(validPayload, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Status    string `json:"status"`
		ArchiveID string `json:"archive_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Len(t, resp.ArchiveID, 16, "non-null 16-hex archive id")

	require.Len(t, f.sink.events, 1)
	ev := f.sink.events[0]
	assert.Equal(t, "http/ingest", ev.Topic)
	assert.Equal(t, resp.ArchiveID, ev.ArchiveID)
	assert.JSONEq(t, validPayload, string(ev.RawBytes))

	// The payload hit disk before the 202 went out.
	today := time.Now().UTC().Format("2006-01-02")
	assert.Contains(t, f.archiveFiles(t), today+".jsonl")
}

func TestIngest_InvalidJSON(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.post("not valid json {", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid JSON"}`, rec.Body.String())
	assert.Empty(t, f.sink.events)

	// Archived as binary for forensics, and dead-lettered with the
	// archive correlation.
	entries, err := f.queueDLQ.GetEntries(context.Background(), dlq.CategoryJSONParse, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("not valid json {"), entries[0].Payload)
	assert.Len(t, entries[0].ArchiveID, 16)

	data, err := os.ReadFile(filepath.Join(f.dir, time.Now().UTC().Format("2006-01-02")+".jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_binary"`)
}

func TestIngest_Oversize(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{MaxRequestSize: 1024})

	rec := f.post(strings.Repeat("x", 2048), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"Request body too large","max_bytes":1024}`, rec.Body.String())

	// Oversize short-circuits before the durability tier.
	assert.Empty(t, f.archiveFiles(t))
	stats, err := f.queueDLQ.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestIngest_Unauthorized(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{AuthToken: "s3cret"})

	cases := map[string]map[string]string{
		"missing header": nil,
		"wrong token":    {"Authorization": "Bearer wrong"},
		"wrong scheme":   {"Authorization": "Basic s3cret"},
	}
	for name, headers := range cases {
		rec := f.post(validPayload, headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
		assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String(), name)
	}
	assert.Empty(t, f.archiveFiles(t), "401 short-circuits before archive")

	rec := f.post(validPayload, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngest_QueueFull(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	f.sink.err = pipeline.ErrQueueFull

	rec := f.post(validPayload, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Service overloaded, try again later"}`, rec.Body.String())
}

func TestIngest_NotStarted(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	f.sink.err = pipeline.ErrNotStarted

	rec := f.post(validPayload, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Service not ready"}`, rec.Body.String())
}

func TestIngest_InvalidUTF8(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	req := httptest.NewRequest(http.MethodPost, "/ingest",
		bytes.NewReader([]byte{'{', 0xff, 0xfe, '}'}))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	entries, err := f.queueDLQ.GetEntries(context.Background(), dlq.CategoryUnicodeDecode, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReady_PipelineDown(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	f.sink.started = false

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.sink.started = true
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestID_Propagated(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.post(validPayload, map[string]string{RequestIDHeader: "trace-123"})
	assert.Equal(t, "trace-123", rec.Header().Get(RequestIDHeader))

	rec = f.post(validPayload, nil)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader), "server mints an id when absent")
}

// noopSender satisfies tsdb.PointSender for readiness tests.
type noopSender struct{}

func (noopSender) Send(context.Context, []model.Point) error { return nil }
func (noopSender) Ping(context.Context) error                { return nil }
func (noopSender) Close()                                    {}

func TestReady_ReportsWriterHealth(t *testing.T) {
	sink := &stubSink{started: true}
	w := tsdb.NewWriter(tsdb.WriterConfig{}, noopSender{}, nil, nil)
	srv := New(config.HTTPConfig{MaxRequestSize: 1 << 20}, sink, nil, nil, w, nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string      `json:"status"`
		Writer tsdb.Health `json:"writer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.True(t, resp.Writer.Live)
	assert.Equal(t, 0, resp.Writer.BufferLen)
	assert.Equal(t, tsdb.MaxBufferSize, resp.Writer.BufferCap)
	assert.Equal(t, uint64(0), resp.Writer.Dropped)
}
