// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the ingest HTTP surface: POST /ingest plus
// liveness, readiness, and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianPulse/services/pulse/archive"
	"github.com/AleutianAI/AleutianPulse/services/pulse/config"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dlq"
	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
	"github.com/AleutianAI/AleutianPulse/services/pulse/observability"
	"github.com/AleutianAI/AleutianPulse/services/pulse/pipeline"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tsdb"
)

// ingestTopic labels payloads arriving through the HTTP front door.
const ingestTopic = "http/ingest"

// EventSink is where accepted payloads go. Satisfied by the pipeline.
type EventSink interface {
	Enqueue(ev model.IngestionEvent) error
	Started() bool
}

// Server is the ingest HTTP server.
type Server struct {
	cfg      config.HTTPConfig
	sink     EventSink
	archive  *archive.Store // nil when archiving is disabled
	queueDLQ *dlq.Queue     // nil when the DLQ is disabled
	writer   *tsdb.Writer
	logger   *slog.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
}

// New builds the server and its route table.
func New(cfg config.HTTPConfig, sink EventSink, archiveStore *archive.Store,
	queueDLQ *dlq.Queue, writer *tsdb.Writer, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID())

	s := &Server{
		cfg:      cfg,
		sink:     sink,
		archive:  archiveStore,
		queueDLQ: queueDLQ,
		writer:   writer,
		logger:   logger,
		engine:   engine,
	}

	engine.POST("/ingest", bearerAuth(cfg.AuthToken), s.handleIngest)
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", "addr", s.httpSrv.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// =============================================================================
// Handlers
// =============================================================================

// handleIngest implements the front-door procedure: size check, archive,
// parse, enqueue. Auth has already run as middleware.
//
// A 202 promises the payload is archived and queued, not that it will
// reach the store. 401 and 413 short-circuit before the archive write;
// 400 archives and dead-letters for forensics.
func (s *Server) handleIngest(c *gin.Context) {
	if c.Request.ContentLength > s.cfg.MaxRequestSize {
		s.reject(c, http.StatusRequestEntityTooLarge, gin.H{
			"error":     "Request body too large",
			"max_bytes": s.cfg.MaxRequestSize,
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		s.logger.Warn("ingest body read failed", "error", err)
		s.reject(c, http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if int64(len(body)) > s.cfg.MaxRequestSize {
		s.reject(c, http.StatusRequestEntityTooLarge, gin.H{
			"error":     "Request body too large",
			"max_bytes": s.cfg.MaxRequestSize,
		})
		return
	}

	// Archive before anything can fail so the payload survives a crash
	// between accept and enqueue.
	archiveID := ""
	if s.archive != nil {
		archiveID, err = s.archive.Store(ingestTopic, body, time.Now().UTC())
		if err != nil {
			s.logger.Error("archive write failed, continuing without archive id", "error", err)
			archiveID = ""
		}
	}

	var parsed any
	if !utf8.Valid(body) {
		s.deadLetterInline(c, dlq.CategoryUnicodeDecode, body,
			"request body is not valid UTF-8", archiveID)
		s.reject(c, http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		s.deadLetterInline(c, dlq.CategoryJSONParse, body, err.Error(), archiveID)
		s.reject(c, http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	err = s.sink.Enqueue(model.IngestionEvent{
		Topic:      ingestTopic,
		RawBytes:   body,
		Parsed:     parsed,
		ArchiveID:  archiveID,
		EnqueuedAt: time.Now().UTC(),
	})
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		s.reject(c, http.StatusTooManyRequests, gin.H{"error": "Service overloaded, try again later"})
		return
	case errors.Is(err, pipeline.ErrNotStarted):
		s.reject(c, http.StatusServiceUnavailable, gin.H{"error": "Service not ready"})
		return
	case err != nil:
		s.logger.Error("enqueue failed", "error", err)
		s.reject(c, http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	observability.IngestRequests.WithLabelValues(strconv.Itoa(http.StatusAccepted)).Inc()
	observability.IngestBytes.Observe(float64(len(body)))

	var idBody any
	if archiveID != "" {
		idBody = archiveID
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "archive_id": idBody})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady degrades when the pipeline is down or the write-path
// circuit breaker is open. The response carries the writer health
// snapshot: liveness, buffer depth and cap, dropped-point total.
func (s *Server) handleReady(c *gin.Context) {
	if !s.sink.Started() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "pipeline stopped"})
		return
	}
	if s.writer == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	health := s.writer.HealthCheck(c.Request.Context())
	stats := s.writer.Breaker().Stats()
	if stats.State == "open" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded", "reason": "write circuit open",
			"breaker": stats, "writer": health,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "writer": health})
}

// =============================================================================
// Helpers
// =============================================================================

// reject writes an error response and counts it.
func (s *Server) reject(c *gin.Context, status int, body gin.H) {
	observability.IngestRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	c.JSON(status, body)
}

// deadLetterInline files front-door failures; DLQ errors are logged, the
// client still gets its 4xx.
func (s *Server) deadLetterInline(c *gin.Context, category dlq.Category, body []byte, msg, archiveID string) {
	if s.queueDLQ == nil {
		return
	}
	_, err := s.queueDLQ.Enqueue(c.Request.Context(), category, ingestTopic, body, msg, "", archiveID)
	if err != nil {
		s.logger.Error("front-door dead-letter failed", "category", category, "error", err)
		return
	}
	observability.DLQEnqueued.WithLabelValues(string(category)).Inc()
}
