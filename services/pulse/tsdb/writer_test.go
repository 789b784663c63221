// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tsdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
)

// fakeSender scripts per-call outcomes and records every batch.
type fakeSender struct {
	mu      sync.Mutex
	errs    []error // consumed in order; nil past the end
	batches [][]model.Point
}

func (s *fakeSender) Send(_ context.Context, points []model.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]model.Point(nil), points...))
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *fakeSender) Ping(context.Context) error { return nil }
func (s *fakeSender) Close()                     {}

func (s *fakeSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testPoints(n int) []model.Point {
	pts := make([]model.Point, n)
	for i := range pts {
		pts[i] = model.Point{
			Measurement: "heart",
			Tags:        map[string]string{"source": "test"},
			Timestamp:   time.Unix(int64(1700000000+i), 0),
			Fields:      map[string]any{"heart_rate": float64(60 + i)},
		}
	}
	return pts
}

func newTestWriter(sender PointSender, maxRetries int) *Writer {
	return NewWriter(WriterConfig{
		BatchSize:    100,
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
	}, sender, NewBreaker(BreakerConfig{FailureThreshold: 100}), nil)
}

func TestWriter_WriteSuccess(t *testing.T) {
	sender := &fakeSender{}
	w := newTestWriter(sender, 3)

	err := w.Write(context.Background(), testPoints(5))
	require.NoError(t, err)
	assert.Equal(t, 1, sender.calls())
	assert.Equal(t, 0, w.BufferLen())
}

// Transient failures are retried and succeed without losing points.
func TestWriter_RetryableFailuresThenSuccess(t *testing.T) {
	sender := &fakeSender{errs: []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
	}}
	w := newTestWriter(sender, 3)

	err := w.Write(context.Background(), testPoints(4))
	require.NoError(t, err)
	assert.Equal(t, 3, sender.calls(), "two failures then a success")
	assert.Equal(t, 0, w.BufferLen(), "nothing requeued after eventual success")
}

func TestWriter_RetryExhaustionRequeues(t *testing.T) {
	sender := &fakeSender{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	w := newTestWriter(sender, 3)

	err := w.Write(context.Background(), testPoints(7))
	require.NoError(t, err, "retryable exhaustion is not an error; the batch is requeued")
	assert.Equal(t, 7, w.BufferLen())

	// The periodic flush picks the requeued batch up once the store heals.
	w.Flush(context.Background())
	assert.Equal(t, 0, w.BufferLen())
	assert.Equal(t, 4, sender.calls())
}

func TestWriter_AuthFailureSurfaces(t *testing.T) {
	sender := &fakeSender{errs: []error{
		&influxhttp.Error{StatusCode: 401, Message: "unauthorized"},
	}}
	w := newTestWriter(sender, 3)

	err := w.Write(context.Background(), testPoints(2))
	require.Error(t, err)
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, Auth, werr.Kind)
	assert.Equal(t, 1, sender.calls(), "auth failures are not retried")
	assert.Equal(t, 0, w.BufferLen(), "rejected batches are not requeued")
}

func TestWriter_NonRetryableSurfaces(t *testing.T) {
	sender := &fakeSender{errs: []error{
		&influxhttp.Error{StatusCode: 422, Message: "field type conflict"},
	}}
	w := newTestWriter(sender, 3)

	err := w.Write(context.Background(), testPoints(2))
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, NonRetryable, werr.Kind)
	assert.Equal(t, 1, sender.calls())
}

func TestWriter_429IsRetryable(t *testing.T) {
	sender := &fakeSender{errs: []error{
		&influxhttp.Error{StatusCode: 429, Message: "too many requests"},
	}}
	w := newTestWriter(sender, 3)

	err := w.Write(context.Background(), testPoints(1))
	require.NoError(t, err)
	assert.Equal(t, 2, sender.calls(), "429 retried")
}

// Requeueing past the buffer cap drops the oldest points first.
func TestWriter_RequeueOverflowDropsOldest(t *testing.T) {
	sender := &fakeSender{}
	w := newTestWriter(sender, 1)

	old := testPoints(MaxBufferSize)
	w.mu.Lock()
	w.buffer = append([]model.Point(nil), old...)
	w.mu.Unlock()

	fresh := []model.Point{{
		Measurement: "heart",
		Timestamp:   time.Unix(1800000000, 0),
		Fields:      map[string]any{"heart_rate": 99.0},
	}}
	w.requeue(fresh)

	assert.Equal(t, MaxBufferSize, w.BufferLen(), "cap enforced")
	w.mu.Lock()
	first, last := w.buffer[0], w.buffer[len(w.buffer)-1]
	w.mu.Unlock()
	assert.Equal(t, 99.0, first.Fields["heart_rate"], "requeued batch sits at the front")
	assert.Equal(t, old[len(old)-1].Fingerprint(), last.Fingerprint(),
		"newest of the old points survives; the oldest was dropped")
}

func TestWriter_AddFlushesAtBatchSize(t *testing.T) {
	sender := &fakeSender{}
	w := NewWriter(WriterConfig{BatchSize: 10, MaxRetries: 1, RetryBackoff: time.Millisecond},
		sender, nil, nil)

	w.Add(context.Background(), testPoints(9))
	assert.Equal(t, 0, sender.calls(), "below batch size, nothing sent")

	w.Add(context.Background(), testPoints(1))
	assert.Equal(t, 1, sender.calls())
	assert.Equal(t, 0, w.BufferLen())
}

func TestWriter_OpenBreakerRequeuesWithoutSending(t *testing.T) {
	sender := &fakeSender{}
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	breaker.RecordFailure() // trip it

	w := NewWriter(WriterConfig{MaxRetries: 3, RetryBackoff: time.Millisecond},
		sender, breaker, nil)

	err := w.Write(context.Background(), testPoints(3))
	require.NoError(t, err)
	assert.Equal(t, 0, sender.calls(), "open circuit short-circuits the send")
	assert.Equal(t, 3, w.BufferLen())
}

// A storm of failures trips the breaker; after the cooldown a healthy
// probe closes it again and writes resume.
func TestWriter_BreakerTripAndRecovery(t *testing.T) {
	var errs []error
	for i := 0; i < 5; i++ {
		errs = append(errs, fmt.Errorf("outage %d", i))
	}
	sender := &fakeSender{errs: errs}
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute})
	now := time.Now()
	breaker.now = func() time.Time { return now }

	w := NewWriter(WriterConfig{MaxRetries: 5, RetryBackoff: time.Millisecond},
		sender, breaker, nil)

	require.NoError(t, w.Write(context.Background(), testPoints(2)))
	assert.Equal(t, BreakerOpen, breaker.State())
	assert.Equal(t, 2, w.BufferLen())

	// Store heals, cooldown passes: the next flush probes and succeeds.
	now = now.Add(2 * time.Minute)
	breaker.now = func() time.Time { return now }
	w.Flush(context.Background())
	assert.Equal(t, BreakerClosed, breaker.State())
	assert.Equal(t, 0, w.BufferLen())
}

// The health snapshot reports liveness, buffer state, and the lifetime
// dropped-points total.
func TestWriter_HealthCheckReportsDrops(t *testing.T) {
	sender := &fakeSender{}
	w := newTestWriter(sender, 1)

	w.mu.Lock()
	w.buffer = append([]model.Point(nil), testPoints(MaxBufferSize)...)
	w.mu.Unlock()
	w.requeue(testPoints(5))

	h := w.HealthCheck(context.Background())
	assert.True(t, h.Live)
	assert.Equal(t, MaxBufferSize, h.BufferLen)
	assert.Equal(t, MaxBufferSize, h.BufferCap)
	assert.Equal(t, uint64(5), h.Dropped, "overflow drops are in the lifetime total")
	assert.Equal(t, uint64(5), w.Dropped())
}

func TestWriter_FlushCountsPermanentDrops(t *testing.T) {
	sender := &fakeSender{errs: []error{
		&influxhttp.Error{StatusCode: 422, Message: "field type conflict"},
	}}
	w := newTestWriter(sender, 3)

	w.Add(context.Background(), testPoints(3))
	w.Flush(context.Background())

	assert.Equal(t, 0, w.BufferLen())
	assert.Equal(t, uint64(3), w.Dropped(), "permanent rejections are counted, not requeued")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&influxhttp.Error{StatusCode: 401}, Auth},
		{&influxhttp.Error{StatusCode: 403}, Auth},
		{&influxhttp.Error{StatusCode: 400}, NonRetryable},
		{&influxhttp.Error{StatusCode: 422}, NonRetryable},
		{&influxhttp.Error{StatusCode: 429}, Retryable},
		{&influxhttp.Error{StatusCode: 500}, Retryable},
		{&influxhttp.Error{StatusCode: 503}, Retryable},
		{context.DeadlineExceeded, Retryable},
		{errors.New("dial tcp: connection refused"), Retryable},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err).Kind, "%v", c.err)
	}
}
