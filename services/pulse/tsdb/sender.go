// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tsdb

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
)

// PointSender delivers a batch of points to the backing store. The
// writer depends on this interface so tests can inject failures.
type PointSender interface {
	Send(ctx context.Context, points []model.Point) error
	Ping(ctx context.Context) error
	Close()
}

// InfluxConfig identifies the target InfluxDB 2.x instance.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// influxSender is the production PointSender backed by the blocking
// write API.
type influxSender struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
}

// NewInfluxSender connects a PointSender to InfluxDB. The connection is
// lazy; failures surface on the first Send or Ping.
func NewInfluxSender(cfg InfluxConfig) PointSender {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &influxSender{
		client: client,
		api:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

func (s *influxSender) Send(ctx context.Context, points []model.Point) error {
	batch := make([]*write.Point, 0, len(points))
	for _, p := range points {
		batch = append(batch, p.ToInflux())
	}
	return s.api.WritePoint(ctx, batch...)
}

func (s *influxSender) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("tsdb: ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("tsdb: instance not ready")
	}
	return nil
}

func (s *influxSender) Close() {
	s.client.Close()
}
