// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianPulse/services/pulse/dlq"
	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
)

// Error is a payload-level transform failure carrying the DLQ category
// the caller should file it under.
type Error struct {
	Category dlq.Category
	Err      error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Registry dispatches flattened items across an ordered transformer
// chain. First match wins; the generic transformer at the end of the
// default chain guarantees every validated item finds a home.
type Registry struct {
	transformers []Transformer
	logger       *slog.Logger
}

// NewRegistry builds a registry with the default transformer chain.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		transformers: []Transformer{
			HeartTransformer{},
			WorkoutTransformer{},
			SleepTransformer{},
			GenericTransformer{},
		},
		logger: logger,
	}
}

// Transform converts a decoded payload into points.
//
// Description:
//
//	Flattens the payload, validates each item, and dispatches valid
//	items to the first matching transformer. Per-item validation and
//	transform failures are logged and skipped. A structurally broken
//	payload returns a *Error with the DLQ category to file under.
//	An unrecognized-but-well-formed payload yields an empty slice and
//	no error.
func (r *Registry) Transform(payload any) ([]model.Point, error) {
	items, err := Flatten(payload)
	if err != nil {
		return nil, &Error{Category: dlq.CategoryTransform, Err: err}
	}

	points := make([]model.Point, 0, len(items))
	for _, item := range items {
		if err := ValidateItem(item); err != nil {
			r.logger.Debug("dropping invalid item", "metric", item.Name, "error", err)
			continue
		}

		t := r.match(item)
		pts, err := r.transformItem(t, item)
		if err != nil {
			r.logger.Warn("transformer failed on item",
				"transformer", t.Name(), "metric", item.Name, "error", err)
			continue
		}
		points = append(points, pts...)
	}
	return points, nil
}

// match returns the first transformer accepting the item. Workout items
// identified by shape are routed to the workout transformer even when
// the metric name is an activity label like "Running".
func (r *Registry) match(item Item) Transformer {
	if isWorkout(item) {
		for _, t := range r.transformers {
			if _, ok := t.(WorkoutTransformer); ok {
				return t
			}
		}
	}
	for _, t := range r.transformers {
		if t.CanTransform(item.Name) {
			return t
		}
	}
	// Unreachable with the default chain; kept for custom chains.
	return GenericTransformer{}
}

// transformItem isolates transformer panics so one bad item cannot take
// down a worker.
func (r *Registry) transformItem(t Transformer, item Item) (pts []model.Point, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pts = nil
			err = fmt.Errorf("transform: %s panicked: %v", t.Name(), rec)
		}
	}()
	return t.Transform(item)
}
