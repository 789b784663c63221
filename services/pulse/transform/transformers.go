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
	"strings"

	"github.com/AleutianAI/AleutianPulse/pkg/validation"
	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
)

// Transformer converts one validated item into zero or more points.
// Implementations must be pure: no I/O, no shared mutable state.
type Transformer interface {
	// Name identifies the transformer in logs.
	Name() string
	// CanTransform reports whether this transformer handles the metric.
	CanTransform(metric string) bool
	// Transform produces points for the item.
	Transform(item Item) ([]model.Point, error)
}

// =============================================================================
// Heart
// =============================================================================

var heartMetrics = map[string]bool{
	"heart_rate":                  true,
	"resting_heart_rate":          true,
	"heart_rate_variability":      true,
	"walking_heart_rate_average":  true,
	"heart_rate_recovery_one_min": true,
}

// HeartTransformer folds all cardiac metrics into a single "heart"
// measurement, one field per source metric, so dashboards can overlay
// them without cross-measurement joins.
type HeartTransformer struct{}

func (HeartTransformer) Name() string { return "heart" }

func (HeartTransformer) CanTransform(metric string) bool {
	return heartMetrics[strings.ToLower(metric)]
}

func (HeartTransformer) Transform(item Item) ([]model.Point, error) {
	ts, err := ParseTime(item.Data["date"])
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	metric := strings.ToLower(item.Name)
	if qty, ok := numberKey(item.Data, "qty"); ok {
		fields[metric] = qty
	}
	// Aggregated exports carry min/max/avg instead of a point value.
	for _, key := range []string{"min", "max", "avg"} {
		if v, ok := numberKey(item.Data, key); ok {
			fields[metric+"_"+key] = v
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("transform: heart item %q has no numeric value", item.Name)
	}

	return []model.Point{{
		Measurement: "heart",
		Tags:        sourceTags(item),
		Timestamp:   ts,
		Fields:      fields,
	}}, nil
}

// =============================================================================
// Workout
// =============================================================================

// WorkoutTransformer handles workout sessions: the point is stamped at
// the session start, tagged by activity type, with the duration in
// minutes computed from the start/end span.
type WorkoutTransformer struct{}

func (WorkoutTransformer) Name() string { return "workout" }

func (WorkoutTransformer) CanTransform(metric string) bool {
	m := strings.ToLower(metric)
	return m == "workout" || m == "workouts"
}

func (WorkoutTransformer) Transform(item Item) ([]model.Point, error) {
	start, err := ParseTime(item.Data["start"])
	if err != nil {
		return nil, err
	}
	end, err := ParseTime(item.Data["end"])
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("transform: workout ends before it starts")
	}

	tags := sourceTags(item)
	if activity, ok := stringKey(item.Data, "name"); ok && !strings.EqualFold(activity, "workout") {
		tags["activity"] = validation.SanitizeTagValue(activity)
	}

	fields := map[string]any{
		"duration_min": end.Sub(start).Minutes(),
	}
	for key, raw := range item.Data {
		if v, ok := raw.(float64); ok {
			fields[key] = v
		}
	}

	return []model.Point{{
		Measurement: "workout",
		Tags:        tags,
		Timestamp:   start,
		Fields:      fields,
	}}, nil
}

// =============================================================================
// Sleep
// =============================================================================

// SleepTransformer maps sleep_analysis samples into a "sleep"
// measurement with one field per sleep stage.
type SleepTransformer struct{}

func (SleepTransformer) Name() string { return "sleep" }

func (SleepTransformer) CanTransform(metric string) bool {
	return strings.ToLower(metric) == "sleep_analysis"
}

func (SleepTransformer) Transform(item Item) ([]model.Point, error) {
	ts, err := ParseTime(item.Data["date"])
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	for key, raw := range item.Data {
		if v, ok := raw.(float64); ok {
			fields[key] = v
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("transform: sleep item has no stage values")
	}

	return []model.Point{{
		Measurement: "sleep",
		Tags:        sourceTags(item),
		Timestamp:   ts,
		Fields:      fields,
	}}, nil
}

// =============================================================================
// Generic (terminal)
// =============================================================================

// GenericTransformer is the terminal fallback: any validated metric item
// becomes a point in a measurement named after the metric itself, with
// every numeric key carried over as a field.
type GenericTransformer struct{}

func (GenericTransformer) Name() string { return "generic" }

func (GenericTransformer) CanTransform(string) bool { return true }

func (GenericTransformer) Transform(item Item) ([]model.Point, error) {
	ts, err := ParseTime(item.Data["date"])
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	for key, raw := range item.Data {
		if v, ok := raw.(float64); ok {
			fields[key] = v
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("transform: item %q has no numeric fields", item.Name)
	}

	measurement := validation.SanitizeTagValue(strings.ToLower(item.Name))
	return []model.Point{{
		Measurement: measurement,
		Tags:        sourceTags(item),
		Timestamp:   ts,
		Fields:      fields,
	}}, nil
}

// sourceTags builds the common tag set: sanitized source and units when
// present.
func sourceTags(item Item) map[string]string {
	tags := map[string]string{}
	if source, ok := stringKey(item.Data, "source"); ok {
		tags["source"] = source
	}
	if item.Units != "" {
		tags["units"] = item.Units
	} else if units, ok := stringKey(item.Data, "units"); ok {
		tags["units"] = units
	}
	return validation.SanitizeTags(tags)
}
