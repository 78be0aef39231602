package services

import (
	"math"
	"sort"
	"time"

	"puclima/models"
)

// Source timestamps above this are taken to be epoch milliseconds
const millisecondEpochThreshold = 1e11

// ResolveTimestamp returns the ordering time of an entry in epoch seconds.
// The source timestamp wins when present; the commit time is the fallback.
func ResolveTimestamp(entry models.HistoryEntry) (float64, bool) {
	if ts := entry.SourceTimestamp; ts.Valid {
		if math.Abs(ts.Value) > millisecondEpochThreshold {
			return ts.Value / 1000, true
		}
		return ts.Value, true
	}

	if entry.CommittedAt == "" {
		return 0, false
	}
	committed, err := time.Parse(time.RFC3339Nano, entry.CommittedAt)
	if err != nil {
		return 0, false
	}
	return float64(committed.UnixNano()) / float64(time.Second), true
}

// WindowTotal returns the precipitation, in millimeters, between the earliest
// retained entry inside the trailing window and the latest entry. When the
// window is wider than the retained history, the earliest entry is used.
//
// Entries without a resolvable timestamp are ignored. The result is empty when
// nothing resolves or a rain level is missing, and is not clamped: a negative
// total means the gauge was reset inside the window.
func WindowTotal(entries []models.StoredEntry, windowMinutes int) models.NullFloat {
	type point struct {
		ts    float64
		pos   int
		level models.NullFloat
	}

	points := make([]point, 0, len(entries))
	for i, e := range entries {
		ts, ok := ResolveTimestamp(e.Entry)
		if !ok {
			continue
		}
		points = append(points, point{ts: ts, pos: i, level: e.Entry.RainLevelM})
	}
	if len(points) == 0 {
		return models.NullFloat{}
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].ts != points[j].ts {
			return points[i].ts < points[j].ts
		}
		return points[i].pos < points[j].pos
	})

	latest := points[len(points)-1]
	threshold := latest.ts - float64(windowMinutes)*60

	earlier := points[0]
	for _, p := range points {
		if p.ts >= threshold {
			earlier = p
			break
		}
	}

	if !latest.level.Valid || !earlier.level.Valid {
		return models.NullFloat{}
	}
	return models.Float((latest.level.Value - earlier.level.Value) * metersToMillimeters)
}
