package services

import (
	"sort"
	"time"

	"puclima/models"
)

// ShouldCommit reports whether the reading that brought the device counter
// to count is sampled into history. every must be at least 1.
func ShouldCommit(count int64, every int) bool {
	if every < 1 {
		every = 1
	}
	return count > 0 && count%int64(every) == 0
}

// NewHistoryEntry snapshots the current sample
func NewHistoryEntry(sample models.SensorSample, delta RainDelta, committedAt time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		TemperatureC:      sample.TemperatureC,
		HumidityPct:       sample.HumidityPct,
		SolarRadiationWM2: sample.SolarRadiationWM2,
		WindDirectionDeg:  sample.WindDirectionDeg,
		WindSpeedAvgMS:    sample.WindSpeedAvgMS,
		WindSpeedGustMS:   sample.WindSpeedGustMS,
		RainLevelM:        sample.RainLevelM,
		RainSinceLastMM:   models.Float(RoundTo2(delta.MM)),
		SourceTimestamp:   sample.SourceTimestamp,
		CommittedAt:       committedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Evict picks the IDs to delete so that at most max entries remain.
// entries must be in insertion order (as returned by ListHistory).
//
// When every entry resolves a timestamp the oldest by resolved time go first,
// ties broken by insertion order; otherwise insertion order alone decides.
// The most recently inserted entry is never picked.
func Evict(entries []models.StoredEntry, max int) []string {
	if max < 1 {
		max = 1
	}
	excess := len(entries) - max
	if excess <= 0 {
		return nil
	}

	type candidate struct {
		id  string
		pos int
		ts  float64
	}

	newest := len(entries) - 1
	candidates := make([]candidate, 0, newest)
	resolvable := true
	for i, e := range entries[:newest] {
		ts, ok := ResolveTimestamp(e.Entry)
		if !ok {
			resolvable = false
		}
		candidates = append(candidates, candidate{id: e.ID, pos: i, ts: ts})
	}

	if _, ok := ResolveTimestamp(entries[newest].Entry); !ok {
		resolvable = false
	}

	if resolvable {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].ts != candidates[j].ts {
				return candidates[i].ts < candidates[j].ts
			}
			return candidates[i].pos < candidates[j].pos
		})
	}

	ids := make([]string, 0, excess)
	for _, c := range candidates[:excess] {
		ids = append(ids, c.id)
	}
	return ids
}
