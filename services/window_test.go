package services

import (
	"testing"
	"time"

	"puclima/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const windowBase = 1700000000.0

func rainAt(id string, ts, level float64) models.StoredEntry {
	return models.StoredEntry{ID: id, Entry: models.HistoryEntry{
		SourceTimestamp: models.Float(ts),
		RainLevelM:      models.Float(level),
	}}
}

func TestResolveTimestamp(t *testing.T) {
	ts, ok := ResolveTimestamp(models.HistoryEntry{SourceTimestamp: models.Float(windowBase)})
	require.True(t, ok)
	assert.Equal(t, windowBase, ts)

	ts, ok = ResolveTimestamp(models.HistoryEntry{SourceTimestamp: models.Float(windowBase * 1000)})
	require.True(t, ok)
	assert.Equal(t, windowBase, ts)

	committed := time.Unix(int64(windowBase), 500_000_000).UTC()
	ts, ok = ResolveTimestamp(models.HistoryEntry{CommittedAt: committed.Format(time.RFC3339Nano)})
	require.True(t, ok)
	assert.InDelta(t, windowBase+0.5, ts, 1e-6)

	_, ok = ResolveTimestamp(models.HistoryEntry{})
	assert.False(t, ok)

	_, ok = ResolveTimestamp(models.HistoryEntry{CommittedAt: "yesterday"})
	assert.False(t, ok)
}

func TestWindowTotal_Empty(t *testing.T) {
	assert.False(t, WindowTotal(nil, 30).Valid)
}

func TestWindowTotal_SinglePoint(t *testing.T) {
	total := WindowTotal([]models.StoredEntry{rainAt("a", windowBase, 0.015)}, 30)

	require.True(t, total.Valid)
	assert.Equal(t, 0.0, total.Value)
}

func TestWindowTotal_NothingResolves(t *testing.T) {
	entries := []models.StoredEntry{
		{ID: "a", Entry: models.HistoryEntry{RainLevelM: models.Float(0.01)}},
		{ID: "b", Entry: models.HistoryEntry{RainLevelM: models.Float(0.02), CommittedAt: "garbage"}},
	}

	assert.False(t, WindowTotal(entries, 30).Valid)
}

func TestWindowTotal_InsideWindow(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase, 0.010),
		rainAt("b", windowBase+600, 0.012),
		rainAt("c", windowBase+1800, 0.015),
		rainAt("d", windowBase+2400, 0.020),
	}

	total := WindowTotal(entries, 30)

	require.True(t, total.Valid)
	assert.InDelta(t, 8.0, total.Value, 1e-9)
}

func TestWindowTotal_WindowWiderThanHistory(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase, 0.010),
		rainAt("b", windowBase+600, 0.012),
		rainAt("c", windowBase+1200, 0.013),
	}

	total := WindowTotal(entries, 24*60)

	require.True(t, total.Valid)
	assert.InDelta(t, 3.0, total.Value, 1e-9)
}

func TestWindowTotal_UsesTimestampOrderNotInsertionOrder(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase+600, 0.012),
		rainAt("b", windowBase, 0.010),
	}

	total := WindowTotal(entries, 30)

	require.True(t, total.Valid)
	assert.InDelta(t, 2.0, total.Value, 1e-9)
}

func TestWindowTotal_NegativeNotClamped(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase, 0.030),
		rainAt("b", windowBase+600, 0.005),
	}

	total := WindowTotal(entries, 30)

	require.True(t, total.Valid)
	assert.InDelta(t, -25.0, total.Value, 1e-9)
}

func TestWindowTotal_MissingLevel(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase, 0.010),
		{ID: "b", Entry: models.HistoryEntry{SourceTimestamp: models.Float(windowBase + 60)}},
	}

	assert.False(t, WindowTotal(entries, 30).Valid)
}

func TestWindowTotal_IgnoresUnresolvableEntries(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase, 0.010),
		{ID: "b", Entry: models.HistoryEntry{RainLevelM: models.Float(0.5)}},
		rainAt("c", windowBase+300, 0.011),
	}

	total := WindowTotal(entries, 30)

	require.True(t, total.Valid)
	assert.InDelta(t, 1.0, total.Value, 1e-9)
}

func TestWindowTotal_MillisecondTimestamps(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase*1000, 0.010),
		rainAt("b", windowBase+600, 0.014),
	}

	total := WindowTotal(entries, 30)

	require.True(t, total.Valid)
	assert.InDelta(t, 4.0, total.Value, 1e-9)
}

func TestWindowTotal_Idempotent(t *testing.T) {
	entries := []models.StoredEntry{
		rainAt("a", windowBase, 0.010),
		rainAt("b", windowBase+600, 0.012),
	}

	first := WindowTotal(entries, 30)
	second := WindowTotal(entries, 30)

	assert.Equal(t, first, second)
	assert.Equal(t, "a", entries[0].ID, "input is not reordered")
}
