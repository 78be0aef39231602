package services

import (
	"context"

	"puclima/models"
)

// DeviceStore persists per-device state: a current sub-tree, a meta sub-tree
// and a history keyed by opaque, insertion-ordered IDs.
type DeviceStore interface {
	ReadState(ctx context.Context, key string) (*models.DeviceState, error)
	WriteCurrent(ctx context.Context, key string, current models.CurrentState) error
	ReadMeta(ctx context.Context, key string) (models.Meta, error)
	// WriteMeta merges the given fields into the meta sub-tree
	WriteMeta(ctx context.Context, key string, fields map[string]interface{}) error
	AppendHistory(ctx context.Context, key string, entry models.HistoryEntry) (string, error)
	// ListHistory returns entries in insertion order
	ListHistory(ctx context.Context, key string) ([]models.StoredEntry, error)
	DeleteHistoryEntries(ctx context.Context, key string, ids []string) error
	Ping(ctx context.Context) error
}

// Meta field names, shared by every store implementation
const (
	metaMessageCount       = "message_count"
	metaLastRainLevel      = "last_rain_level_m"
	metaRollingWindowTotal = "rolling_window_total_mm"
	metaWindowMinutes      = "window_minutes"
)
