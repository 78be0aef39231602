package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"puclima/config"
	"puclima/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Sub-trees of a device record
const (
	currentPath = "current"
	metaPath    = "meta"
	historyPath = "history"
)

// FirebaseService stores device state in the Realtime Database under
// {root}/{device_key}/{current,meta,history}
type FirebaseService struct {
	client *db.Client
	root   string
	logger *zap.Logger
}

// firebaseRecord mirrors a device node as returned by the database
type firebaseRecord struct {
	Current *models.CurrentState       `json:"current"`
	Meta    models.Meta                `json:"meta"`
	History map[string]json.RawMessage `json:"history"`
}

func NewFirebaseService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*FirebaseService, error) {
	// Parse the service account JSON from environment variable
	serviceAccountJSON := []byte(cfg.FirebaseServiceAccountJSON)

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON(serviceAccountJSON)
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseService{
		client: client,
		root:   cfg.FirebaseRoot,
		logger: logger,
	}

	// Test Firebase connection with retry
	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseService) testConnection(ctx context.Context) error {
	maxRetries := 3

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		if err = fs.Ping(ctx); err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts: %w", maxRetries, err)
}

func (fs *FirebaseService) deviceRef(key string) *db.Ref {
	return fs.client.NewRef(fs.root).Child(key)
}

// Ping reads at most one child of the root node
func (fs *FirebaseService) Ping(ctx context.Context) error {
	var data map[string]interface{}
	if err := fs.client.NewRef(fs.root).OrderByKey().LimitToFirst(1).Get(ctx, &data); err != nil {
		return fmt.Errorf("ping %s: %w", fs.root, err)
	}
	return nil
}

// ReadState loads the whole device record
func (fs *FirebaseService) ReadState(ctx context.Context, key string) (*models.DeviceState, error) {
	var raw json.RawMessage
	if err := fs.deviceRef(key).Get(ctx, &raw); err != nil {
		return nil, fmt.Errorf("read state %s: %w", key, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("read state %s: %w", key, ErrDeviceNotFound)
	}

	return decodeDeviceState(key, raw, fs.logger)
}

// decodeDeviceState decodes a device node. History entries are decoded one
// by one and undecodable ones skipped, as in ListHistory.
func decodeDeviceState(key string, raw []byte, logger *zap.Logger) (*models.DeviceState, error) {
	var record firebaseRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", key, err)
	}

	history := make(map[string]models.HistoryEntry, len(record.History))
	for id, data := range record.History {
		var entry models.HistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			logger.Warn("Skipping undecodable history entry",
				zap.String("device", key),
				zap.String("entry_id", id),
				zap.Error(err))
			continue
		}
		history[id] = entry
	}

	state := &models.DeviceState{Meta: record.Meta, History: sortedEntries(history)}
	if record.Current != nil {
		state.Current = *record.Current
	}
	return state, nil
}

// WriteCurrent merges the latest sample into the current sub-tree
func (fs *FirebaseService) WriteCurrent(ctx context.Context, key string, current models.CurrentState) error {
	fields, err := toFields(current)
	if err != nil {
		return fmt.Errorf("encode current %s: %w", key, err)
	}
	if err := fs.deviceRef(key).Child(currentPath).Update(ctx, fields); err != nil {
		return fmt.Errorf("write current %s: %w", key, err)
	}
	return nil
}

// ReadMeta returns the zero Meta when the device has none yet
func (fs *FirebaseService) ReadMeta(ctx context.Context, key string) (models.Meta, error) {
	var meta models.Meta
	if err := fs.deviceRef(key).Child(metaPath).Get(ctx, &meta); err != nil {
		return models.Meta{}, fmt.Errorf("read meta %s: %w", key, err)
	}
	return meta, nil
}

// WriteMeta merges fields into the meta sub-tree
func (fs *FirebaseService) WriteMeta(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if err := fs.deviceRef(key).Child(metaPath).Update(ctx, fields); err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// AppendHistory pushes the entry; push IDs sort in creation order
func (fs *FirebaseService) AppendHistory(ctx context.Context, key string, entry models.HistoryEntry) (string, error) {
	ref, err := fs.deviceRef(key).Child(historyPath).Push(ctx, entry)
	if err != nil {
		return "", fmt.Errorf("append history %s: %w", key, err)
	}
	return ref.Key, nil
}

// ListHistory returns the history ordered by push ID
func (fs *FirebaseService) ListHistory(ctx context.Context, key string) ([]models.StoredEntry, error) {
	nodes, err := fs.deviceRef(key).Child(historyPath).OrderByKey().GetOrdered(ctx)
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", key, err)
	}

	entries := make([]models.StoredEntry, 0, len(nodes))
	for _, node := range nodes {
		var entry models.HistoryEntry
		if err := node.Unmarshal(&entry); err != nil {
			fs.logger.Warn("Skipping undecodable history entry",
				zap.String("device", key),
				zap.String("entry_id", node.Key()),
				zap.Error(err))
			continue
		}
		entries = append(entries, models.StoredEntry{ID: node.Key(), Entry: entry})
	}

	// OrderByKey already sorts, this keeps the contract independent of the query
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// DeleteHistoryEntries removes entries in a single multi-path update
func (fs *FirebaseService) DeleteHistoryEntries(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		fields[id] = nil
	}
	if err := fs.deviceRef(key).Child(historyPath).Update(ctx, fields); err != nil {
		return fmt.Errorf("delete history %s: %w", key, err)
	}
	return nil
}

// Close closes the Firebase connection
func (fs *FirebaseService) Close() error {
	fs.logger.Info("Closing Firebase service")
	// Firebase client doesn't require explicit closing but we log it
	return nil
}

// toFields flattens a struct into the map form Update expects
func toFields(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
