package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"puclima/models"
)

type memoryRecord struct {
	current *models.CurrentState
	meta    models.Meta
	history map[string]models.HistoryEntry
}

// MemoryStore is a concurrency-safe in-memory DeviceStore.
// It backs the tests and the -dry-run mode of the service.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	seq     int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) record(key string) *memoryRecord {
	r, ok := s.records[key]
	if !ok {
		r = &memoryRecord{history: make(map[string]models.HistoryEntry)}
		s.records[key] = r
	}
	return r
}

// ReadState returns a copy of the device record
func (s *MemoryStore) ReadState(_ context.Context, key string) (*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("read state %s: %w", key, ErrDeviceNotFound)
	}

	state := &models.DeviceState{Meta: r.meta, History: sortedEntries(r.history)}
	if r.current != nil {
		state.Current = *r.current
	}
	return state, nil
}

// WriteCurrent replaces the current sub-tree
func (s *MemoryStore) WriteCurrent(_ context.Context, key string, current models.CurrentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := current
	s.record(key).current = &c
	return nil
}

// ReadMeta returns the zero Meta for a device that has none yet
func (s *MemoryStore) ReadMeta(_ context.Context, key string) (models.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.records[key]; ok {
		return r.meta, nil
	}
	return models.Meta{}, nil
}

// WriteMeta merges fields into the meta sub-tree, using the same JSON field
// names as the persisted layout
func (s *MemoryStore) WriteMeta(_ context.Context, key string, fields map[string]interface{}) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(key)
	meta := r.meta
	if err := json.Unmarshal(patch, &meta); err != nil {
		return fmt.Errorf("merge meta: %w", err)
	}
	r.meta = meta
	return nil
}

// AppendHistory stores the entry under a new, monotonically increasing ID
func (s *MemoryStore) AppendHistory(_ context.Context, key string, entry models.HistoryEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("h%016d", s.seq)
	s.record(key).history[id] = entry
	return id, nil
}

// ListHistory returns entries in insertion order
func (s *MemoryStore) ListHistory(_ context.Context, key string) ([]models.StoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return sortedEntries(r.history), nil
}

// DeleteHistoryEntries removes the given IDs; unknown IDs are ignored
func (s *MemoryStore) DeleteHistoryEntries(_ context.Context, key string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(r.history, id)
	}
	return nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Keys lists the devices with a record
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedEntries(history map[string]models.HistoryEntry) []models.StoredEntry {
	entries := make([]models.StoredEntry, 0, len(history))
	for id, e := range history {
		entries = append(entries, models.StoredEntry{ID: id, Entry: e})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
