package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"puclima/models"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerStore wraps a DeviceStore with a circuit breaker so that an
// unreachable database fails messages fast instead of stalling the workers.
// It never retries; every failure is reported as ErrStoreUnavailable.
type BreakerStore struct {
	next    DeviceStore
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerStore opens the breaker after maxFailures consecutive failures
// and tries again after openTimeout.
func NewBreakerStore(next DeviceStore, maxFailures uint32, openTimeout time.Duration, logger *zap.Logger) *BreakerStore {
	s := &BreakerStore{next: next, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device-store",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Device store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// State exposes the breaker state for readiness checks
func (s *BreakerStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *BreakerStore) execute(op string, fn func() error) error {
	// A missing device is an answer, not an outage.
	var notFound error
	_, err := s.breaker.Execute(func() (interface{}, error) {
		err := fn()
		if errors.Is(err, ErrDeviceNotFound) {
			notFound = err
			return nil, nil
		}
		return nil, err
	})
	if notFound != nil {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return nil
}

func (s *BreakerStore) ReadState(ctx context.Context, key string) (*models.DeviceState, error) {
	var state *models.DeviceState
	err := s.execute("read_state", func() (err error) {
		state, err = s.next.ReadState(ctx, key)
		return err
	})
	return state, err
}

func (s *BreakerStore) WriteCurrent(ctx context.Context, key string, current models.CurrentState) error {
	return s.execute("write_current", func() error {
		return s.next.WriteCurrent(ctx, key, current)
	})
}

func (s *BreakerStore) ReadMeta(ctx context.Context, key string) (models.Meta, error) {
	var meta models.Meta
	err := s.execute("read_meta", func() (err error) {
		meta, err = s.next.ReadMeta(ctx, key)
		return err
	})
	return meta, err
}

func (s *BreakerStore) WriteMeta(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.execute("write_meta", func() error {
		return s.next.WriteMeta(ctx, key, fields)
	})
}

func (s *BreakerStore) AppendHistory(ctx context.Context, key string, entry models.HistoryEntry) (string, error) {
	var id string
	err := s.execute("append_history", func() (err error) {
		id, err = s.next.AppendHistory(ctx, key, entry)
		return err
	})
	return id, err
}

func (s *BreakerStore) ListHistory(ctx context.Context, key string) ([]models.StoredEntry, error) {
	var entries []models.StoredEntry
	err := s.execute("list_history", func() (err error) {
		entries, err = s.next.ListHistory(ctx, key)
		return err
	})
	return entries, err
}

func (s *BreakerStore) DeleteHistoryEntries(ctx context.Context, key string, ids []string) error {
	return s.execute("delete_history", func() error {
		return s.next.DeleteHistoryEntries(ctx, key, ids)
	})
}

// Ping bypasses the breaker so readiness reflects the database itself
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}
