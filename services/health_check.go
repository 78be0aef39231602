package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"puclima/models"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// checkInterval is how often silent devices are looked for
const checkInterval = 10 * time.Second

// DeviceAlerter is told when a device goes silent and when it comes back
type DeviceAlerter interface {
	SendDeviceTimeoutAlert(health models.DeviceHealth, timeSinceLastSeen time.Duration) error
	SendDeviceRecoveryAlert(device models.Device, downDuration time.Duration) error
}

// HealthCheckService tracks the last valid reading of each station and raises
// an alert when one stays silent for longer than the timeout
type HealthCheckService struct {
	timeout time.Duration
	alerter DeviceAlerter
	clock   clockwork.Clock
	logger  *zap.Logger
	devices map[string]*models.DeviceHealth
	mu      sync.RWMutex
}

// NewHealthCheckService creates a device activity monitor. alerter may be nil.
func NewHealthCheckService(timeout time.Duration, alerter DeviceAlerter, clock clockwork.Clock, logger *zap.Logger) *HealthCheckService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthCheckService{
		timeout: timeout,
		alerter: alerter,
		clock:   clock,
		logger:  logger,
		devices: make(map[string]*models.DeviceHealth),
	}
}

// Start runs the timeout checker until ctx is done
func (h *HealthCheckService) Start(ctx context.Context) {
	ticker := h.clock.NewTicker(checkInterval)
	defer ticker.Stop()

	h.logger.Info("Device activity monitor started", zap.Duration("timeout", h.timeout))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Device activity monitor stopped")
			return
		case <-ticker.Chan():
			h.CheckTimeouts()
		}
	}
}

// RecordActivity marks a device as seen now. A recovery alert is sent after
// the lock is released.
func (h *HealthCheckService) RecordActivity(device models.Device, sample models.SensorSample) {
	h.mu.Lock()

	now := h.clock.Now()

	health, exists := h.devices[device.Key]
	if !exists {
		health = &models.DeviceHealth{
			Device: device,
			Status: models.DeviceHealthy,
		}
		h.devices[device.Key] = health
		h.logger.Info("New device registered for activity monitoring",
			zap.String("device", device.Label))
	}

	wasTimeout := health.Status == models.DeviceTimeout

	health.LastSeen = now
	health.LastSample = sample
	health.Status = models.DeviceHealthy

	var downDuration time.Duration
	if wasTimeout {
		downDuration = now.Sub(health.TimeoutAt)
	}
	h.mu.Unlock()

	if !wasTimeout {
		return
	}

	h.logger.Info("Device recovered from timeout",
		zap.String("device", device.Label),
		zap.Duration("down_duration", downDuration))

	if h.alerter != nil {
		if err := h.alerter.SendDeviceRecoveryAlert(device, downDuration); err != nil {
			h.logger.Error("Failed to send recovery alert",
				zap.String("device", device.Label),
				zap.Error(err))
		}
	}
}

type timeoutAlert struct {
	health models.DeviceHealth
	since  time.Duration
}

// CheckTimeouts marks every device silent for longer than the timeout and
// alerts once per transition
func (h *HealthCheckService) CheckTimeouts() {
	h.mu.Lock()

	now := h.clock.Now()

	var alerts []timeoutAlert
	for _, health := range h.devices {
		if health.Status == models.DeviceTimeout {
			continue
		}

		timeSinceLastSeen := now.Sub(health.LastSeen)
		if timeSinceLastSeen <= h.timeout {
			continue
		}

		health.Status = models.DeviceTimeout
		health.TimeoutAt = now
		alerts = append(alerts, timeoutAlert{health: *health, since: timeSinceLastSeen})
	}
	h.mu.Unlock()

	for _, a := range alerts {
		h.logger.Warn("Device timeout detected",
			zap.String("device", a.health.Device.Label),
			zap.Time("last_seen", a.health.LastSeen),
			zap.Duration("time_since_last_seen", a.since))

		if h.alerter == nil {
			continue
		}
		if err := h.alerter.SendDeviceTimeoutAlert(a.health, a.since); err != nil {
			h.logger.Error("Failed to send timeout alert",
				zap.String("device", a.health.Device.Label),
				zap.Error(err))
		}
	}
}

// GetDeviceHealth returns a copy of the tracked status of a device
func (h *HealthCheckService) GetDeviceHealth(key string) (models.DeviceHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.devices[key]
	if !exists {
		return models.DeviceHealth{}, false
	}
	return *health, true
}

// Snapshot returns the status of every device seen so far, ordered by key
func (h *HealthCheckService) Snapshot() []models.DeviceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.DeviceHealth, 0, len(h.devices))
	for _, health := range h.devices {
		out = append(out, *health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.Key < out[j].Device.Key })
	return out
}
