package services

import (
	"errors"
	"sync"
	"time"

	"puclima/models"

	"go.uber.org/zap"
)

// ErrAlertQueueFull is returned when an alert is dropped because the sender is behind
var ErrAlertQueueFull = errors.New("alert queue full")

// ErrAlertQueueClosed is returned for alerts raised after Close
var ErrAlertQueueClosed = errors.New("alert queue closed")

type alertJob struct {
	kind   string
	device string
	send   func() error
}

// AlertQueue delivers alerts from a single background goroutine. Enqueueing
// never blocks: when the buffer is full the alert is dropped and logged.
type AlertQueue struct {
	jobs   chan alertJob
	logger *zap.Logger
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAlertQueue creates a queue holding up to size pending alerts
func NewAlertQueue(size int, logger *zap.Logger) *AlertQueue {
	if size < 1 {
		size = 1
	}
	return &AlertQueue{
		jobs:   make(chan alertJob, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start runs the sender until Close
func (q *AlertQueue) Start() {
	go func() {
		defer close(q.done)
		for job := range q.jobs {
			if err := job.send(); err != nil {
				q.logger.Error("Failed to send alert",
					zap.String("kind", job.kind),
					zap.String("device", job.device),
					zap.Error(err))
			}
		}
	}()
}

// Close stops accepting alerts and waits up to timeout for pending ones
func (q *AlertQueue) Close(timeout time.Duration) bool {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return true
	case <-time.After(timeout):
		q.logger.Warn("Pending alerts not delivered before shutdown", zap.Int("pending", len(q.jobs)))
		return false
	}
}

func (q *AlertQueue) enqueue(kind, device string, send func() error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrAlertQueueClosed
	}
	select {
	case q.jobs <- alertJob{kind: kind, device: device, send: send}:
		return nil
	default:
		q.logger.Warn("Alert dropped, queue full",
			zap.String("kind", kind),
			zap.String("device", device))
		return ErrAlertQueueFull
	}
}

// Notifier wraps next so its sends run on the queue
func (q *AlertQueue) Notifier(next Notifier) Notifier {
	return queuedNotifier{queue: q, next: next}
}

// Alerter wraps next so its sends run on the queue
func (q *AlertQueue) Alerter(next DeviceAlerter) DeviceAlerter {
	return queuedAlerter{queue: q, next: next}
}

type queuedNotifier struct {
	queue *AlertQueue
	next  Notifier
}

func (n queuedNotifier) SendAnomalyAlert(anomalies []*models.Anomaly, reading models.Reading) error {
	return n.queue.enqueue("anomaly", reading.Device.Key, func() error {
		return n.next.SendAnomalyAlert(anomalies, reading)
	})
}

func (n queuedNotifier) SendGaugeResetAlert(reset models.GaugeReset) error {
	return n.queue.enqueue("gauge_reset", reset.Device.Key, func() error {
		return n.next.SendGaugeResetAlert(reset)
	})
}

type queuedAlerter struct {
	queue *AlertQueue
	next  DeviceAlerter
}

func (a queuedAlerter) SendDeviceTimeoutAlert(health models.DeviceHealth, since time.Duration) error {
	return a.queue.enqueue("device_timeout", health.Device.Key, func() error {
		return a.next.SendDeviceTimeoutAlert(health, since)
	})
}

func (a queuedAlerter) SendDeviceRecoveryAlert(device models.Device, down time.Duration) error {
	return a.queue.enqueue("device_recovery", device.Key, func() error {
		return a.next.SendDeviceRecoveryAlert(device, down)
	})
}
