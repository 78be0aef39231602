package services

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"puclima/models"
	"puclima/observability"

	"go.uber.org/zap"
)

// submitTimeout bounds how long a transport callback waits for queue space
const submitTimeout = 5 * time.Second

// Dispatcher fans payloads out to a fixed pool of workers. Readings of one
// device always land on the same worker, so they are applied in arrival order
// while different devices proceed in parallel.
type Dispatcher struct {
	processor *Processor
	logger    *zap.Logger
	metrics   *observability.Metrics
	queues    []chan models.Reading
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with workers queues of queueLen readings each
func NewDispatcher(processor *Processor, workers, queueLen int, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueLen < 1 {
		queueLen = 1
	}
	queues := make([]chan models.Reading, workers)
	for i := range queues {
		queues[i] = make(chan models.Reading, queueLen)
	}
	return &Dispatcher{
		processor: processor,
		logger:    logger,
		metrics:   metrics,
		queues:    queues,
		done:      make(chan struct{}),
	}
}

// Start launches the workers. ctx is handed to every store call.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting dispatcher", zap.Int("workers", len(d.queues)))

	for i, q := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i, q)
	}

	go func() {
		d.wg.Wait()
		close(d.done)
	}()
}

func (d *Dispatcher) worker(ctx context.Context, id int, queue <-chan models.Reading) {
	defer d.wg.Done()

	for reading := range queue {
		// Errors are already logged with the payload by the processor.
		_ = d.processor.Process(ctx, reading)
	}

	d.logger.Debug("Worker stopped", zap.Int("worker", id))
}

// Submit parses a payload and queues it on its device's worker, waiting up to
// submitTimeout for space. Readings that will be dropped anyway are handled
// inline. It reports false when the payload could not be queued.
func (d *Dispatcher) Submit(payload []byte) bool {
	return d.submit(payload, submitTimeout)
}

// TrySubmit is Submit without waiting: a full queue drops the reading at once.
// Callbacks that must not block, like the MQTT router, use it.
func (d *Dispatcher) TrySubmit(payload []byte) bool {
	return d.submit(payload, 0)
}

func (d *Dispatcher) submit(payload []byte, wait time.Duration) bool {
	d.metrics.MessagesReceived.Inc()
	reading := d.processor.Parse(payload)

	if !reading.Device.Known() || !reading.Sample.IsValid() {
		_ = d.processor.Process(context.Background(), reading)
		return true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.MessagesDropped.WithLabelValues("shutdown").Inc()
		d.logger.Warn("Dispatcher stopped, message discarded",
			zap.String("device", reading.Device.Label),
			zap.String("payload", reading.Raw))
		return false
	}

	queue := d.queues[d.shard(reading.Device.Key)]
	select {
	case queue <- reading:
		return true
	default:
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case queue <- reading:
			return true
		case <-timer.C:
		}
	}

	d.metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
	d.logger.Error("Worker queue full, message discarded",
		zap.String("device", reading.Device.Label),
		zap.String("payload", reading.Raw))
	return false
}

// Stop closes the queues; workers finish what is already queued
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.logger.Info("Dispatcher stopping, draining queues")
}

// WaitForShutdown waits for the workers to drain their queues
func (d *Dispatcher) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-d.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// QueueDepth returns the number of readings waiting across all workers
func (d *Dispatcher) QueueDepth() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

func (d *Dispatcher) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}
