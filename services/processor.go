package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"puclima/models"
	"puclima/observability"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Notifier delivers operator alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	SendAnomalyAlert(anomalies []*models.Anomaly, reading models.Reading) error
	SendGaugeResetAlert(reset models.GaugeReset) error
}

// ActivityRecorder is told about every valid reading that was stored
type ActivityRecorder interface {
	RecordActivity(device models.Device, sample models.SensorSample)
}

// ProcessorConfig wires a Processor. Store, Parser, Logger and Metrics are required.
type ProcessorConfig struct {
	Store   DeviceStore
	Parser  *Parser
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Clock   clockwork.Clock

	UpdatesPerSample  int
	HistMax           int
	RainWindowMinutes int
	// KeepRawMessage stores the inbound payload next to the current state
	KeepRawMessage bool

	Anomalies *AnomalyDetector
	Notifier  Notifier
	Activity  ActivityRecorder
}

// Processor runs the per-reading update sequence against the device store:
// read meta, derive rain, write current and meta, then on every Nth reading
// append history, evict, and recompute the rolling rain total.
type Processor struct {
	cfg   ProcessorConfig
	clock clockwork.Clock
	locks keyedMutex
}

// NewProcessor creates a processor. A nil clock means the real clock.
func NewProcessor(cfg ProcessorConfig) *Processor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.UpdatesPerSample < 1 {
		cfg.UpdatesPerSample = 1
	}
	if cfg.HistMax < 1 {
		cfg.HistMax = 1
	}
	return &Processor{cfg: cfg, clock: clock}
}

// Parse decodes a payload and stamps the ingestion time
func (p *Processor) Parse(payload []byte) models.Reading {
	reading := p.cfg.Parser.Parse(payload)
	reading.Sample.ReceivedAt = p.clock.Now().UTC()
	return reading
}

// HandleMessage is the transport entry point for one payload
func (p *Processor) HandleMessage(ctx context.Context, payload []byte) error {
	p.cfg.Metrics.MessagesReceived.Inc()
	return p.Process(ctx, p.Parse(payload))
}

// Process applies one parsed reading. Readings from unknown devices or
// without measurements are dropped before any store call. A store failure
// aborts the remaining steps; nothing is retried.
func (p *Processor) Process(ctx context.Context, reading models.Reading) error {
	logger := p.cfg.Logger

	if !reading.Device.Known() {
		p.cfg.Metrics.MessagesDropped.WithLabelValues("unknown_device").Inc()
		logger.Info("Ignoring message from unknown device", zap.String("payload", reading.Raw))
		return ErrUnknownDevice
	}
	if !reading.Sample.IsValid() {
		p.cfg.Metrics.MessagesDropped.WithLabelValues("invalid_sample").Inc()
		logger.Info("Ignoring message without climate data",
			zap.String("device", reading.Device.Label),
			zap.String("payload", reading.Raw))
		return ErrInvalidSample
	}

	unlock := p.locks.Lock(reading.Device.Key)
	start := p.clock.Now()
	reset, err := p.apply(ctx, reading)
	unlock()

	// side outputs run outside the device lock
	if reset != nil {
		p.reportGaugeReset(*reset)
	}
	if err != nil {
		logger.Error("Failed to store reading, message discarded",
			zap.String("device", reading.Device.Label),
			zap.String("device_key", reading.Device.Key),
			zap.String("payload", reading.Raw),
			zap.Error(err))
		return err
	}
	p.cfg.Metrics.ProcessDuration.Observe(p.clock.Since(start).Seconds())
	p.cfg.Metrics.MessagesProcessed.WithLabelValues(reading.Device.Key).Inc()

	if p.cfg.Activity != nil {
		p.cfg.Activity.RecordActivity(reading.Device, reading.Sample)
	}
	p.checkAnomalies(reading)
	return nil
}

// apply runs the store sequence and returns the gauge reset it recorded, if any
func (p *Processor) apply(ctx context.Context, reading models.Reading) (*models.GaugeReset, error) {
	key := reading.Device.Key
	sample := reading.Sample

	meta, err := p.cfg.Store.ReadMeta(ctx, key)
	if err != nil {
		return nil, p.storeError("read_meta", err)
	}

	delta := Accumulate(sample.RainLevelM, meta.LastRainLevelM)
	if delta.MM > 0 {
		p.cfg.Logger.Debug("Rain since last reading",
			zap.String("device", reading.Device.Label),
			zap.Float64("rain_mm", RoundTo2(delta.MM)))
	}

	if err := p.cfg.Store.WriteCurrent(ctx, key, p.currentState(reading, delta)); err != nil {
		return nil, p.storeError("write_current", err)
	}

	count := meta.MessageCount + 1
	fields := map[string]interface{}{metaMessageCount: count}
	if sample.RainLevelM.Valid {
		fields[metaLastRainLevel] = sample.RainLevelM
	}
	if err := p.cfg.Store.WriteMeta(ctx, key, fields); err != nil {
		return nil, p.storeError("write_meta", err)
	}

	var reset *models.GaugeReset
	if delta.Reset {
		reset = &models.GaugeReset{
			Device:         reading.Device,
			PreviousLevelM: meta.LastRainLevelM.Value,
			CurrentLevelM:  sample.RainLevelM.Value,
			At:             sample.ReceivedAt,
		}
	}

	if !ShouldCommit(count, p.cfg.UpdatesPerSample) {
		return reset, nil
	}
	return reset, p.commit(ctx, reading, delta)
}

// commit appends the reading to history, enforces the retention bound and
// refreshes the rolling window total
func (p *Processor) commit(ctx context.Context, reading models.Reading, delta RainDelta) error {
	key := reading.Device.Key

	id, err := p.cfg.Store.AppendHistory(ctx, key, NewHistoryEntry(reading.Sample, delta, p.clock.Now()))
	if err != nil {
		return p.storeError("append_history", err)
	}
	p.cfg.Metrics.HistoryCommits.WithLabelValues(key).Inc()

	entries, err := p.cfg.Store.ListHistory(ctx, key)
	if err != nil {
		return p.storeError("list_history", err)
	}

	if evicted := Evict(entries, p.cfg.HistMax); len(evicted) > 0 {
		if err := p.cfg.Store.DeleteHistoryEntries(ctx, key, evicted); err != nil {
			return p.storeError("delete_history", err)
		}
		p.cfg.Metrics.HistoryEvictions.WithLabelValues(key).Add(float64(len(evicted)))
		entries = withoutIDs(entries, evicted)
	}

	total := WindowTotal(entries, p.cfg.RainWindowMinutes)
	rounded := models.NullFloat{}
	if total.Valid {
		rounded = models.Float(RoundTo2(total.Value))
		p.cfg.Metrics.RainWindowTotal.WithLabelValues(key).Set(rounded.Value)
		if rounded.Value < 0 {
			p.cfg.Logger.Warn("Negative rolling rain total, gauge reset inside window",
				zap.String("device", reading.Device.Label),
				zap.Float64("rain_window_mm", rounded.Value),
				zap.Int("window_minutes", p.cfg.RainWindowMinutes))
		}
	}

	if err := p.cfg.Store.WriteMeta(ctx, key, map[string]interface{}{
		metaRollingWindowTotal: rounded,
		metaWindowMinutes:      p.cfg.RainWindowMinutes,
	}); err != nil {
		return p.storeError("write_window_total", err)
	}

	p.cfg.Logger.Info("History sample committed",
		zap.String("device", reading.Device.Label),
		zap.String("entry_id", id),
		zap.Int("history_size", len(entries)),
		zap.Float64p("rain_window_mm", rounded.Ptr()))
	return nil
}

func (p *Processor) currentState(reading models.Reading, delta RainDelta) models.CurrentState {
	s := reading.Sample
	current := models.CurrentState{
		Label:             reading.Device.Label,
		TemperatureC:      s.TemperatureC,
		HumidityPct:       s.HumidityPct,
		SolarRadiationWM2: s.SolarRadiationWM2,
		WindDirectionDeg:  s.WindDirectionDeg,
		WindSpeedAvgMS:    s.WindSpeedAvgMS,
		WindSpeedGustMS:   s.WindSpeedGustMS,
		RainLevelM:        s.RainLevelM,
		RainSinceLastMM:   models.Float(RoundTo2(delta.MM)),
		SourceTimestamp:   s.SourceTimestamp,
		ReceivedAt:        s.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.cfg.KeepRawMessage {
		current.RawMessage = reading.Raw
	}
	return current
}

func (p *Processor) reportGaugeReset(reset models.GaugeReset) {
	p.cfg.Metrics.GaugeResets.WithLabelValues(reset.Device.Key).Inc()
	p.cfg.Logger.Warn("Rain gauge reset detected",
		zap.String("device", reset.Device.Label),
		zap.Float64("previous_level_m", reset.PreviousLevelM),
		zap.Float64("current_level_m", reset.CurrentLevelM))

	if p.cfg.Notifier != nil {
		if err := p.cfg.Notifier.SendGaugeResetAlert(reset); err != nil {
			p.cfg.Logger.Error("Failed to send gauge reset alert",
				zap.String("device", reset.Device.Label),
				zap.Error(err))
		}
	}
}

func (p *Processor) checkAnomalies(reading models.Reading) {
	if p.cfg.Anomalies == nil {
		return
	}
	anomalies := p.cfg.Anomalies.DetectAnomalies(reading.Device, reading.Sample)
	if len(anomalies) == 0 {
		return
	}

	for _, a := range anomalies {
		p.cfg.Metrics.AnomaliesDetected.WithLabelValues(string(a.Type)).Inc()
	}
	p.cfg.Logger.Warn("Anomalies detected",
		zap.String("device", reading.Device.Label),
		zap.Int("anomaly_count", len(anomalies)))

	if p.cfg.Notifier != nil {
		if err := p.cfg.Notifier.SendAnomalyAlert(anomalies, reading); err != nil {
			p.cfg.Logger.Error("Failed to send anomaly alert",
				zap.String("device", reading.Device.Label),
				zap.Error(err))
		}
	}
}

func (p *Processor) storeError(op string, err error) error {
	p.cfg.Metrics.StoreErrors.WithLabelValues(op).Inc()
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func withoutIDs(entries []models.StoredEntry, ids []string) []models.StoredEntry {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]models.StoredEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	return kept
}

// keyedMutex serializes work per device key; devices never contend with each other
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock blocks until key is free and returns the matching unlock
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
