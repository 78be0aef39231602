package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"puclima/config"
	"puclima/models"
	"puclima/observability"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const payloadBase = 1700000000.0

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func senmlPayload(bn string, bt, temperature, rain float64) []byte {
	return []byte(fmt.Sprintf(
		`[{"bn":"%s","bt":%.0f},{"u":"Cel","v":%g},{"n":"emw_rain_level","u":"m","v":%g}]`,
		bn, bt, temperature, rain))
}

type recordingNotifier struct {
	mu        sync.Mutex
	anomalies [][]*models.Anomaly
	resets    []models.GaugeReset
}

func (n *recordingNotifier) SendAnomalyAlert(anomalies []*models.Anomaly, _ models.Reading) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anomalies = append(n.anomalies, anomalies)
	return nil
}

func (n *recordingNotifier) SendGaugeResetAlert(reset models.GaugeReset) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, reset)
	return nil
}

type recordingActivity struct {
	mu      sync.Mutex
	devices []string
}

func (a *recordingActivity) RecordActivity(device models.Device, _ models.SensorSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices = append(a.devices, device.Key)
}

// failingStore fails one operation and delegates everything else
type failingStore struct {
	*MemoryStore
	failOn string
}

var errBoom = errors.New("boom")

func (s *failingStore) fail(op string) error {
	if s.failOn == op {
		return errBoom
	}
	return nil
}

func (s *failingStore) ReadMeta(ctx context.Context, key string) (models.Meta, error) {
	if err := s.fail("read_meta"); err != nil {
		return models.Meta{}, err
	}
	return s.MemoryStore.ReadMeta(ctx, key)
}

func (s *failingStore) WriteCurrent(ctx context.Context, key string, current models.CurrentState) error {
	if err := s.fail("write_current"); err != nil {
		return err
	}
	return s.MemoryStore.WriteCurrent(ctx, key, current)
}

func (s *failingStore) AppendHistory(ctx context.Context, key string, entry models.HistoryEntry) (string, error) {
	if err := s.fail("append_history"); err != nil {
		return "", err
	}
	return s.MemoryStore.AppendHistory(ctx, key, entry)
}

func testThresholds() *config.Config {
	return &config.Config{
		TemperatureMin: 0,
		TemperatureMax: 45,
		HumidityMin:    10,
		HumidityMax:    100,
		WindGustMax:    20,
	}
}

func newTestProcessor(store DeviceStore, opts ...func(*ProcessorConfig)) *Processor {
	cfg := ProcessorConfig{
		Store:             store,
		Parser:            NewParser(testDevices()),
		Logger:            zap.NewNop(),
		Metrics:           observability.NewMetricsForTesting(),
		Clock:             clockwork.NewFakeClockAt(fixedNow),
		UpdatesPerSample:  6,
		HistMax:           48,
		RainWindowMinutes: 30,
		KeepRawMessage:    true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewProcessor(cfg)
}

func TestProcessor_FirstSixReadingsCommitOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	for i := 0; i < 5; i++ {
		require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseInterna, payloadBase+float64(i*10), 21, 0.015)))
	}

	history, err := store.ListHistory(ctx, "temp_interna")
	require.NoError(t, err)
	assert.Empty(t, history)

	last := senmlPayload(baseInterna, payloadBase+50, 21, 0.015)
	require.NoError(t, proc.HandleMessage(ctx, last))

	state, err := store.ReadState(ctx, "temp_interna")
	require.NoError(t, err)

	assert.Equal(t, int64(6), state.Meta.MessageCount)
	assert.Equal(t, models.Float(0.015), state.Meta.LastRainLevelM)
	assert.Equal(t, models.Float(0.0), state.Meta.RollingWindowTotalMM)
	assert.Equal(t, 30, state.Meta.WindowMinutes)

	require.Len(t, state.History, 1)
	assert.Equal(t, 0.015, state.History[0].Entry.RainLevelM.Value)
	assert.Equal(t, payloadBase+50, state.History[0].Entry.SourceTimestamp.Value)

	assert.Equal(t, "Temp Interna", state.Current.Label)
	assert.Equal(t, 21.0, state.Current.TemperatureC.Value)
	assert.Equal(t, models.Float(0.0), state.Current.RainSinceLastMM)
	assert.Equal(t, string(last), state.Current.RawMessage)
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), state.Current.ReceivedAt)
}

func TestProcessor_RainSinceLast(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase, 20, 0.015)))
	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+60, 20, 0.035)))

	state, err := store.ReadState(ctx, "temp_externa")
	require.NoError(t, err)
	assert.Equal(t, 20.0, state.Current.RainSinceLastMM.Value)
	assert.Equal(t, 0.035, state.Meta.LastRainLevelM.Value)
}

func TestProcessor_MissingRainKeepsLastLevel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase, 20, 0.015)))
	require.NoError(t, proc.HandleMessage(ctx, []byte(`[{"bn":"F803320100033877"},{"u":"Cel","v":20.5}]`)))

	state, err := store.ReadState(ctx, "temp_externa")
	require.NoError(t, err)
	assert.Equal(t, 0.015, state.Meta.LastRainLevelM.Value)
	assert.Equal(t, 0.0, state.Current.RainSinceLastMM.Value)
	assert.False(t, state.Current.RainLevelM.Valid)

	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+120, 20, 0.020)))

	state, err = store.ReadState(ctx, "temp_externa")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, state.Current.RainSinceLastMM.Value, 1e-9)
}

func TestProcessor_HistoryBoundedToMostRecent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	for i := 0; i < 300; i++ {
		require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseInterna, payloadBase+float64(i*10), 21, 0.015)))
	}

	state, err := store.ReadState(ctx, "temp_interna")
	require.NoError(t, err)
	assert.Equal(t, int64(300), state.Meta.MessageCount)
	require.Len(t, state.History, 48)

	// commits happen on readings 6, 12, ..., 300; the first two are gone
	assert.Equal(t, payloadBase+170, state.History[0].Entry.SourceTimestamp.Value)
	assert.Equal(t, payloadBase+2990, state.History[47].Entry.SourceTimestamp.Value)
}

func TestProcessor_RollingWindowTotal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store, func(c *ProcessorConfig) { c.UpdatesPerSample = 1 })

	for i := 0; i < 10; i++ {
		require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseInterna, payloadBase+float64(i*60), 21, 0.001*float64(i))))
	}

	meta, err := store.ReadMeta(ctx, "temp_interna")
	require.NoError(t, err)
	assert.Equal(t, models.Float(9.0), meta.RollingWindowTotalMM)
}

func TestProcessor_UnknownDeviceIsIgnored(t *testing.T) {
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	err := proc.HandleMessage(context.Background(), senmlPayload("DEADBEEF", payloadBase, 20, 0.01))

	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Empty(t, store.Keys())
}

func TestProcessor_MalformedPayloadIsIgnored(t *testing.T) {
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	err := proc.HandleMessage(context.Background(), []byte(`{not json`))

	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Empty(t, store.Keys())
}

func TestProcessor_InvalidSampleIsIgnored(t *testing.T) {
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	err := proc.HandleMessage(context.Background(), []byte(`[{"bn":"F803320100033877","bt":1700000000}]`))

	assert.ErrorIs(t, err, ErrInvalidSample)
	assert.Empty(t, store.Keys())
}

func TestProcessor_StoreFailureBeforeAnyWrite(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failOn: "read_meta"}
	activity := &recordingActivity{}
	proc := newTestProcessor(store, func(c *ProcessorConfig) { c.Activity = activity })

	err := proc.HandleMessage(context.Background(), senmlPayload(baseExterna, payloadBase, 20, 0.01))

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, store.Keys())
	assert.Empty(t, activity.devices)
}

func TestProcessor_StoreFailureAbortsHistory(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore(), failOn: "append_history"}
	proc := newTestProcessor(store)

	for i := 0; i < 5; i++ {
		require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+float64(i), 20, 0.01)))
	}
	err := proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+5, 20, 0.01))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	state, err := store.ReadState(ctx, "temp_externa")
	require.NoError(t, err)
	assert.Equal(t, int64(6), state.Meta.MessageCount)
	assert.Empty(t, state.History)
	assert.False(t, state.Meta.RollingWindowTotalMM.Valid)
}

func TestProcessor_GaugeResetNotifies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	proc := newTestProcessor(store, func(c *ProcessorConfig) { c.Notifier = notifier })

	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase, 20, 0.035)))
	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+60, 20, 0.002)))

	require.Len(t, notifier.resets, 1)
	reset := notifier.resets[0]
	assert.Equal(t, "Temp Externa", reset.Device.Label)
	assert.Equal(t, 0.035, reset.PreviousLevelM)
	assert.Equal(t, 0.002, reset.CurrentLevelM)

	state, err := store.ReadState(ctx, "temp_externa")
	require.NoError(t, err)
	assert.Equal(t, models.Float(0.0), state.Current.RainSinceLastMM)
	assert.Equal(t, 0.002, state.Meta.LastRainLevelM.Value)
}

func TestProcessor_AnomaliesNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	proc := newTestProcessor(NewMemoryStore(), func(c *ProcessorConfig) {
		c.Notifier = notifier
		c.Anomalies = NewAnomalyDetector(testThresholds())
	})

	require.NoError(t, proc.HandleMessage(context.Background(), senmlPayload(baseExterna, payloadBase, 50, 0.01)))
	require.NoError(t, proc.HandleMessage(context.Background(), senmlPayload(baseExterna, payloadBase+60, 22, 0.01)))

	require.Len(t, notifier.anomalies, 1)
	require.Len(t, notifier.anomalies[0], 1)
	assert.Equal(t, models.TemperatureTooHigh, notifier.anomalies[0][0].Type)
}

func TestProcessor_RecordsActivity(t *testing.T) {
	activity := &recordingActivity{}
	proc := newTestProcessor(NewMemoryStore(), func(c *ProcessorConfig) { c.Activity = activity })

	require.NoError(t, proc.HandleMessage(context.Background(), senmlPayload(baseExterna, payloadBase, 20, 0.01)))
	_ = proc.HandleMessage(context.Background(), senmlPayload("DEADBEEF", payloadBase, 20, 0.01))

	assert.Equal(t, []string{"temp_externa"}, activity.devices)
}

func TestProcessor_DevicesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	for i := 0; i < 7; i++ {
		require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+float64(i), 20, 0.01)))
		if i%2 == 0 {
			require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseInterna, payloadBase+float64(i), 20, 0.02)))
		}
	}

	externa, err := store.ReadMeta(ctx, "temp_externa")
	require.NoError(t, err)
	interna, err := store.ReadMeta(ctx, "temp_interna")
	require.NoError(t, err)

	assert.Equal(t, int64(7), externa.MessageCount)
	assert.Equal(t, int64(4), interna.MessageCount)
	assert.Equal(t, []string{"temp_externa", "temp_interna"}, store.Keys())
}

func TestProcessor_ConcurrentReadingsOfOneDevice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = proc.HandleMessage(ctx, senmlPayload(baseInterna, payloadBase+float64(i), 20, 0.01))
		}(i)
	}
	wg.Wait()

	state, err := store.ReadState(ctx, "temp_interna")
	require.NoError(t, err)
	assert.Equal(t, int64(60), state.Meta.MessageCount)
	assert.Len(t, state.History, 10)
}

func TestProcessor_RainStartsOnSixthReading(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	proc := newTestProcessor(store)

	levels := []float64{0, 0, 0, 0, 0, 0.015}
	for i, level := range levels {
		require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseInterna, payloadBase+float64(i*10), 21, level)))
	}

	state, err := store.ReadState(ctx, "temp_interna")
	require.NoError(t, err)
	assert.Equal(t, int64(6), state.Meta.MessageCount)
	assert.Equal(t, models.Float(15.0), state.Current.RainSinceLastMM)
	assert.Equal(t, 0.015, state.Meta.LastRainLevelM.Value)

	require.Len(t, state.History, 1)
	assert.Equal(t, models.Float(15.0), state.History[0].Entry.RainSinceLastMM)
	assert.Equal(t, models.Float(0.0), state.Meta.RollingWindowTotalMM)
}

func TestProcessor_FailedReadingDoesNotReportReset(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	notifier := &recordingNotifier{}
	proc := newTestProcessor(store, func(c *ProcessorConfig) { c.Notifier = notifier })

	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase, 20, 0.10)))

	store.failOn = "write_current"
	err := proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+60, 20, 0.05))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, notifier.resets)

	meta, err := store.ReadMeta(ctx, "temp_externa")
	require.NoError(t, err)
	assert.Equal(t, 0.10, meta.LastRainLevelM.Value)

	store.failOn = ""
	require.NoError(t, proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+60, 20, 0.05)))
	require.Len(t, notifier.resets, 1)
	assert.Equal(t, 0.10, notifier.resets[0].PreviousLevelM)
	assert.Equal(t, 0.05, notifier.resets[0].CurrentLevelM)
}

// blockingNotifier holds every anomaly alert until release is closed
type blockingNotifier struct {
	recordingNotifier
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) SendAnomalyAlert(anomalies []*models.Anomaly, reading models.Reading) error {
	n.entered <- struct{}{}
	<-n.release
	return n.recordingNotifier.SendAnomalyAlert(anomalies, reading)
}

func TestProcessor_SlowNotifierDoesNotHoldDeviceLock(t *testing.T) {
	ctx := context.Background()
	notifier := &blockingNotifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	proc := newTestProcessor(NewMemoryStore(), func(c *ProcessorConfig) {
		c.Notifier = notifier
		c.Anomalies = NewAnomalyDetector(testThresholds())
	})

	first := make(chan error, 1)
	go func() {
		first <- proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase, 50, 0.01))
	}()
	<-notifier.entered

	second := make(chan error, 1)
	go func() {
		second <- proc.HandleMessage(ctx, senmlPayload(baseExterna, payloadBase+60, 22, 0.01))
	}()

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reading waited on the alert of an earlier reading")
	}

	close(notifier.release)
	require.NoError(t, <-first)
	assert.Len(t, notifier.anomalies, 1)
}
