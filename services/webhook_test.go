package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"puclima/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhook_SendAnomalyAlert(t *testing.T) {
	var (
		mu       sync.Mutex
		path     string
		received WebhookAlertPayload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	reading := models.Reading{
		Device: models.Device{Label: "Temp Externa", Key: "temp_externa"},
		Sample: models.SensorSample{WindSpeedGustMS: models.Float(25), ReceivedAt: fixedNow},
	}
	anomalies := NewAnomalyDetector(testThresholds()).DetectAnomalies(reading.Device, reading.Sample)

	err := NewWebhookService(zap.NewNop(), server.URL).SendAnomalyAlert(anomalies, reading)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/v1/weather-alert", path)
	assert.Equal(t, "temp_externa", received.DeviceKey)
	assert.Equal(t, "high", received.Severity)
	assert.Equal(t, "sensor_anomaly", received.AlertType)
	require.NotNil(t, received.Sample)
	assert.Equal(t, 25.0, received.Sample.WindSpeedGustMS.Value)
	assert.False(t, received.Sample.TemperatureC.Valid)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookService(zap.NewNop(), server.URL).SendGaugeResetAlert(models.GaugeReset{
		Device:         models.Device{Label: "Temp Interna", Key: "temp_interna"},
		PreviousLevelM: 0.03,
		CurrentLevelM:  0,
	})

	assert.Error(t, err)
}

func TestDetermineSeverity(t *testing.T) {
	severity := func(types ...models.AnomalyType) string {
		var anomalies []*models.Anomaly
		for _, typ := range types {
			anomalies = append(anomalies, &models.Anomaly{Type: typ})
		}
		return determineSeverity(anomalies)
	}

	assert.Equal(t, "low", severity(models.HumidityTooHigh))
	assert.Equal(t, "medium", severity(models.HumidityTooHigh, models.TemperatureTooLow))
	assert.Equal(t, "high", severity(models.HumidityTooLow, models.WindGustTooHigh))
}

type failingNotifier struct{ recordingNotifier }

func (f *failingNotifier) SendGaugeResetAlert(reset models.GaugeReset) error {
	_ = f.recordingNotifier.SendGaugeResetAlert(reset)
	return errors.New("unavailable")
}

func TestMultiNotifier_TriesEveryNotifier(t *testing.T) {
	first := &failingNotifier{}
	second := &recordingNotifier{}
	multi := MultiNotifier{first, second}

	err := multi.SendGaugeResetAlert(models.GaugeReset{})
	assert.EqualError(t, err, "unavailable")
	assert.Len(t, first.resets, 1)
	assert.Len(t, second.resets, 1)

	require.NoError(t, multi.SendAnomalyAlert([]*models.Anomaly{{Type: models.HumidityTooLow}}, models.Reading{}))
	assert.Len(t, first.anomalies, 1)
	assert.Len(t, second.anomalies, 1)
}
