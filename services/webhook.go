package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"puclima/models"

	"go.uber.org/zap"
)

// WebhookService posts alerts as JSON to an external alerting endpoint
type WebhookService struct {
	logger     *zap.Logger
	apiURL     string
	httpClient *http.Client
}

// WebhookAlertPayload represents the payload sent to the alert endpoint
type WebhookAlertPayload struct {
	Device    string            `json:"device"`
	DeviceKey string            `json:"device_key"`
	Severity  string            `json:"severity"`
	AlertType string            `json:"alert_type"`
	Anomalies []*models.Anomaly `json:"anomalies,omitempty"`
	Sample    *webhookSample    `json:"sample,omitempty"`
	Reset     *webhookReset     `json:"gauge_reset,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

type webhookSample struct {
	TemperatureC      models.NullFloat `json:"temperature_c"`
	HumidityPct       models.NullFloat `json:"humidity_pct"`
	SolarRadiationWM2 models.NullFloat `json:"solar_radiation_w_m2"`
	WindDirectionDeg  models.NullFloat `json:"wind_direction_deg"`
	WindSpeedAvgMS    models.NullFloat `json:"wind_speed_avg_m_s"`
	WindSpeedGustMS   models.NullFloat `json:"wind_speed_gust_m_s"`
	RainLevelM        models.NullFloat `json:"rain_level_m"`
	ReceivedAt        time.Time        `json:"received_at"`
}

type webhookReset struct {
	PreviousLevelM float64 `json:"previous_level_m"`
	CurrentLevelM  float64 `json:"current_level_m"`
}

// NewWebhookService creates a webhook notifier for apiURL
func NewWebhookService(logger *zap.Logger, apiURL string) *WebhookService {
	return &WebhookService{
		logger: logger,
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendAnomalyAlert posts threshold violations for one reading
func (w *WebhookService) SendAnomalyAlert(anomalies []*models.Anomaly, reading models.Reading) error {
	if len(anomalies) == 0 {
		return nil
	}

	s := reading.Sample
	return w.post(WebhookAlertPayload{
		Device:    reading.Device.Label,
		DeviceKey: reading.Device.Key,
		Severity:  determineSeverity(anomalies),
		AlertType: "sensor_anomaly",
		Anomalies: anomalies,
		Sample: &webhookSample{
			TemperatureC:      s.TemperatureC,
			HumidityPct:       s.HumidityPct,
			SolarRadiationWM2: s.SolarRadiationWM2,
			WindDirectionDeg:  s.WindDirectionDeg,
			WindSpeedAvgMS:    s.WindSpeedAvgMS,
			WindSpeedGustMS:   s.WindSpeedGustMS,
			RainLevelM:        s.RainLevelM,
			ReceivedAt:        s.ReceivedAt,
		},
		SentAt: time.Now().UTC(),
	})
}

// SendGaugeResetAlert posts a rain gauge reset
func (w *WebhookService) SendGaugeResetAlert(reset models.GaugeReset) error {
	return w.post(WebhookAlertPayload{
		Device:    reset.Device.Label,
		DeviceKey: reset.Device.Key,
		Severity:  "low",
		AlertType: "rain_gauge_reset",
		Reset: &webhookReset{
			PreviousLevelM: reset.PreviousLevelM,
			CurrentLevelM:  reset.CurrentLevelM,
		},
		SentAt: time.Now().UTC(),
	})
}

func (w *WebhookService) post(payload WebhookAlertPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/weather-alert", w.apiURL)

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PUCLIMA-Ingest/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Info("Webhook alert sent successfully",
			zap.String("device", payload.Device),
			zap.String("alert_type", payload.AlertType),
			zap.String("severity", payload.Severity),
			zap.Int("status_code", resp.StatusCode))
		return nil
	}

	w.logger.Error("Webhook alert endpoint returned error",
		zap.String("device", payload.Device),
		zap.Int("status_code", resp.StatusCode),
		zap.String("status", resp.Status))
	return fmt.Errorf("webhook alert error: %s", resp.Status)
}

// determineSeverity ranks a set of anomalies by the worst one
func determineSeverity(anomalies []*models.Anomaly) string {
	severity := "low"
	for _, anomaly := range anomalies {
		switch anomaly.Type {
		case models.WindGustTooHigh, models.TemperatureTooHigh:
			return "high"
		case models.TemperatureTooLow, models.HumidityTooLow:
			severity = "medium"
		}
	}
	return severity
}

// MultiNotifier fans alerts out to several notifiers. Every notifier is tried;
// the first error is returned.
type MultiNotifier []Notifier

func (m MultiNotifier) SendAnomalyAlert(anomalies []*models.Anomaly, reading models.Reading) error {
	var first error
	for _, n := range m {
		if err := n.SendAnomalyAlert(anomalies, reading); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiNotifier) SendGaugeResetAlert(reset models.GaugeReset) error {
	var first error
	for _, n := range m {
		if err := n.SendGaugeResetAlert(reset); err != nil && first == nil {
			first = err
		}
	}
	return first
}
