package services

import (
	"fmt"

	"puclima/config"
	"puclima/models"
)

type AnomalyDetector struct {
	config *config.Config
}

func NewAnomalyDetector(cfg *config.Config) *AnomalyDetector {
	return &AnomalyDetector{
		config: cfg,
	}
}

// DetectAnomalies checks a reading against the configured thresholds.
// Missing measurements are never anomalous.
func (ad *AnomalyDetector) DetectAnomalies(device models.Device, sample models.SensorSample) []*models.Anomaly {
	var anomalies []*models.Anomaly

	newAnomaly := func(t models.AnomalyType, value, threshold float64, description string) *models.Anomaly {
		return &models.Anomaly{
			Type:        t,
			Value:       value,
			Threshold:   threshold,
			DeviceID:    device.Label,
			Timestamp:   sample.ReceivedAt,
			Description: description,
		}
	}

	if t := sample.TemperatureC; t.Valid {
		if t.Value > ad.config.TemperatureMax {
			anomalies = append(anomalies, newAnomaly(models.TemperatureTooHigh, t.Value, ad.config.TemperatureMax,
				fmt.Sprintf("Temperature %.1f°C exceeds maximum threshold of %.1f°C", t.Value, ad.config.TemperatureMax)))
		}
		if t.Value < ad.config.TemperatureMin {
			anomalies = append(anomalies, newAnomaly(models.TemperatureTooLow, t.Value, ad.config.TemperatureMin,
				fmt.Sprintf("Temperature %.1f°C is below minimum threshold of %.1f°C", t.Value, ad.config.TemperatureMin)))
		}
	}

	if h := sample.HumidityPct; h.Valid {
		if h.Value > ad.config.HumidityMax {
			anomalies = append(anomalies, newAnomaly(models.HumidityTooHigh, h.Value, ad.config.HumidityMax,
				fmt.Sprintf("Humidity %.1f%% exceeds maximum threshold of %.1f%%", h.Value, ad.config.HumidityMax)))
		}
		if h.Value < ad.config.HumidityMin {
			anomalies = append(anomalies, newAnomaly(models.HumidityTooLow, h.Value, ad.config.HumidityMin,
				fmt.Sprintf("Humidity %.1f%% is below minimum threshold of %.1f%%", h.Value, ad.config.HumidityMin)))
		}
	}

	if g := sample.WindSpeedGustMS; g.Valid && g.Value > ad.config.WindGustMax {
		anomalies = append(anomalies, newAnomaly(models.WindGustTooHigh, g.Value, ad.config.WindGustMax,
			fmt.Sprintf("Wind gust %.1f m/s exceeds maximum threshold of %.1f m/s", g.Value, ad.config.WindGustMax)))
	}

	return anomalies
}
