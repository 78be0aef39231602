package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// NullFloat is a float that may be absent. It marshals to JSON null when not valid.
type NullFloat struct {
	Value float64
	Valid bool
}

// Float returns a valid NullFloat holding v.
func Float(v float64) NullFloat {
	return NullFloat{Value: v, Valid: true}
}

// ParseNullFloat converts a dynamically typed value (number or numeric string) into a NullFloat.
// Anything else, including NaN and infinities, yields an invalid NullFloat.
func ParseNullFloat(v interface{}) NullFloat {
	f := parseFloat(v)
	if !f.Valid || math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
		return NullFloat{}
	}
	return f
}

func parseFloat(v interface{}) NullFloat {
	switch n := v.(type) {
	case float64:
		return Float(n)
	case float32:
		return Float(float64(n))
	case int:
		return Float(float64(n))
	case int64:
		return Float(float64(n))
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return Float(f)
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return Float(f)
		}
	}
	return NullFloat{}
}

// MarshalJSON implements json.Marshaler
func (n NullFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// UnmarshalJSON accepts a number, a numeric string or null. It never fails:
// values that cannot be read as a number leave the field empty.
func (n *NullFloat) UnmarshalJSON(data []byte) error {
	*n = NullFloat{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*n = ParseNullFloat(s)
		}
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = ParseNullFloat(f)
	}
	return nil
}

// Ptr returns nil for an empty value, used for zap fields and APIs that want *float64
func (n NullFloat) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// SensorSample is one normalized observation from a weather station
type SensorSample struct {
	TemperatureC      NullFloat `json:"temperature_c"`
	HumidityPct       NullFloat `json:"humidity_pct"`
	SolarRadiationWM2 NullFloat `json:"solar_radiation_w_m2"`
	WindDirectionDeg  NullFloat `json:"wind_direction_deg"`
	WindSpeedAvgMS    NullFloat `json:"wind_speed_avg_m_s"`
	WindSpeedGustMS   NullFloat `json:"wind_speed_gust_m_s"`
	RainLevelM        NullFloat `json:"rain_level_m"`
	SourceTimestamp   NullFloat `json:"source_timestamp"`
	ReceivedAt        time.Time `json:"received_at"`
}

// IsValid reports whether at least one measurement is present.
// The source timestamp alone does not make a sample valid.
func (s SensorSample) IsValid() bool {
	return s.TemperatureC.Valid ||
		s.HumidityPct.Valid ||
		s.SolarRadiationWM2.Valid ||
		s.WindDirectionDeg.Valid ||
		s.WindSpeedAvgMS.Valid ||
		s.WindSpeedGustMS.Valid ||
		s.RainLevelM.Valid
}

// Device identifies a physical weather station
type Device struct {
	BaseName string `json:"base_name"`
	Label    string `json:"label"`
	Key      string `json:"key"`
}

// Known reports whether the base name matched a configured device
func (d Device) Known() bool {
	return d.Key != ""
}

// keyReplacer drops characters Firebase does not allow in keys
var keyReplacer = strings.NewReplacer(" ", "_", ".", "_", "$", "_", "#", "_", "[", "_", "]", "_", "/", "_")

// DeviceKey derives the store key from a device label ("Temp Interna" -> "temp_interna")
func DeviceKey(label string) string {
	return keyReplacer.Replace(strings.ToLower(strings.TrimSpace(label)))
}

// Reading is the parser output for one inbound payload
type Reading struct {
	Device Device
	Sample SensorSample
	Raw    string
}

// AnomalyType represents different types of anomalies
type AnomalyType string

const (
	TemperatureTooHigh AnomalyType = "temperature_high"
	TemperatureTooLow  AnomalyType = "temperature_low"
	HumidityTooHigh    AnomalyType = "humidity_high"
	HumidityTooLow     AnomalyType = "humidity_low"
	WindGustTooHigh    AnomalyType = "wind_gust_high"
)

// Anomaly represents a detected anomaly
type Anomaly struct {
	Type        AnomalyType `json:"type"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
	DeviceID    string      `json:"device_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Description string      `json:"description"`
}

// GetAnomalyEmoji returns appropriate emoji for anomaly type
func (a *Anomaly) GetAnomalyEmoji() string {
	switch a.Type {
	case TemperatureTooHigh:
		return "🔥"
	case TemperatureTooLow:
		return "🧊"
	case HumidityTooHigh:
		return "💧"
	case HumidityTooLow:
		return "🏜️"
	case WindGustTooHigh:
		return "🌬️"
	default:
		return "⚠️"
	}
}

// GetSeverityColor returns color for Telegram formatting
func (a *Anomaly) GetSeverityColor() string {
	switch a.Type {
	case TemperatureTooHigh, WindGustTooHigh:
		return "🔴"
	case TemperatureTooLow, HumidityTooLow:
		return "🟡"
	case HumidityTooHigh:
		return "🔵"
	default:
		return "⚪"
	}
}
