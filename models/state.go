package models

import "time"

// CurrentState is the persisted latest-sample sub-tree of a device record
type CurrentState struct {
	Label             string    `json:"label"`
	TemperatureC      NullFloat `json:"temperature_c"`
	HumidityPct       NullFloat `json:"humidity_pct"`
	SolarRadiationWM2 NullFloat `json:"solar_radiation_w_m2"`
	WindDirectionDeg  NullFloat `json:"wind_direction_deg"`
	WindSpeedAvgMS    NullFloat `json:"wind_speed_avg_m_s"`
	WindSpeedGustMS   NullFloat `json:"wind_speed_gust_m_s"`
	RainLevelM        NullFloat `json:"rain_level_m"`
	RainSinceLastMM   NullFloat `json:"rain_since_last_mm"`
	SourceTimestamp   NullFloat `json:"source_timestamp"`
	ReceivedAt        string    `json:"received_at"`
	RawMessage        string    `json:"raw_message,omitempty"`
}

// Meta holds the per-device bookkeeping used by the aggregation pipeline
type Meta struct {
	MessageCount         int64     `json:"message_count"`
	LastRainLevelM       NullFloat `json:"last_rain_level_m"`
	RollingWindowTotalMM NullFloat `json:"rolling_window_total_mm"`
	WindowMinutes        int       `json:"window_minutes,omitempty"`
}

// HistoryEntry is an immutable down-sampled snapshot of a device
type HistoryEntry struct {
	TemperatureC      NullFloat `json:"temperature_c"`
	HumidityPct       NullFloat `json:"humidity_pct"`
	SolarRadiationWM2 NullFloat `json:"solar_radiation_w_m2"`
	WindDirectionDeg  NullFloat `json:"wind_direction_deg"`
	WindSpeedAvgMS    NullFloat `json:"wind_speed_avg_m_s"`
	WindSpeedGustMS   NullFloat `json:"wind_speed_gust_m_s"`
	RainLevelM        NullFloat `json:"rain_level_m"`
	RainSinceLastMM   NullFloat `json:"rain_since_last_mm"`
	SourceTimestamp   NullFloat `json:"source_timestamp"`
	// CommittedAt is RFC 3339. It is kept as stored so that a corrupt value
	// is still readable and just fails timestamp resolution.
	CommittedAt string `json:"committed_at"`
}

// StoredEntry pairs a history entry with its store-assigned ID
type StoredEntry struct {
	ID    string       `json:"id"`
	Entry HistoryEntry `json:"entry"`
}

// DeviceState is the full persisted record of one device
type DeviceState struct {
	Current CurrentState  `json:"current"`
	Meta    Meta          `json:"meta"`
	History []StoredEntry `json:"history"`
}

// GaugeReset is reported when the cumulative rain level decreases
type GaugeReset struct {
	Device         Device
	PreviousLevelM float64
	CurrentLevelM  float64
	At             time.Time
}
