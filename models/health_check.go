package models

import (
	"time"
)

// DeviceHealthStatus represents the reporting status of a device
type DeviceHealthStatus string

const (
	DeviceHealthy DeviceHealthStatus = "healthy"
	DeviceTimeout DeviceHealthStatus = "timeout"
)

// DeviceHealth tracks when a weather station last delivered a valid reading
type DeviceHealth struct {
	Device     Device
	LastSeen   time.Time
	LastSample SensorSample
	Status     DeviceHealthStatus
	TimeoutAt  time.Time // When the device timed out (if applicable)
}
