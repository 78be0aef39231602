package services

import "errors"

var (
	// ErrUnknownDevice is returned when the payload's base name is not a configured device.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrInvalidSample is returned when a known device sent no measurement at all.
	ErrInvalidSample = errors.New("sample has no measurements")
	// ErrStoreUnavailable wraps every failed device store call.
	ErrStoreUnavailable = errors.New("device store unavailable")
	// ErrDeviceNotFound is returned by ReadState for a device without a record.
	ErrDeviceNotFound = errors.New("device not found")
)
