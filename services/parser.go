package services

import (
	"bytes"
	"encoding/json"
	"math"

	"puclima/models"
)

// SenML record keys and the measurement names emitted by the weather stations
const (
	senmlBaseName = "bn"
	senmlBaseTime = "bt"
	senmlName     = "n"
	senmlUnit     = "u"
	senmlValue    = "v"
	senmlEntries  = "e"

	unitCelsius          = "Cel"
	unitRelativeHumidity = "%RH"
	unitIrradiance       = "W/m2"

	nameSolarRadiation = "emw_solar_radiation"
	nameWindDirection  = "emw_wind_direction"
	nameAvgWindSpeed   = "emw_average_wind_speed"
	nameGustWindSpeed  = "emw_gust_wind_speed"
	nameRainLevel      = "emw_rain_level"
)

// Parser turns SenML payloads into normalized readings
type Parser struct {
	devices map[string]string // base name -> label
}

// NewParser creates a parser that recognizes the given base names
func NewParser(devices map[string]string) *Parser {
	known := make(map[string]string, len(devices))
	for baseName, label := range devices {
		known[baseName] = label
	}
	return &Parser{devices: known}
}

// Resolve maps a base name to a device. Unknown names yield the zero Device.
func (p *Parser) Resolve(baseName string) models.Device {
	label, ok := p.devices[baseName]
	if !ok {
		return models.Device{}
	}
	return models.Device{
		BaseName: baseName,
		Label:    label,
		Key:      models.DeviceKey(label),
	}
}

// Devices lists every configured device
func (p *Parser) Devices() []models.Device {
	devices := make([]models.Device, 0, len(p.devices))
	for baseName := range p.devices {
		devices = append(devices, p.Resolve(baseName))
	}
	return devices
}

// Parse decodes one payload. It never fails: malformed records or values
// leave the affected fields empty, and an undecodable payload yields an
// unknown device with an empty sample.
func (p *Parser) Parse(payload []byte) models.Reading {
	reading := models.Reading{Raw: string(payload)}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return reading
	}

	var records []interface{}
	switch v := data.(type) {
	case []interface{}:
		records = v
	case map[string]interface{}:
		p.applyBase(v, &reading)
		if entries, ok := v[senmlEntries].([]interface{}); ok {
			records = entries
		} else {
			records = []interface{}{v}
		}
	default:
		return reading
	}

	for _, r := range records {
		record, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		p.applyBase(record, &reading)
		applyMeasurement(record, &reading.Sample)
	}

	return reading
}

func (p *Parser) applyBase(record map[string]interface{}, reading *models.Reading) {
	if bn, ok := record[senmlBaseName].(string); ok {
		if device := p.Resolve(bn); device.Known() {
			reading.Device = device
		}
	}
	if bt, ok := record[senmlBaseTime]; ok {
		if ts := models.ParseNullFloat(bt); ts.Valid {
			reading.Sample.SourceTimestamp = ts
		}
	}
}

// applyMeasurement maps one n/u/v record onto the sample, by unit first and then by name
func applyMeasurement(record map[string]interface{}, sample *models.SensorSample) {
	name, _ := record[senmlName].(string)
	unit, _ := record[senmlUnit].(string)
	if name == "" && unit == "" {
		return
	}
	value := models.ParseNullFloat(record[senmlValue])

	switch {
	case unit == unitCelsius:
		sample.TemperatureC = value
	case unit == unitRelativeHumidity:
		sample.HumidityPct = value
	case unit == unitIrradiance || name == nameSolarRadiation:
		sample.SolarRadiationWM2 = value
	case name == nameWindDirection:
		sample.WindDirectionDeg = radiansToDegrees(value)
	case name == nameAvgWindSpeed:
		sample.WindSpeedAvgMS = value
	case name == nameGustWindSpeed:
		sample.WindSpeedGustMS = value
	case name == nameRainLevel:
		sample.RainLevelM = value
	}
}

// radiansToDegrees converts without normalizing the range
func radiansToDegrees(rad models.NullFloat) models.NullFloat {
	if !rad.Valid {
		return rad
	}
	deg := rad.Value * 180 / math.Pi
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return rad
	}
	return models.Float(deg)
}
