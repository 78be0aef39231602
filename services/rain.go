package services

import (
	"math"

	"puclima/models"
)

// metersToMillimeters converts gauge levels to the reporting unit
const metersToMillimeters = 1000.0

// RainDelta is the precipitation derived from two gauge observations
type RainDelta struct {
	MM    float64
	Reset bool // the gauge level decreased since the last observation
}

// Accumulate derives the rainfall since the previous observation.
// An empty current level or a first observation yields zero. A decreasing
// level is treated as a gauge reset: zero rain, Reset set. The result is
// not rounded; use RoundTo2 when persisting.
func Accumulate(current, last models.NullFloat) RainDelta {
	if !current.Valid || !last.Valid {
		return RainDelta{}
	}

	diff := current.Value - last.Value
	if diff < 0 {
		return RainDelta{Reset: true}
	}
	return RainDelta{MM: diff * metersToMillimeters}
}

// RoundTo2 rounds to two decimal places
func RoundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
