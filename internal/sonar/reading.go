// Package sonar decodes MaxBotix MB1300 rangefinder output into distance
// readings.
//
// The sensors report in two ways. In serial mode each range arrives as an
// ASCII frame "R" followed by the distance in centimeters and a carriage
// return. In pulse mode the sensor holds its PW line high for 147
// microseconds per inch of range.
package sonar

import "time"

// MB1300 reporting limits.
const (
	MinRangeCM = 30  // closer targets saturate to the minimum
	MaxRangeCM = 765 // sensor ceiling and no-target value

	// Pulse-width scaling and the documented window of reportable widths
	// (2 and 300 inches expressed as microseconds of pulse).
	PulseWidthPerInchUS = 147
	MinPulseWidthUS     = 294
	MaxPulseWidthUS     = 44100
)

// CentimetersPerInch converts between the serial unit and the pulse unit.
const CentimetersPerInch = 2.54

// Reading is one distance sample from one sensor. Samples that fail to
// parse or fall outside the sensor's reporting range are kept with Valid
// false rather than dropped, so gaps stay visible downstream.
type Reading struct {
	SensorID   int       `json:"sensor_id"`
	DistanceCM int       `json:"distance_cm"`
	WidthUS    int64     `json:"width_us,omitempty"` // pulse samples only
	Cycle      int       `json:"cycle"`              // trigger cycle ordinal, 0 in free-run
	Seq        int       `json:"seq"`                // per-sensor sample ordinal
	Valid      bool      `json:"valid"`
	Raw        string    `json:"raw,omitempty"` // original frame text for serial samples
	CapturedAt time.Time `json:"captured_at"`
}

// Inches returns the distance in inches. Pulse samples convert from the
// measured width; serial samples convert from centimeters.
func (r Reading) Inches() float64 {
	if r.WidthUS > 0 {
		return float64(r.WidthUS) / PulseWidthPerInchUS
	}
	return float64(r.DistanceCM) / CentimetersPerInch
}

// Meters returns the distance in meters.
func (r Reading) Meters() float64 {
	return float64(r.DistanceCM) / 100.0
}

// InRange reports whether a distance falls inside the sensor's reporting
// window.
func InRange(cm int) bool {
	return cm >= MinRangeCM && cm <= MaxRangeCM
}
