package sonar

import "time"

// DecodeFrame parses one carriage-return delimited serial frame into a
// Reading. A well-formed frame is "R" followed by one to three ASCII
// digits; anything else yields an invalid Reading carrying the raw text
// plus a *ParseError for fault accounting. A well-formed frame whose
// distance falls outside the reporting window parses cleanly but is
// marked invalid.
func DecodeFrame(sensorID int, frame string, at time.Time) (Reading, error) {
	r := Reading{
		SensorID:   sensorID,
		Raw:        frame,
		CapturedAt: at,
	}

	if len(frame) < 2 || len(frame) > 4 || frame[0] != 'R' {
		return r, &ParseError{Sensor: sensorID, Frame: frame, Reason: "not an R-frame"}
	}

	cm := 0
	for i := 1; i < len(frame); i++ {
		c := frame[i]
		if c < '0' || c > '9' {
			return r, &ParseError{Sensor: sensorID, Frame: frame, Reason: "non-digit in distance"}
		}
		cm = cm*10 + int(c-'0')
	}

	r.DistanceCM = cm
	r.Valid = InRange(cm)
	return r, nil
}

// DecodePulse converts a measured pulse width into a Reading. Widths
// outside the sensor's window produce an invalid Reading; the width is
// still recorded for inspection.
func DecodePulse(sensorID int, width time.Duration, at time.Time) Reading {
	us := width.Microseconds()
	inches := float64(us) / PulseWidthPerInchUS
	cm := int(inches*CentimetersPerInch + 0.5)

	return Reading{
		SensorID:   sensorID,
		DistanceCM: cm,
		WidthUS:    us,
		Valid:      us >= MinPulseWidthUS && us <= MaxPulseWidthUS,
		CapturedAt: at,
	}
}
