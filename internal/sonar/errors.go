package sonar

import (
	"errors"
	"fmt"
	"time"
)

// ErrResourceUnavailable marks failures to open or retain a serial port,
// GPIO line or other device resource. These are fatal to the capture run;
// wrap with %w so callers can test with errors.Is.
var ErrResourceUnavailable = errors.New("resource unavailable")

// ParseError reports a serial frame that could not be decoded. Parse
// failures are counted per sensor but never abort capture.
type ParseError struct {
	Sensor int
	Frame  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sensor %d: unparseable frame %q: %s", e.Sensor, e.Frame, e.Reason)
}

// LivenessError reports a sensor that stopped producing data while its
// link remained open.
type LivenessError struct {
	Sensor int
	Name   string
	Quiet  time.Duration
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("sensor %d (%s): no data for %v", e.Sensor, e.Name, e.Quiet)
}
