package sensormux

import (
	"io"
	"time"
)

// SensorPorter defines the minimal interface needed for a rangefinder's
// serial stream. The MB1300 only transmits, so there is no write side.
// This abstraction enables unit testing without real serial hardware.
type SensorPorter interface {
	io.Reader
	io.Closer
}

// TimeoutSensorPorter extends SensorPorter with timeout capabilities.
// This is an optional interface that serial ports may implement.
type TimeoutSensorPorter interface {
	SensorPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}
