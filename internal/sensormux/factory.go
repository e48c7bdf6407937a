package sensormux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSensorMux creates a SensorMux instance backed by a real serial port
// at the given path using the provided serial options. Reads block until the
// sensor transmits; Close unblocks the monitor during shutdown.
func NewRealSensorMux(path string, opts PortOptions) (*SensorMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return NewSensorMux[serial.Port](port), nil
}
