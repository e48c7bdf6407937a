package capture

import (
	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/pins"
	"github.com/banshee-data/proximity.report/internal/sensormux"
)

// Opener supplies the hardware acquisition functions a SensorLink uses when
// it opens. Tests and dev mode substitute in-memory implementations.
type Opener struct {
	// OpenMux opens the serial stream for a sensor in a serial mode.
	OpenMux func(s config.SensorSettings) (sensormux.Muxer, error)

	// OpenLine opens a GPIO line by physical header pin. Output lines
	// start driven low.
	OpenLine func(physical int, output bool) (pins.Line, error)
}

// RealOpener returns an Opener backed by the actual serial and GPIO devices.
func RealOpener() Opener {
	return Opener{
		OpenMux: func(s config.SensorSettings) (sensormux.Muxer, error) {
			return sensormux.NewRealSensorMux(s.Port, sensormux.PortOptions{BaudRate: s.BaudRate})
		},
		OpenLine: openHeaderLine,
	}
}

func openHeaderLine(physical int, output bool) (pins.Line, error) {
	pin, err := pins.LineForHeader(physical)
	if err != nil {
		return nil, err
	}
	if output {
		return pins.OpenOutput(pin)
	}
	return pins.OpenInput(pin)
}

// DevOpener returns an Opener backed by synthetic sensors, for running the
// full stack without hardware.
func DevOpener() Opener {
	return Opener{
		OpenMux: func(s config.SensorSettings) (sensormux.Muxer, error) {
			// Stagger the baselines so the two sensors are telling
			// different stories.
			return sensormux.NewMockSensorMux(100 + 50*s.ID), nil
		},
		OpenLine: func(physical int, output bool) (pins.Line, error) {
			return pins.NewMemLine(), nil
		},
	}
}
