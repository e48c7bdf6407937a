// Package export renders session readings to CSV files with a YAML
// manifest describing each export. Column layouts and file naming follow
// the formats downstream analysis already consumes.
package export

import (
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/sonar"
)

// Schema identifies a CSV column layout.
type Schema string

const (
	// SchemaCycle is the trigger-cycle layout carrying per-pulse width
	// data, one row per pulse.
	SchemaCycle Schema = "cycle"

	// SchemaStream is the serial stream layout, one row per reading.
	SchemaStream Schema = "stream"
)

// String returns the string representation of the schema.
func (s Schema) String() string {
	return string(s)
}

// IsValid returns true if the schema is a known valid value.
func (s Schema) IsValid() bool {
	switch s {
	case SchemaCycle, SchemaStream:
		return true
	default:
		return false
	}
}

// Columns returns the canonical header row for the schema.
func (s Schema) Columns() []string {
	switch s {
	case SchemaCycle:
		return []string{"Sensor", "Cycle", "Pulse_Number", "Distance_Inches", "Pulse_Width_us", "Timestamp"}
	case SchemaStream:
		return []string{"Sensor_ID", "Timestamp", "Distance_cm", "Reading_Number"}
	default:
		return nil
	}
}

// Row renders one reading in the schema's layout. name is the sensor's
// display name, used by the cycle layout.
func (s Schema) Row(r sonar.Reading, name string) []string {
	ts := fmt.Sprintf("%.6f", float64(r.CapturedAt.UnixNano())/1e9)
	switch s {
	case SchemaCycle:
		return []string{
			name,
			strconv.Itoa(r.Cycle),
			strconv.Itoa(r.Seq),
			fmt.Sprintf("%.3f", r.Inches()),
			fmt.Sprintf("%.1f", float64(r.WidthUS)),
			ts,
		}
	case SchemaStream:
		return []string{
			strconv.Itoa(r.SensorID),
			ts,
			strconv.Itoa(r.DistanceCM),
			strconv.Itoa(r.Seq),
		}
	default:
		return nil
	}
}

// Filename builds the schema's conventional file name for an export
// taken at the given time.
func (s Schema) Filename(at time.Time) string {
	switch s {
	case SchemaCycle:
		return fmt.Sprintf("ultrasonic_data_%d.csv", at.Unix())
	case SchemaStream:
		return "sensor_data_" + at.Format("20060102_150405") + ".csv"
	default:
		return ""
	}
}

// SchemaForMode picks the layout matching a capture mode. Pulse captures
// carry width data; serial captures do not.
func SchemaForMode(mode string) Schema {
	if mode == config.ModePulse {
		return SchemaCycle
	}
	return SchemaStream
}
