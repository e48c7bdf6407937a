package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/proximity.report/internal/units"
)

// DefaultConfigPath is the path to the canonical capture defaults file.
// This is the single source of truth for all default capture values.
const DefaultConfigPath = "config/capture.defaults.json"

// Sensor acquisition modes.
const (
	ModeTriggered = "triggered" // serial readings gated by trigger pulses
	ModeFreeRun   = "freerun"   // sensor ranges continuously, no trigger line
	ModePulse     = "pulse"     // pulse-width output sampled on a GPIO line
)

// SensorConfig describes one rangefinder attachment. Fields omitted from
// the JSON fall back to the per-slot defaults applied by Resolve.
type SensorConfig struct {
	Name       *string `json:"name,omitempty"`
	Mode       *string `json:"mode,omitempty"`
	Port       *string `json:"port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	TriggerPin *int    `json:"trigger_pin,omitempty"` // physical header pin driving the sensor's trigger input
	PulsePin   *int    `json:"pulse_pin,omitempty"`   // physical header pin sampling pulse-width output
}

// CaptureConfig represents the root configuration for dual sensor capture.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime inspection.
type CaptureConfig struct {
	SensorA *SensorConfig `json:"sensor_a,omitempty"`
	SensorB *SensorConfig `json:"sensor_b,omitempty"`

	// Trigger sequencing params
	PulsesPerTrigger *int    `json:"pulses_per_trigger,omitempty"`
	CycleDelay       *string `json:"cycle_delay,omitempty"`   // duration string like "200ms"
	TriggerHold      *string `json:"trigger_hold,omitempty"`  // duration string like "25us"
	RangeTimeout     *string `json:"range_timeout,omitempty"` // duration string like "2s"

	// Fault detection params
	LivenessTimeout *string `json:"liveness_timeout,omitempty"` // duration string like "200ms"

	// Buffering and storage params
	BufferSize   *int    `json:"buffer_size,omitempty"`
	DatabasePath *string `json:"database_path,omitempty"`
	ExportDir    *string `json:"export_dir,omitempty"`

	// Telemetry params (optional)
	MQTTBroker      *string `json:"mqtt_broker,omitempty"`
	MQTTTopicPrefix *string `json:"mqtt_topic_prefix,omitempty"`

	// Display params
	Units *string `json:"units,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyCaptureConfig returns a CaptureConfig with all fields set to nil.
// Use LoadCaptureConfig to load actual values from a config file.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// LoadCaptureConfig loads a CaptureConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyCaptureConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical capture defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *CaptureConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadCaptureConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *CaptureConfig) Validate() error {
	for slot, sc := range map[string]*SensorConfig{"sensor_a": c.SensorA, "sensor_b": c.SensorB} {
		if sc == nil {
			continue
		}
		if sc.Mode != nil {
			switch *sc.Mode {
			case ModeTriggered, ModeFreeRun, ModePulse:
			default:
				return fmt.Errorf("%s: unknown mode %q (valid: %s, %s, %s)",
					slot, *sc.Mode, ModeTriggered, ModeFreeRun, ModePulse)
			}
		}
		if sc.BaudRate != nil && *sc.BaudRate <= 0 {
			return fmt.Errorf("%s: baud_rate must be positive, got %d", slot, *sc.BaudRate)
		}
		if sc.TriggerPin != nil && (*sc.TriggerPin < 1 || *sc.TriggerPin > 26) {
			return fmt.Errorf("%s: trigger_pin must be a physical header pin 1-26, got %d", slot, *sc.TriggerPin)
		}
		if sc.PulsePin != nil && (*sc.PulsePin < 1 || *sc.PulsePin > 26) {
			return fmt.Errorf("%s: pulse_pin must be a physical header pin 1-26, got %d", slot, *sc.PulsePin)
		}
	}

	if c.PulsesPerTrigger != nil && *c.PulsesPerTrigger < 1 {
		return fmt.Errorf("pulses_per_trigger must be at least 1, got %d", *c.PulsesPerTrigger)
	}

	if c.BufferSize != nil && *c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be at least 1, got %d", *c.BufferSize)
	}

	for field, v := range map[string]*string{
		"cycle_delay":      c.CycleDelay,
		"trigger_hold":     c.TriggerHold,
		"range_timeout":    c.RangeTimeout,
		"liveness_timeout": c.LivenessTimeout,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", field, *v, err)
			}
		}
	}

	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("invalid units %q (valid: %s)", *c.Units, units.GetValidUnitsString())
	}

	return nil
}

// GetPulsesPerTrigger returns the pulses_per_trigger value or the default.
func (c *CaptureConfig) GetPulsesPerTrigger() int {
	if c.PulsesPerTrigger == nil {
		return 10 // default
	}
	return *c.PulsesPerTrigger
}

// GetCycleDelay parses and returns the CycleDelay as a time.Duration.
func (c *CaptureConfig) GetCycleDelay() time.Duration {
	return durationOr(c.CycleDelay, 200*time.Millisecond)
}

// GetTriggerHold parses and returns the TriggerHold as a time.Duration.
// The MB1300 arms on a high pulse of at least 20us; the default holds a
// little longer to stay clear of the threshold.
func (c *CaptureConfig) GetTriggerHold() time.Duration {
	return durationOr(c.TriggerHold, 25*time.Microsecond)
}

// GetRangeTimeout parses and returns the RangeTimeout as a time.Duration.
func (c *CaptureConfig) GetRangeTimeout() time.Duration {
	return durationOr(c.RangeTimeout, 2*time.Second)
}

// GetLivenessTimeout parses and returns the LivenessTimeout as a time.Duration.
func (c *CaptureConfig) GetLivenessTimeout() time.Duration {
	return durationOr(c.LivenessTimeout, 200*time.Millisecond)
}

// GetBufferSize returns the buffer_size value or the default.
func (c *CaptureConfig) GetBufferSize() int {
	if c.BufferSize == nil {
		return 1000 // default
	}
	return *c.BufferSize
}

// GetDatabasePath returns the database_path value or the default.
func (c *CaptureConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "sonar.db"
	}
	return *c.DatabasePath
}

// GetExportDir returns the export_dir value or the default.
func (c *CaptureConfig) GetExportDir() string {
	if c.ExportDir == nil || *c.ExportDir == "" {
		return "data"
	}
	return *c.ExportDir
}

// GetMQTTBroker returns the mqtt_broker value. Empty means telemetry
// publishing is disabled.
func (c *CaptureConfig) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopicPrefix returns the mqtt_topic_prefix value or the default.
func (c *CaptureConfig) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil || *c.MQTTTopicPrefix == "" {
		return "proximity"
	}
	return *c.MQTTTopicPrefix
}

// GetUnits returns the units value or the default.
func (c *CaptureConfig) GetUnits() string {
	if c.Units == nil || !units.IsValid(*c.Units) {
		return units.CM
	}
	return *c.Units
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// SensorSettings is a SensorConfig with all defaults applied, ready for the
// capture layer to act on.
type SensorSettings struct {
	ID         int
	Name       string
	Mode       string
	Port       string
	BaudRate   int
	TriggerPin int
	PulsePin   int
}

// Sensor slot defaults match the reference wiring for an Orange Pi 5:
// sensor 1 reads on UART4 (ttyS4) with its trigger on header pin 12, and
// sensor 2 reads on UART3 (ttyS3) with its trigger on header pin 18. In
// pulse mode the trigger lines move to pins 16 and 22 so the pulse-width
// outputs can occupy 12 and 18.
var slotDefaults = [2]SensorSettings{
	{ID: 1, Name: "sensor-1", Mode: ModeTriggered, Port: "/dev/ttyS4", BaudRate: 9600, TriggerPin: 12, PulsePin: 0},
	{ID: 2, Name: "sensor-2", Mode: ModeTriggered, Port: "/dev/ttyS3", BaudRate: 9600, TriggerPin: 18, PulsePin: 0},
}

// Pulse-mode pin defaults, keyed by slot index.
var pulseSlotDefaults = [2]struct{ TriggerPin, PulsePin int }{
	{TriggerPin: 16, PulsePin: 12},
	{TriggerPin: 22, PulsePin: 18},
}

// ResolveSensors returns the two sensor slots with defaults applied for any
// unset fields. Slot 0 is sensor A, slot 1 is sensor B.
func (c *CaptureConfig) ResolveSensors() [2]SensorSettings {
	configs := [2]*SensorConfig{c.SensorA, c.SensorB}
	var out [2]SensorSettings

	for i, sc := range configs {
		s := slotDefaults[i]
		if sc != nil {
			if sc.Mode != nil && *sc.Mode != "" {
				s.Mode = *sc.Mode
			}
			if s.Mode == ModePulse {
				s.TriggerPin = pulseSlotDefaults[i].TriggerPin
				s.PulsePin = pulseSlotDefaults[i].PulsePin
			}
			if sc.Name != nil && *sc.Name != "" {
				s.Name = *sc.Name
			}
			if sc.Port != nil && *sc.Port != "" {
				s.Port = *sc.Port
			}
			if sc.BaudRate != nil && *sc.BaudRate > 0 {
				s.BaudRate = *sc.BaudRate
			}
			if sc.TriggerPin != nil && *sc.TriggerPin > 0 {
				s.TriggerPin = *sc.TriggerPin
			}
			if sc.PulsePin != nil && *sc.PulsePin > 0 {
				s.PulsePin = *sc.PulsePin
			}
		}
		out[i] = s
	}

	return out
}
