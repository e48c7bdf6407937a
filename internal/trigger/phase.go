// Package trigger sequences ranging bursts across two ultrasonic sensors
// that share acoustic space. Only one sensor is ever armed at a time; the
// sequencer walks each sensor through an arm, range, cooldown phase before
// handing the air to the other sensor.
package trigger

// Phase identifies where the sequencer is in its cycle.
type Phase string

const (
	// PhaseIdle means no cycle is in flight.
	PhaseIdle Phase = "idle"

	// PhaseArmA and friends track the first sensor's half of the cycle.
	PhaseArmA      Phase = "arm_a"
	PhaseRangeA    Phase = "range_a"
	PhaseCooldownA Phase = "cooldown_a"

	// PhaseArmB and friends track the second sensor's half of the cycle.
	PhaseArmB      Phase = "arm_b"
	PhaseRangeB    Phase = "range_b"
	PhaseCooldownB Phase = "cooldown_b"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid returns true if the phase is a known valid value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseArmA, PhaseRangeA, PhaseCooldownA, PhaseArmB, PhaseRangeB, PhaseCooldownB:
		return true
	default:
		return false
	}
}

// Armed reports whether the phase has a sensor armed or ranging. At most one
// sensor is armed in any phase.
func (p Phase) Armed() bool {
	switch p {
	case PhaseArmA, PhaseRangeA, PhaseArmB, PhaseRangeB:
		return true
	default:
		return false
	}
}
