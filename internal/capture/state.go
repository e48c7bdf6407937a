// Package capture composes two sensor links with a trigger sequencer and
// owns the capture lifecycle: a session's buffers and statistics, the single
// background loop that runs cycles or merges free-running streams, and the
// graceful stop path.
package capture

// State identifies the capture lifecycle phase.
type State string

const (
	// StateIdle means no capture has run since setup (or cleanup).
	StateIdle State = "idle"

	// StateRunning means the continuous capture loop is active.
	StateRunning State = "running"

	// StateStopped means a capture ran and has ended; the links remain
	// open and another capture may start.
	StateStopped State = "stopped"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known valid value.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateRunning, StateStopped:
		return true
	default:
		return false
	}
}
