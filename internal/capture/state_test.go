package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
}

func TestState_IsValid(t *testing.T) {
	valid := []State{StateIdle, StateRunning, StateStopped}
	for _, s := range valid {
		assert.True(t, s.IsValid(), "state %q should be valid", s)
	}

	invalid := []State{"", "paused", "IDLE", "run"}
	for _, s := range invalid {
		assert.False(t, s.IsValid(), "state %q should be invalid", s)
	}
}
