package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Config holds the sequencer's timing parameters.
type Config struct {
	// PulsesPerTrigger is how many valid readings a range phase waits for
	// before moving on.
	PulsesPerTrigger int `json:"pulses_per_trigger"`

	// RangeTimeout bounds a range phase when the sensor under-delivers.
	RangeTimeout time.Duration `json:"range_timeout"`

	// CycleDelay is the cooldown between sensors, long enough for residual
	// echo to die off before the other sensor fires.
	CycleDelay time.Duration `json:"cycle_delay"`
}

// DefaultConfig returns the default sequencer timings.
func DefaultConfig() Config {
	return Config{
		PulsesPerTrigger: 10,
		RangeTimeout:     2 * time.Second,
		CycleDelay:       200 * time.Millisecond,
	}
}

// Target is one sensor slot the sequencer can arm and collect from.
type Target interface {
	// ID reports the slot's sensor number.
	ID() int

	// Arm fires the trigger pulse that starts the sensor ranging.
	Arm() error

	// Collect gathers readings from the armed sensor. It returns once n
	// valid readings have arrived or the timeout lapses, whichever comes
	// first. Invalid readings are included in the result but do not count
	// toward n.
	Collect(ctx context.Context, n int, timeout time.Duration) ([]sonar.Reading, error)
}

// CycleResult carries the readings from one full cycle across both sensors.
type CycleResult struct {
	SensorA []sonar.Reading `json:"sensor_a"`
	SensorB []sonar.Reading `json:"sensor_b"`

	// DroppedA and DroppedB report range phases that closed below the
	// requested valid-reading count.
	DroppedA bool `json:"dropped_a"`
	DroppedB bool `json:"dropped_b"`
}

// Stats tracks cycle and drop counters across RunCycle calls.
type Stats struct {
	Cycles         int64 `json:"cycles"`
	DroppedCyclesA int64 `json:"dropped_cycles_a"`
	DroppedCyclesB int64 `json:"dropped_cycles_b"`
}

// Sequencer drives two targets through exclusive ranging cycles. The phases
// are strictly sequential, so at most one sensor is armed at any point.
type Sequencer struct {
	cfg   Config
	clock timeutil.Clock
	a, b  Target

	mu    sync.Mutex
	phase Phase
	stats Stats
}

// NewSequencer creates a sequencer over the two targets. Nonpositive config
// values fall back to defaults; a zero CycleDelay is honoured (no cooldown).
func NewSequencer(cfg Config, clock timeutil.Clock, a, b Target) *Sequencer {
	def := DefaultConfig()
	if cfg.PulsesPerTrigger <= 0 {
		cfg.PulsesPerTrigger = def.PulsesPerTrigger
	}
	if cfg.RangeTimeout <= 0 {
		cfg.RangeTimeout = def.RangeTimeout
	}
	if cfg.CycleDelay < 0 {
		cfg.CycleDelay = def.CycleDelay
	}

	return &Sequencer{
		cfg:   cfg,
		clock: clock,
		a:     a,
		b:     b,
		phase: PhaseIdle,
	}
}

// RunCycle runs one full cycle synchronously: sensor A's arm, range and
// cooldown phases, then sensor B's. Cancellation is observed at phase
// boundaries only, so an in-flight ranging wait always runs to its reading
// count or timeout. Readings collected before a cancellation or fault are
// returned alongside the error.
func (s *Sequencer) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	if err := ctx.Err(); err != nil {
		return res, err
	}

	readings, dropped, err := s.runHalf(ctx, s.a, PhaseArmA, PhaseRangeA)
	res.SensorA, res.DroppedA = readings, dropped
	if dropped {
		s.mu.Lock()
		s.stats.DroppedCyclesA++
		s.mu.Unlock()
	}
	if err != nil {
		s.setPhase(PhaseIdle)
		return res, err
	}
	if err := s.cooldown(ctx, PhaseCooldownA); err != nil {
		return res, err
	}

	readings, dropped, err = s.runHalf(ctx, s.b, PhaseArmB, PhaseRangeB)
	res.SensorB, res.DroppedB = readings, dropped
	if dropped {
		s.mu.Lock()
		s.stats.DroppedCyclesB++
		s.mu.Unlock()
	}
	if err != nil {
		s.setPhase(PhaseIdle)
		return res, err
	}
	if err := s.cooldown(ctx, PhaseCooldownB); err != nil {
		return res, err
	}

	s.mu.Lock()
	s.stats.Cycles++
	s.phase = PhaseIdle
	s.mu.Unlock()
	return res, nil
}

// runHalf arms one target and collects its readings. The dropped flag is
// only meaningful when err is nil: a hardware fault is not a dead cycle.
func (s *Sequencer) runHalf(ctx context.Context, t Target, arm, rng Phase) ([]sonar.Reading, bool, error) {
	s.setPhase(arm)
	if err := t.Arm(); err != nil {
		return nil, false, fmt.Errorf("arm sensor %d: %w", t.ID(), err)
	}

	s.setPhase(rng)
	// The ranging wait is bounded by the reading count and timeout, never
	// cut short by a stop request: those take effect at the boundary after
	// this phase.
	readings, err := t.Collect(context.WithoutCancel(ctx), s.cfg.PulsesPerTrigger, s.cfg.RangeTimeout)
	if err != nil {
		return readings, false, fmt.Errorf("collect sensor %d: %w", t.ID(), err)
	}

	dropped := countValid(readings) < s.cfg.PulsesPerTrigger
	return readings, dropped, nil
}

// cooldown holds between sensors. The end of the preceding range phase and
// the end of the cooldown itself are the two safe cancellation boundaries.
func (s *Sequencer) cooldown(ctx context.Context, phase Phase) error {
	if err := ctx.Err(); err != nil {
		s.setPhase(PhaseIdle)
		return err
	}

	s.setPhase(phase)
	s.clock.Sleep(s.cfg.CycleDelay)

	if err := ctx.Err(); err != nil {
		s.setPhase(PhaseIdle)
		return err
	}
	return nil
}

func (s *Sequencer) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase returns the sequencer's current phase.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Config returns the sequencer's resolved configuration.
func (s *Sequencer) Config() Config {
	return s.cfg
}

// GetStats returns a snapshot of the cycle counters.
func (s *Sequencer) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats resets the cycle counters.
func (s *Sequencer) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

func countValid(readings []sonar.Reading) int {
	valid := 0
	for _, r := range readings {
		if r.Valid {
			valid++
		}
	}
	return valid
}
