package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/timeutil"
	"github.com/banshee-data/proximity.report/internal/trigger"
)

var (
	// ErrCaptureActive means a capture run or single cycle is already in
	// flight.
	ErrCaptureActive = errors.New("capture already active")

	// ErrNotReady means Setup has not opened the sensor links yet.
	ErrNotReady = errors.New("capture not set up")
)

// Callback receives each reading as it is recorded. Callbacks run on the
// capture goroutine and must not block.
type Callback func(sonar.Reading)

// session holds the in-memory reading buffers for one capture session.
// Buffers are bounded rings; statistics recompute from their contents on
// every query.
type session struct {
	id        string
	startedAt time.Time
	bufA      *ringBuffer
	bufB      *ringBuffer
}

// Controller composes two sensor links with a trigger sequencer and owns
// the capture lifecycle: setup, single cycles, continuous runs, stop and
// cleanup. At most one capture activity runs at a time.
type Controller struct {
	cfg   *config.CaptureConfig
	clock timeutil.Clock
	linkA *SensorLink
	linkB *SensorLink

	mu        sync.Mutex
	state     State
	active    bool
	sess      *session
	seqr      *trigger.Sequencer
	cancel    context.CancelFunc
	runDone   chan struct{}
	lastErr   error
	cycles    int64
	dropsA    int64
	dropsB    int64
	seqA      int
	seqB      int
	callbacks []Callback
	onFault   func(error)
}

// NewController builds a controller over two prepared links. The links
// are opened by Setup, not here.
func NewController(cfg *config.CaptureConfig, clock timeutil.Clock, linkA, linkB *SensorLink) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		cfg:   cfg,
		clock: clock,
		linkA: linkA,
		linkB: linkB,
		state: StateIdle,
	}
}

// NewControllerFromConfig builds a controller with links for both
// configured sensor slots.
func NewControllerFromConfig(cfg *config.CaptureConfig, clock timeutil.Clock, opener Opener) *Controller {
	sensors := cfg.ResolveSensors()
	hold := cfg.GetTriggerHold()
	linkA := NewSensorLink(sensors[0], clock, opener, hold)
	linkB := NewSensorLink(sensors[1], clock, opener, hold)
	return NewController(cfg, clock, linkA, linkB)
}

// Setup opens both sensor links and begins a fresh session. A failure on
// either link closes whatever was opened and wraps ErrResourceUnavailable.
func (c *Controller) Setup() error {
	c.mu.Lock()
	if c.state == StateRunning || c.active {
		c.mu.Unlock()
		return ErrCaptureActive
	}
	c.mu.Unlock()

	if err := c.linkA.Open(); err != nil {
		return err
	}
	if err := c.linkB.Open(); err != nil {
		c.linkA.Close()
		return err
	}

	size := c.cfg.GetBufferSize()
	c.mu.Lock()
	c.sess = &session{
		id:        uuid.NewString(),
		startedAt: c.clock.Now(),
		bufA:      newRingBuffer(size),
		bufB:      newRingBuffer(size),
	}
	c.state = StateIdle
	c.lastErr = nil
	c.cycles, c.dropsA, c.dropsB = 0, 0, 0
	c.seqA, c.seqB = 0, 0
	c.mu.Unlock()
	return nil
}

// AddCallback registers fn to receive every reading recorded from now on.
func (c *Controller) AddCallback(fn Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// SetOnFault registers fn to receive non-fatal sensor faults and the
// error that ends a run.
func (c *Controller) SetOnFault(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFault = fn
}

// SingleCycle runs one trigger cycle across both sensors and returns the
// collected readings. pulses overrides the configured per-trigger count
// when positive. The cycle's readings are buffered and fanned out like
// any other capture.
func (c *Controller) SingleCycle(ctx context.Context, pulses int) (trigger.CycleResult, error) {
	if c.linkA.Mode() == config.ModeFreeRun {
		return trigger.CycleResult{}, fmt.Errorf("single cycle is not available in %s mode", config.ModeFreeRun)
	}

	c.mu.Lock()
	if c.sess == nil || !c.linkA.Opened() {
		c.mu.Unlock()
		return trigger.CycleResult{}, ErrNotReady
	}
	if c.state == StateRunning || c.active {
		c.mu.Unlock()
		return trigger.CycleResult{}, ErrCaptureActive
	}
	c.active = true
	cycle := int(c.cycles) + 1
	seqr := trigger.NewSequencer(c.seqConfig(0, pulses), c.clock, c.linkA, c.linkB)
	c.seqr = seqr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = false
		c.seqr = nil
		c.mu.Unlock()
	}()

	res, err := seqr.RunCycle(ctx)
	c.recordCycle(&res, cycle, nil)
	if err != nil {
		return res, err
	}
	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()
	return res, nil
}

// StartContinuous begins a background capture run. Triggered and pulse
// sensors run a loop of trigger cycles; free-run sensors have their two
// serial streams merged directly. cycleDelay and pulses override the
// configured values when positive. cb, when non-nil, receives this run's
// readings after the standing callbacks. The run continues until
// StopContinuous or a fatal fault.
func (c *Controller) StartContinuous(cycleDelay time.Duration, pulses int, cb Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.linkA.Opened() {
		return ErrNotReady
	}
	if c.state == StateRunning || c.active {
		return ErrCaptureActive
	}

	// The run's lifetime belongs to the controller, not to whatever
	// request started it.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.runDone = done
	c.state = StateRunning
	c.active = true
	c.lastErr = nil

	if c.linkA.Mode() == config.ModeFreeRun {
		go func() {
			defer close(done)
			c.runFreeRun(ctx, cb)
		}()
		return nil
	}

	seqr := trigger.NewSequencer(c.seqConfig(cycleDelay, pulses), c.clock, c.linkA, c.linkB)
	c.seqr = seqr
	go func() {
		defer close(done)
		c.runSequenced(ctx, seqr, cb)
	}()
	return nil
}

// StopContinuous halts a continuous run and waits for the cycle in flight
// to finish. Stopping when no run is active is a no-op.
func (c *Controller) StopContinuous() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Cleanup stops any active run and releases both sensor links. It is safe
// to call in any state, repeatedly. The session's buffered readings stay
// queryable until the next Setup.
func (c *Controller) Cleanup() error {
	c.StopContinuous()

	errA := c.linkA.Close()
	errB := c.linkB.Close()

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	if errA != nil {
		return errA
	}
	return errB
}

// seqConfig assembles the sequencer configuration, applying per-run
// overrides over the loaded defaults.
func (c *Controller) seqConfig(cycleDelay time.Duration, pulses int) trigger.Config {
	cfg := trigger.Config{
		PulsesPerTrigger: c.cfg.GetPulsesPerTrigger(),
		RangeTimeout:     c.cfg.GetRangeTimeout(),
		CycleDelay:       c.cfg.GetCycleDelay(),
	}
	if pulses > 0 {
		cfg.PulsesPerTrigger = pulses
	}
	if cycleDelay > 0 {
		cfg.CycleDelay = cycleDelay
	}
	return cfg
}

// runSequenced is the capture goroutine for the triggered and pulse
// modes. It loops trigger cycles until cancellation or a fatal fault,
// recording every cycle's readings including the last partial one.
func (c *Controller) runSequenced(ctx context.Context, seqr *trigger.Sequencer, cb Callback) {
	fatal := false
	for {
		c.mu.Lock()
		cycle := int(c.cycles) + 1
		c.mu.Unlock()

		res, err := seqr.RunCycle(ctx)
		c.recordCycle(&res, cycle, cb)
		if err == nil {
			c.mu.Lock()
			c.cycles++
			c.mu.Unlock()
			if mErr := c.monitorFault(); mErr != nil {
				err = mErr
			} else {
				continue
			}
		}
		if errors.Is(err, context.Canceled) {
			break
		}
		monitoring.Logf("capture: run stopped: %v", err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.reportFault(err)
		fatal = errors.Is(err, sonar.ErrResourceUnavailable)
		break
	}
	c.finishRun(fatal)
}

// runFreeRun is the capture goroutine for the free-run mode: both serial
// streams merged into one recording flow, with a periodic liveness sweep.
func (c *Controller) runFreeRun(ctx context.Context, cb Callback) {
	idA, chA, okA := c.linkA.Subscribe()
	if !okA {
		c.failRun(fmt.Errorf("sensor %d: %w: no serial stream", c.linkA.ID(), sonar.ErrResourceUnavailable))
		c.finishRun(true)
		return
	}
	defer c.linkA.Unsubscribe(idA)

	idB, chB, okB := c.linkB.Subscribe()
	if !okB {
		c.failRun(fmt.Errorf("sensor %d: %w: no serial stream", c.linkB.ID(), sonar.ErrResourceUnavailable))
		c.finishRun(true)
		return
	}
	defer c.linkB.Unsubscribe(idB)

	quiet := c.cfg.GetLivenessTimeout()
	ticker := c.clock.NewTicker(quiet)
	defer ticker.Stop()

	fatal := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-chA:
			if !ok {
				c.failRun(fmt.Errorf("sensor %d: %w: serial stream closed", c.linkA.ID(), sonar.ErrResourceUnavailable))
				fatal = true
				break loop
			}
			c.recordFrame(c.linkA, frame, cb)
		case frame, ok := <-chB:
			if !ok {
				c.failRun(fmt.Errorf("sensor %d: %w: serial stream closed", c.linkB.ID(), sonar.ErrResourceUnavailable))
				fatal = true
				break loop
			}
			c.recordFrame(c.linkB, frame, cb)
		case <-ticker.C():
			if err := c.monitorFault(); err != nil {
				c.failRun(err)
				fatal = true
				break loop
			}
			for _, l := range [2]*SensorLink{c.linkA, c.linkB} {
				if err := l.CheckLiveness(quiet); err != nil {
					monitoring.Logf("capture: %v", err)
					c.reportFault(err)
				}
			}
		}
	}
	c.finishRun(fatal)
}

// monitorFault surfaces a serial monitor failure on either link as a
// fatal device loss.
func (c *Controller) monitorFault() error {
	for _, l := range [2]*SensorLink{c.linkA, c.linkB} {
		if err := l.MonitorErr(); err != nil {
			return fmt.Errorf("sensor %d: %w: %v", l.ID(), sonar.ErrResourceUnavailable, err)
		}
	}
	return nil
}

// failRun records and reports the error that is ending the run.
func (c *Controller) failRun(err error) {
	monitoring.Logf("capture: run stopped: %v", err)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.reportFault(err)
}

// finishRun marks a run stopped and, for fatal faults, releases the
// hardware as well.
func (c *Controller) finishRun(fatal bool) {
	c.mu.Lock()
	c.state = StateStopped
	c.active = false
	c.seqr = nil
	c.cancel = nil
	c.mu.Unlock()

	if fatal {
		c.Cleanup()
	}
}

// recordCycle stamps the cycle ordinal on a cycle's readings, buffers
// them, fans them out and accounts for drops.
func (c *Controller) recordCycle(res *trigger.CycleResult, cycle int, extra Callback) {
	for i := range res.SensorA {
		res.SensorA[i].Cycle = cycle
		c.record(res.SensorA[i], extra)
	}
	for i := range res.SensorB {
		res.SensorB[i].Cycle = cycle
		c.record(res.SensorB[i], extra)
	}

	c.mu.Lock()
	if res.DroppedA {
		c.dropsA++
	}
	if res.DroppedB {
		c.dropsB++
	}
	c.mu.Unlock()
}

// recordFrame decodes one free-run frame, stamps its per-sensor ordinal
// and records it. Free-run readings carry cycle 0.
func (c *Controller) recordFrame(l *SensorLink, frame string, extra Callback) {
	r := l.decode(frame)

	c.mu.Lock()
	if l == c.linkA {
		c.seqA++
		r.Seq = c.seqA
	} else {
		c.seqB++
		r.Seq = c.seqB
	}
	c.mu.Unlock()

	c.record(r, extra)
}

// record buffers one reading and dispatches it to the callbacks, which
// run outside the controller lock.
func (c *Controller) record(r sonar.Reading, extra Callback) {
	c.mu.Lock()
	if c.sess != nil {
		if r.SensorID == c.linkA.ID() {
			c.sess.bufA.Append(r)
		} else {
			c.sess.bufB.Append(r)
		}
	}
	cbs := c.callbacks
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(r)
	}
	if extra != nil {
		extra(r)
	}
}

func (c *Controller) reportFault(err error) {
	c.mu.Lock()
	fn := c.onFault
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// SensorStats is the per-sensor slice of a statistics report.
type SensorStats struct {
	SensorID       int           `json:"sensor_id"`
	Name           string        `json:"name"`
	Summary        sonar.Summary `json:"summary"`
	ParseErrors    int64         `json:"parse_errors"`
	DroppedCycles  int64         `json:"dropped_cycles"`
	LivenessFaults int64         `json:"liveness_faults"`
	LastTriggerAt  time.Time     `json:"last_trigger_at"`
	Frames         int64         `json:"frames"`
}

// Statistics is a point-in-time report over the current session. Every
// number here is recomputed from the buffered readings and fault counters
// on each call; nothing is cached between queries.
type Statistics struct {
	State     State         `json:"state"`
	SessionID string        `json:"session_id,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Phase     trigger.Phase `json:"phase"`
	Cycles    int64         `json:"cycles"`
	LastError string        `json:"last_error,omitempty"`
	Sensors   []SensorStats `json:"sensors"`
}

// Statistics reports the current session's state and per-sensor
// aggregates.
func (c *Controller) Statistics() Statistics {
	c.mu.Lock()
	out := Statistics{
		State:  c.state,
		Phase:  trigger.PhaseIdle,
		Cycles: c.cycles,
	}
	if c.seqr != nil {
		out.Phase = c.seqr.Phase()
	}
	if c.lastErr != nil {
		out.LastError = c.lastErr.Error()
	}
	var snapA, snapB []sonar.Reading
	if c.sess != nil {
		out.SessionID = c.sess.id
		out.StartedAt = c.sess.startedAt
		snapA = c.sess.bufA.Snapshot()
		snapB = c.sess.bufB.Snapshot()
	}
	dropsA, dropsB := c.dropsA, c.dropsB
	c.mu.Unlock()

	out.Sensors = []SensorStats{
		sensorStats(c.linkA, snapA, dropsA),
		sensorStats(c.linkB, snapB, dropsB),
	}
	return out
}

func sensorStats(l *SensorLink, readings []sonar.Reading, drops int64) SensorStats {
	return SensorStats{
		SensorID:       l.ID(),
		Name:           l.Name(),
		Summary:        sonar.Summarize(readings),
		ParseErrors:    l.ParseErrors(),
		DroppedCycles:  drops,
		LivenessFaults: l.LivenessFaults(),
		LastTriggerAt:  l.LastArmedAt(),
		Frames:         l.FrameStats().Frames,
	}
}

// WriteStatistics renders a plain-text statistics report, printed when a
// capture run ends.
func (c *Controller) WriteStatistics(w io.Writer) {
	s := c.Statistics()
	fmt.Fprintf(w, "session %s  state=%s  cycles=%d\n", s.SessionID, s.State, s.Cycles)
	for _, sn := range s.Sensors {
		fmt.Fprintf(w, "  sensor %d (%s): %d readings, %d valid, %d invalid\n",
			sn.SensorID, sn.Name, sn.Summary.Count, sn.Summary.Valid, sn.Summary.Invalid)
		if sn.Summary.Valid > 0 {
			fmt.Fprintf(w, "    range %.0f-%.0f cm, mean %.1f cm\n",
				sn.Summary.MinCM, sn.Summary.MaxCM, sn.Summary.MeanCM)
		}
		fmt.Fprintf(w, "    parse errors %d, dropped cycles %d, liveness faults %d\n",
			sn.ParseErrors, sn.DroppedCycles, sn.LivenessFaults)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", s.LastError)
	}
}

// State returns the capture lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier of the current session, empty before
// the first Setup.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// LastError returns the error that ended the last run, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns the buffered readings of the current session per
// sensor, oldest first.
func (c *Controller) Snapshot() (a, b []sonar.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, nil
	}
	return c.sess.bufA.Snapshot(), c.sess.bufB.Snapshot()
}

// Links returns both sensor links in slot order.
func (c *Controller) Links() [2]*SensorLink {
	return [2]*SensorLink{c.linkA, c.linkB}
}
