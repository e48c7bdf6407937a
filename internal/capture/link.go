package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/pins"
	"github.com/banshee-data/proximity.report/internal/sensormux"
	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// SensorLink owns the hardware attached to one sensor: its serial stream,
// its trigger line, and in pulse mode its width input. The set of devices
// opened depends on the configured capture mode. A SensorLink is the
// per-sensor half of a trigger cycle; the sequencer calls Arm and Collect.
type SensorLink struct {
	settings config.SensorSettings
	clock    timeutil.Clock
	opener   Opener
	hold     time.Duration

	mu            sync.Mutex
	opened        bool
	mux           sensormux.Muxer
	trigger       pins.Line
	pulse         pins.Line
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	openedAt      time.Time
	lastArmedAt   time.Time
	lastFaultMark time.Time

	errMu      sync.Mutex
	monitorErr error

	parseErrors    atomic.Int64
	livenessFaults atomic.Int64
}

// NewSensorLink returns an unopened link for one sensor. The hold duration
// is how long the trigger line stays asserted when arming.
func NewSensorLink(settings config.SensorSettings, clock timeutil.Clock, opener Opener, hold time.Duration) *SensorLink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if hold <= 0 {
		hold = 25 * time.Microsecond
	}
	return &SensorLink{
		settings: settings,
		clock:    clock,
		opener:   opener,
		hold:     hold,
	}
}

// Open acquires the devices the configured mode needs. Serial modes open
// the port and start a background monitor pumping frames to subscribers;
// triggered mode additionally opens the trigger line, and pulse mode opens
// the trigger and width lines with no serial port at all. Open failures
// wrap ErrResourceUnavailable and leave nothing half-acquired.
func (l *SensorLink) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		return nil
	}

	switch l.settings.Mode {
	case config.ModeTriggered, config.ModeFreeRun:
		mux, err := l.opener.OpenMux(l.settings)
		if err != nil {
			return l.openFailed("serial port "+l.settings.Port, err)
		}
		l.mux = mux
		if l.settings.Mode == config.ModeTriggered {
			line, err := l.opener.OpenLine(l.settings.TriggerPin, true)
			if err != nil {
				mux.Close()
				l.mux = nil
				return l.openFailed(fmt.Sprintf("trigger line (header pin %d)", l.settings.TriggerPin), err)
			}
			l.trigger = line
		}
		l.startMonitor()
	case config.ModePulse:
		trig, err := l.opener.OpenLine(l.settings.TriggerPin, true)
		if err != nil {
			return l.openFailed(fmt.Sprintf("trigger line (header pin %d)", l.settings.TriggerPin), err)
		}
		pulse, err := l.opener.OpenLine(l.settings.PulsePin, false)
		if err != nil {
			trig.Close()
			return l.openFailed(fmt.Sprintf("pulse line (header pin %d)", l.settings.PulsePin), err)
		}
		l.trigger = trig
		l.pulse = pulse
	default:
		return fmt.Errorf("sensor %d: unknown capture mode %q", l.settings.ID, l.settings.Mode)
	}

	l.opened = true
	l.openedAt = l.clock.Now()
	l.lastFaultMark = time.Time{}
	return nil
}

func (l *SensorLink) openFailed(what string, err error) error {
	return fmt.Errorf("sensor %d: open %s: %w: %v", l.settings.ID, what, sonar.ErrResourceUnavailable, err)
}

// startMonitor is called with l.mu held and a serial mux in place.
func (l *SensorLink) startMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.monitorCancel = cancel
	l.monitorDone = done

	mux := l.mux
	id := l.settings.ID
	go func() {
		defer close(done)
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.setMonitorErr(err)
			monitoring.Logf("sensor %d: serial monitor: %v", id, err)
		}
	}()
}

func (l *SensorLink) setMonitorErr(err error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.monitorErr == nil {
		l.monitorErr = err
	}
}

// MonitorErr returns the first error the serial monitor hit, if any.
func (l *SensorLink) MonitorErr() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.monitorErr
}

// Close releases every device the link holds and waits for the serial
// monitor to exit. Closing an unopened link is a no-op, so cleanup paths
// can call it unconditionally.
func (l *SensorLink) Close() error {
	l.mu.Lock()
	if !l.opened {
		l.mu.Unlock()
		return nil
	}
	l.opened = false
	mux := l.mux
	trig := l.trigger
	pulse := l.pulse
	cancel := l.monitorCancel
	done := l.monitorDone
	l.mux = nil
	l.trigger = nil
	l.pulse = nil
	l.monitorCancel = nil
	l.monitorDone = nil
	l.mu.Unlock()

	// Teardown happens outside the lock: the monitor goroutine may be
	// in setMonitorErr while we wait for it.
	if cancel != nil {
		cancel()
	}
	var firstErr error
	if mux != nil {
		// Closing the port unblocks a scanner stuck in Read.
		if err := mux.Close(); err != nil {
			firstErr = err
		}
	}
	if done != nil {
		<-done
	}
	if trig != nil {
		trig.SetLow()
		if err := trig.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pulse != nil {
		if err := pulse.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Arm asserts the trigger line for the configured hold and releases it,
// commanding one burst of ranging from the sensor.
func (l *SensorLink) Arm() error {
	l.mu.Lock()
	if !l.opened || l.trigger == nil {
		l.mu.Unlock()
		return fmt.Errorf("sensor %d: %w: no trigger line", l.settings.ID, sonar.ErrResourceUnavailable)
	}
	trig := l.trigger
	l.mu.Unlock()

	if err := trig.SetHigh(); err != nil {
		return fmt.Errorf("sensor %d: assert trigger: %w", l.settings.ID, err)
	}
	l.clock.Sleep(l.hold)
	if err := trig.SetLow(); err != nil {
		return fmt.Errorf("sensor %d: release trigger: %w", l.settings.ID, err)
	}

	l.mu.Lock()
	l.lastArmedAt = l.clock.Now()
	l.mu.Unlock()
	return nil
}

// Collect gathers readings from the sensor until n valid ones have
// arrived or the timeout passes. Invalid readings are recorded in the
// result but do not count toward n. Returning with fewer than n valid
// readings and a nil error means the burst timed out.
func (l *SensorLink) Collect(ctx context.Context, n int, timeout time.Duration) ([]sonar.Reading, error) {
	l.mu.Lock()
	if !l.opened {
		l.mu.Unlock()
		return nil, fmt.Errorf("sensor %d: %w: link not open", l.settings.ID, sonar.ErrResourceUnavailable)
	}
	mode := l.settings.Mode
	mux := l.mux
	pulse := l.pulse
	l.mu.Unlock()

	if mode == config.ModePulse {
		return l.collectPulse(ctx, pulse, n, timeout)
	}
	return l.collectSerial(ctx, mux, n, timeout)
}

func (l *SensorLink) collectSerial(ctx context.Context, mux sensormux.Muxer, n int, timeout time.Duration) ([]sonar.Reading, error) {
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	timer := l.clock.NewTimer(timeout)
	defer timer.Stop()

	out := make([]sonar.Reading, 0, n)
	valid := 0
	for valid < n {
		select {
		case frame, ok := <-ch:
			if !ok {
				return out, fmt.Errorf("sensor %d: %w: serial stream closed", l.settings.ID, sonar.ErrResourceUnavailable)
			}
			r := l.decode(frame)
			r.Seq = len(out) + 1
			out = append(out, r)
			if r.Valid {
				valid++
			}
		case <-timer.C():
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (l *SensorLink) collectPulse(ctx context.Context, line pins.Line, n int, timeout time.Duration) ([]sonar.Reading, error) {
	deadline := l.clock.Now().Add(timeout)

	out := make([]sonar.Reading, 0, n)
	valid := 0
	for valid < n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, ok := l.samplePulse(line, deadline)
		if !ok {
			return out, nil
		}
		r.Seq = len(out) + 1
		if !r.Valid {
			l.parseErrors.Add(1)
		}
		out = append(out, r)
		if r.Valid {
			valid++
		}
	}
	return out, nil
}

// samplePulse measures one high pulse on the width input. A false return
// means the deadline passed before a complete pulse was seen and ends the
// burst.
func (l *SensorLink) samplePulse(line pins.Line, deadline time.Time) (sonar.Reading, bool) {
	for {
		rem := deadline.Sub(l.clock.Now())
		if rem <= 0 || !line.WaitForEdge(rem) {
			return sonar.Reading{}, false
		}
		high, err := line.Read()
		if err != nil {
			return sonar.Reading{}, false
		}
		if high {
			break
		}
	}
	start := l.clock.Now()

	for {
		rem := deadline.Sub(l.clock.Now())
		if rem <= 0 || !line.WaitForEdge(rem) {
			return sonar.Reading{}, false
		}
		high, err := line.Read()
		if err != nil {
			return sonar.Reading{}, false
		}
		if !high {
			break
		}
	}
	return sonar.DecodePulse(l.settings.ID, l.clock.Since(start), l.clock.Now()), true
}

// decode parses one serial frame, counting parse failures against the
// sensor.
func (l *SensorLink) decode(frame string) sonar.Reading {
	r, err := sonar.DecodeFrame(l.settings.ID, frame, l.clock.Now())
	if err != nil {
		l.parseErrors.Add(1)
	}
	return r
}

// CheckLiveness reports a fault when the serial stream has been quiet
// longer than allowed. One fault is raised per silence episode; the
// stream speaking again rearms detection. Pulse links have no continuous
// stream to watch and always pass.
func (l *SensorLink) CheckLiveness(quiet time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened || l.mux == nil {
		return nil
	}

	last := l.mux.Stats().LastFrameAt
	if last.IsZero() {
		last = l.openedAt
	}
	if l.clock.Since(last) <= quiet {
		return nil
	}
	if last.Equal(l.lastFaultMark) {
		return nil
	}
	l.lastFaultMark = last
	l.livenessFaults.Add(1)
	return &sonar.LivenessError{Sensor: l.settings.ID, Name: l.settings.Name, Quiet: quiet}
}

// AttachAdminRoutes registers the sensor's serial debug pages under
// /debug/sensor-<id>/. Links without a serial stream get a placeholder
// page saying so.
func (l *SensorLink) AttachAdminRoutes(m *http.ServeMux) {
	slug := fmt.Sprintf("sensor-%d", l.settings.ID)
	l.mu.Lock()
	mux := l.mux
	l.mu.Unlock()
	if mux == nil {
		sensormux.NewDisabledSensorMux().AttachAdminRoutes(m, slug)
		return
	}
	mux.AttachAdminRoutes(m, slug)
}

// ID returns the sensor's configured identifier.
func (l *SensorLink) ID() int { return l.settings.ID }

// Name returns the sensor's configured display name.
func (l *SensorLink) Name() string { return l.settings.Name }

// Mode returns the capture mode the link was configured with.
func (l *SensorLink) Mode() string { return l.settings.Mode }

// Settings returns the sensor's resolved configuration.
func (l *SensorLink) Settings() config.SensorSettings { return l.settings }

// Opened reports whether the link currently holds its devices.
func (l *SensorLink) Opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// ParseErrors returns the count of frames or pulses that failed to decode.
func (l *SensorLink) ParseErrors() int64 { return l.parseErrors.Load() }

// LivenessFaults returns the count of silence episodes detected.
func (l *SensorLink) LivenessFaults() int64 { return l.livenessFaults.Load() }

// LastArmedAt returns when the trigger line last completed a pulse.
func (l *SensorLink) LastArmedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastArmedAt
}

// FrameStats returns the serial stream counters, zero for pulse links.
func (l *SensorLink) FrameStats() sensormux.Stats {
	l.mu.Lock()
	mux := l.mux
	l.mu.Unlock()
	if mux == nil {
		return sensormux.Stats{}
	}
	return mux.Stats()
}

// Subscribe attaches a frame channel to the link's serial stream. It
// returns false for pulse links, which have no stream.
func (l *SensorLink) Subscribe() (string, chan string, bool) {
	l.mu.Lock()
	mux := l.mux
	l.mu.Unlock()
	if mux == nil {
		return "", nil, false
	}
	id, ch := mux.Subscribe()
	return id, ch, true
}

// Unsubscribe detaches a channel returned by Subscribe.
func (l *SensorLink) Unsubscribe(id string) {
	l.mu.Lock()
	mux := l.mux
	l.mu.Unlock()
	if mux != nil {
		mux.Unsubscribe(id)
	}
}
