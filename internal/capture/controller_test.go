package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/pins"
	"github.com/banshee-data/proximity.report/internal/sensormux"
	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// ctrlFixture wires a Controller to two in-memory sensors.
type ctrlFixture struct {
	ctrl  *Controller
	clock *timeutil.MockClock
	muxA  *stubMuxer
	muxB  *stubMuxer
	trigA *pins.MemLine
	trigB *pins.MemLine
}

func newCtrlFixture(t *testing.T, mode string) *ctrlFixture {
	t.Helper()
	f := &ctrlFixture{
		clock: timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		muxA:  newStubMuxer(),
		muxB:  newStubMuxer(),
		trigA: pins.NewMemLine(),
		trigB: pins.NewMemLine(),
	}

	mkLink := func(id int, mux *stubMuxer, trig *pins.MemLine) *SensorLink {
		settings := config.SensorSettings{
			ID:         id,
			Name:       fmt.Sprintf("sensor-%d", id),
			Mode:       mode,
			Port:       fmt.Sprintf("/dev/ttyS%d", 5-id),
			BaudRate:   9600,
			TriggerPin: 12,
			PulsePin:   16,
		}
		opener := Opener{
			OpenMux: func(config.SensorSettings) (sensormux.Muxer, error) {
				return mux, nil
			},
			OpenLine: func(int, bool) (pins.Line, error) {
				return trig, nil
			},
		}
		return NewSensorLink(settings, f.clock, opener, 25*time.Microsecond)
	}

	f.ctrl = NewController(config.EmptyCaptureConfig(), f.clock,
		mkLink(1, f.muxA, f.trigA), mkLink(2, f.muxB, f.trigB))
	return f
}

// readingSink collects callback deliveries across goroutines.
type readingSink struct {
	mu       sync.Mutex
	readings []sonar.Reading
}

func (s *readingSink) add(r sonar.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
}

func (s *readingSink) snapshot() []sonar.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sonar.Reading, len(s.readings))
	copy(out, s.readings)
	return out
}

func (s *readingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

// faultSink collects fault callback deliveries.
type faultSink struct {
	mu     sync.Mutex
	faults []error
}

func (s *faultSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, err)
}

func (s *faultSink) snapshot() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.faults))
	copy(out, s.faults)
	return out
}

func TestController_Setup(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.NotEmpty(t, f.ctrl.SessionID())
	for _, l := range f.ctrl.Links() {
		assert.True(t, l.Opened())
	}
}

func TestController_Setup_NewSession(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	first := f.ctrl.SessionID()

	require.NoError(t, f.ctrl.Cleanup())
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	assert.NotEqual(t, first, f.ctrl.SessionID())
}

func TestController_Setup_SecondLinkFailure(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	f.ctrl.linkB.opener.OpenMux = func(config.SensorSettings) (sensormux.Muxer, error) {
		return nil, errors.New("no such device")
	}

	err := f.ctrl.Setup()
	require.Error(t, err)
	assert.ErrorIs(t, err, sonar.ErrResourceUnavailable)
	assert.False(t, f.ctrl.linkA.Opened(), "first link should be released when the second fails")
	assert.True(t, f.muxA.isClosed())
}

func TestController_SingleCycle(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	f.muxA.ch <- "R100"
	f.muxA.ch <- "R102"
	f.muxB.ch <- "R200"
	f.muxB.ch <- "R202"

	res, err := f.ctrl.SingleCycle(context.Background(), 2)
	require.NoError(t, err)

	require.Len(t, res.SensorA, 2)
	require.Len(t, res.SensorB, 2)
	assert.False(t, res.DroppedA)
	assert.False(t, res.DroppedB)

	for i, r := range res.SensorA {
		assert.Equal(t, 1, r.SensorID)
		assert.Equal(t, 1, r.Cycle)
		assert.Equal(t, i+1, r.Seq)
	}
	for _, r := range res.SensorB {
		assert.Equal(t, 2, r.SensorID)
		assert.Equal(t, 1, r.Cycle)
	}

	// Both triggers pulsed exactly once.
	assert.Equal(t, 1, f.trigA.Pulses())
	assert.Equal(t, 1, f.trigB.Pulses())

	a, b := f.ctrl.Snapshot()
	assert.Len(t, a, 2)
	assert.Len(t, b, 2)

	stats := f.ctrl.Statistics()
	assert.Equal(t, int64(1), stats.Cycles)
}

func TestController_SingleCycle_NotSetUp(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	_, err := f.ctrl.SingleCycle(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestController_SingleCycle_FreeRunRejected(t *testing.T) {
	f := newCtrlFixture(t, config.ModeFreeRun)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	_, err := f.ctrl.SingleCycle(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestController_SingleCycle_UnderDeliveringSensor(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	// Sensor 1 produces a single valid reading against three requested;
	// sensor 2 delivers in full.
	f.muxA.ch <- "R100"
	f.muxB.ch <- "R200"
	f.muxB.ch <- "R201"
	f.muxB.ch <- "R202"

	done := make(chan struct{})
	var res struct {
		a, b    int
		dropped bool
		err     error
	}
	go func() {
		defer close(done)
		r, err := f.ctrl.SingleCycle(context.Background(), 3)
		res.a, res.b = len(r.SensorA), len(r.SensorB)
		res.dropped = r.DroppedA
		res.err = err
	}()

	// Let the first range phase drain its one frame, then expire it.
	time.Sleep(20 * time.Millisecond)
	f.clock.Advance(2 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("single cycle did not return")
	}

	require.NoError(t, res.err)
	assert.Equal(t, 1, res.a, "the short burst is still returned")
	assert.Equal(t, 3, res.b)
	assert.True(t, res.dropped)

	stats := f.ctrl.Statistics()
	assert.Equal(t, int64(1), stats.Sensors[0].DroppedCycles)
	assert.Equal(t, int64(0), stats.Sensors[1].DroppedCycles)
}

func TestController_SingleCycle_Callbacks(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	sink := &readingSink{}
	f.ctrl.AddCallback(sink.add)

	f.muxA.ch <- "R100"
	f.muxB.ch <- "R200"

	_, err := f.ctrl.SingleCycle(context.Background(), 1)
	require.NoError(t, err)

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].SensorID)
	assert.Equal(t, 2, got[1].SensorID)
}

func TestController_StartContinuous_NotSetUp(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	err := f.ctrl.StartContinuous(0, 0, nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestController_StartStopContinuous(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	require.NoError(t, f.ctrl.StartContinuous(0, 2, nil))
	assert.Equal(t, StateRunning, f.ctrl.State())

	// No frames are flowing, so the run is parked in its first range
	// phase. Stop, then expire the phase so the cycle can reach a
	// boundary and observe the cancellation.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.ctrl.StopContinuous()
	}()

	time.Sleep(20 * time.Millisecond)
	f.clock.Advance(2 * time.Second)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not complete")
	}
	assert.Equal(t, StateStopped, f.ctrl.State())

	// The links stay open; another run may start.
	for _, l := range f.ctrl.Links() {
		assert.True(t, l.Opened())
	}
}

func TestController_StartContinuous_WhileRunning(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	require.NoError(t, f.ctrl.StartContinuous(0, 2, nil))

	err := f.ctrl.StartContinuous(0, 2, nil)
	assert.ErrorIs(t, err, ErrCaptureActive)

	_, err = f.ctrl.SingleCycle(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCaptureActive)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.ctrl.StopContinuous()
	}()
	time.Sleep(20 * time.Millisecond)
	f.clock.Advance(2 * time.Second)
	<-stopped
}

func TestController_StopContinuous_Idempotent(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)

	// Stopping with nothing running returns immediately, in any state.
	f.ctrl.StopContinuous()

	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()
	f.ctrl.StopContinuous()
	f.ctrl.StopContinuous()
}

func TestController_FreeRun(t *testing.T) {
	f := newCtrlFixture(t, config.ModeFreeRun)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	sink := &readingSink{}
	require.NoError(t, f.ctrl.StartContinuous(0, 0, sink.add))

	f.muxA.ch <- "R100"
	f.muxA.ch <- "R101"
	f.muxB.ch <- "R200"

	assert.Eventually(t, func() bool {
		return sink.len() == 3
	}, time.Second, 10*time.Millisecond)

	f.ctrl.StopContinuous()
	assert.Equal(t, StateStopped, f.ctrl.State())

	// Free-run readings carry no cycle and a per-sensor ordinal.
	var seqA []int
	for _, r := range sink.snapshot() {
		assert.Equal(t, 0, r.Cycle)
		if r.SensorID == 1 {
			seqA = append(seqA, r.Seq)
		}
	}
	assert.Equal(t, []int{1, 2}, seqA)

	a, b := f.ctrl.Snapshot()
	assert.Len(t, a, 2)
	assert.Len(t, b, 1)
}

func TestController_FreeRun_LivenessFault(t *testing.T) {
	f := newCtrlFixture(t, config.ModeFreeRun)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	faults := &faultSink{}
	f.ctrl.SetOnFault(faults.add)

	require.NoError(t, f.ctrl.StartContinuous(0, 0, nil))

	// Nothing flows on either stream. Push the clock past the liveness
	// window and let the sweep run.
	assert.Eventually(t, func() bool {
		f.clock.Advance(300 * time.Millisecond)
		return len(faults.snapshot()) >= 2
	}, time.Second, 10*time.Millisecond)

	var le *sonar.LivenessError
	require.ErrorAs(t, faults.snapshot()[0], &le)

	// The run keeps going through liveness faults.
	assert.Equal(t, StateRunning, f.ctrl.State())
	f.ctrl.StopContinuous()
}

func TestController_FreeRun_DeviceLossIsFatal(t *testing.T) {
	f := newCtrlFixture(t, config.ModeFreeRun)
	require.NoError(t, f.ctrl.Setup())

	faults := &faultSink{}
	f.ctrl.SetOnFault(faults.add)

	require.NoError(t, f.ctrl.StartContinuous(0, 0, nil))

	f.muxA.failMonitor(errors.New("device gone"))

	// The next liveness sweep notices the dead monitor, ends the run and
	// releases the hardware.
	assert.Eventually(t, func() bool {
		f.clock.Advance(300 * time.Millisecond)
		return f.ctrl.State() == StateIdle
	}, time.Second, 10*time.Millisecond)

	require.Error(t, f.ctrl.LastError())
	assert.ErrorIs(t, f.ctrl.LastError(), sonar.ErrResourceUnavailable)
	assert.True(t, f.muxB.isClosed(), "cleanup should release the healthy link too")
	assert.NotEmpty(t, faults.snapshot())
}

func TestController_Statistics_BeforeSetup(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	stats := f.ctrl.Statistics()

	assert.Equal(t, StateIdle, stats.State)
	assert.Empty(t, stats.SessionID)
	require.Len(t, stats.Sensors, 2)
	assert.Equal(t, 0, stats.Sensors[0].Summary.Count)
}

func TestController_Statistics_Recomputed(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	f.muxA.ch <- "R100"
	f.muxA.ch <- "R102"
	f.muxB.ch <- "R200"
	f.muxB.ch <- "R300"

	_, err := f.ctrl.SingleCycle(context.Background(), 2)
	require.NoError(t, err)

	stats := f.ctrl.Statistics()
	require.Len(t, stats.Sensors, 2)

	a := stats.Sensors[0]
	assert.Equal(t, 1, a.SensorID)
	assert.Equal(t, 2, a.Summary.Count)
	assert.Equal(t, 2, a.Summary.Valid)
	assert.Equal(t, 100.0, a.Summary.MinCM)
	assert.Equal(t, 102.0, a.Summary.MaxCM)
	assert.Equal(t, 101.0, a.Summary.MeanCM)
	assert.Equal(t, f.clock.Now(), a.LastTriggerAt)

	b := stats.Sensors[1]
	assert.Equal(t, 250.0, b.Summary.MeanCM)
}

func TestController_WriteStatistics(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())
	defer f.ctrl.Cleanup()

	f.muxA.ch <- "R100"
	f.muxB.ch <- "R200"
	_, err := f.ctrl.SingleCycle(context.Background(), 1)
	require.NoError(t, err)

	var sb strings.Builder
	f.ctrl.WriteStatistics(&sb)
	out := sb.String()

	assert.Contains(t, out, f.ctrl.SessionID())
	assert.Contains(t, out, "sensor 1 (sensor-1)")
	assert.Contains(t, out, "sensor 2 (sensor-2)")
	assert.Contains(t, out, "mean 100.0 cm")
}

func TestController_Cleanup(t *testing.T) {
	f := newCtrlFixture(t, config.ModeTriggered)
	require.NoError(t, f.ctrl.Setup())

	f.muxA.ch <- "R100"
	f.muxB.ch <- "R200"
	_, err := f.ctrl.SingleCycle(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Cleanup())
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.True(t, f.muxA.isClosed())
	assert.True(t, f.muxB.isClosed())

	// Buffered readings stay available for inspection until the next
	// Setup, but new captures need one.
	a, _ := f.ctrl.Snapshot()
	assert.Len(t, a, 1)
	_, err = f.ctrl.SingleCycle(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotReady)

	// Repeat cleanups are safe.
	require.NoError(t, f.ctrl.Cleanup())
}

func TestController_NewControllerFromConfig(t *testing.T) {
	opener := Opener{
		OpenMux: func(config.SensorSettings) (sensormux.Muxer, error) {
			return newStubMuxer(), nil
		},
		OpenLine: func(int, bool) (pins.Line, error) {
			return pins.NewMemLine(), nil
		},
	}
	ctrl := NewControllerFromConfig(config.EmptyCaptureConfig(), timeutil.RealClock{}, opener)

	links := ctrl.Links()
	assert.Equal(t, 1, links[0].ID())
	assert.Equal(t, "sensor-1", links[0].Name())
	assert.Equal(t, "/dev/ttyS4", links[0].Settings().Port)
	assert.Equal(t, 2, links[1].ID())
	assert.Equal(t, "/dev/ttyS3", links[1].Settings().Port)
	assert.Equal(t, config.ModeTriggered, links[0].Mode())
}
