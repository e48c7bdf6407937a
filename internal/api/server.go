// Package api serves the capture control and query surface over HTTP.
// The server owns the glue between the capture controller, the sqlite
// store, the CSV exporter, and the MQTT publisher: readings flow from
// the controller into the database through callbacks registered here,
// so the controller itself stays persistence-free.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/capture"
	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/httputil"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/telemetry"
	"github.com/banshee-data/proximity.report/internal/timeutil"
	"github.com/banshee-data/proximity.report/internal/units"
	"github.com/banshee-data/proximity.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	ctrl     *capture.Controller
	store    *db.DB
	exporter Exporter
	pub      telemetry.Publisher
	cfg      *config.CaptureConfig
	clock    timeutil.Clock

	// mu serializes the capture orchestration handlers so that a start
	// and a stop arriving together cannot interleave their controller
	// and database steps.
	mu sync.Mutex
}

func NewServer(ctrl *capture.Controller, store *db.DB, exporter Exporter, pub telemetry.Publisher, cfg *config.CaptureConfig, clock timeutil.Clock) *Server {
	if pub == nil {
		pub = telemetry.NopPublisher{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Server{
		ctrl:     ctrl,
		store:    store,
		exporter: exporter,
		pub:      pub,
		cfg:      cfg,
		clock:    clock,
	}
	// Telemetry sees every reading from every mode; persistence is wired
	// per run in the handlers below.
	ctrl.AddCallback(s.publishReading)
	ctrl.SetOnFault(s.onFault)
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("GET /api/stats", s.showStats)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
	mux.HandleFunc("GET /api/sessions/{id}/readings", s.listSessionReadings)
	mux.HandleFunc("GET /api/sessions/{id}/chart", s.showSessionChart)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.exportSession)
	mux.HandleFunc("POST /api/capture/start", s.startCapture)
	mux.HandleFunc("POST /api/capture/stop", s.stopCapture)
	mux.HandleFunc("POST /api/cycle", s.runSingleCycle)
	return mux
}

// resolveUnits picks the display units: the ?units= query parameter if
// present and valid, otherwise the configured default.
func (s *Server) resolveUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.cfg.GetUnits(), nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid units %q (valid: %s)", u, units.GetValidUnitsString())
	}
	return u, nil
}

type sensorStatus struct {
	SensorID int    `json:"sensor_id"`
	Name     string `json:"name"`
	Mode     string `json:"mode"`
	Port     string `json:"port,omitempty"`
	Opened   bool   `json:"opened"`
	Alive    bool   `json:"alive"`
	Frames   int64  `json:"frames"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	quiet := s.cfg.GetLivenessTimeout()
	now := s.clock.Now()

	var sensors []sensorStatus
	for _, l := range s.ctrl.Links() {
		st := sensorStatus{
			SensorID: l.ID(),
			Name:     l.Name(),
			Mode:     l.Mode(),
			Port:     l.Settings().Port,
			Opened:   l.Opened(),
		}
		if l.Mode() == config.ModePulse {
			// Pulse mode has no frame stream to watch.
			st.Alive = st.Opened
		} else {
			fs := l.FrameStats()
			st.Frames = fs.Frames
			st.Alive = st.Opened && !fs.LastFrameAt.IsZero() && now.Sub(fs.LastFrameAt) <= quiet
		}
		sensors = append(sensors, st)
	}

	stats := s.ctrl.Statistics()
	httputil.WriteJSONOK(w, map[string]any{
		"service":    "proximity-report",
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
		"state":      stats.State,
		"session_id": stats.SessionID,
		"phase":      stats.Phase,
		"cycles":     stats.Cycles,
		"units":      s.cfg.GetUnits(),
		"sensors":    sensors,
	})
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolveUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	stats := s.ctrl.Statistics()
	for i := range stats.Sensors {
		sum := &stats.Sensors[i].Summary
		sum.MinCM = units.ConvertDistance(sum.MinCM, target)
		sum.MaxCM = units.ConvertDistance(sum.MaxCM, target)
		sum.MeanCM = units.ConvertDistance(sum.MeanCM, target)
	}

	httputil.WriteJSONOK(w, map[string]any{
		"units": target,
		"stats": stats,
	})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	resolved := s.cfg.ResolveSensors()
	httputil.WriteJSONOK(w, map[string]any{
		"config":  s.cfg,
		"sensors": resolved[:],
		"units":   s.cfg.GetUnits(),
	})
}

type startRequest struct {
	CycleDelayMS     int `json:"cycle_delay_ms"`
	PulsesPerTrigger int `json:"pulses_per_trigger"`
}

func decodeOptionalBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", err)
}

func (s *Server) startCapture(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var req startRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.ctrl.Setup(); err != nil {
		s.writeCaptureError(w, "failed to set up capture", err)
		return
	}
	id := s.ctrl.SessionID()
	mode := s.ctrl.Links()[0].Mode()
	now := s.clock.Now()
	if err := s.store.BeginSession(id, now, mode); err != nil {
		s.ctrl.Cleanup()
		httputil.InternalServerError(w, fmt.Sprintf("failed to record session: %v", err))
		return
	}

	delay := time.Duration(req.CycleDelayMS) * time.Millisecond
	if err := s.ctrl.StartContinuous(delay, req.PulsesPerTrigger, s.persistReading); err != nil {
		s.writeCaptureError(w, "failed to start capture", err)
		return
	}

	if err := s.pub.PublishSession(telemetry.SessionEvent{SessionID: id, State: "started", Mode: mode, At: now}); err != nil {
		monitoring.Logf("api: failed to publish session start: %v", err)
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"state":      s.ctrl.State(),
		"mode":       mode,
	})
}

func (s *Server) stopCapture(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ctrl.SessionID()
	if id == "" {
		httputil.WriteJSONOK(w, map[string]any{"state": s.ctrl.State()})
		return
	}

	s.ctrl.StopContinuous()

	// Print the run summary the way the bench tool does on shutdown.
	var buf bytes.Buffer
	s.ctrl.WriteStatistics(&buf)
	monitoring.Logf("capture stopped:\n%s", buf.String())

	if err := s.ctrl.Cleanup(); err != nil {
		monitoring.Logf("api: cleanup after stop: %v", err)
	}
	s.closeSessionRecord(id, "stopped")

	httputil.WriteJSONOK(w, map[string]any{
		"session_id": id,
		"state":      s.ctrl.State(),
		"statistics": s.ctrl.Statistics(),
	})
}

// Shutdown ends any active capture run the way a stop request would:
// summary logged, hardware released, session record closed out. Called
// on process shutdown so a SIGTERM does not leave the session open.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ctrl.SessionID()
	s.ctrl.StopContinuous()
	if id != "" {
		var buf bytes.Buffer
		s.ctrl.WriteStatistics(&buf)
		monitoring.Logf("capture stopped:\n%s", buf.String())
	}
	if err := s.ctrl.Cleanup(); err != nil {
		monitoring.Logf("api: cleanup on shutdown: %v", err)
	}
	if id != "" {
		s.closeSessionRecord(id, "stopped")
	}
	s.pub.Close()
}

type cycleRequest struct {
	PulsesPerTrigger int `json:"pulses_per_trigger"`
}

func (s *Server) runSingleCycle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var req cycleRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if s.ctrl.Links()[0].Mode() == config.ModeFreeRun {
		httputil.BadRequest(w, fmt.Sprintf("single cycle is not available in %s mode", config.ModeFreeRun))
		return
	}

	res, err := s.ctrl.SingleCycle(r.Context(), req.PulsesPerTrigger)
	if errors.Is(err, capture.ErrNotReady) {
		// First cycle after boot or cleanup: open a fresh session and
		// leave it open so further cycles accumulate into it.
		if err := s.ctrl.Setup(); err != nil {
			s.writeCaptureError(w, "failed to set up capture", err)
			return
		}
		id := s.ctrl.SessionID()
		mode := s.ctrl.Links()[0].Mode()
		now := s.clock.Now()
		if err := s.store.BeginSession(id, now, mode); err != nil {
			s.ctrl.Cleanup()
			httputil.InternalServerError(w, fmt.Sprintf("failed to record session: %v", err))
			return
		}
		if err := s.pub.PublishSession(telemetry.SessionEvent{SessionID: id, State: "started", Mode: mode, At: now}); err != nil {
			monitoring.Logf("api: failed to publish session start: %v", err)
		}
		res, err = s.ctrl.SingleCycle(r.Context(), req.PulsesPerTrigger)
	}

	// Whatever the cycle yielded goes to the database, error or not:
	// partial cycles are data too.
	id := s.ctrl.SessionID()
	if id != "" {
		if derr := s.store.RecordReadings(id, res.SensorA); derr != nil {
			monitoring.Logf("api: failed to record cycle readings: %v", derr)
		}
		if derr := s.store.RecordReadings(id, res.SensorB); derr != nil {
			monitoring.Logf("api: failed to record cycle readings: %v", derr)
		}
	}

	if err != nil {
		s.writeCaptureError(w, "cycle failed", err)
		return
	}

	httputil.WriteJSONOK(w, map[string]any{
		"session_id": id,
		"sensor_a":   res.SensorA,
		"sensor_b":   res.SensorB,
		"dropped_a":  res.DroppedA,
		"dropped_b":  res.DroppedB,
	})
}

// writeCaptureError maps controller errors onto HTTP statuses: state
// collisions are 409, missing hardware is 503, the rest 500.
func (s *Server) writeCaptureError(w http.ResponseWriter, what string, err error) {
	msg := fmt.Sprintf("%s: %v", what, err)
	switch {
	case errors.Is(err, capture.ErrCaptureActive):
		httputil.Conflict(w, msg)
	case errors.Is(err, capture.ErrNotReady):
		httputil.Conflict(w, msg)
	case errors.Is(err, sonar.ErrResourceUnavailable):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, msg)
	default:
		httputil.InternalServerError(w, msg)
	}
}

// persistReading is the per-run callback for continuous captures.
func (s *Server) persistReading(rd sonar.Reading) {
	id := s.ctrl.SessionID()
	if id == "" {
		return
	}
	if err := s.store.RecordReading(id, rd); err != nil {
		monitoring.Logf("api: failed to record reading: %v", err)
	}
}

// publishReading is the standing telemetry callback for every mode.
func (s *Server) publishReading(rd sonar.Reading) {
	if err := s.pub.PublishReading(rd); err != nil {
		monitoring.Logf("api: failed to publish reading: %v", err)
	}
}

// onFault logs capture faults into the session's fault table. A fatal
// device loss also closes out the session record, since the controller
// has already torn the run down by the time the operator notices.
func (s *Server) onFault(err error) {
	id := s.ctrl.SessionID()
	if id == "" {
		return
	}
	now := s.clock.Now()

	var lf *sonar.LivenessError
	switch {
	case errors.As(err, &lf):
		s.recordFault(id, lf.Sensor, "liveness", err.Error(), now)
	case errors.Is(err, sonar.ErrResourceUnavailable):
		s.recordFault(id, 0, "device_lost", err.Error(), now)
		s.closeSessionRecord(id, "failed")
	default:
		s.recordFault(id, 0, "error", err.Error(), now)
	}
}

func (s *Server) recordFault(id string, sensorID int, kind, detail string, at time.Time) {
	if err := s.store.RecordFault(id, sensorID, kind, detail, at); err != nil {
		monitoring.Logf("api: failed to record fault: %v", err)
	}
}

// closeSessionRecord stamps the session's end time once. Repeat calls
// (a stop after a fatal fault already ended the session) are no-ops.
func (s *Server) closeSessionRecord(id, state string) {
	sess, err := s.store.Session(id)
	if err != nil {
		monitoring.Logf("api: failed to load session %s: %v", id, err)
		return
	}
	if sess.EndedAt != nil {
		return
	}
	now := s.clock.Now()
	if err := s.store.EndSession(id, now); err != nil {
		monitoring.Logf("api: failed to end session %s: %v", id, err)
		return
	}
	if err := s.pub.PublishSession(telemetry.SessionEvent{SessionID: id, State: state, At: now}); err != nil {
		monitoring.Logf("api: failed to publish session %s: %v", state, err)
	}
}
