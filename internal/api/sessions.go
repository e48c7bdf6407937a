package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/export"
	"github.com/banshee-data/proximity.report/internal/httputil"
	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/units"
)

// Exporter is the slice of the export package the server needs: write a
// session's CSV and read the artifact back for download.
type Exporter interface {
	WriteSession(req export.Request) (export.Result, error)
	ReadFile(path string) ([]byte, error)
	Dir() string
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := s.store.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.Session(id)
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load session: %v", err))
		return
	}

	target, err := s.resolveUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	stats, err := s.store.SessionStats(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load session stats: %v", err))
		return
	}
	for i := range stats {
		stats[i].MinCM = units.ConvertDistance(stats[i].MinCM, target)
		stats[i].MaxCM = units.ConvertDistance(stats[i].MaxCM, target)
		stats[i].MeanCM = units.ConvertDistance(stats[i].MeanCM, target)
	}
	if stats == nil {
		stats = []db.SensorAggregate{}
	}

	faults, err := s.store.Faults(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load session faults: %v", err))
		return
	}
	if faults == nil {
		faults = []db.Fault{}
	}

	httputil.WriteJSONOK(w, map[string]any{
		"session": sess,
		"units":   target,
		"stats":   stats,
		"faults":  faults,
	})
}

// readingAPI controls the JSON shape of a reading: the stored value is
// centimeters, the response carries the converted distance.
type readingAPI struct {
	SensorID   int       `json:"sensor_id"`
	Distance   float64   `json:"distance"`
	WidthUS    int64     `json:"width_us,omitempty"`
	Cycle      int       `json:"cycle"`
	Seq        int       `json:"seq"`
	Valid      bool      `json:"valid"`
	Raw        string    `json:"raw,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

func readingToAPI(r sonar.Reading, target string) readingAPI {
	return readingAPI{
		SensorID:   r.SensorID,
		Distance:   units.ConvertDistance(float64(r.DistanceCM), target),
		WidthUS:    r.WidthUS,
		Cycle:      r.Cycle,
		Seq:        r.Seq,
		Valid:      r.Valid,
		Raw:        r.Raw,
		CapturedAt: r.CapturedAt,
	}
}

func (s *Server) listSessionReadings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Session(id); err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to load session: %v", err))
		return
	}

	target, err := s.resolveUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	sensorID := 0
	if v := r.URL.Query().Get("sensor"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'sensor' parameter")
			return
		}
		sensorID = parsed
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	readings, err := s.store.SessionReadings(id, sensorID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load readings: %v", err))
		return
	}

	out := make([]readingAPI, len(readings))
	for i, rd := range readings {
		out[i] = readingToAPI(rd, target)
	}
	httputil.WriteJSONOK(w, map[string]any{
		"session_id": id,
		"units":      target,
		"count":      len(out),
		"readings":   out,
	})
}

func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.Session(id)
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load session: %v", err))
		return
	}

	schema := export.SchemaForMode(sess.Mode)
	if v := r.URL.Query().Get("schema"); v != "" {
		schema = export.Schema(v)
		if !schema.IsValid() {
			httputil.BadRequest(w, fmt.Sprintf("unknown export schema %q", v))
			return
		}
	}
	target, err := s.resolveUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	readings, err := s.store.SessionReadings(id, 0, 0)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load readings: %v", err))
		return
	}

	names := make(map[int]string)
	for _, l := range s.ctrl.Links() {
		names[l.ID()] = l.Name()
	}

	res, err := s.exporter.WriteSession(export.Request{
		SessionID: id,
		Schema:    schema,
		Units:     target,
		Names:     names,
		Readings:  readings,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to export session: %v", err))
		return
	}

	data, err := s.exporter.ReadFile(res.CSVPath)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read export: %v", err))
		return
	}

	name := filepath.Base(res.CSVPath)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	if _, err := w.Write(data); err != nil {
		return
	}
}
