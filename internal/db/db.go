// Package db persists capture sessions, readings, and sensor faults in
// SQLite. The schema is owned by the embedded migrations; OpenDB never
// touches it.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// ErrSessionNotFound is returned by session lookups for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// DB wraps the SQLite handle with the capture domain's queries.
type DB struct {
	*sql.DB
}

// OpenDB opens (or creates) the SQLite database at path without touching
// the schema. Most callers want NewDB, which also applies the embedded
// migrations; OpenDB exists for the migrate CLI, which manages schema
// state itself.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the database at path and brings the schema up to date with
// the embedded migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrations, err := MigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Session is one capture run, bounded by setup and cleanup. Readings is
// the stored sample count across both sensors.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Mode      string     `json:"mode"`
	Notes     string     `json:"notes,omitempty"`
	Readings  int        `json:"readings"`
}

// Fault is one logged sensor fault within a session.
type Fault struct {
	SessionID  string    `json:"session_id"`
	SensorID   int       `json:"sensor_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SensorAggregate summarizes one sensor's readings within a session.
// The min/max/mean cover valid readings only.
type SensorAggregate struct {
	SensorID int     `json:"sensor_id"`
	Total    int     `json:"total"`
	Valid    int     `json:"valid"`
	MinCM    float64 `json:"min_cm"`
	MaxCM    float64 `json:"max_cm"`
	MeanCM   float64 `json:"mean_cm"`
}

// BeginSession records the start of a capture session.
func (db *DB) BeginSession(id string, startedAt time.Time, mode string) error {
	_, err := db.Exec(`INSERT INTO sessions (id, started_at, mode) VALUES (?, ?, ?)`,
		id, startedAt.UnixNano(), mode)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string, endedAt time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, endedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

const insertReadingSQL = `INSERT INTO readings
	(session_id, sensor_id, cycle, seq, distance_cm, width_us, valid, raw, captured_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func readingArgs(sessionID string, r sonar.Reading) []any {
	valid := 0
	if r.Valid {
		valid = 1
	}
	return []any{
		sessionID, r.SensorID, r.Cycle, r.Seq,
		r.DistanceCM, r.WidthUS, valid, r.Raw, r.CapturedAt.UnixNano(),
	}
}

// RecordReading stores a single reading against a session.
func (db *DB) RecordReading(sessionID string, r sonar.Reading) error {
	if _, err := db.Exec(insertReadingSQL, readingArgs(sessionID, r)...); err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// RecordReadings stores a batch of readings in one transaction. Trigger
// cycles land here so a torn cycle never half-commits.
func (db *DB) RecordReadings(sessionID string, readings []sonar.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(insertReadingSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range readings {
		if _, err := stmt.Exec(readingArgs(sessionID, r)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}
	return tx.Commit()
}

// RecordFault logs a sensor fault against a session.
func (db *DB) RecordFault(sessionID string, sensorID int, kind, detail string, at time.Time) error {
	_, err := db.Exec(`INSERT INTO sensor_faults (session_id, sensor_id, kind, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, sensorID, kind, detail, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert fault: %w", err)
	}
	return nil
}

const sessionSelectSQL = `SELECT s.id, s.started_at, s.ended_at, s.mode, s.notes, COUNT(r.id)
	FROM sessions s
	LEFT JOIN readings r ON r.session_id = s.id`

// Sessions lists recent sessions, newest first. A limit of zero or less
// returns up to 50.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(sessionSelectSQL+`
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Session returns one session by id.
func (db *DB) Session(id string) (Session, error) {
	rows, err := db.Query(sessionSelectSQL+`
		WHERE s.id = ?
		GROUP BY s.id`, id)
	if err != nil {
		return Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return scanSession(rows)
}

func scanSession(rows *sql.Rows) (Session, error) {
	var s Session
	var started int64
	var ended sql.NullInt64
	if err := rows.Scan(&s.ID, &started, &ended, &s.Mode, &s.Notes, &s.Readings); err != nil {
		return Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	s.StartedAt = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		s.EndedAt = &t
	}
	return s, nil
}

// SessionReadings returns a session's readings in capture order. A
// sensorID of zero returns both sensors; a limit of zero or less returns
// everything.
func (db *DB) SessionReadings(sessionID string, sensorID, limit int) ([]sonar.Reading, error) {
	q := `SELECT sensor_id, cycle, seq, distance_cm, width_us, valid, raw, captured_at
		FROM readings
		WHERE session_id = ?`
	args := []any{sessionID}
	if sensorID > 0 {
		q += ` AND sensor_id = ?`
		args = append(args, sensorID)
	}
	q += ` ORDER BY id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []sonar.Reading
	for rows.Next() {
		var r sonar.Reading
		var valid int
		var captured int64
		if err := rows.Scan(&r.SensorID, &r.Cycle, &r.Seq, &r.DistanceCM, &r.WidthUS, &valid, &r.Raw, &captured); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.Valid = valid != 0
		r.CapturedAt = time.Unix(0, captured)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// SessionStats aggregates a session's readings per sensor.
func (db *DB) SessionStats(sessionID string) ([]SensorAggregate, error) {
	rows, err := db.Query(`SELECT sensor_id,
			COUNT(*),
			COALESCE(SUM(valid), 0),
			MIN(CASE WHEN valid = 1 THEN distance_cm END),
			MAX(CASE WHEN valid = 1 THEN distance_cm END),
			AVG(CASE WHEN valid = 1 THEN distance_cm END)
		FROM readings
		WHERE session_id = ?
		GROUP BY sensor_id
		ORDER BY sensor_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}
	defer rows.Close()

	var stats []SensorAggregate
	for rows.Next() {
		var a SensorAggregate
		var min, max, mean sql.NullFloat64
		if err := rows.Scan(&a.SensorID, &a.Total, &a.Valid, &min, &max, &mean); err != nil {
			return nil, fmt.Errorf("failed to scan session stats: %w", err)
		}
		a.MinCM, a.MaxCM, a.MeanCM = min.Float64, max.Float64, mean.Float64
		stats = append(stats, a)
	}
	return stats, rows.Err()
}

// DatabaseStats reports row counts for the capture tables and the size
// of the database file.
type DatabaseStats struct {
	Sessions  int   `json:"sessions"`
	Readings  int   `json:"readings"`
	Faults    int   `json:"faults"`
	SizeBytes int64 `json:"size_bytes"`
}

// GetDatabaseStats counts rows in each capture table.
func (db *DB) GetDatabaseStats() (DatabaseStats, error) {
	var stats DatabaseStats
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM sessions", &stats.Sessions},
		{"SELECT COUNT(*) FROM readings", &stats.Readings},
		{"SELECT COUNT(*) FROM sensor_faults", &stats.Faults},
	}
	for _, c := range counts {
		if err := db.QueryRow(c.query).Scan(c.dst); err != nil {
			return DatabaseStats{}, fmt.Errorf("failed to count rows: %w", err)
		}
	}
	if err := db.QueryRow(`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&stats.SizeBytes); err != nil {
		return DatabaseStats{}, fmt.Errorf("failed to read database size: %w", err)
	}
	return stats, nil
}

// Faults returns a session's fault log in recorded order.
func (db *DB) Faults(sessionID string) ([]Fault, error) {
	rows, err := db.Query(`SELECT session_id, sensor_id, kind, detail, recorded_at
		FROM sensor_faults
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query faults: %w", err)
	}
	defer rows.Close()

	var faults []Fault
	for rows.Next() {
		var f Fault
		var recorded int64
		if err := rows.Scan(&f.SessionID, &f.SensorID, &f.Kind, &f.Detail, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan fault: %w", err)
		}
		f.RecordedAt = time.Unix(0, recorded)
		faults = append(faults, f)
	}
	return faults, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://sonar.db", db.DB, &tailsql.DBOptions{
		Label: "Sonar DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Database row counts and file size", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.GetDatabaseStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read database stats: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.Printf("Failed to encode database stats: %v", err)
		}
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		// Send the backup file to the client
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()

		// Copy the backup file content to the gzip writer
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
