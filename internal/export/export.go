package export

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/proximity.report/internal/fsutil"
	"github.com/banshee-data/proximity.report/internal/security"
	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Manifest describes one export, written as YAML alongside the CSV so a
// data file never travels without its provenance.
type Manifest struct {
	SessionID string           `yaml:"session_id"`
	CreatedAt time.Time        `yaml:"created_at"`
	Schema    string           `yaml:"schema"`
	File      string           `yaml:"file"`
	Columns   []string         `yaml:"columns,flow"`
	Units     string           `yaml:"units,omitempty"`
	Rows      int64            `yaml:"rows"`
	Sensors   []ManifestSensor `yaml:"sensors"`
}

// ManifestSensor is the per-sensor row accounting in a manifest.
type ManifestSensor struct {
	ID    int    `yaml:"id"`
	Name  string `yaml:"name"`
	Rows  int64  `yaml:"rows"`
	Valid int64  `yaml:"valid"`
}

// Request bundles the inputs for one export.
type Request struct {
	SessionID string
	Schema    Schema
	Filename  string         // optional override; must land inside the export dir
	Units     string         // display units recorded in the manifest
	Names     map[int]string // sensor display names for the cycle layout
	Readings  []sonar.Reading
}

// Result reports what an export produced.
type Result struct {
	CSVPath      string
	ManifestPath string
	Rows         int64
}

// Exporter writes session readings into the configured export directory.
type Exporter struct {
	fsys  fsutil.FileSystem
	dir   string
	clock timeutil.Clock
}

// NewExporter returns an Exporter rooted at dir.
func NewExporter(fsys fsutil.FileSystem, dir string, clock timeutil.Clock) *Exporter {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Exporter{fsys: fsys, dir: dir, clock: clock}
}

// ReadFile reads back a produced artifact through the exporter's
// filesystem.
func (e *Exporter) ReadFile(path string) ([]byte, error) {
	return e.fsys.ReadFile(path)
}

// Dir returns the export directory.
func (e *Exporter) Dir() string {
	return e.dir
}

// WriteSession renders the request's readings as a CSV file plus a YAML
// manifest and returns both paths. File names follow the schema's
// convention unless the request overrides them; overrides that escape
// the export directory are rejected.
func (e *Exporter) WriteSession(req Request) (Result, error) {
	if !req.Schema.IsValid() {
		return Result{}, fmt.Errorf("unknown export schema %q", req.Schema)
	}

	if err := e.fsys.MkdirAll(e.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create export dir: %w", err)
	}

	name := req.Filename
	if name == "" {
		name = req.Schema.Filename(e.clock.Now())
	}
	path := filepath.Join(e.dir, name)
	if err := security.ValidateExportPath(path, e.dir); err != nil {
		return Result{}, err
	}

	w, err := NewCSVWriter(e.fsys, path, req.Schema)
	if err != nil {
		return Result{}, err
	}

	type tally struct {
		rows  int64
		valid int64
	}
	counts := make(map[int]*tally)
	for _, r := range req.Readings {
		w.WriteRow(req.Schema.Row(r, sensorName(req.Names, r.SensorID)))
		c := counts[r.SensorID]
		if c == nil {
			c = &tally{}
			counts[r.SensorID] = c
		}
		c.rows++
		if r.Valid {
			c.valid++
		}
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}

	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	m := Manifest{
		SessionID: req.SessionID,
		CreatedAt: e.clock.Now(),
		Schema:    req.Schema.String(),
		File:      filepath.Base(path),
		Columns:   req.Schema.Columns(),
		Units:     req.Units,
		Rows:      w.Rows(),
	}
	for _, id := range ids {
		m.Sensors = append(m.Sensors, ManifestSensor{
			ID:    id,
			Name:  sensorName(req.Names, id),
			Rows:  counts[id].rows,
			Valid: counts[id].valid,
		})
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return Result{}, fmt.Errorf("render manifest: %w", err)
	}
	manifestPath := manifestPathFor(path)
	if err := e.fsys.WriteFile(manifestPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}

	return Result{CSVPath: path, ManifestPath: manifestPath, Rows: w.Rows()}, nil
}

func manifestPathFor(csvPath string) string {
	ext := filepath.Ext(csvPath)
	return csvPath[:len(csvPath)-len(ext)] + ".yaml"
}

func sensorName(names map[int]string, id int) string {
	if n, ok := names[id]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("sensor-%d", id)
}
