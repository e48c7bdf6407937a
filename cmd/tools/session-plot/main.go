// Command session-plot renders a recorded capture session as a PNG of
// distance against elapsed time, one line per sensor. Useful for eyeballing
// a run on a machine with no browser pointed at the capture box.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/sonar"
	"github.com/banshee-data/proximity.report/internal/units"
)

var seriesColors = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255},
}

func main() {
	dbPath := flag.String("db", "sonar.db", "path to the capture database")
	sessionID := flag.String("session", "", "session to plot (default: most recent)")
	output := flag.String("o", "", "output PNG path (default: session_<id>.png)")
	unitArg := flag.String("units", units.CM, "distance units: "+units.GetValidUnitsString())
	flag.Parse()

	if !units.IsValid(*unitArg) {
		log.Fatalf("invalid units %q (valid: %s)", *unitArg, units.GetValidUnitsString())
	}
	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found: %s", *dbPath)
	}

	store, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	id := *sessionID
	if id == "" {
		sessions, err := store.Sessions(1)
		if err != nil {
			log.Fatalf("failed to list sessions: %v", err)
		}
		if len(sessions) == 0 {
			log.Fatal("no sessions recorded")
		}
		id = sessions[0].ID
		log.Printf("plotting most recent session %s", id)
	}

	sess, err := store.Session(id)
	if err != nil {
		log.Fatalf("failed to load session %s: %v", id, err)
	}
	readings, err := store.SessionReadings(id, 0, 0)
	if err != nil {
		log.Fatalf("failed to load readings: %v", err)
	}

	out := *output
	if out == "" {
		out = fmt.Sprintf("session_%s.png", sess.ID)
	}

	if err := renderSession(sess, readings, *unitArg, out); err != nil {
		log.Fatalf("failed to render plot: %v", err)
	}
	log.Printf("✓ Created: %s", out)
}

func renderSession(sess db.Session, readings []sonar.Reading, unit, out string) error {
	series := make(map[int]plotter.XYs)
	valid := 0
	for _, r := range readings {
		if !r.Valid {
			continue
		}
		valid++
		series[r.SensorID] = append(series[r.SensorID], plotter.XY{
			X: r.CapturedAt.Sub(sess.StartedAt).Seconds(),
			Y: units.ConvertDistance(float64(r.DistanceCM), unit),
		})
	}
	if valid == 0 {
		return fmt.Errorf("session %s has no valid readings", sess.ID)
	}
	log.Printf("session %s: %d readings, %d valid across %d sensors", sess.ID, len(readings), valid, len(series))

	var sensorIDs []int
	for sid := range series {
		sensorIDs = append(sensorIDs, sid)
	}
	sort.Ints(sensorIDs)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s (%s)", sess.ID, sess.Mode)
	p.X.Label.Text = "Elapsed (s)"
	p.Y.Label.Text = fmt.Sprintf("Distance (%s)", unit)

	for i, sid := range sensorIDs {
		pts := series[sid]
		sort.Slice(pts, func(a, b int) bool { return pts[a].X < pts[b].X })

		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = seriesColors[i%len(seriesColors)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("sensor %d", sid), line)
	}
	p.Legend.Top = true

	return p.Save(14*vg.Inch, 6*vg.Inch, out)
}
