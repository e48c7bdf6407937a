package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/httputil"
	"github.com/banshee-data/proximity.report/internal/units"
)

// echartsAssetsPrefix points the rendered pages at the public asset host.
// The capture box carries no local echarts bundle.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

var sensorSeriesColors = []string{"#4fc3f7", "#ff5252", "#9e9e9e"}

func (s *Server) showSessionChart(w http.ResponseWriter, r *http.Request) {
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

	readings, err := s.store.SessionReadings(id, 0, 0)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load readings: %v", err))
		return
	}

	// One series per sensor, elapsed seconds on X so both sensors share a
	// time base even when their sample counts differ.
	series := make(map[int][]opts.ScatterData)
	valid := 0
	for _, rd := range readings {
		if !rd.Valid {
			continue
		}
		valid++
		elapsed := rd.CapturedAt.Sub(sess.StartedAt).Seconds()
		dist := units.ConvertDistance(float64(rd.DistanceCM), target)
		series[rd.SensorID] = append(series[rd.SensorID], opts.ScatterData{Value: []interface{}{elapsed, dist}})
	}

	ids := make([]int, 0, len(series))
	for sid := range series {
		ids = append(ids, sid)
	}
	sort.Ints(ids)

	names := make(map[int]string)
	for _, l := range s.ctrl.Links() {
		names[l.ID()] = l.Name()
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sonar Session", Theme: "dark", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Sonar Range", Subtitle: fmt.Sprintf("session=%s mode=%s valid=%d/%d", id, sess.Mode, valid, len(readings))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Elapsed (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: fmt.Sprintf("Distance (%s)", target), NameLocation: "middle", NameGap: 40}),
	)

	for i, sid := range ids {
		name := names[sid]
		if name == "" {
			name = fmt.Sprintf("sensor %d", sid)
		}
		color := sensorSeriesColors[i%len(sensorSeriesColors)]
		scatter.AddSeries(name, series[sid],
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: color}),
		)
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
