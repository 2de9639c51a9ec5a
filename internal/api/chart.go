package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/httputil"
)

// sessionChart renders a top-down (x/z) scatter of a recorded session:
// accepted audio points, accepted visual points, rejected measurements and
// the fused track. This is a debugging-only endpoint.
func (s *Server) sessionChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	id := r.PathValue("id")

	measurements, err := s.store.SessionMeasurements(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	estimates, err := s.store.SessionEstimates(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var audio, visual, rejected, track []opts.ScatterData
	maxAbs := 0.0
	point := func(x, z float64) opts.ScatterData {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(z)))
		return opts.ScatterData{Value: []interface{}{x, z}}
	}
	for _, m := range measurements {
		x, z := m.Point[0], m.Point[2]
		if math.IsNaN(x) || math.IsNaN(z) {
			continue
		}
		switch {
		case !m.Accepted:
			rejected = append(rejected, point(x, z))
		case m.Channel == fusion.ChannelAudio:
			audio = append(audio, point(x, z))
		default:
			visual = append(visual, point(x, z))
		}
	}
	for _, e := range estimates {
		track = append(track, point(e.State[0], e.State[2]))
	}

	pad := maxAbs * 1.1
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Speaker localization", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Session " + id,
			Subtitle: fmt.Sprintf("measurements=%d estimates=%d (top-down)", len(measurements), len(estimates)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Z (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("audio", audio, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	scatter.AddSeries("visual", visual, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 7}))
	scatter.AddSeries("rejected", rejected, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	scatter.AddSeries("fused", track, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
