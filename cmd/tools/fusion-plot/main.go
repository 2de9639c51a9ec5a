// Command fusion-plot renders a recorded localization session as a PNG:
// fused px/py/pz against time, with the accepted measurement points drawn
// over each axis.
//
//	fusion-plot -db recordings.db -session <id> -out session.png
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/craigm26/LiveCaptionsXR/internal/db"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/security"
)

var axisColors = [3]color.RGBA{
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}, // x
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}, // y
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}, // z
}

var axisNames = [3]string{"x", "y", "z"}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "fusion-plot: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("fusion-plot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "recordings.db", "SQLite recordings database")
	sessionID := fs.String("session", "", "Recorded session ID")
	out := fs.String("out", "", "Output PNG (default <session>.png)")
	width := fs.Float64("width", 12, "Width in inches")
	height := fs.Float64("height", 6, "Height in inches")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("-session is required")
	}
	if *out == "" {
		*out = security.SessionFilename(*sessionID) + ".png"
	}
	if err := security.ValidateOutputPath(*out); err != nil {
		return err
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	measurements, err := store.SessionMeasurements(ctx, *sessionID)
	if err != nil {
		return err
	}
	estimates, err := store.SessionEstimates(ctx, *sessionID)
	if err != nil {
		return err
	}

	p, err := plotSession(*sessionID, measurements, estimates)
	if err != nil {
		return err
	}
	if err := p.Save(vg.Length(*width)*vg.Inch, vg.Length(*height)*vg.Inch, *out); err != nil {
		return fmt.Errorf("save %s: %w", *out, err)
	}
	fmt.Fprintf(stderr, "wrote %s (%d measurements, %d estimates)\n", *out, len(measurements), len(estimates))
	return nil
}

// plotSession builds the position-vs-time plot. Time is seconds from the
// first record.
func plotSession(sessionID string, measurements []fusion.MeasurementRecord, estimates []fusion.EstimateRecord) (*plot.Plot, error) {
	if len(measurements) == 0 && len(estimates) == 0 {
		return nil, errors.New("session has nothing to plot")
	}

	t0 := int64(math.MaxInt64)
	if len(measurements) > 0 {
		t0 = measurements[0].UnixNanos
	}
	if len(estimates) > 0 && estimates[0].UnixNanos < t0 {
		t0 = estimates[0].UnixNanos
	}
	seconds := func(unixNanos int64) float64 { return float64(unixNanos-t0) / 1e9 }

	p := plot.New()
	p.Title.Text = "Session " + sessionID
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Position (m)"
	p.Add(plotter.NewGrid())

	for axis := 0; axis < 3; axis++ {
		track := make(plotter.XYs, 0, len(estimates))
		for _, e := range estimates {
			track = append(track, plotter.XY{X: seconds(e.UnixNanos), Y: e.State[axis]})
		}
		if len(track) > 0 {
			line, err := plotter.NewLine(track)
			if err != nil {
				return nil, err
			}
			line.Color = axisColors[axis]
			line.Width = vg.Points(1.5)
			p.Add(line)
			p.Legend.Add("fused "+axisNames[axis], line)
		}

		var audio, visual plotter.XYs
		for _, m := range measurements {
			v := m.Point[axis]
			if !m.Accepted || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			pt := plotter.XY{X: seconds(m.UnixNanos), Y: v}
			if m.Channel == fusion.ChannelAudio {
				audio = append(audio, pt)
			} else {
				visual = append(visual, pt)
			}
		}
		for _, set := range []struct {
			name  string
			pts   plotter.XYs
			shape draw.GlyphDrawer
		}{
			{"audio", audio, draw.CrossGlyph{}},
			{"visual", visual, draw.CircleGlyph{}},
		} {
			if len(set.pts) == 0 {
				continue
			}
			sc, err := plotter.NewScatter(set.pts)
			if err != nil {
				return nil, err
			}
			sc.GlyphStyle.Color = axisColors[axis]
			sc.GlyphStyle.Radius = vg.Points(2)
			sc.GlyphStyle.Shape = set.shape
			p.Add(sc)
			p.Legend.Add(set.name+" "+axisNames[axis], sc)
		}
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}
