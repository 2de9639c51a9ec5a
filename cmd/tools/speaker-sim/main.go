// Command speaker-sim drives a running locator with a synthetic speaker
// walking an arc in front of a stationary device. Audio is sent either as
// noisy bearings or as synthesized stereo PCM; visual fixes arrive every
// few steps. It prints the tracking error at the end.
//
//	speaker-sim -url http://localhost:8080 -steps 200 -interval 33ms -pcm
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/craigm26/LiveCaptionsXR/internal/api"
	"github.com/craigm26/LiveCaptionsXR/internal/doa"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "speaker-sim: %v\n", err)
		os.Exit(1)
	}
}

// scenario describes the simulated walk.
type scenario struct {
	Steps       int
	Interval    time.Duration
	Radius      float64 // Distance from the device (m)
	Sweep       float64 // Total bearing swept (rad), centred on forward
	Height      float64 // Speaker height relative to the device (m)
	VisualEvery int     // Send a visual fix every n steps; 0 disables
	BearingSD   float64 // Bearing noise (rad)
	VisualSD    float64 // Visual position noise (m)
	PCM         bool
	Label       string
	Seed        int64
	DOA         doa.Params
}

// result summarizes a simulation run.
type result struct {
	SessionID      string
	AudioAccepted  int
	AudioRejected  int
	VisualAccepted int
	VisualRejected int
	FinalError     float64 // Distance between the last fused position and the true speaker
	MeanError      float64
}

func (sc scenario) speakerAt(step int) linalg.Vec3 {
	frac := 0.5
	if sc.Steps > 1 {
		frac = float64(step) / float64(sc.Steps-1)
	}
	bearing := -sc.Sweep/2 + sc.Sweep*frac
	return linalg.Vec3{sc.Radius * math.Sin(bearing), sc.Height, sc.Radius * math.Cos(bearing)}
}

// stereo synthesizes a frame where the left microphone hears src delayed
// by the inter-microphone lag for the given bearing.
func stereo(rng *rand.Rand, bearing float64, p doa.Params, n int) (left, right []float64) {
	lag := int(math.Round(p.MicDistance / p.SoundSpeed * p.SampleRate * math.Sin(bearing)))
	src := make([]float64, n+2*p.MaxLag())
	for i := range src {
		src[i] = rng.Float64()*2 - 1
	}
	off := p.MaxLag()
	left = make([]float64, n)
	right = make([]float64, n)
	for i := 0; i < n; i++ {
		left[i] = src[off+i-lag]
		right[i] = src[off+i]
	}
	return left, right
}

func simulate(ctx context.Context, c *api.Client, sc scenario, out io.Writer) (result, error) {
	rng := rand.New(rand.NewSource(sc.Seed))
	device := linalg.Identity4()

	st, err := c.StartSession(ctx, sc.Label)
	if err != nil {
		return result{}, fmt.Errorf("start session: %w", err)
	}
	res := result{SessionID: st.SessionID}
	defer func() {
		if err := c.EndSession(context.Background(), res.SessionID); err != nil {
			fmt.Fprintf(out, "end session: %v\n", err)
		}
	}()

	var ticker *time.Ticker
	if sc.Interval > 0 {
		ticker = time.NewTicker(sc.Interval)
		defer ticker.Stop()
	}

	var errSum float64
	for step := 0; step < sc.Steps; step++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return res, err
		}

		truth := sc.speakerAt(step)
		bearing := math.Atan2(truth[0], truth[2])

		if sc.PCM {
			left, right := stereo(rng, bearing, sc.DOA, 512)
			_, err = c.ObservePCM(ctx, res.SessionID, api.PCMRequest{
				Left: left, Right: right,
				SampleRate: sc.DOA.SampleRate, MicDistance: sc.DOA.MicDistance, SoundSpeed: sc.DOA.SoundSpeed,
				DeviceTransform: device,
			})
		} else {
			_, err = c.ObserveAudio(ctx, res.SessionID, api.AudioRequest{
				Angle:           bearing + rng.NormFloat64()*sc.BearingSD,
				Confidence:      0.6,
				DeviceTransform: device,
			})
		}
		switch {
		case err == nil:
			res.AudioAccepted++
		case fusion.IsRejection(err):
			res.AudioRejected++
		default:
			return res, fmt.Errorf("step %d audio: %w", step, err)
		}

		if sc.VisualEvery > 0 && step%sc.VisualEvery == 0 {
			seen := truth.Add(linalg.Vec3{rng.NormFloat64() * sc.VisualSD, rng.NormFloat64() * sc.VisualSD, rng.NormFloat64() * sc.VisualSD})
			_, err = c.ObserveVisual(ctx, res.SessionID, api.VisualRequest{
				WorldTransform: linalg.TranslationMat4(seen),
				Confidence:     0.9,
			})
			switch {
			case err == nil:
				res.VisualAccepted++
			case fusion.IsRejection(err):
				res.VisualRejected++
			default:
				return res, fmt.Errorf("step %d visual: %w", step, err)
			}
		}

		fused, err := c.Fused(ctx, res.SessionID)
		if err != nil {
			return res, fmt.Errorf("step %d fused: %w", step, err)
		}
		e := linalg.Vec3(fused.Position).Sub(truth).Norm()
		errSum += e
		res.FinalError = e
	}
	if sc.Steps > 0 {
		res.MeanError = errSum / float64(sc.Steps)
	}
	return res, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("speaker-sim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", "http://localhost:8080", "Locator base URL")
	sc := scenario{DOA: doa.DefaultParams()}
	fs.IntVar(&sc.Steps, "steps", 150, "Number of audio frames")
	fs.DurationVar(&sc.Interval, "interval", 33*time.Millisecond, "Time between frames (0 runs as fast as possible)")
	fs.Float64Var(&sc.Radius, "radius", 2.0, "Speaker distance (m)")
	fs.Float64Var(&sc.Sweep, "sweep", math.Pi/2, "Bearing swept over the walk (rad)")
	fs.Float64Var(&sc.Height, "height", 0, "Speaker height relative to the device (m)")
	fs.IntVar(&sc.VisualEvery, "visual-every", 5, "Send a visual fix every n frames (0 disables)")
	fs.Float64Var(&sc.BearingSD, "bearing-sd", 0.05, "Bearing noise (rad)")
	fs.Float64Var(&sc.VisualSD, "visual-sd", 0.05, "Visual position noise (m)")
	fs.BoolVar(&sc.PCM, "pcm", false, "Send synthesized stereo PCM instead of bearings")
	fs.StringVar(&sc.Label, "label", "speaker-sim", "Recording label")
	fs.Int64Var(&sc.Seed, "seed", 1, "Random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if sc.Steps <= 0 {
		return errors.New("-steps must be positive")
	}

	c := api.NewClient(*baseURL, nil)
	res, err := simulate(ctx, c, sc, stderr)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "session %s\n", res.SessionID)
	fmt.Fprintf(stdout, "audio accepted %d rejected %d\n", res.AudioAccepted, res.AudioRejected)
	fmt.Fprintf(stdout, "visual accepted %d rejected %d\n", res.VisualAccepted, res.VisualRejected)
	fmt.Fprintf(stdout, "mean error %.3f m, final error %.3f m\n", res.MeanError, res.FinalError)
	return nil
}
