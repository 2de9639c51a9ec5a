// Package replay re-runs a recorded localization session through a fresh
// estimator. The estimator's clock is driven from the recorded timestamps,
// so every predict sees the same dt as the live session did.
//
// Background ticks are not recorded; a session that relied on them will
// replay with slightly tighter covariance between measurements.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
	"github.com/craigm26/LiveCaptionsXR/internal/timeutil"
)

// ErrEmptySession is returned when a session has no measurements.
var ErrEmptySession = errors.New("session has no measurements")

// Source provides recorded measurements. db.DB implements it.
type Source interface {
	SessionMeasurements(ctx context.Context, sessionID string) ([]fusion.MeasurementRecord, error)
}

// Options control a replay.
type Options struct {
	Config fusion.Config

	// StartUnixNanos is when the live estimator was created. Zero starts
	// the replay clock at the first measurement.
	StartUnixNanos int64
}

// Estimate is the fused state after one accepted replayed update.
type Estimate struct {
	UnixNanos int64       `json:"unix_nanos"`
	Channel   string      `json:"channel"`
	Position  linalg.Vec3 `json:"position"`
	Velocity  linalg.Vec3 `json:"velocity"`
	CovTrace  float64     `json:"cov_trace"`
}

// Report summarizes a replay.
type Report struct {
	SessionID      string        `json:"session_id"`
	Measurements   int           `json:"measurements"`
	AudioAccepted  int           `json:"audio_accepted"`
	VisualAccepted int           `json:"visual_accepted"`
	Rejected       int           `json:"rejected"`
	Mismatches     int           `json:"mismatches"` // accept/reject differs from the live recording
	Duration       time.Duration `json:"duration"`

	// VisualResidualRMS is the RMS distance (m) between each accepted
	// visual fix and the predicted position just before it was applied.
	VisualResidualRMS float64 `json:"visual_residual_rms"`
	VisualResidualMax float64 `json:"visual_residual_max"`

	FinalPosition linalg.Vec3 `json:"final_position"`
	Estimates     []Estimate  `json:"estimates"`
}

// Run replays one session from src.
func Run(ctx context.Context, src Source, sessionID string, opts Options) (Report, error) {
	records, err := src.SessionMeasurements(ctx, sessionID)
	if err != nil {
		return Report{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return Records(ctx, sessionID, records, opts)
}

// Records replays an in-memory measurement stream. Records must be in
// time order.
func Records(ctx context.Context, sessionID string, records []fusion.MeasurementRecord, opts Options) (Report, error) {
	if len(records) == 0 {
		return Report{}, ErrEmptySession
	}

	start := records[0].UnixNanos
	if opts.StartUnixNanos != 0 && opts.StartUnixNanos <= start {
		start = opts.StartUnixNanos
	}
	clock := timeutil.NewMockClock(time.Unix(0, start))
	est := fusion.NewEstimator(opts.Config, clock)

	rep := Report{SessionID: sessionID, Measurements: len(records)}
	var residuals []float64

	for i, m := range records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Report{}, err
			}
		}
		if i > 0 && m.UnixNanos < records[i-1].UnixNanos {
			return Report{}, fmt.Errorf("measurement %d is out of order (%d < %d)", i, m.UnixNanos, records[i-1].UnixNanos)
		}

		clock.Set(time.Unix(0, m.UnixNanos))
		before := est.Snapshot()
		est.Predict()
		predicted := est.Snapshot().State.Position()

		// A rejected measurement rewinds the predict, as a live Session does.
		err := apply(est, m)
		if (err == nil) != m.Accepted {
			rep.Mismatches++
		}
		if err != nil {
			est.Restore(before)
			rep.Rejected++
			continue
		}

		switch m.Channel {
		case fusion.ChannelAudio:
			rep.AudioAccepted++
		case fusion.ChannelVisual:
			rep.VisualAccepted++
			residuals = append(residuals, m.Point.Sub(predicted).Norm())
		}

		snap := est.Snapshot()
		rep.Estimates = append(rep.Estimates, Estimate{
			UnixNanos: m.UnixNanos,
			Channel:   string(m.Channel),
			Position:  snap.State.Position(),
			Velocity:  snap.State.Velocity(),
			CovTrace:  snap.Covariance.Trace(),
		})
	}

	if n := len(residuals); n > 0 {
		rep.VisualResidualRMS = floats.Norm(residuals, 2) / math.Sqrt(float64(n))
		rep.VisualResidualMax = floats.Max(residuals)
	}
	rep.FinalPosition = est.FusedTransform().Translation()
	rep.Duration = time.Duration(records[len(records)-1].UnixNanos - records[0].UnixNanos)
	return rep, nil
}

func apply(est *fusion.Estimator, m fusion.MeasurementRecord) error {
	switch m.Channel {
	case fusion.ChannelAudio:
		if m.Device == nil {
			return fmt.Errorf("%w: audio measurement without device transform", fusion.ErrInvalidMeasurement)
		}
		return est.UpdateWithAudio(m.Angle, m.Confidence, *m.Device)
	case fusion.ChannelVisual:
		return est.UpdateWithVisual(linalg.TranslationMat4(m.Point), m.Confidence)
	default:
		return fmt.Errorf("%w: unknown channel %q", fusion.ErrInvalidMeasurement, m.Channel)
	}
}
