package fusion

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
	"github.com/craigm26/LiveCaptionsXR/internal/timeutil"
)

var (
	// ErrInvalidMeasurement is returned for a confidence outside
	// [MinConfidence, 1], a non-finite angle, or a malformed transform.
	ErrInvalidMeasurement = errors.New("invalid measurement")

	// ErrSingularInnovationCovariance is returned when S = H·P·Hᵗ + R cannot
	// be inverted, or when the correction would leave a non-finite state.
	ErrSingularInnovationCovariance = errors.New("singular innovation covariance")
)

// Channel identifies the sensing channel a measurement came from.
type Channel string

const (
	ChannelAudio  Channel = "audio"
	ChannelVisual Channel = "visual"
)

// measurementMatrix is H = [I₃ | 0₃]; it selects position from the state.
var measurementMatrix = linalg.Mat3x6{
	1, 0, 0, 0, 0, 0,
	0, 1, 0, 0, 0, 0,
	0, 0, 1, 0, 0, 0,
}

// Observer receives filter internals after each step. Implementations must
// not call back into the estimator.
type Observer interface {
	RecordPrediction(state linalg.Vec6, dt time.Duration)
	RecordInnovation(channel Channel, measurement, innovation linalg.Vec3, noise float64)
}

// Snapshot is a copy of the estimator's state.
type Snapshot struct {
	State       linalg.Vec6 // [px, py, pz, vx, vy, vz]
	Covariance  linalg.Mat6
	LastPredict time.Time
}

// Estimator is a 6-state constant-velocity Kalman filter over speaker
// position and velocity.
//
// Estimator is not safe for concurrent use; Session serializes access.
type Estimator struct {
	cfg   Config
	clock timeutil.Clock

	x           linalg.Vec6
	P           linalg.Mat6
	lastPredict time.Time

	// Observer captures per-step internals (optional).
	Observer Observer
}

// NewEstimator creates an estimator at the origin with identity covariance.
// A nil clock uses timeutil.RealClock.
func NewEstimator(cfg Config, clock timeutil.Clock) *Estimator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Estimator{
		cfg:         cfg,
		clock:       clock,
		P:           linalg.Identity6(),
		lastPredict: clock.Now(),
	}
}

// Config returns the estimator's tuning.
func (e *Estimator) Config() Config { return e.cfg }

// transitionMatrix returns F for the constant-velocity model:
//
//	F = [I₃  dt·I₃]
//	    [0₃    I₃ ]
func transitionMatrix(dt float64) linalg.Mat6 {
	F := linalg.Identity6()
	F[0*6+3] = dt
	F[1*6+4] = dt
	F[2*6+5] = dt
	return F
}

// clampDt bounds the elapsed time to [MinPredictDt, MaxPredictDt].
func (e *Estimator) clampDt(elapsed time.Duration) time.Duration {
	if elapsed < e.cfg.MinPredictDt {
		return e.cfg.MinPredictDt
	}
	if e.cfg.MaxPredictDt > 0 && elapsed > e.cfg.MaxPredictDt {
		return e.cfg.MaxPredictDt
	}
	return elapsed
}

// Predict advances the state by the time elapsed since the previous
// Predict (or construction). Position moves by velocity·dt and the
// covariance grows as P ← F·P·Fᵗ + Q. The covariance grows on every call,
// including calls where dt is clamped up from zero.
func (e *Estimator) Predict() {
	now := e.clock.Now()
	dtDur := e.clampDt(now.Sub(e.lastPredict))
	e.lastPredict = now
	dt := dtDur.Seconds()

	F := transitionMatrix(dt)
	x := F.MulVec(e.x)
	P := F.Mul(e.P).Mul(F.T()).Add(linalg.Diag6(e.cfg.ProcessNoise))
	if e.cfg.SymmetrizeCovariance {
		P = P.Symmetrize()
	}

	// Keep the previous state if the step overflowed.
	if !isFiniteState(x, P) {
		logf("predict produced non-finite state (dt=%s); keeping previous estimate", dtDur)
		return
	}
	e.x = x
	e.P = P

	if e.Observer != nil {
		e.Observer.RecordPrediction(e.x, dtDur)
	}
}

// AudioMeasurementPoint converts a horizontal bearing into a world point.
// The point sits distance metres along (sin θ, 0, cos θ) in device space
// and is then mapped through the device's world pose.
func AudioMeasurementPoint(angle, distance float64, device linalg.Mat4) linalg.Vec3 {
	s, c := math.Sincos(angle)
	local := linalg.Vec3{s * distance, 0, c * distance}
	return device.MulPoint(local)
}

// UpdateWithAudio corrects the state with an audio bearing measured in the
// device frame. Effective measurement variance is
// MeasurementNoiseAudio / confidence. On error the state is unchanged.
func (e *Estimator) UpdateWithAudio(angle, confidence float64, device linalg.Mat4) error {
	if err := e.validateConfidence(confidence); err != nil {
		return err
	}
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return fmt.Errorf("%w: angle %v is not finite", ErrInvalidMeasurement, angle)
	}
	if !device.IsAffine() {
		return fmt.Errorf("%w: device transform is not an invertible affine transform", ErrInvalidMeasurement)
	}

	z := AudioMeasurementPoint(angle, e.cfg.AudioDistance, device)
	return e.update(ChannelAudio, z, e.cfg.MeasurementNoiseAudio/confidence)
}

// UpdateWithVisual corrects the state with the translation of a visual
// world transform. Effective measurement variance is
// MeasurementNoiseVision / confidence. On error the state is unchanged.
func (e *Estimator) UpdateWithVisual(world linalg.Mat4, confidence float64) error {
	if err := e.validateConfidence(confidence); err != nil {
		return err
	}
	if !world.IsAffine() {
		return fmt.Errorf("%w: world transform is not an invertible affine transform", ErrInvalidMeasurement)
	}

	return e.update(ChannelVisual, world.Translation(), e.cfg.MeasurementNoiseVision/confidence)
}

func (e *Estimator) validateConfidence(confidence float64) error {
	if math.IsNaN(confidence) || confidence <= 0 || confidence < e.cfg.MinConfidence || confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [%v, 1]", ErrInvalidMeasurement, confidence, e.cfg.MinConfidence)
	}
	return nil
}

// update applies the linear Kalman correction for a position measurement z
// with isotropic variance noise. No gating is applied.
func (e *Estimator) update(channel Channel, z linalg.Vec3, noise float64) error {
	H := measurementMatrix
	Ht := H.T()

	// Innovation y = z − H·x
	y := z.Sub(H.MulVec6(e.x))

	// Innovation covariance S = H·P·Hᵗ + R
	S := H.MulMat6(e.P).MulMat6x3(Ht).Add(linalg.Diag3(noise))
	Sinv, err := S.Inverse(e.cfg.SingularDetThreshold)
	if err != nil {
		return fmt.Errorf("%w: det(S)=%g: %w", ErrSingularInnovationCovariance, S.Det(), err)
	}

	// Kalman gain K = P·Hᵗ·S⁻¹ (6×3)
	K := e.P.MulMat6x3(Ht).MulMat3(Sinv)

	// x ← x + K·y, P ← (I − K·H)·P
	x := e.x.Add(K.MulVec3(y))
	P := linalg.Identity6().Sub(K.MulMat3x6(H)).Mul(e.P)
	if e.cfg.SymmetrizeCovariance {
		P = P.Symmetrize()
	}

	if !isFiniteState(x, P) {
		return fmt.Errorf("%w: %s update produced non-finite state", ErrSingularInnovationCovariance, channel)
	}
	e.x = x
	e.P = P

	if e.Observer != nil {
		e.Observer.RecordInnovation(channel, z, y, noise)
	}
	return nil
}

// FusedTransform returns an identity-rotation transform translated to the
// estimated position. It does not modify the estimator.
func (e *Estimator) FusedTransform() linalg.Mat4 {
	return linalg.TranslationMat4(e.x.Position())
}

// Snapshot returns a copy of the current state, covariance and
// last-predict time.
func (e *Estimator) Snapshot() Snapshot {
	return Snapshot{
		State:       e.x,
		Covariance:  e.P,
		LastPredict: e.lastPredict,
	}
}

// Restore rewinds the estimator to snap, including the last-predict time,
// so the next Predict covers the same interval again.
func (e *Estimator) Restore(snap Snapshot) {
	e.x = snap.State
	e.P = snap.Covariance
	e.lastPredict = snap.LastPredict
}

// isFiniteState returns true if every element of the state vector and the
// covariance is finite (not NaN or ±Inf).
func isFiniteState(x linalg.Vec6, P linalg.Mat6) bool {
	return linalg.IsFinite(x[:]...) && linalg.IsFinite(P[:]...)
}
