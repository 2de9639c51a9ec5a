package fusion

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
	"github.com/craigm26/LiveCaptionsXR/internal/monitoring"
	"github.com/craigm26/LiveCaptionsXR/internal/timeutil"
)

var logf = monitoring.Component("fusion")

// AnchorPlacer positions the caption anchor for a session in world space.
// The AR layer (or anchor.Registry) implements it.
type AnchorPlacer interface {
	PlaceCaption(sessionID string, transform linalg.Mat4) (anchorID string, err error)
	MoveCaption(anchorID string, transform linalg.Mat4) error
	RemoveCaption(anchorID string) error
}

// MeasurementRecord is one observation as delivered to a session, accepted
// or not.
type MeasurementRecord struct {
	SessionID  string
	UnixNanos  int64
	Channel    Channel
	Confidence float64
	Point      linalg.Vec3  // World-space measurement point
	Angle      float64      // Audio bearing (radians); zero for visual
	Device     *linalg.Mat4 // Device pose for audio; nil for visual
	Accepted   bool
	Err        string
}

// EstimateRecord is the filter state after an accepted update.
type EstimateRecord struct {
	SessionID string
	UnixNanos int64
	State     linalg.Vec6
	CovTrace  float64
}

// Recorder persists session activity. Failures are logged by the session
// and never reject a measurement.
type Recorder interface {
	RecordSessionStart(sessionID string, unixNanos int64, cfg Config) error
	RecordSessionEnd(sessionID string, unixNanos int64) error
	RecordMeasurement(m MeasurementRecord) error
	RecordEstimate(e EstimateRecord) error
}

// SessionDeps are the collaborators injected into a Session. Clock defaults
// to timeutil.RealClock; Placer and Recorder are optional.
type SessionDeps struct {
	Clock    timeutil.Clock
	Placer   AnchorPlacer
	Recorder Recorder
}

// AudioObservation is a bearing from the direction-of-arrival estimator,
// paired with the device pose at capture time.
type AudioObservation struct {
	Angle           float64     // Radians from device-forward; positive towards +X
	Confidence      float64     // (0, 1]
	DeviceTransform linalg.Mat4 // Device world pose, row-major
}

// Validate checks the observation's fields.
func (o AudioObservation) Validate() error {
	if err := validateConfidenceRange(o.Confidence); err != nil {
		return err
	}
	if math.IsNaN(o.Angle) || math.IsInf(o.Angle, 0) {
		return fmt.Errorf("%w: angle is not finite", ErrInvalidMeasurement)
	}
	if !o.DeviceTransform.IsAffine() {
		return fmt.Errorf("%w: device_transform is not an invertible affine transform", ErrInvalidMeasurement)
	}
	return nil
}

// VisualObservation is a detected speaker position from the vision layer.
type VisualObservation struct {
	WorldTransform linalg.Mat4 // Row-major; only the translation is used
	Confidence     float64     // (0, 1]
}

// Validate checks the observation's fields.
func (o VisualObservation) Validate() error {
	if err := validateConfidenceRange(o.Confidence); err != nil {
		return err
	}
	if !o.WorldTransform.IsAffine() {
		return fmt.Errorf("%w: world_transform is not an invertible affine transform", ErrInvalidMeasurement)
	}
	return nil
}

func validateConfidenceRange(c float64) error {
	if math.IsNaN(c) || c <= 0 || c > 1 {
		return fmt.Errorf("%w: confidence %v outside (0, 1]", ErrInvalidMeasurement, c)
	}
	return nil
}

// Stats counts a session's activity.
type Stats struct {
	Predicts       int       `json:"predicts"`
	AudioAccepted  int       `json:"audio_accepted"`
	AudioRejected  int       `json:"audio_rejected"`
	VisualAccepted int       `json:"visual_accepted"`
	VisualRejected int       `json:"visual_rejected"`
	LastError      string    `json:"last_error,omitempty"`
	LastAccepted   time.Time `json:"last_accepted,omitempty"`
}

// Session owns one estimator for the lifetime of a caption session. All
// methods are safe for concurrent use; camera and audio callbacks may call
// in from different goroutines.
type Session struct {
	mu sync.Mutex

	id        string
	startedAt time.Time
	est       *Estimator
	clock     timeutil.Clock
	placer    AnchorPlacer
	recorder  Recorder

	anchorID    string
	hasAccepted bool
	stats       Stats
}

// NewSession creates a session with a fresh estimator.
func NewSession(id string, cfg Config, deps SessionDeps) *Session {
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Session{
		id:        id,
		startedAt: clock.Now(),
		est:       NewEstimator(cfg, clock),
		clock:     clock,
		placer:    deps.Placer,
		recorder:  deps.Recorder,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// AnchorID returns the caption anchor's ID, or "" before the first
// accepted measurement.
func (s *Session) AnchorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchorID
}

// Tick runs a prediction step with no measurement.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.est.Predict()
	s.stats.Predicts++
}

// step predicts to the current time and applies update. If the update is
// rejected the prediction is rolled back too. Caller holds s.mu.
func (s *Session) step(update func() error) error {
	before := s.est.Snapshot()
	s.est.Predict()
	if err := update(); err != nil {
		s.est.Restore(before)
		return err
	}
	s.stats.Predicts++
	return nil
}

// ObserveAudio predicts to the current time and applies an audio update.
// A rejected measurement leaves the filter unchanged, including its
// last-predict time, and is returned.
func (s *Session) ObserveAudio(obs AudioObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := obs.Validate()
	if err == nil {
		err = s.step(func() error {
			return s.est.UpdateWithAudio(obs.Angle, obs.Confidence, obs.DeviceTransform)
		})
	}

	device := obs.DeviceTransform
	rec := MeasurementRecord{
		Channel:    ChannelAudio,
		Confidence: obs.Confidence,
		Point:      AudioMeasurementPoint(obs.Angle, s.est.cfg.AudioDistance, device),
		Angle:      obs.Angle,
		Device:     &device,
	}
	s.finish(rec, err)
	return err
}

// ObserveVisual predicts to the current time and applies a visual update.
// A rejected measurement leaves the filter unchanged, including its
// last-predict time, and is returned.
func (s *Session) ObserveVisual(obs VisualObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := obs.Validate()
	if err == nil {
		err = s.step(func() error {
			return s.est.UpdateWithVisual(obs.WorldTransform, obs.Confidence)
		})
	}

	rec := MeasurementRecord{
		Channel:    ChannelVisual,
		Confidence: obs.Confidence,
		Point:      obs.WorldTransform.Translation(),
	}
	s.finish(rec, err)
	return err
}

// finish updates counters, records the measurement and, on success, moves
// the caption anchor. Caller holds s.mu.
func (s *Session) finish(rec MeasurementRecord, err error) {
	now := s.clock.Now()
	rec.SessionID = s.id
	rec.UnixNanos = now.UnixNano()
	rec.Accepted = err == nil
	if err != nil {
		rec.Err = err.Error()
	}

	switch {
	case rec.Channel == ChannelAudio && err == nil:
		s.stats.AudioAccepted++
	case rec.Channel == ChannelAudio:
		s.stats.AudioRejected++
	case err == nil:
		s.stats.VisualAccepted++
	default:
		s.stats.VisualRejected++
	}

	if s.recorder != nil {
		if rerr := s.recorder.RecordMeasurement(rec); rerr != nil {
			logf("session %s: failed to record measurement: %v", s.id, rerr)
		}
	}

	if err != nil {
		s.stats.LastError = err.Error()
		logf("session %s: rejected %s measurement: %v", s.id, rec.Channel, err)
		return
	}

	s.hasAccepted = true
	s.stats.LastAccepted = now

	snap := s.est.Snapshot()
	if s.recorder != nil {
		if rerr := s.recorder.RecordEstimate(EstimateRecord{
			SessionID: s.id,
			UnixNanos: rec.UnixNanos,
			State:     snap.State,
			CovTrace:  snap.Covariance.Trace(),
		}); rerr != nil {
			logf("session %s: failed to record estimate: %v", s.id, rerr)
		}
	}

	s.placeAnchor(s.est.FusedTransform())
}

// placeAnchor creates the caption anchor on first use and moves it
// afterwards. If the anchor has gone away (e.g. expired), a new one is
// placed. Caller holds s.mu.
func (s *Session) placeAnchor(t linalg.Mat4) {
	if s.placer == nil {
		return
	}
	if s.anchorID != "" {
		err := s.placer.MoveCaption(s.anchorID, t)
		if err == nil {
			return
		}
		logf("session %s: moving anchor %s failed, placing a new one: %v", s.id, s.anchorID, err)
		s.anchorID = ""
	}
	id, err := s.placer.PlaceCaption(s.id, t)
	if err != nil {
		logf("session %s: failed to place caption anchor: %v", s.id, err)
		return
	}
	s.anchorID = id
}

// FusedTransform returns the estimator's current fused transform.
func (s *Session) FusedTransform() linalg.Mat4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.est.FusedTransform()
}

// Position returns where the caption should be drawn: the fused transform
// once any measurement has been accepted, otherwise the configured default
// position. Rejected measurements never change it.
func (s *Session) Position() linalg.Mat4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasAccepted {
		return linalg.TranslationMat4(s.est.cfg.DefaultPosition)
	}
	return s.est.FusedTransform()
}

// Snapshot returns a copy of the estimator state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.est.Snapshot()
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close removes the caption anchor. The session must not be used
// afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placer == nil || s.anchorID == "" {
		return nil
	}
	err := s.placer.RemoveCaption(s.anchorID)
	s.anchorID = ""
	if err != nil {
		return fmt.Errorf("remove caption anchor: %w", err)
	}
	return nil
}

// IsRejection reports whether err is a measurement rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidMeasurement) || errors.Is(err, ErrSingularInnovationCovariance)
}
