// Package fusion estimates a speaker's 3D world position by fusing an audio
// bearing with visual position fixes in a constant-velocity Kalman filter.
//
// Responsibilities: the 6-state estimator (position + velocity), the
// serialized per-caption Session that owns one estimator, and the Manager
// that tracks active sessions.
// Key types: Estimator, Session, Manager, Config.
//
// Transforms are row-major 4×4 (see linalg.Mat4). Device-forward is +Z and
// a positive audio bearing turns towards +X.
package fusion

import (
	"time"

	"github.com/craigm26/LiveCaptionsXR/internal/config"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
)

// Config holds the estimator's fixed tuning. It is not mutated after the
// estimator is constructed.
type Config struct {
	ProcessNoise           float64 `json:"process_noise"`            // Variance added to every diagonal element per predict
	MeasurementNoiseAudio  float64 `json:"measurement_noise_audio"`  // Base audio variance (m²), divided by confidence
	MeasurementNoiseVision float64 `json:"measurement_noise_vision"` // Base visual variance (m²), divided by confidence

	// AudioDistance is the nominal range (m) placed along an audio bearing.
	// The audio channel carries no range information, so this is a design
	// constant rather than a measured quantity.
	AudioDistance float64 `json:"audio_distance_m"`

	MinPredictDt time.Duration `json:"min_predict_dt"` // Lower clamp for dt (also used when no time has elapsed)
	MaxPredictDt time.Duration `json:"max_predict_dt"` // Upper clamp for dt after long gaps

	MinConfidence        float64 `json:"min_confidence"`         // Confidences below this are rejected
	SingularDetThreshold float64 `json:"singular_det_threshold"` // |det(S)| floor for the innovation covariance
	SymmetrizeCovariance bool    `json:"symmetrize_covariance"`  // Apply P = (P+Pᵗ)/2 after every step

	// DefaultPosition is reported by Session.Position until the first
	// measurement is accepted.
	DefaultPosition linalg.Vec3 `json:"default_position"`

	// TickInterval is the period of Manager.Run's background predict.
	TickInterval time.Duration `json:"tick_interval"`
}

// DefaultConfig returns the built-in tuning. It does not read the defaults
// file; use ConfigFromTuning with a loaded TuningConfig in binaries.
func DefaultConfig() Config {
	return ConfigFromTuning(config.DefaultTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		ProcessNoise:           cfg.GetProcessNoise(),
		MeasurementNoiseAudio:  cfg.GetMeasurementNoiseAudio(),
		MeasurementNoiseVision: cfg.GetMeasurementNoiseVision(),
		AudioDistance:          cfg.GetAudioDistanceMeters(),
		MinPredictDt:           cfg.GetMinPredictDt(),
		MaxPredictDt:           cfg.GetMaxPredictDt(),
		MinConfidence:          cfg.GetMinConfidence(),
		SingularDetThreshold:   cfg.GetSingularDetThreshold(),
		SymmetrizeCovariance:   cfg.GetSymmetrizeCovariance(),
		DefaultPosition:        linalg.Vec3(cfg.GetDefaultPosition()),
		TickInterval:           cfg.GetTickInterval(),
	}
}
