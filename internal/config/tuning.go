package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// Every field is optional; the Get* accessors supply the built-in default
// for anything the file omits.
type TuningConfig struct {
	// Filter noise params
	ProcessNoise           *float64 `json:"process_noise,omitempty"`
	MeasurementNoiseAudio  *float64 `json:"measurement_noise_audio,omitempty"`
	MeasurementNoiseVision *float64 `json:"measurement_noise_vision,omitempty"`

	// Audio geometry
	AudioDistanceMeters *float64 `json:"audio_distance_m,omitempty"`

	// Prediction step limits
	MinPredictDt *string `json:"min_predict_dt,omitempty"` // duration string like "1ms"
	MaxPredictDt *string `json:"max_predict_dt,omitempty"` // duration string like "1s"

	// Measurement validation and numerical guards
	MinConfidence        *float64 `json:"min_confidence,omitempty"`
	SingularDetThreshold *float64 `json:"singular_det_threshold,omitempty"`
	SymmetrizeCovariance *bool    `json:"symmetrize_covariance,omitempty"`

	// Fallback caption position (world metres) before any accepted update
	DefaultPosition []float64 `json:"default_position,omitempty"`

	// Direction-of-arrival params
	MicDistanceMeters *float64 `json:"mic_distance_m,omitempty"`
	SoundSpeedMps     *float64 `json:"sound_speed_mps,omitempty"`
	SampleRateHz      *float64 `json:"sample_rate_hz,omitempty"`

	// Session params
	TickInterval    *string `json:"tick_interval,omitempty"`    // duration string like "100ms"
	CaptionDuration *string `json:"caption_duration,omitempty"` // duration string like "5s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// with its built-in default. It mirrors config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		ProcessNoise:           ptrFloat64(0.01),
		MeasurementNoiseAudio:  ptrFloat64(0.2),
		MeasurementNoiseVision: ptrFloat64(0.05),
		AudioDistanceMeters:    ptrFloat64(2.0),
		MinPredictDt:           ptrString("1ms"),
		MaxPredictDt:           ptrString("1s"),
		MinConfidence:          ptrFloat64(1e-3),
		SingularDetThreshold:   ptrFloat64(1e-12),
		SymmetrizeCovariance:   ptrBool(true),
		DefaultPosition:        []float64{0, 0, 2},
		MicDistanceMeters:      ptrFloat64(0.08),
		SoundSpeedMps:          ptrFloat64(343.0),
		SampleRateHz:           ptrFloat64(16000),
		TickInterval:           ptrString("100ms"),
		CaptionDuration:        ptrString("5s"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/fusion/linalg/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"process_noise", c.ProcessNoise},
		{"measurement_noise_audio", c.MeasurementNoiseAudio},
		{"measurement_noise_vision", c.MeasurementNoiseVision},
		{"audio_distance_m", c.AudioDistanceMeters},
		{"singular_det_threshold", c.SingularDetThreshold},
		{"mic_distance_m", c.MicDistanceMeters},
		{"sound_speed_mps", c.SoundSpeedMps},
		{"sample_rate_hz", c.SampleRateHz},
	}
	for _, p := range positive {
		if p.v != nil && !(*p.v > 0) {
			return fmt.Errorf("%s must be positive, got %g", p.name, *p.v)
		}
	}

	if c.MinConfidence != nil {
		if *c.MinConfidence <= 0 || *c.MinConfidence >= 1 {
			return fmt.Errorf("min_confidence must be in (0, 1), got %g", *c.MinConfidence)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"min_predict_dt", c.MinPredictDt},
		{"max_predict_dt", c.MaxPredictDt},
		{"tick_interval", c.TickInterval},
		{"caption_duration", c.CaptionDuration},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.GetMinPredictDt() > c.GetMaxPredictDt() {
		return fmt.Errorf("min_predict_dt (%s) exceeds max_predict_dt (%s)", c.GetMinPredictDt(), c.GetMaxPredictDt())
	}

	if c.DefaultPosition != nil && len(c.DefaultPosition) != 3 {
		return fmt.Errorf("default_position must have 3 elements, got %d", len(c.DefaultPosition))
	}

	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetProcessNoise returns the process_noise value or the default.
func (c *TuningConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return 0.01
	}
	return *c.ProcessNoise
}

// GetMeasurementNoiseAudio returns the measurement_noise_audio value or the default.
func (c *TuningConfig) GetMeasurementNoiseAudio() float64 {
	if c.MeasurementNoiseAudio == nil {
		return 0.2
	}
	return *c.MeasurementNoiseAudio
}

// GetMeasurementNoiseVision returns the measurement_noise_vision value or the default.
func (c *TuningConfig) GetMeasurementNoiseVision() float64 {
	if c.MeasurementNoiseVision == nil {
		return 0.05
	}
	return *c.MeasurementNoiseVision
}

// GetAudioDistanceMeters returns the audio_distance_m value or the default.
func (c *TuningConfig) GetAudioDistanceMeters() float64 {
	if c.AudioDistanceMeters == nil {
		return 2.0
	}
	return *c.AudioDistanceMeters
}

// GetMinPredictDt parses and returns MinPredictDt as a time.Duration.
func (c *TuningConfig) GetMinPredictDt() time.Duration {
	return parseDurationOr(c.MinPredictDt, time.Millisecond)
}

// GetMaxPredictDt parses and returns MaxPredictDt as a time.Duration.
func (c *TuningConfig) GetMaxPredictDt() time.Duration {
	return parseDurationOr(c.MaxPredictDt, time.Second)
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *TuningConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 1e-3
	}
	return *c.MinConfidence
}

// GetSingularDetThreshold returns the singular_det_threshold value or the default.
func (c *TuningConfig) GetSingularDetThreshold() float64 {
	if c.SingularDetThreshold == nil {
		return 1e-12
	}
	return *c.SingularDetThreshold
}

// GetSymmetrizeCovariance returns the symmetrize_covariance value or the default.
func (c *TuningConfig) GetSymmetrizeCovariance() bool {
	if c.SymmetrizeCovariance == nil {
		return true
	}
	return *c.SymmetrizeCovariance
}

// GetDefaultPosition returns the default_position value or the default.
func (c *TuningConfig) GetDefaultPosition() [3]float64 {
	if len(c.DefaultPosition) != 3 {
		return [3]float64{0, 0, 2}
	}
	return [3]float64{c.DefaultPosition[0], c.DefaultPosition[1], c.DefaultPosition[2]}
}

// GetMicDistanceMeters returns the mic_distance_m value or the default.
func (c *TuningConfig) GetMicDistanceMeters() float64 {
	if c.MicDistanceMeters == nil {
		return 0.08
	}
	return *c.MicDistanceMeters
}

// GetSoundSpeedMps returns the sound_speed_mps value or the default.
func (c *TuningConfig) GetSoundSpeedMps() float64 {
	if c.SoundSpeedMps == nil {
		return 343.0
	}
	return *c.SoundSpeedMps
}

// GetSampleRateHz returns the sample_rate_hz value or the default.
func (c *TuningConfig) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return 16000
	}
	return *c.SampleRateHz
}

// GetTickInterval parses and returns TickInterval as a time.Duration.
func (c *TuningConfig) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, 100*time.Millisecond)
}

// GetCaptionDuration parses and returns CaptionDuration as a time.Duration.
func (c *TuningConfig) GetCaptionDuration() time.Duration {
	return parseDurationOr(c.CaptionDuration, 5*time.Second)
}
