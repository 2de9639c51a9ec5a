package api

import (
	"time"

	"github.com/craigm26/LiveCaptionsXR/internal/doa"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
)

// Transforms travel as 16 floats. They are row-major unless the request sets
// column_major, which is the native layout of ARKit and ARCore poses.

// StartRequest is the optional body of POST /api/sessions.
type StartRequest struct {
	Label string `json:"label,omitempty"`
}

// AudioRequest is a bearing already estimated on the device.
type AudioRequest struct {
	Angle           float64     `json:"angle"`
	Confidence      float64     `json:"confidence"`
	DeviceTransform [16]float64 `json:"device_transform"`
	ColumnMajor     bool        `json:"column_major,omitempty"`
}

// PCMRequest is a stereo capture to run through GCC-PHAT. Either Left and
// Right or PCM (interleaved float32 little-endian, base64 in JSON) must be
// set. Zero geometry fields fall back to the server's tuning.
type PCMRequest struct {
	Left            []float64   `json:"left,omitempty"`
	Right           []float64   `json:"right,omitempty"`
	PCM             []byte      `json:"pcm_f32le,omitempty"`
	SampleRate      float64     `json:"sample_rate,omitempty"`
	MicDistance     float64     `json:"mic_distance,omitempty"`
	SoundSpeed      float64     `json:"sound_speed,omitempty"`
	DeviceTransform [16]float64 `json:"device_transform"`
	ColumnMajor     bool        `json:"column_major,omitempty"`
}

// VisualRequest is a speaker position from the vision layer.
type VisualRequest struct {
	WorldTransform [16]float64 `json:"world_transform"`
	Confidence     float64     `json:"confidence"`
	ColumnMajor    bool        `json:"column_major,omitempty"`
}

// SessionState is the bridge's view of one session. Transform and Position
// are where the caption should be drawn.
type SessionState struct {
	SessionID       string       `json:"session_id"`
	StartedAt       time.Time    `json:"started_at"`
	AnchorID        string       `json:"anchor_id,omitempty"`
	Transform       [16]float64  `json:"transform"`
	Position        [3]float64   `json:"position"`
	Velocity        [3]float64   `json:"velocity"`
	CovarianceTrace float64      `json:"covariance_trace"`
	Stats           fusion.Stats `json:"stats"`
	DOA             *doa.Result  `json:"doa,omitempty"`
}

func toMat4(v [16]float64, columnMajor bool) linalg.Mat4 {
	if columnMajor {
		return linalg.Mat4FromColumnMajor(v)
	}
	return linalg.Mat4(v)
}

func sessionState(s *fusion.Session) SessionState {
	pose := s.Position()
	snap := s.Snapshot()
	return SessionState{
		SessionID:       s.ID(),
		StartedAt:       s.StartedAt(),
		AnchorID:        s.AnchorID(),
		Transform:       pose,
		Position:        pose.Translation(),
		Velocity:        snap.State.Velocity(),
		CovarianceTrace: snap.Covariance.Trace(),
		Stats:           s.Stats(),
	}
}
