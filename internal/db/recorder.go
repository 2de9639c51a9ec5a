package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
)

// ErrSessionNotRecorded is returned when a session ID has no recording.
var ErrSessionNotRecorded = errors.New("session not recorded")

var recordingTables = []string{"sessions", "measurements", "estimates"}

var _ fusion.Recorder = (*DB)(nil)

// SessionInfo summarizes one recorded session.
type SessionInfo struct {
	SessionID        string `json:"session_id"`
	Label            string `json:"label,omitempty"`
	StartedUnixNanos int64  `json:"started_unix_nanos"`
	EndedUnixNanos   int64  `json:"ended_unix_nanos,omitempty"` // 0 while the session is open
	Measurements     int    `json:"measurements"`
	Estimates        int    `json:"estimates"`
}

// nullable maps non-finite values to SQL NULL; SQLite has no NaN.
func nullable(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// RecordSessionStart inserts the session row with its configuration.
func (db *DB) RecordSessionStart(sessionID string, unixNanos int64, cfg fusion.Config) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO sessions (session_id, started_unix_nanos, config_json) VALUES (?, ?, ?)`,
		sessionID, unixNanos, string(cfgJSON),
	)
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

// RecordSessionEnd stamps the session's end time.
func (db *DB) RecordSessionEnd(sessionID string, unixNanos int64) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix_nanos = ? WHERE session_id = ?`, unixNanos, sessionID)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record session end %s: %w", sessionID, ErrSessionNotRecorded)
	}
	return nil
}

// SetSessionLabel attaches a free-form label to a recorded session.
func (db *DB) SetSessionLabel(ctx context.Context, sessionID, label string) error {
	res, err := db.ExecContext(ctx, `UPDATE sessions SET label = ? WHERE session_id = ?`, label, sessionID)
	if err != nil {
		return fmt.Errorf("set session label: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotRecorded
	}
	return nil
}

// RecordMeasurement appends one observation, accepted or rejected.
func (db *DB) RecordMeasurement(m fusion.MeasurementRecord) error {
	var device interface{}
	if m.Device != nil {
		// A pose that cannot be encoded (NaN/Inf) is stored as NULL; the
		// row still records the rejection.
		if b, err := json.Marshal(m.Device); err == nil {
			device = string(b)
		}
	}
	var errText interface{}
	if m.Err != "" {
		errText = m.Err
	}

	_, err := db.Exec(
		`INSERT INTO measurements (
			session_id, unix_nanos, channel, confidence, mx, my, mz, angle,
			device_transform, accepted, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.UnixNanos, string(m.Channel), nullable(m.Confidence),
		nullable(m.Point[0]), nullable(m.Point[1]), nullable(m.Point[2]), nullable(m.Angle),
		device, m.Accepted, errText,
	)
	if err != nil {
		return fmt.Errorf("record measurement: %w", err)
	}
	return nil
}

// RecordEstimate appends a fused state.
func (db *DB) RecordEstimate(e fusion.EstimateRecord) error {
	_, err := db.Exec(
		`INSERT INTO estimates (
			session_id, unix_nanos, px, py, pz, vx, vy, vz, cov_trace
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.UnixNanos,
		e.State[0], e.State[1], e.State[2], e.State[3], e.State[4], e.State[5],
		e.CovTrace,
	)
	if err != nil {
		return fmt.Errorf("record estimate: %w", err)
	}
	return nil
}

// ListSessions returns every recorded session, newest first.
func (db *DB) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.session_id, s.label, s.started_unix_nanos, COALESCE(s.ended_unix_nanos, 0),
			(SELECT COUNT(*) FROM measurements m WHERE m.session_id = s.session_id),
			(SELECT COUNT(*) FROM estimates e WHERE e.session_id = s.session_id)
		FROM sessions s
		ORDER BY s.started_unix_nanos DESC, s.session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.SessionID, &s.Label, &s.StartedUnixNanos, &s.EndedUnixNanos, &s.Measurements, &s.Estimates); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionConfig returns the estimator configuration a session was
// recorded with.
func (db *DB) SessionConfig(ctx context.Context, sessionID string) (fusion.Config, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT config_json FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fusion.Config{}, ErrSessionNotRecorded
	}
	if err != nil {
		return fusion.Config{}, fmt.Errorf("load session config: %w", err)
	}

	var cfg fusion.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return fusion.Config{}, fmt.Errorf("decode session config: %w", err)
	}
	return cfg, nil
}

// SessionMeasurements returns a session's measurements in time order.
func (db *DB) SessionMeasurements(ctx context.Context, sessionID string) ([]fusion.MeasurementRecord, error) {
	if err := db.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT unix_nanos, channel, confidence, mx, my, mz, angle, device_transform, accepted, COALESCE(error, '')
		FROM measurements
		WHERE session_id = ?
		ORDER BY unix_nanos, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	var out []fusion.MeasurementRecord
	for rows.Next() {
		var (
			m                    fusion.MeasurementRecord
			channel              string
			conf, mx, my, mz, an sql.NullFloat64
			device               sql.NullString
		)
		if err := rows.Scan(&m.UnixNanos, &channel, &conf, &mx, &my, &mz, &an, &device, &m.Accepted, &m.Err); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		m.SessionID = sessionID
		m.Channel = fusion.Channel(channel)
		m.Confidence = nullToNaN(conf)
		m.Point = linalg.Vec3{nullToNaN(mx), nullToNaN(my), nullToNaN(mz)}
		m.Angle = nullToNaN(an)
		if device.Valid {
			var t linalg.Mat4
			if err := json.Unmarshal([]byte(device.String), &t); err != nil {
				return nil, fmt.Errorf("decode device transform: %w", err)
			}
			m.Device = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SessionEstimates returns a session's fused estimates in time order.
func (db *DB) SessionEstimates(ctx context.Context, sessionID string) ([]fusion.EstimateRecord, error) {
	if err := db.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT unix_nanos, px, py, pz, vx, vy, vz, cov_trace
		FROM estimates
		WHERE session_id = ?
		ORDER BY unix_nanos, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query estimates: %w", err)
	}
	defer rows.Close()

	var out []fusion.EstimateRecord
	for rows.Next() {
		e := fusion.EstimateRecord{SessionID: sessionID}
		if err := rows.Scan(&e.UnixNanos, &e.State[0], &e.State[1], &e.State[2], &e.State[3], &e.State[4], &e.State[5], &e.CovTrace); err != nil {
			return nil, fmt.Errorf("scan estimate: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via cascade, its rows.
func (db *DB) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotRecorded
	}
	return nil
}

// TableCounts returns the row count of each recording table.
func (db *DB) TableCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(recordingTables))
	for _, name := range recordingTables {
		var n int64
		// Table names come from recordingTables, never from input.
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+name).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

func (db *DB) requireSession(ctx context.Context, sessionID string) error {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotRecorded
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}

func nullToNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
