package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"

	"github.com/craigm26/LiveCaptionsXR/internal/db"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
	"github.com/craigm26/LiveCaptionsXR/internal/monitoring"
	"github.com/craigm26/LiveCaptionsXR/internal/security"
	"github.com/craigm26/LiveCaptionsXR/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func recordSession(t *testing.T, path string) string {
	t.Helper()
	store, err := db.NewDB(path)
	require.NoError(t, err)
	defer store.Close()

	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	m := fusion.NewManager(fusion.DefaultConfig(), fusion.SessionDeps{Clock: clock, Recorder: store})
	s := m.Start()
	for i := 0; i < 10; i++ {
		clock.Advance(50 * time.Millisecond)
		require.NoError(t, s.ObserveVisual(fusion.VisualObservation{
			WorldTransform: linalg.TranslationMat4(linalg.Vec3{0.1 * float64(i), 0, 2}),
			Confidence:     0.8,
		}))
		require.NoError(t, s.ObserveAudio(fusion.AudioObservation{Angle: 0.05 * float64(i), Confidence: 0.5, DeviceTransform: linalg.Identity4()}))
	}
	_ = s.ObserveVisual(fusion.VisualObservation{WorldTransform: linalg.Identity4(), Confidence: 0})
	require.NoError(t, m.End(s.ID()))
	return s.ID()
}

func TestRunWritesPNG(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "recordings.db")
	id := recordSession(t, dbPath)
	out := filepath.Join(dir, "plot.png")

	var stderr bytes.Buffer
	require.NoError(t, run([]string{"-db", dbPath, "-session", id, "-out", out}, &stderr))
	assert.Contains(t, stderr.String(), "21 measurements, 20 estimates")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), data[:8])
}

func TestRunErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "recordings.db")

	var stderr bytes.Buffer
	assert.ErrorContains(t, run([]string{"-db", dbPath}, &stderr), "-session is required")
	assert.ErrorIs(t, run([]string{"-db", dbPath, "-session", "nope"}, &stderr), db.ErrSessionNotRecorded)
	assert.ErrorIs(t, run([]string{"-db", dbPath, "-session", "nope", "-out", "/proc/self/x.png"}, &stderr), security.ErrPathEscapes)
}

func TestPlotSessionEmpty(t *testing.T) {
	t.Parallel()
	_, err := plotSession("empty", nil, nil)
	assert.Error(t, err)
}

func TestPlotSessionRenders(t *testing.T) {
	t.Parallel()
	measurements := []fusion.MeasurementRecord{
		{UnixNanos: 1e9, Channel: fusion.ChannelVisual, Point: linalg.Vec3{1, 0, 2}, Accepted: true},
		{UnixNanos: 2e9, Channel: fusion.ChannelVisual, Point: linalg.Vec3{5, 5, 5}, Accepted: false},
		{UnixNanos: 3e9, Channel: fusion.ChannelAudio, Point: linalg.Vec3{math.NaN(), 0, 2}, Accepted: true},
	}
	estimates := []fusion.EstimateRecord{
		{UnixNanos: 1e9, State: linalg.Vec6{0.9, 0, 1.9}},
	}
	p, err := plotSession("s", measurements, estimates)
	require.NoError(t, err)
	assert.Equal(t, "Session s", p.Title.Text)
	assert.Equal(t, "Time (s)", p.X.Label.Text)

	wt, err := p.WriterTo(4*vg.Inch, 3*vg.Inch, "png")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = wt.WriteTo(&buf)
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 0)
}
