package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craigm26/LiveCaptionsXR/internal/api"
	"github.com/craigm26/LiveCaptionsXR/internal/config"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
	"github.com/craigm26/LiveCaptionsXR/internal/monitoring"
	"github.com/craigm26/LiveCaptionsXR/internal/replay"
	"github.com/craigm26/LiveCaptionsXR/internal/version"
)

func init() {
	monitoring.SetLogger(nil)
}

func runCmd(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

// recordSession drives a short session through the bridge and returns its
// ID once it has ended.
func recordSession(t *testing.T, dbPath string) string {
	t.Helper()
	b, err := newBridge(config.DefaultTuningConfig(), dbPath)
	require.NoError(t, err)
	ts := httptest.NewServer(b.handler)
	defer ts.Close()
	defer b.Close()

	ctx := context.Background()
	c := api.NewClient(ts.URL, ts.Client())
	st, err := c.StartSession(ctx, "cli")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = c.ObserveVisual(ctx, st.SessionID, api.VisualRequest{
			WorldTransform: linalg.TranslationMat4(linalg.Vec3{0.2 * float64(i), 0, 1.5}),
			Confidence:     0.9,
		})
		require.NoError(t, err)
	}
	_, err = c.ObserveAudio(ctx, st.SessionID, api.AudioRequest{Angle: 0.1, Confidence: 0.6, DeviceTransform: linalg.Identity4()})
	require.NoError(t, err)
	require.NoError(t, c.EndSession(ctx, st.SessionID))
	return st.SessionID
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestRunDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{"no args", nil, 2, "", "Usage: locator"},
		{"version flag", []string{"-version"}, 0, version.String(), ""},
		{"help", []string{"help"}, 0, "Usage: locator", ""},
		{"unknown", []string{"dance"}, 2, "", `unknown command "dance"`},
		{"replay without session", []string{"replay"}, 2, "", "-session is required"},
		{"bad flag", []string{"sessions", "-nope"}, 1, "", "flag provided but not defined"},
		{"serve empty listen", []string{"serve", "-listen", ""}, 2, "", "listen address is required"},
		{"serve bad config", []string{"serve", "-config", "tuning.yaml"}, 1, "", ".json extension"},
		{"serve bad grpc listen", []string{"serve", "-db", "", "-grpc-listen", "127.0.0.1:notaport"}, 1, "", "failed to listen for gRPC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, stdout, stderr := runCmd(tt.args...)
			assert.Equal(t, tt.wantCode, code, "stderr: %s", stderr)
			assert.Contains(t, stdout, tt.wantStdout)
			assert.Contains(t, stderr, tt.wantStderr)
		})
	}
}

func TestMigrateCommand(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "m.db")

	code, stdout, stderr := runCmd("migrate", "-db", path, "up")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Current version: 2 (latest 2)")

	code, _, _ = runCmd("migrate", "-db", path)
	assert.Equal(t, 2, code)
}

// ---------------------------------------------------------------------------
// Recorded sessions
// ---------------------------------------------------------------------------

func TestSessionsAndReplay(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recordings.db")
	id := recordSession(t, path)

	code, stdout, stderr := runCmd("sessions", "-db", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, id)
	assert.Contains(t, stdout, "cli")
	assert.NotContains(t, stdout, "open")

	code, stdout, stderr = runCmd("replay", "-db", path, "-session", id)
	require.Equal(t, 0, code, stderr)
	var rep replay.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, id, rep.SessionID)
	assert.Equal(t, 5, rep.Measurements)
	assert.Equal(t, 4, rep.VisualAccepted)
	assert.Equal(t, 1, rep.AudioAccepted)
	assert.Zero(t, rep.Mismatches)
	assert.Empty(t, rep.Estimates)

	code, stdout, stderr = runCmd("replay", "-db", path, "-session", id, "-estimates")
	require.Equal(t, 0, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Len(t, rep.Estimates, 5)

	// A stricter tuning file changes what replay accepts.
	cfgPath := filepath.Join(t.TempDir(), "strict.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"min_confidence": 0.95}`), 0o600))
	code, stdout, stderr = runCmd("replay", "-db", path, "-session", id, "-config", cfgPath)
	require.Equal(t, 0, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, 5, rep.Rejected)
	assert.Equal(t, 5, rep.Mismatches)

	code, _, stderr = runCmd("replay", "-db", path, "-session", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "session not recorded")
}

func TestNewBridgeWithoutRecording(t *testing.T) {
	t.Parallel()
	b, err := newBridge(config.DefaultTuningConfig(), "")
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.store)

	ts := httptest.NewServer(b.handler)
	defer ts.Close()
	c := api.NewClient(ts.URL, ts.Client())
	_, err = c.Recordings(context.Background())
	assert.Error(t, err)
	st, err := c.StartSession(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, st.SessionID)
}
