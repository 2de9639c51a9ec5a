package api

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craigm26/LiveCaptionsXR/internal/anchor"
	"github.com/craigm26/LiveCaptionsXR/internal/db"
	"github.com/craigm26/LiveCaptionsXR/internal/doa"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
	"github.com/craigm26/LiveCaptionsXR/internal/httputil"
	"github.com/craigm26/LiveCaptionsXR/internal/timeutil"
)

var testEpoch = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	handler http.Handler
	manager *fusion.Manager
	anchors *anchor.Registry
	store   *db.DB
	clock   *timeutil.MockClock
}

func newTestEnv(t *testing.T, cfg fusion.Config) *testEnv {
	t.Helper()
	clock := timeutil.NewMockClock(testEpoch)
	store := openTestDB(t)
	anchors := anchor.NewRegistry(clock, 5*time.Second)
	manager := fusion.NewManager(cfg, fusion.SessionDeps{Clock: clock, Placer: anchors, Recorder: store})
	srv := NewServer(manager, Options{Anchors: anchors, Store: store})
	return &testEnv{
		server:  srv,
		handler: srv.ServeMux(),
		manager: manager,
		anchors: anchors,
		store:   store,
		clock:   clock,
	}
}

// call issues a request and decodes a JSON response into out when non-nil.
func (e *testEnv) call(t *testing.T, method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (e *testEnv) start(t *testing.T) SessionState {
	t.Helper()
	var st SessionState
	rec := e.call(t, http.MethodPost, "/api/sessions", nil, &st)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, st.SessionID)
	return st
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var er httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er), rec.Body.String())
	return er.Error
}

func identity() [16]float64 { return linalg.Identity4() }

func translation(x, y, z float64) [16]float64 {
	return linalg.TranslationMat4(linalg.Vec3{x, y, z})
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())

	st := e.start(t)
	assert.Equal(t, testEpoch, st.StartedAt.UTC())
	assert.Equal(t, [3]float64{0, 0, 2}, st.Position, "default position before any measurement")
	assert.Empty(t, st.AnchorID)

	var list []SessionState
	rec := e.call(t, http.MethodGet, "/api/sessions", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list, 1)
	assert.Equal(t, st.SessionID, list[0].SessionID)

	var got SessionState
	rec = e.call(t, http.MethodGet, "/api/sessions/"+st.SessionID, nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, st.SessionID, got.SessionID)

	rec = e.call(t, http.MethodDelete, "/api/sessions/"+st.SessionID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.call(t, http.MethodGet, "/api/sessions/"+st.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.call(t, http.MethodDelete, "/api/sessions/"+st.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.call(t, http.MethodGet, "/api/sessions", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, list)
}

func TestStartSessionWithLabel(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())

	var st SessionState
	rec := e.call(t, http.MethodPost, "/api/sessions", StartRequest{Label: "kitchen"}, &st)
	require.Equal(t, http.StatusCreated, rec.Code)

	var recordings []db.SessionInfo
	rec = e.call(t, http.MethodGet, "/api/recordings", nil, &recordings)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, recordings, 1)
	assert.Equal(t, st.SessionID, recordings[0].SessionID)
	assert.Equal(t, "kitchen", recordings[0].Label)

	rec = e.call(t, http.MethodPost, "/api/sessions", `{"label": 5}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictCountsAndGrowsUncertainty(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	st := e.start(t)

	var first, second SessionState
	e.clock.Advance(100 * time.Millisecond)
	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/predict", nil, &first).Code)
	e.clock.Advance(100 * time.Millisecond)
	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/predict", nil, &second).Code)

	assert.Equal(t, 1, first.Stats.Predicts)
	assert.Equal(t, 2, second.Stats.Predicts)
	assert.Greater(t, second.CovarianceTrace, first.CovarianceTrace)
}

// ---------------------------------------------------------------------------
// Observations
// ---------------------------------------------------------------------------

func TestObserveVisualMovesCaptionAndAnchor(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	st := e.start(t)

	e.clock.Advance(33 * time.Millisecond)
	var got SessionState
	rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/visual",
		VisualRequest{WorldTransform: translation(1, 0, -1), Confidence: 1}, &got)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Greater(t, got.Position[0], 0.0)
	assert.Less(t, got.Position[0], 1.0)
	assert.Less(t, got.Position[2], 0.0)
	assert.Equal(t, 1, got.Stats.VisualAccepted)
	require.NotEmpty(t, got.AnchorID)

	var anchors []anchor.Anchor
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/api/anchors", nil, &anchors).Code)
	require.Len(t, anchors, 1)
	assert.Equal(t, got.AnchorID, anchors[0].ID)
	assert.Equal(t, st.SessionID, anchors[0].SessionID)
	assert.Equal(t, got.Transform, [16]float64(anchors[0].Transform))

	var fused SessionState
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/api/sessions/"+st.SessionID+"/fused", nil, &fused).Code)
	assert.Equal(t, got.Position, fused.Position)
}

func TestObserveVisualColumnMajor(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	st := e.start(t)

	cm := linalg.TranslationMat4(linalg.Vec3{2, 0, 0}).ColumnMajor()
	var got SessionState
	rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/visual",
		VisualRequest{WorldTransform: cm, Confidence: 1, ColumnMajor: true}, &got)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Greater(t, got.Position[0], 0.0)

	// The same array read as row-major has no translation and a non-affine
	// bottom row.
	rec = e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/visual",
		VisualRequest{WorldTransform: cm, Confidence: 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObserveAudio(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	st := e.start(t)

	var got SessionState
	rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/audio",
		AudioRequest{Angle: math.Pi / 4, Confidence: 0.8, DeviceTransform: identity()}, &got)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Greater(t, got.Position[0], 0.0, "positive bearing is towards +X")
	assert.Equal(t, 1, got.Stats.AudioAccepted)
	assert.Nil(t, got.DOA)
}

func noise(seed int64, n int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64()*2 - 1
	}
	return out
}

// delayed returns s shifted later by d samples.
func delayed(s []float64, d int) []float64 {
	out := make([]float64, len(s))
	for i := d; i < len(s); i++ {
		out[i] = s[i-d]
	}
	return out
}

func interleave(left, right []float64) []byte {
	buf := make([]byte, 8*len(left))
	for i := range left {
		binary.LittleEndian.PutUint32(buf[8*i:], math.Float32bits(float32(left[i])))
		binary.LittleEndian.PutUint32(buf[8*i+4:], math.Float32bits(float32(right[i])))
	}
	return buf
}

func TestObservePCM(t *testing.T) {
	t.Parallel()

	src := noise(7, 1024)
	left := delayed(src, 2)

	t.Run("float arrays", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, fusion.DefaultConfig())
		st := e.start(t)

		var got SessionState
		rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/audio/pcm",
			PCMRequest{Left: left, Right: src, DeviceTransform: identity()}, &got)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotNil(t, got.DOA)
		assert.Equal(t, 2, got.DOA.Lag)
		assert.Greater(t, got.DOA.Angle, 0.0)
		assert.Greater(t, got.Position[0], 0.0)
		assert.Equal(t, 1, got.Stats.AudioAccepted)
	})

	t.Run("interleaved float32", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, fusion.DefaultConfig())
		st := e.start(t)

		var got SessionState
		rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/audio/pcm",
			PCMRequest{PCM: interleave(left, src), DeviceTransform: identity()}, &got)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotNil(t, got.DOA)
		assert.Equal(t, 2, got.DOA.Lag)
	})

	t.Run("geometry override", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, fusion.DefaultConfig())
		st := e.start(t)

		// Doubling the sample rate halves the delay the same lag represents.
		var got SessionState
		rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/audio/pcm",
			PCMRequest{Left: left, Right: src, SampleRate: 32000, DeviceTransform: identity()}, &got)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotNil(t, got.DOA)
		assert.InDelta(t, 2.0/32000, got.DOA.Delay, 1e-15)
	})
}

func TestObservePCMErrors(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	st := e.start(t)
	path := "/api/sessions/" + st.SessionID + "/audio/pcm"

	tests := []struct {
		name string
		req  PCMRequest
		want int
	}{
		{"empty", PCMRequest{DeviceTransform: identity()}, http.StatusBadRequest},
		{"both encodings", PCMRequest{Left: []float64{1}, Right: []float64{1}, PCM: make([]byte, 8), DeviceTransform: identity()}, http.StatusBadRequest},
		{"torn frame", PCMRequest{PCM: make([]byte, 12), DeviceTransform: identity()}, http.StatusBadRequest},
		{"negative rate", PCMRequest{Left: noise(1, 64), Right: noise(2, 64), SampleRate: -1, DeviceTransform: identity()}, http.StatusBadRequest},
		{"silence", PCMRequest{Left: make([]float64, 64), Right: make([]float64, 64), DeviceTransform: identity()}, http.StatusUnprocessableEntity},
		{"bad device pose", PCMRequest{Left: noise(1, 256), Right: noise(1, 256)}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.call(t, http.MethodPost, path, tt.req, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, errorMessage(t, rec))
		})
	}

	var got SessionState
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/api/sessions/"+st.SessionID+"/fused", nil, &got).Code)
	assert.Equal(t, 1, got.Stats.AudioRejected, "only the bad pose reached the filter")
}

func TestObservePCMWeakCorrelation(t *testing.T) {
	t.Parallel()

	cfg := fusion.DefaultConfig()
	cfg.MinConfidence = 0.5
	e := newTestEnv(t, cfg)
	st := e.start(t)
	path := "/api/sessions/" + st.SessionID + "/audio/pcm"

	// Independent noise on each channel has no dominant lag.
	rec := e.call(t, http.MethodPost, path, PCMRequest{Left: noise(3, 1024), Right: noise(4, 1024), DeviceTransform: identity()}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Contains(t, errorMessage(t, rec), "confidence")

	// A bad pose is still the caller's fault even when the audio is weak.
	rec = e.call(t, http.MethodPost, path, PCMRequest{Left: noise(3, 1024), Right: noise(4, 1024)}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	var got SessionState
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/api/sessions/"+st.SessionID+"/fused", nil, &got).Code)
	assert.Equal(t, 2, got.Stats.AudioRejected)
	assert.Zero(t, got.Stats.Predicts)
}

func TestWeakCorrelation(t *testing.T) {
	t.Parallel()

	pose := linalg.Identity4()
	bad := linalg.Identity4()
	bad[15] = 0

	tests := []struct {
		name string
		err  error
		obs  fusion.AudioObservation
		want bool
	}{
		{"below floor", fusion.ErrInvalidMeasurement, fusion.AudioObservation{Confidence: 0.2, DeviceTransform: pose}, true},
		{"zero", fusion.ErrInvalidMeasurement, fusion.AudioObservation{Confidence: 0, DeviceTransform: pose}, true},
		{"above floor", fusion.ErrInvalidMeasurement, fusion.AudioObservation{Confidence: 0.8, DeviceTransform: pose}, false},
		{"bad pose", fusion.ErrInvalidMeasurement, fusion.AudioObservation{Confidence: 0.2, DeviceTransform: bad}, false},
		{"singular", fusion.ErrSingularInnovationCovariance, fusion.AudioObservation{Confidence: 0.2, DeviceTransform: pose}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, weakCorrelation(tt.err, tt.obs, 0.5))
		})
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	st := e.start(t)
	base := "/api/sessions/" + st.SessionID

	singularCfg := fusion.DefaultConfig()
	singularCfg.SingularDetThreshold = 1e12
	singular := newTestEnv(t, singularCfg)
	sst := singular.start(t)

	tests := []struct {
		name   string
		env    *testEnv
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown session", e, http.MethodGet, "/api/sessions/nope/fused", nil, http.StatusNotFound},
		{"unknown session observe", e, http.MethodPost, "/api/sessions/nope/visual", VisualRequest{WorldTransform: identity(), Confidence: 1}, http.StatusNotFound},
		{"zero confidence", e, http.MethodPost, base + "/visual", VisualRequest{WorldTransform: identity(), Confidence: 0}, http.StatusBadRequest},
		{"confidence above one", e, http.MethodPost, base + "/audio", AudioRequest{Confidence: 1.5, DeviceTransform: identity()}, http.StatusBadRequest},
		{"malformed json", e, http.MethodPost, base + "/visual", `{"confidence":`, http.StatusBadRequest},
		{"unknown field", e, http.MethodPost, base + "/visual", `{"confidence": 1, "depth": 2}`, http.StatusBadRequest},
		{"missing body", e, http.MethodPost, base + "/audio", nil, http.StatusBadRequest},
		{"singular", singular, http.MethodPost, "/api/sessions/" + sst.SessionID + "/visual", VisualRequest{WorldTransform: identity(), Confidence: 1}, http.StatusUnprocessableEntity},
		{"wrong method visual", e, http.MethodGet, base + "/visual", nil, http.StatusMethodNotAllowed},
		{"wrong method fused", e, http.MethodPost, base + "/fused", nil, http.StatusMethodNotAllowed},
		{"wrong method sessions", e, http.MethodPut, "/api/sessions", nil, http.StatusMethodNotAllowed},
		{"wrong method session", e, http.MethodPost, base, nil, http.StatusMethodNotAllowed},
		{"wrong method anchors", e, http.MethodPost, "/api/anchors", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.env.call(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, errorMessage(t, rec))
		})
	}

	// Rejections never move the caption.
	var got SessionState
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, base+"/fused", nil, &got).Code)
	assert.Equal(t, [3]float64{0, 0, 2}, got.Position)
	assert.Equal(t, 1, got.Stats.VisualRejected)
	assert.Equal(t, 1, got.Stats.AudioRejected)
}

// ---------------------------------------------------------------------------
// Recordings and charts
// ---------------------------------------------------------------------------

func TestRecordingsAndChart(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	st := e.start(t)

	for i := 0; i < 5; i++ {
		e.clock.Advance(50 * time.Millisecond)
		rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/visual",
			VisualRequest{WorldTransform: translation(0.5, 0, 1.5), Confidence: 0.9}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/audio",
		AudioRequest{Angle: 0.3, Confidence: 0.7, DeviceTransform: identity()}, nil)

	var recordings []db.SessionInfo
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/api/recordings", nil, &recordings).Code)
	require.Len(t, recordings, 1)
	assert.Equal(t, 6, recordings[0].Measurements)
	assert.Equal(t, 6, recordings[0].Estimates)

	rec := e.call(t, http.MethodGet, "/debug/sessions/"+st.SessionID+"/chart", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "Session "+st.SessionID)

	rec = e.call(t, http.MethodGet, "/debug/sessions/unknown/chart", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.call(t, http.MethodDelete, "/api/recordings/"+st.SessionID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.call(t, http.MethodDelete, "/api/recordings/"+st.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.call(t, http.MethodGet, "/api/recordings/"+st.SessionID, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerWithoutStore(t *testing.T) {
	t.Parallel()
	manager := fusion.NewManager(fusion.DefaultConfig(), fusion.SessionDeps{Clock: timeutil.NewMockClock(testEpoch)})
	handler := NewServer(manager, Options{}).ServeMux()

	for _, path := range []string{"/api/recordings", "/debug/sessions/x/chart"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/anchors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestNewServerDefaultsDOAParams(t *testing.T) {
	t.Parallel()
	manager := fusion.NewManager(fusion.DefaultConfig(), fusion.SessionDeps{})
	assert.Equal(t, doa.DefaultParams(), NewServer(manager, Options{}).doa)

	custom := doa.Params{MicDistance: 0.15, SoundSpeed: 343, SampleRate: 48000}
	assert.Equal(t, custom, NewServer(manager, Options{DOA: custom}).doa)
}

// ---------------------------------------------------------------------------
// Middleware and version
// ---------------------------------------------------------------------------

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestStatusCodeColor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"422"+colorReset, statusCodeColor(422))
	assert.Equal(t, colorBoldRed+"500"+colorReset, statusCodeColor(500))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestShowVersion(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())

	rec := e.call(t, http.MethodGet, "/api/version", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"version"`))

	rec = e.call(t, http.MethodPost, "/api/version", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

// readEvent reads one SSE message, skipping comments.
func readEvent(t *testing.T, rd *bufio.Reader) (name string, state SessionState) {
	t.Helper()
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "" && name != "":
			return name, state
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &state))
		}
	}
}

func TestSessionEvents(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, fusion.DefaultConfig())
	ts := httptest.NewServer(e.handler)
	defer ts.Close()
	defer e.server.Close()

	st := e.start(t)
	resp, err := ts.Client().Get(ts.URL + "/api/sessions/" + st.SessionID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	rd := bufio.NewReader(resp.Body)

	name, got := readEvent(t, rd)
	assert.Equal(t, "state", name)
	assert.Equal(t, st.SessionID, got.SessionID)

	rec := e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/visual",
		VisualRequest{WorldTransform: translation(0.5, 0, 1.5), Confidence: 0.9}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	name, got = readEvent(t, rd)
	assert.Equal(t, "update", name)
	assert.Equal(t, 1, got.Stats.VisualAccepted)

	// Rejected measurements do not produce an update.
	rec = e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/visual",
		VisualRequest{WorldTransform: identity(), Confidence: 0}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/predict", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	name, got = readEvent(t, rd)
	assert.Equal(t, "update", name)
	assert.Equal(t, 1, got.Stats.VisualRejected)

	rec = e.call(t, http.MethodDelete, "/api/sessions/"+st.SessionID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	name, got = readEvent(t, rd)
	assert.Equal(t, "end", name)
	assert.Equal(t, st.SessionID, got.SessionID)

	_, err = rd.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)

	rec = e.call(t, http.MethodGet, "/api/sessions/"+st.SessionID+"/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.call(t, http.MethodPost, "/api/sessions/"+st.SessionID+"/events", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
