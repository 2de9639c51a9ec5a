// Package api is the typed HTTP/JSON bridge between the AR client and the
// localization sessions. The client streams audio bearings (or raw stereo
// PCM), visual detections and predict ticks; the bridge answers with the
// caption pose.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/craigm26/LiveCaptionsXR/internal/anchor"
	"github.com/craigm26/LiveCaptionsXR/internal/db"
	"github.com/craigm26/LiveCaptionsXR/internal/doa"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/httputil"
	"github.com/craigm26/LiveCaptionsXR/internal/monitoring"
	"github.com/craigm26/LiveCaptionsXR/internal/stream"
	"github.com/craigm26/LiveCaptionsXR/internal/version"
)

var logf = monitoring.Component("api")

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options are the optional collaborators of a Server.
type Options struct {
	Anchors *anchor.Registry // Serves GET /api/anchors when set
	Store   *db.DB           // Serves recordings and charts when set
	DOA     doa.Params       // Geometry defaults for PCM uploads; zero uses doa.DefaultParams
}

type Server struct {
	manager *fusion.Manager
	anchors *anchor.Registry
	store   *db.DB
	doa     doa.Params
	events  *stream.Hub
}

func NewServer(manager *fusion.Manager, opts Options) *Server {
	params := opts.DOA
	if params == (doa.Params{}) {
		params = doa.DefaultParams()
	}
	return &Server{
		manager: manager,
		anchors: opts.Anchors,
		store:   opts.Store,
		doa:     params,
		events:  stream.NewHub(),
	}
}

// Close disconnects every event stream subscriber.
func (s *Server) Close() {
	s.events.Close()
}

// publish sends the session state to its event stream subscribers.
func (s *Server) publish(name string, state SessionState) {
	data, err := json.Marshal(state)
	if err != nil {
		logf("session %s: failed to encode %s event: %v", state.SessionID, name, err)
		return
	}
	s.events.Publish(state.SessionID, stream.Event{Name: name, Data: data})
}

// respond writes the session state and fans it out as an update event.
func (s *Server) respond(w http.ResponseWriter, state SessionState) {
	s.publish("update", state)
	httputil.WriteJSONOK(w, state)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.URL.Path, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/{id}", s.handleSession)
	mux.HandleFunc("/api/sessions/{id}/predict", s.predict)
	mux.HandleFunc("/api/sessions/{id}/audio", s.observeAudio)
	mux.HandleFunc("/api/sessions/{id}/audio/pcm", s.observePCM)
	mux.HandleFunc("/api/sessions/{id}/visual", s.observeVisual)
	mux.HandleFunc("/api/sessions/{id}/fused", s.showFused)
	mux.HandleFunc("/api/sessions/{id}/events", s.streamEvents)
	mux.HandleFunc("/api/anchors", s.listAnchors)
	mux.HandleFunc("/api/recordings", s.listRecordings)
	mux.HandleFunc("/api/recordings/{id}", s.deleteRecording)
	mux.HandleFunc("/debug/sessions/{id}/chart", s.sessionChart)
	return mux
}

// writeError maps fusion and doa errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fusion.ErrSessionNotFound), errors.Is(err, db.ErrSessionNotRecorded):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, fusion.ErrInvalidMeasurement),
		errors.Is(err, doa.ErrEmptyInput),
		errors.Is(err, doa.ErrInvalidParams),
		errors.Is(err, doa.ErrMalformedPCM):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, fusion.ErrSingularInnovationCovariance), errors.Is(err, doa.ErrNoSignal):
		httputil.UnprocessableEntity(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*fusion.Session, bool) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := s.manager.List()
		out := make([]SessionState, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, sessionState(sess))
		}
		httputil.WriteJSONOK(w, out)

	case http.MethodPost:
		var req StartRequest
		if r.ContentLength != 0 {
			if err := httputil.DecodeJSON(r, &req); err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
		}
		sess := s.manager.Start()
		if req.Label != "" && s.store != nil {
			if err := s.store.SetSessionLabel(r.Context(), sess.ID(), req.Label); err != nil {
				logf("session %s: failed to label recording: %v", sess.ID(), err)
			}
		}
		httputil.WriteJSON(w, http.StatusCreated, sessionState(sess))

	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		httputil.WriteJSONOK(w, sessionState(sess))

	case http.MethodDelete:
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		final := sessionState(sess)
		if err := s.manager.End(sess.ID()); err != nil {
			writeError(w, err)
			return
		}
		s.publish("end", final)
		s.events.CloseTopic(sess.ID())
		w.WriteHeader(http.StatusNoContent)

	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Tick()
	s.respond(w, sessionState(sess))
}

func (s *Server) observeAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req AudioRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	err := sess.ObserveAudio(fusion.AudioObservation{
		Angle:           req.Angle,
		Confidence:      req.Confidence,
		DeviceTransform: toMat4(req.DeviceTransform, req.ColumnMajor),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.respond(w, sessionState(sess))
}

func (s *Server) observePCM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req PCMRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	left, right := req.Left, req.Right
	if len(req.PCM) > 0 {
		if len(left) > 0 || len(right) > 0 {
			httputil.BadRequest(w, "set either left/right or pcm_f32le, not both")
			return
		}
		var err error
		if left, right, err = doa.DeinterleaveFloat32LE(req.PCM); err != nil {
			writeError(w, err)
			return
		}
	}

	params := s.doa
	if req.SampleRate != 0 {
		params.SampleRate = req.SampleRate
	}
	if req.MicDistance != 0 {
		params.MicDistance = req.MicDistance
	}
	if req.SoundSpeed != 0 {
		params.SoundSpeed = req.SoundSpeed
	}

	res, err := doa.Estimate(left, right, params)
	if err != nil {
		writeError(w, err)
		return
	}
	obs := fusion.AudioObservation{
		Angle:           res.Angle,
		Confidence:      res.Confidence,
		DeviceTransform: toMat4(req.DeviceTransform, req.ColumnMajor),
	}
	if err = sess.ObserveAudio(obs); err != nil {
		if weakCorrelation(err, obs, s.manager.Config().MinConfidence) {
			// The request was well formed; the channels just did not agree.
			httputil.UnprocessableEntity(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	state := sessionState(sess)
	state.DOA = &res
	s.respond(w, state)
}

// weakCorrelation reports whether err rejected a PCM-derived observation only
// because its correlation confidence fell under the floor.
func weakCorrelation(err error, obs fusion.AudioObservation, floor float64) bool {
	if !errors.Is(err, fusion.ErrInvalidMeasurement) || !obs.DeviceTransform.IsAffine() {
		return false
	}
	return obs.Confidence <= 0 || obs.Confidence < floor
}

func (s *Server) observeVisual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req VisualRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	err := sess.ObserveVisual(fusion.VisualObservation{
		WorldTransform: toMat4(req.WorldTransform, req.ColumnMajor),
		Confidence:     req.Confidence,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.respond(w, sessionState(sess))
}

func (s *Server) showFused(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, sessionState(sess))
}

// streamEvents serves the session's updates as Server-Sent Events. The
// current state is sent first as a "state" event; an "end" event is the last
// one before the stream closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	data, err := json.Marshal(sessionState(sess))
	if err != nil {
		writeError(w, err)
		return
	}
	s.events.Serve(w, r, sess.ID(), &stream.Event{Name: "state", Data: data})
}

func (s *Server) listAnchors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.anchors == nil {
		httputil.WriteJSONOK(w, []anchor.Anchor{})
		return
	}
	httputil.WriteJSONOK(w, s.anchors.List())
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []db.SessionInfo{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) deleteRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
