package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/craigm26/LiveCaptionsXR/internal/anchor"
	"github.com/craigm26/LiveCaptionsXR/internal/db"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/httputil"
	"github.com/craigm26/LiveCaptionsXR/internal/version"
)

// Client is a typed client for the bridge. Status errors are mapped back
// to the fusion sentinels so callers can use errors.Is on either side of
// the wire.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
}

// NewClient creates a client for the bridge at baseURL. A nil HTTPClient
// uses http.DefaultClient.
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

func (c *Client) sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	err := httputil.DoJSON(ctx, c.http, method, c.baseURL+path, in, out)
	var se *httputil.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.StatusCode {
	case http.StatusNotFound:
		if strings.HasPrefix(path, "/api/sessions/") {
			return fmt.Errorf("%w: %w", fusion.ErrSessionNotFound, se)
		}
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", fusion.ErrInvalidMeasurement, se)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", fusion.ErrSingularInnovationCovariance, se)
	}
	return err
}

// StartSession creates a session. label is stored with the recording.
func (c *Client) StartSession(ctx context.Context, label string) (SessionState, error) {
	var out SessionState
	var in interface{}
	if label != "" {
		in = StartRequest{Label: label}
	}
	err := c.do(ctx, http.MethodPost, "/api/sessions", in, &out)
	return out, err
}

// ListSessions returns the active sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionState, error) {
	var out []SessionState
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// EndSession ends a session and removes its caption anchor.
func (c *Client) EndSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.sessionPath(id, ""), nil, nil)
}

// Predict advances the session's filter to now without a measurement.
func (c *Client) Predict(ctx context.Context, id string) (SessionState, error) {
	var out SessionState
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "/predict"), nil, &out)
	return out, err
}

// ObserveAudio sends a device-side bearing estimate.
func (c *Client) ObserveAudio(ctx context.Context, id string, req AudioRequest) (SessionState, error) {
	var out SessionState
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "/audio"), req, &out)
	return out, err
}

// ObservePCM sends stereo samples for server-side GCC-PHAT.
func (c *Client) ObservePCM(ctx context.Context, id string, req PCMRequest) (SessionState, error) {
	var out SessionState
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "/audio/pcm"), req, &out)
	return out, err
}

// ObserveVisual sends a visual detection.
func (c *Client) ObserveVisual(ctx context.Context, id string, req VisualRequest) (SessionState, error) {
	var out SessionState
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "/visual"), req, &out)
	return out, err
}

// Fused returns the session's current caption pose.
func (c *Client) Fused(ctx context.Context, id string) (SessionState, error) {
	var out SessionState
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, "/fused"), nil, &out)
	return out, err
}

// Anchors lists the placed caption anchors.
func (c *Client) Anchors(ctx context.Context) ([]anchor.Anchor, error) {
	var out []anchor.Anchor
	err := c.do(ctx, http.MethodGet, "/api/anchors", nil, &out)
	return out, err
}

// Recordings lists the recorded sessions.
func (c *Client) Recordings(ctx context.Context) ([]db.SessionInfo, error) {
	var out []db.SessionInfo
	err := c.do(ctx, http.MethodGet, "/api/recordings", nil, &out)
	return out, err
}

// Version returns the server's build metadata.
func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var out version.Info
	err := c.do(ctx, http.MethodGet, "/api/version", nil, &out)
	return out, err
}
