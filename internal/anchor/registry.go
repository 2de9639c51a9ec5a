// Package anchor keeps the world-space caption anchors placed for active
// localization sessions. Registry stands in for the AR layer's anchor
// store and implements fusion.AnchorPlacer.
package anchor

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craigm26/LiveCaptionsXR/internal/fusion/linalg"
	"github.com/craigm26/LiveCaptionsXR/internal/monitoring"
	"github.com/craigm26/LiveCaptionsXR/internal/timeutil"
)

var logf = monitoring.Component("anchor")

// ErrAnchorNotFound is returned for an unknown or expired anchor ID.
var ErrAnchorNotFound = errors.New("anchor not found")

// Anchor is a caption bubble's placement in world space.
type Anchor struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Transform linalg.Mat4 `json:"transform"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Registry is a concurrency-safe in-memory anchor store.
type Registry struct {
	clock timeutil.Clock

	// CaptionDuration is how long an anchor may go without a move before
	// Expire drops it. Zero disables expiry.
	CaptionDuration time.Duration

	mu      sync.RWMutex
	anchors map[string]*Anchor
}

// NewRegistry creates an empty registry. A nil clock uses RealClock.
func NewRegistry(clock timeutil.Clock, captionDuration time.Duration) *Registry {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Registry{
		clock:           clock,
		CaptionDuration: captionDuration,
		anchors:         make(map[string]*Anchor),
	}
}

// PlaceCaption creates a new anchor for a session and returns its ID.
func (r *Registry) PlaceCaption(sessionID string, t linalg.Mat4) (string, error) {
	now := r.clock.Now()
	a := &Anchor{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Transform: t,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.anchors[a.ID] = a
	r.mu.Unlock()
	return a.ID, nil
}

// MoveCaption replaces an anchor's transform.
func (r *Registry) MoveCaption(anchorID string, t linalg.Mat4) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.anchors[anchorID]
	if !ok {
		return ErrAnchorNotFound
	}
	a.Transform = t
	a.UpdatedAt = r.clock.Now()
	return nil
}

// RemoveCaption deletes an anchor.
func (r *Registry) RemoveCaption(anchorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anchors[anchorID]; !ok {
		return ErrAnchorNotFound
	}
	delete(r.anchors, anchorID)
	return nil
}

// Get returns a copy of the anchor.
func (r *Registry) Get(anchorID string) (Anchor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[anchorID]
	if !ok {
		return Anchor{}, ErrAnchorNotFound
	}
	return *a, nil
}

// List returns copies of all anchors, oldest first.
func (r *Registry) List() []Anchor {
	r.mu.RLock()
	out := make([]Anchor, 0, len(r.anchors))
	for _, a := range r.anchors {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Clear removes every anchor.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.anchors = make(map[string]*Anchor)
	r.mu.Unlock()
}

// Expire drops anchors not moved within CaptionDuration of now and returns
// how many were removed.
func (r *Registry) Expire(now time.Time) int {
	if r.CaptionDuration <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, a := range r.anchors {
		if now.Sub(a.UpdatedAt) > r.CaptionDuration {
			delete(r.anchors, id)
			removed++
			logf("expired anchor %s (session %s)", id, a.SessionID)
		}
	}
	return removed
}
