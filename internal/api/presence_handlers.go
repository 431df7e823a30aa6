package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/vicinity/internal/middleware"
	"github.com/onnwee/vicinity/internal/presence"
)

// ProfileIDHeader carries the caller's profile identity. Session validation
// happens upstream at the gateway; by the time a request lands here the
// header is trusted.
const ProfileIDHeader = "X-Profile-ID"

// ControllerFactory builds a presence controller for a profile's session.
type ControllerFactory func(profileID string) *presence.Controller

// session pairs a controller with its last request time, for eviction.
type session struct {
	controller *presence.Controller
	lastTouch  time.Time
}

// PresenceHandlers owns one presence controller per active profile session
// and exposes the mutation endpoints over it. Sessions untouched for the
// TTL are closed and evicted, so abandoned sessions do not hold their
// timers forever.
type PresenceHandlers struct {
	factory ControllerFactory
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewPresenceHandlers creates the presence endpoints. sessionTTL bounds how
// long an untouched session lives; non-positive falls back to the presence
// heartbeat window.
func NewPresenceHandlers(factory ControllerFactory, sessionTTL time.Duration, logger *slog.Logger) *PresenceHandlers {
	if sessionTTL <= 0 {
		sessionTTL = presence.DefaultHeartbeatWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceHandlers{
		factory:  factory,
		ttl:      sessionTTL,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// controllerFor returns the session controller for a profile, creating it on
// first use. Every access counts as a touch for eviction purposes.
func (h *PresenceHandlers) controllerFor(profileID string) *presence.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[profileID]; ok {
		s.lastTouch = h.now()
		return s.controller
	}
	s := &session{controller: h.factory(profileID), lastTouch: h.now()}
	h.sessions[profileID] = s
	return s.controller
}

// Run sweeps idle sessions until the context is cancelled.
func (h *PresenceHandlers) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.sweepIdle(ctx)
		}
	}
}

// sweepIdle closes and evicts sessions untouched for longer than the TTL.
func (h *PresenceHandlers) sweepIdle(ctx context.Context) {
	now := h.now()

	h.mu.Lock()
	var idle []*session
	for id, s := range h.sessions {
		if now.Sub(s.lastTouch) > h.ttl {
			idle = append(idle, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, s := range idle {
		closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		s.controller.Close(closeCtx)
		cancel()
	}
	if len(idle) > 0 {
		h.logger.Debug("evicted idle presence sessions", slog.Int("count", len(idle)))
	}
}

// CloseAll flushes offline state for every active session, for shutdown.
func (h *PresenceHandlers) CloseAll(ctx context.Context) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.controller.Close(ctx)
	}
}

// requireProfile extracts the profile ID or writes a 401.
func (h *PresenceHandlers) requireProfile(w http.ResponseWriter, r *http.Request) (string, bool) {
	profileID := r.Header.Get(ProfileIDHeader)
	if profileID == "" {
		profileID = middleware.GetProfileID(r.Context())
	}
	if profileID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeMissingProfile)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeMissingProfile, "Profile identity required")
		return "", false
	}
	return profileID, true
}

// State handles GET /presence.
func (h *PresenceHandlers) State(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	profileID, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	state := h.controllerFor(profileID).State()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		h.logger.Error("failed to encode presence state", "error", err)
	}
}

// Activity handles POST /presence/activity: a raw user-activity ping.
func (h *PresenceHandlers) Activity(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.requirePost(w, r)
	if !ok {
		return
	}

	var body struct {
		Activity string `json:"activity,omitempty"`
		Visible  *bool  `json:"visible,omitempty"`
	}
	if r.Body != nil {
		// An empty body is a plain activity ping.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	c := h.controllerFor(profileID)
	switch {
	case body.Visible != nil:
		c.SetVisible(*body.Visible)
	case body.Activity != "":
		c.SetActivity(presence.Activity(body.Activity))
	default:
		c.RecordActivity()
	}

	h.writeState(w, c)
}

// Typing handles POST /presence/typing.
func (h *PresenceHandlers) Typing(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.requirePost(w, r)
	if !ok {
		return
	}

	var body struct {
		ConversationID string `json:"conversation_id"`
		Typing         bool   `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ConversationID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "conversation_id is required")
		return
	}

	c := h.controllerFor(profileID)
	c.SetTyping(body.ConversationID, body.Typing)
	h.writeState(w, c)
}

// CustomStatus handles POST /presence/status. A null body clears the status.
func (h *PresenceHandlers) CustomStatus(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.requirePost(w, r)
	if !ok {
		return
	}

	var body *presence.CustomStatus
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "malformed custom status")
		return
	}

	c := h.controllerFor(profileID)
	c.SetCustomStatus(body)
	h.writeState(w, c)
}

// Schedule handles POST /presence/schedule.
func (h *PresenceHandlers) Schedule(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.requirePost(w, r)
	if !ok {
		return
	}

	var body struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.End.After(body.Start) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "start must precede end")
		return
	}

	c := h.controllerFor(profileID)
	c.SetAvailabilitySchedule(body.Start, body.End)
	h.writeState(w, c)
}

// Disconnect handles POST /presence/disconnect: an explicit session end.
func (h *PresenceHandlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.requirePost(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	s, exists := h.sessions[profileID]
	delete(h.sessions, profileID)
	h.mu.Unlock()

	if exists {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		s.controller.Close(ctx)
		cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandlers) requirePost(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return "", false
	}
	return h.requireProfile(w, r)
}

func (h *PresenceHandlers) writeState(w http.ResponseWriter, c *presence.Controller) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.State()); err != nil {
		h.logger.Error("failed to encode presence state", "error", err)
	}
}
