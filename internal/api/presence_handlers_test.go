package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/vicinity/internal/presence"
)

func newPresenceTestHandlers(t *testing.T) *PresenceHandlers {
	t.Helper()
	h := NewPresenceHandlers(func(profileID string) *presence.Controller {
		return presence.NewController(presence.Options{ProfileID: profileID})
	}, time.Minute, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.CloseAll(ctx)
	})
	return h
}

func presencePost(h http.HandlerFunc, path, profileID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if profileID != "" {
		req.Header.Set(ProfileIDHeader, profileID)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestPresenceRequiresProfileIdentity(t *testing.T) {
	h := newPresenceTestHandlers(t)

	rec := presencePost(h.Activity, "/presence/activity", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("error body is not valid JSON: %v", err)
	}
	if errResp.Error.Code != ErrCodeMissingProfile {
		t.Errorf("error code = %q, want %q", errResp.Error.Code, ErrCodeMissingProfile)
	}
}

func TestPresenceActivityPing(t *testing.T) {
	h := newPresenceTestHandlers(t)

	rec := presencePost(h.Activity, "/presence/activity", "profile-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var state presence.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("state is not valid JSON: %v", err)
	}
	if state.Status != presence.StatusOnline {
		t.Errorf("status = %q, want online", state.Status)
	}
	if state.ProfileID != "profile-1" {
		t.Errorf("profile_id = %q, want profile-1", state.ProfileID)
	}
}

func TestPresenceActivityTransition(t *testing.T) {
	h := newPresenceTestHandlers(t)

	rec := presencePost(h.Activity, "/presence/activity", "profile-1", `{"activity":"chatting"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var state presence.State
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Activity != presence.ActivityChatting {
		t.Errorf("activity = %q, want chatting", state.Activity)
	}

	// Visibility loss demotes the same session.
	rec = presencePost(h.Activity, "/presence/activity", "profile-1", `{"visible":false}`)
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Status != presence.StatusAway {
		t.Errorf("status = %q, want away after losing visibility", state.Status)
	}
}

func TestPresenceTyping(t *testing.T) {
	h := newPresenceTestHandlers(t)

	rec := presencePost(h.Typing, "/presence/typing", "profile-1", `{"conversation_id":"conv-1","typing":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var state presence.State
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.TypingIn != "conv-1" {
		t.Errorf("typing_in = %q, want conv-1", state.TypingIn)
	}

	rec = presencePost(h.Typing, "/presence/typing", "profile-1", `{"typing":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing conversation_id status = %d, want 400", rec.Code)
	}
}

func TestPresenceCustomStatus(t *testing.T) {
	h := newPresenceTestHandlers(t)

	rec := presencePost(h.CustomStatus, "/presence/status", "profile-1", `{"message":"brb"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var state presence.State
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.CustomStatus == nil || state.CustomStatus.Message != "brb" {
		t.Errorf("custom_status = %+v, want message brb", state.CustomStatus)
	}

	// null clears it.
	rec = presencePost(h.CustomStatus, "/presence/status", "profile-1", `null`)
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.CustomStatus != nil {
		t.Errorf("custom_status = %+v, want cleared", state.CustomStatus)
	}
}

func TestPresenceScheduleValidation(t *testing.T) {
	h := newPresenceTestHandlers(t)

	rec := presencePost(h.Schedule, "/presence/schedule", "profile-1",
		`{"start":"2026-08-28T12:00:00Z","end":"2026-08-28T11:00:00Z"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted window status = %d, want 400", rec.Code)
	}

	rec = presencePost(h.Schedule, "/presence/schedule", "profile-1",
		`{"start":"2026-08-28T12:00:00Z","end":"2026-08-28T13:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("valid window status = %d, want 200", rec.Code)
	}
}

func TestPresenceDisconnect(t *testing.T) {
	h := newPresenceTestHandlers(t)

	presencePost(h.Activity, "/presence/activity", "profile-1", "")
	rec := presencePost(h.Disconnect, "/presence/disconnect", "profile-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	// A new request after disconnect starts a fresh session.
	rec = presencePost(h.Activity, "/presence/activity", "profile-1", "")
	var state presence.State
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Status != presence.StatusOnline {
		t.Errorf("status = %q, want a fresh online session", state.Status)
	}
}

func TestPresenceIdleSessionsEvicted(t *testing.T) {
	h := newPresenceTestHandlers(t)

	presencePost(h.Activity, "/presence/activity", "profile-1", "")
	c := h.controllerFor("profile-1")

	base := time.Now()
	h.now = func() time.Time { return base.Add(2 * time.Minute) }
	h.sweepIdle(context.Background())

	h.mu.Lock()
	remaining := len(h.sessions)
	h.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("sessions after sweep = %d, want 0", remaining)
	}
	if got := c.State().Status; got != presence.StatusOffline {
		t.Errorf("evicted controller status = %q, want offline", got)
	}

	// The next request starts a fresh session.
	rec := presencePost(h.Activity, "/presence/activity", "profile-1", "")
	var state presence.State
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Status != presence.StatusOnline {
		t.Errorf("status = %q, want a fresh online session", state.Status)
	}
}

func TestPresenceActiveSessionsSurviveSweep(t *testing.T) {
	h := newPresenceTestHandlers(t)

	presencePost(h.Activity, "/presence/activity", "profile-1", "")
	h.sweepIdle(context.Background())

	h.mu.Lock()
	remaining := len(h.sessions)
	h.mu.Unlock()
	if remaining != 1 {
		t.Errorf("sessions after sweep = %d, want the fresh session kept", remaining)
	}
}

func TestPresenceStateEndpoint(t *testing.T) {
	h := newPresenceTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/presence", nil)
	req.Header.Set(ProfileIDHeader, "profile-2")
	rec := httptest.NewRecorder()
	h.State(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var state presence.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("state is not valid JSON: %v", err)
	}
	if state.Activity != presence.ActivityBrowsing {
		t.Errorf("activity = %q, want browsing", state.Activity)
	}
}
