package presence

import (
	"sync"
	"time"

	"github.com/onnwee/vicinity/internal/broadcast"
)

// Tracker keeps a local view of when each peer was last heard from, fed by
// presence updates arriving over the broadcast bus. Consumers use it to
// decide whether a peer's presence is recent enough to count as live.
type Tracker struct {
	now func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	statuses map[string]Status
}

// NewTracker creates an empty tracker. now may be nil.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:      now,
		lastSeen: make(map[string]time.Time),
		statuses: make(map[string]Status),
	}
}

// Bind subscribes the tracker to presence updates on the coordinator, and to
// the peer sync batches the master instance relays from the backend.
func (t *Tracker) Bind(coord *broadcast.Coordinator) {
	coord.Handle(broadcast.TypePresenceUpdate, func(env broadcast.Envelope, payload any) {
		update, ok := payload.(broadcast.PresenceUpdate)
		if !ok {
			return
		}
		t.Observe(update.ProfileID, Status(update.Status), env.Timestamp)
	})
	coord.Handle(broadcast.TypePeerSync, func(env broadcast.Envelope, payload any) {
		sync, ok := payload.(broadcast.PeerSync)
		if !ok {
			return
		}
		t.observeSync(sync)
	})
}

// observeSync folds a peer sync batch into the tracker. Profiles without a
// recorded sighting are skipped rather than observed at the zero time.
func (t *Tracker) observeSync(sync broadcast.PeerSync) {
	for _, p := range sync.Profiles {
		if p.LastSeenAt.IsZero() {
			continue
		}
		t.Observe(p.ID, Status(p.Status), p.LastSeenAt)
	}
}

// Observe records a presence sighting for a profile. Out-of-order sightings
// never move the timestamp backwards.
func (t *Tracker) Observe(profileID string, status Status, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.lastSeen[profileID]; ok && at.Before(prev) {
		return
	}
	t.lastSeen[profileID] = at
	t.statuses[profileID] = status
}

// LastHeartbeat returns when the profile was last observed.
func (t *Tracker) LastHeartbeat(profileID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.lastSeen[profileID]
	return at, ok
}

// Alive reports whether the profile was observed within the window and its
// last known status was not offline.
func (t *Tracker) Alive(profileID string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.lastSeen[profileID]
	if !ok {
		return false
	}
	if t.statuses[profileID] == StatusOffline {
		return false
	}
	return t.now().Sub(at) <= window
}

// Forget drops a profile from the tracker.
func (t *Tracker) Forget(profileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, profileID)
	delete(t.statuses, profileID)
}
