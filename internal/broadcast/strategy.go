package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/vicinity/internal/profile"
)

// Strategy merges a locally pending payload with a near-simultaneous remote
// payload of the same message type. Conflicts are not errors here; they are
// expected whenever two instances mutate the same state within one sync
// window, and every registered type resolves them deterministically.
type Strategy interface {
	// Name identifies the strategy in ConflictResolution envelopes.
	Name() string
	// Resolve merges local and remote payloads into one.
	Resolve(local, remote json.RawMessage) (json.RawMessage, error)
}

// LocationStrategy resolves duelling location updates by preferring the one
// with the later timestamp.
type LocationStrategy struct{}

// Name implements Strategy.
func (LocationStrategy) Name() string { return "location_latest_wins" }

// Resolve implements Strategy.
func (LocationStrategy) Resolve(local, remote json.RawMessage) (json.RawMessage, error) {
	var l, r LocationUpdate
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("decoding local location update: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("decoding remote location update: %w", err)
	}

	winner := l
	if r.Timestamp.After(l.Timestamp) {
		winner = r
	}
	return json.Marshal(winner)
}

// PresenceStrategy resolves duelling presence updates: online beats any other
// status, and the last-update timestamp is the max of both sides.
type PresenceStrategy struct{}

// Name implements Strategy.
func (PresenceStrategy) Name() string { return "presence_online_wins" }

// Resolve implements Strategy.
func (PresenceStrategy) Resolve(local, remote json.RawMessage) (json.RawMessage, error) {
	var l, r PresenceUpdate
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("decoding local presence update: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("decoding remote presence update: %w", err)
	}

	merged := l
	if r.LastUpdate.After(l.LastUpdate) {
		merged = r
	}
	if l.Status == "online" || r.Status == "online" {
		merged.Status = "online"
	}
	merged.LastUpdate = maxTime(l.LastUpdate, r.LastUpdate)
	return json.Marshal(merged)
}

// CacheStrategy resolves duelling cache updates by unioning entities by ID
// with the most recently updated copy winning, and taking the max timestamp.
// Non-set actions defer to whichever side is newer.
type CacheStrategy struct{}

// Name implements Strategy.
func (CacheStrategy) Name() string { return "cache_union_by_id" }

// Resolve implements Strategy.
func (CacheStrategy) Resolve(local, remote json.RawMessage) (json.RawMessage, error) {
	var l, r CacheUpdate
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("decoding local cache update: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("decoding remote cache update: %w", err)
	}

	if l.Action != CacheActionSet || r.Action != CacheActionSet || l.Entry == nil || r.Entry == nil {
		winner := l
		if r.Timestamp.After(l.Timestamp) {
			winner = r
		}
		return json.Marshal(winner)
	}

	merged := l
	if r.Timestamp.After(l.Timestamp) {
		merged = r
	}

	entry := *merged.Entry
	entry.Entities = mergeEntities(l.Entry.Entities, r.Entry.Entities)
	entry.Timestamp = maxTime(l.Entry.Timestamp, r.Entry.Timestamp)
	merged.Entry = &entry
	merged.Timestamp = maxTime(l.Timestamp, r.Timestamp)
	return json.Marshal(merged)
}

// mergeEntities unions two profile sets by ID, keeping the copy with the
// later updated_at for duplicates.
func mergeEntities(a, b []profile.Profile) []profile.Profile {
	return profile.MergeByID(a, b)
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
