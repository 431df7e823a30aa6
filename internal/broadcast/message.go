// Package broadcast provides the cross-instance message bus that keeps
// multiple running instances of the service convergent: cache mutations,
// presence changes, and location updates are published once and mirrored
// everywhere instead of each instance writing to the backend redundantly.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/profile"
)

// MessageType identifies the payload schema carried by an envelope.
type MessageType string

// Message types understood by the coordinator.
const (
	TypeCacheUpdate        MessageType = "cache_update"
	TypePresenceUpdate     MessageType = "presence_update"
	TypeLocationUpdate     MessageType = "location_update"
	TypePeerSync           MessageType = "peer_sync"
	TypeMasterCheck        MessageType = "master_check"
	TypeConflictResolution MessageType = "conflict_resolution"
)

// Envelope decode errors.
var (
	ErrUnknownMessageType = errors.New("unknown broadcast message type")
	ErrEmptyPayload       = errors.New("broadcast message has no payload")
)

// Envelope is the wire frame around every broadcast payload. Version is a
// per-type counter that increases strictly monotonically per sender, which is
// the only cross-instance ordering guarantee the bus provides.
type Envelope struct {
	Type       MessageType     `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	InstanceID string          `json:"instance_id"`
	Version    uint64          `json:"version"`
	Resolution *Resolution     `json:"resolution,omitempty"`
}

// Resolution describes how a conflict-resolved message was merged.
type Resolution struct {
	Strategy string `json:"strategy"`
	Priority int    `json:"priority"`
}

// CacheAction is the mutation kind carried by a CacheUpdate.
type CacheAction string

// Cache mutation actions.
const (
	CacheActionSet    CacheAction = "set"
	CacheActionDelete CacheAction = "delete"
	CacheActionClear  CacheAction = "clear"
)

// CacheEntry is the wire copy of a location-cache entry. The cache owns its
// in-memory entries exclusively; peers only ever see serialized copies.
type CacheEntry struct {
	Key       string            `json:"key"`
	Center    geo.Point         `json:"center"`
	RadiusM   float64           `json:"radius_m"`
	Timestamp time.Time         `json:"timestamp"`
	Entities  []profile.Profile `json:"entities"`
	Bounds    geo.Bounds        `json:"bounds"`
	HitCount  int64             `json:"hit_count"`
	Zoom      int               `json:"zoom,omitempty"`
}

// CacheUpdate mirrors one cache mutation to sibling instances.
type CacheUpdate struct {
	Action    CacheAction `json:"action"`
	Key       string      `json:"key,omitempty"`
	Entry     *CacheEntry `json:"entry,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PresenceUpdate mirrors a presence mutation for one profile.
type PresenceUpdate struct {
	ProfileID  string    `json:"profile_id"`
	Status     string    `json:"status"`
	Activity   string    `json:"activity,omitempty"`
	TypingIn   string    `json:"typing_in,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}

// LocationUpdate mirrors a location change for one profile.
type LocationUpdate struct {
	ProfileID string    `json:"profile_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerSync carries backend changes polled by the master instance so that
// non-master instances do not each poll the backend themselves.
type PeerSync struct {
	Since    time.Time         `json:"since"`
	Profiles []profile.Profile `json:"profiles"`
}

// MasterCheck announces an instance's claim to the master role.
// The earliest-started instance wins; ties break on instance ID.
type MasterCheck struct {
	StartedAt time.Time `json:"started_at"`
}

// ConflictResolution carries a merged payload plus both originals, so peers
// can apply the merge and observers can audit it.
type ConflictResolution struct {
	OfType MessageType     `json:"of_type"`
	Merged json.RawMessage `json:"merged"`
	Local  json.RawMessage `json:"local"`
	Remote json.RawMessage `json:"remote"`
}

// DecodePayload decodes an envelope's raw payload into its concrete type.
// Each message type has exactly one schema; anything else is rejected at this
// boundary rather than flowing through the system as loose JSON.
func DecodePayload(t MessageType, data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var (
		payload any
		err     error
	)
	switch t {
	case TypeCacheUpdate:
		var p CacheUpdate
		err = json.Unmarshal(data, &p)
		payload = p
	case TypePresenceUpdate:
		var p PresenceUpdate
		err = json.Unmarshal(data, &p)
		payload = p
	case TypeLocationUpdate:
		var p LocationUpdate
		err = json.Unmarshal(data, &p)
		payload = p
	case TypePeerSync:
		var p PeerSync
		err = json.Unmarshal(data, &p)
		payload = p
	case TypeMasterCheck:
		var p MasterCheck
		err = json.Unmarshal(data, &p)
		payload = p
	case TypeConflictResolution:
		var p ConflictResolution
		err = json.Unmarshal(data, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}

	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", t, err)
	}
	return payload, nil
}
