// Package profile defines the nearby-profile model shared by the location
// cache, the nearby fetcher, and the broadcast coordinator.
package profile

import (
	"time"

	"github.com/onnwee/vicinity/internal/geo"
)

// Profile is a transient, TTL-bound copy of a user profile as returned by the
// nearby geo-query. Profiles are never created or destroyed here; they are
// fetched, held, and invalidated on a schedule or explicit push update.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`

	// Positional attributes. Coordinates reflect the backend's last known
	// location and may already be coarsened server-side per sharing tier.
	Lat               float64   `json:"lat"`
	Lng               float64   `json:"lng"`
	AccuracyM         float64   `json:"accuracy_m,omitempty"`
	SharingTier       string    `json:"sharing_tier"`
	LocationUpdatedAt time.Time `json:"location_updated_at"`

	// Presence attributes. These can lag the live presence channel view,
	// for example when a session ended uncleanly.
	Status     string    `json:"status,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Point returns the profile's coordinates.
func (p Profile) Point() geo.Point {
	return geo.Point{Lat: p.Lat, Lng: p.Lng}
}

// DisplayGeohash returns the geohash cell to show for this profile,
// truncated per its sharing tier.
func (p Profile) DisplayGeohash() string {
	return geo.EncodeGeohash(p.Lat, p.Lng, geo.TierPrecision(p.SharingTier))
}

// MergeByID merges two profile slices, deduplicating by ID. When both sides
// carry the same profile the one with the later UpdatedAt wins; on a tie the
// incoming side wins. Order is existing-first, then new incoming profiles in
// their original order.
func MergeByID(existing, incoming []Profile) []Profile {
	byID := make(map[string]int, len(existing))
	merged := make([]Profile, len(existing))
	copy(merged, existing)
	for i, p := range merged {
		byID[p.ID] = i
	}

	for _, p := range incoming {
		if i, ok := byID[p.ID]; ok {
			if !p.UpdatedAt.Before(merged[i].UpdatedAt) {
				merged[i] = p
			}
			continue
		}
		byID[p.ID] = len(merged)
		merged = append(merged, p)
	}

	return merged
}
