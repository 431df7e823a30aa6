// Package loccache provides the in-memory, snapshot-persisted cache of
// nearby-profile query results. Queries for roughly the same viewport collide
// into one entry via coordinate rounding, overlapping entries are merged on
// write, and mutations are mirrored to sibling instances over the broadcast
// bus.
package loccache

import (
	"time"

	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/profile"
)

// Freshness classifies an entry's age against the configured thresholds.
// It is always derived from the entry timestamp at read time, never stored.
type Freshness string

// Freshness buckets.
const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessStale   Freshness = "stale"
	FreshnessExpired Freshness = "expired"
)

// Eviction weights per freshness bucket. Fresh, frequently hit entries are
// kept; stale and rarely hit entries go first.
const (
	freshFactor   = 1.0
	staleFactor   = 0.5
	expiredFactor = 0.1
)

// Entry is one cached query result. Entries are owned exclusively by the
// cache instance that created them; peers only ever receive serialized
// copies over the broadcast bus.
type Entry struct {
	Key       string            `cbor:"key"`
	Center    geo.Point         `cbor:"center"`
	RadiusM   float64           `cbor:"radius_m"`
	Timestamp time.Time         `cbor:"timestamp"`
	Entities  []profile.Profile `cbor:"entities"`
	Bounds    geo.Bounds        `cbor:"bounds"`
	HitCount  int64             `cbor:"hit_count"`
	Zoom      int               `cbor:"zoom,omitempty"`
}

// FreshnessAt classifies the entry at the given instant.
func (e *Entry) FreshnessAt(now time.Time, staleAfter, expireAfter time.Duration) Freshness {
	age := now.Sub(e.Timestamp)
	switch {
	case age >= expireAfter:
		return FreshnessExpired
	case age >= staleAfter:
		return FreshnessStale
	default:
		return FreshnessFresh
	}
}

// valueScore ranks an entry for eviction: hit count weighted by freshness,
// divided by age in seconds. Higher scores survive longer. Age is floored at
// one second so brand-new entries do not divide by zero.
func (e *Entry) valueScore(now time.Time, staleAfter, expireAfter time.Duration) float64 {
	factor := freshFactor
	switch e.FreshnessAt(now, staleAfter, expireAfter) {
	case FreshnessStale:
		factor = staleFactor
	case FreshnessExpired:
		factor = expiredFactor
	}

	age := now.Sub(e.Timestamp).Seconds()
	if age < 1 {
		age = 1
	}
	return float64(e.HitCount) * factor / age
}
