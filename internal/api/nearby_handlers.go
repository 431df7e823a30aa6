package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/loccache"
	"github.com/onnwee/vicinity/internal/middleware"
	"github.com/onnwee/vicinity/internal/nearby"
	"github.com/onnwee/vicinity/internal/profile"
)

// NearbyHandlers serves synchronous nearby queries: cache first, backend on
// a miss or stale entry. The debounced flow lives on the subscription socket;
// this endpoint is for one-shot lookups.
type NearbyHandlers struct {
	cache      nearby.EntityCache
	querier    nearby.Querier
	maxResults int
	onlineOnly bool
	logger     *slog.Logger
}

// NewNearbyHandlers creates the nearby query handlers. onlineOnly is the
// default presence filter; requests may override it per call.
func NewNearbyHandlers(cache nearby.EntityCache, querier nearby.Querier, maxResults int, onlineOnly bool, logger *slog.Logger) *NearbyHandlers {
	if maxResults <= 0 {
		maxResults = nearby.DefaultMaxResults
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NearbyHandlers{
		cache:      cache,
		querier:    querier,
		maxResults: maxResults,
		onlineOnly: onlineOnly,
		logger:     logger,
	}
}

// ProfileView is the outward shape of a nearby profile. Exact coordinates
// are only exposed for the public sharing tier; coarser tiers get a
// truncated geohash cell instead.
type ProfileView struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	Lat         *float64   `json:"lat,omitempty"`
	Lng         *float64   `json:"lng,omitempty"`
	Geohash     string     `json:"geohash,omitempty"`
	SharingTier string     `json:"sharing_tier"`
	Status      string     `json:"status,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// NearbyResponse is the JSON body for GET /nearby.
type NearbyResponse struct {
	Profiles  []ProfileView `json:"profiles"`
	Count     int           `json:"count"`
	FromCache bool          `json:"from_cache"`
}

// ViewOf redacts a profile for the wire per its sharing tier.
func ViewOf(p profile.Profile) ProfileView {
	v := ProfileView{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		SharingTier: p.SharingTier,
		Status:      p.Status,
	}
	if !p.LastSeenAt.IsZero() {
		t := p.LastSeenAt
		v.LastSeenAt = &t
	}
	if p.SharingTier == geo.TierPublic {
		lat, lng := p.Lat, p.Lng
		v.Lat = &lat
		v.Lng = &lng
	}
	v.Geohash = p.DisplayGeohash()
	return v
}

// Nearby handles GET /nearby?lat=&lng=&radius_m=&zoom=.
func (h *NearbyHandlers) Nearby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidCoordinates)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCoordinates, "lat and lng must be valid coordinates")
		return
	}

	radiusM, radErr := strconv.ParseFloat(q.Get("radius_m"), 64)
	if radErr != nil || radiusM <= 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidRadius)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidRadius, "radius_m must be a positive number of meters")
		return
	}

	zoom := 0
	if z := q.Get("zoom"); z != "" {
		if parsed, err := strconv.Atoi(z); err == nil {
			zoom = parsed
		}
	}

	onlineOnly := h.onlineOnly
	if o := q.Get("online_only"); o != "" {
		if parsed, err := strconv.ParseBool(o); err == nil {
			onlineOnly = parsed
		}
	}

	center := geo.Point{Lat: lat, Lng: lng}

	// The cache holds result sets in the deployment's default filter mode;
	// a request overriding that mode goes straight to the backend.
	cacheable := onlineOnly == h.onlineOnly
	if cacheable && h.cache != nil && h.cache.FreshnessOf(center, radiusM) == loccache.FreshnessFresh {
		h.respond(w, h.cache.Get(center, radiusM), true)
		return
	}

	profiles, err := h.querier.QueryNearby(r.Context(), center, radiusM, h.maxResults, onlineOnly)
	if err != nil {
		h.logger.Error("nearby query failed",
			slog.String("error", err.Error()),
			slog.Float64("lat", lat),
			slog.Float64("lng", lng))
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeQueryFailed)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeQueryFailed, "Nearby lookup is temporarily unavailable")
		return
	}

	// A result fetched under a different filter mode must not be cached as
	// the area's answer.
	if h.cache != nil && cacheable {
		h.cache.Put(r.Context(), center, radiusM, profiles, zoom)
	}
	h.respond(w, profiles, false)
}

func (h *NearbyHandlers) respond(w http.ResponseWriter, profiles []profile.Profile, fromCache bool) {
	views := make([]ProfileView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, ViewOf(p))
	}

	resp := NearbyResponse{
		Profiles:  views,
		Count:     len(views),
		FromCache: fromCache,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode nearby response", "error", err)
	}
}
