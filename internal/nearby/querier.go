// Package nearby fetches the profiles around a point. It debounces bursts of
// viewport changes into single backend queries, serves from the location
// cache when it can, retries transient failures with backoff, and keeps the
// held result set current as location and presence updates arrive.
package nearby

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/profile"
)

// Querier answers a radius query against the backend.
type Querier interface {
	// QueryNearby returns up to limit profiles within radiusMeters of
	// center, nearest first. With onlineOnly set, profiles whose presence
	// has lapsed are filtered out in the backend.
	QueryNearby(ctx context.Context, center geo.Point, radiusMeters float64, limit int, onlineOnly bool) ([]profile.Profile, error)
}

// PostgresQuerier implements Querier against PostgreSQL with PostGIS.
// The distance filter and ordering run in the database; this side only
// scans rows.
type PostgresQuerier struct {
	db *sql.DB
}

// NewPostgresQuerier creates a querier over an open database handle.
func NewPostgresQuerier(db *sql.DB) *PostgresQuerier {
	return &PostgresQuerier{db: db}
}

const nearbyQuery = `
	SELECT id, display_name, lat, lng, accuracy_m, sharing_tier,
	       location_updated_at, status, last_seen_at, updated_at
	FROM nearby_profiles($1, $2, $3, $4, $5)
`

// QueryNearby implements Querier by calling the nearby_profiles function,
// which wraps an ST_DWithin filter ordered by distance. The online-only
// predicate runs in the database so filtered rows never leave it.
func (q *PostgresQuerier) QueryNearby(ctx context.Context, center geo.Point, radiusMeters float64, limit int, onlineOnly bool) ([]profile.Profile, error) {
	rows, err := q.db.QueryContext(ctx, nearbyQuery, center.Lat, center.Lng, radiusMeters, limit, onlineOnly)
	if err != nil {
		return nil, fmt.Errorf("nearby query: %w", err)
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		var (
			p         profile.Profile
			locAt     sql.NullTime
			lastSeen  sql.NullTime
			updatedAt sql.NullTime
		)
		if err := rows.Scan(
			&p.ID, &p.DisplayName, &p.Lat, &p.Lng, &p.AccuracyM, &p.SharingTier,
			&locAt, &p.Status, &lastSeen, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan nearby row: %w", err)
		}
		if locAt.Valid {
			p.LocationUpdatedAt = locAt.Time
		}
		if lastSeen.Valid {
			p.LastSeenAt = lastSeen.Time
		}
		if updatedAt.Valid {
			p.UpdatedAt = updatedAt.Time
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearby rows: %w", err)
	}
	return out, nil
}

const changesQuery = `
	SELECT id, display_name, lat, lng, accuracy_m, sharing_tier,
	       location_updated_at, status, last_seen_at, updated_at
	FROM profiles
	WHERE updated_at > $1
	ORDER BY updated_at
	LIMIT 500
`

// ChangesSince returns profiles whose backend row changed after the given
// time. The master instance polls this and relays the result to its peers,
// so only one instance hits the table per sync interval.
func (q *PostgresQuerier) ChangesSince(ctx context.Context, since time.Time) ([]profile.Profile, error) {
	rows, err := q.db.QueryContext(ctx, changesQuery, since)
	if err != nil {
		return nil, fmt.Errorf("changes query: %w", err)
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		var (
			p         profile.Profile
			locAt     sql.NullTime
			lastSeen  sql.NullTime
			updatedAt sql.NullTime
		)
		if err := rows.Scan(
			&p.ID, &p.DisplayName, &p.Lat, &p.Lng, &p.AccuracyM, &p.SharingTier,
			&locAt, &p.Status, &lastSeen, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan changed row: %w", err)
		}
		if locAt.Valid {
			p.LocationUpdatedAt = locAt.Time
		}
		if lastSeen.Valid {
			p.LastSeenAt = lastSeen.Time
		}
		if updatedAt.Valid {
			p.UpdatedAt = updatedAt.Time
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changed rows: %w", err)
	}
	return out, nil
}

// Ping verifies the database connection, for startup checks.
func (q *PostgresQuerier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return q.db.PingContext(ctx)
}
