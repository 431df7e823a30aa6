// Package geo provides geolocation utilities for privacy-preserving location handling
// and the spatial math behind the nearby-profile cache.
package geo

import "math"

// metersPerDegreeLat is the approximate length of one degree of latitude.
// Longitude degrees shrink by cos(latitude) away from the equator.
const metersPerDegreeLat = 111320.0

// Point represents a geographic coordinate with latitude and longitude.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds represents a geographic bounding box.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// BoundsForRadius computes the bounding box covering a circle of radiusMeters
// around center, using an equirectangular approximation. A zero or negative
// radius yields a zero-area box at the center rather than an error, so callers
// can treat degenerate input as "no coverage".
func BoundsForRadius(center Point, radiusMeters float64) Bounds {
	if radiusMeters <= 0 {
		return Bounds{North: center.Lat, South: center.Lat, East: center.Lng, West: center.Lng}
	}

	latDelta := radiusMeters / metersPerDegreeLat

	// Longitude degrees narrow toward the poles; clamp cos to avoid a
	// division blowup at extreme latitudes.
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}
	lngDelta := radiusMeters / (metersPerDegreeLat * cosLat)

	return Bounds{
		North: center.Lat + latDelta,
		South: center.Lat - latDelta,
		East:  center.Lng + lngDelta,
		West:  center.Lng - lngDelta,
	}
}

// Area returns the area of the box in square degrees.
// Degenerate boxes (inverted or zero extent) have zero area.
func (b Bounds) Area() float64 {
	height := b.North - b.South
	width := b.East - b.West
	if height <= 0 || width <= 0 {
		return 0
	}
	return height * width
}

// Contains reports whether the point lies within the box (inclusive).
func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lng >= b.West && p.Lng <= b.East
}

// OverlapRatio returns the overlap between two boxes as
// intersection area / min(area a, area b), in [0, 1].
// Disjoint or degenerate boxes yield 0.
func OverlapRatio(a, b Bounds) float64 {
	areaA := a.Area()
	areaB := b.Area()
	if areaA == 0 || areaB == 0 {
		return 0
	}

	north := math.Min(a.North, b.North)
	south := math.Max(a.South, b.South)
	east := math.Min(a.East, b.East)
	west := math.Max(a.West, b.West)

	if north <= south || east <= west {
		return 0
	}

	intersection := (north - south) * (east - west)
	return intersection / math.Min(areaA, areaB)
}
