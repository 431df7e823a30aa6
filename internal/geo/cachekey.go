package geo

import (
	"math"
	"strconv"
	"strings"
)

// DefaultKeyPrecision is the default number of decimal digits kept when
// deriving a cache key from a coordinate. Three digits is roughly a 111 m
// grid at the equator: nearby queries collide into one cache slot instead of
// each producing a distinct key. Tightening the precision trades cache hits
// for spatial accuracy, so it is configuration, not a constant baked into
// call sites.
const DefaultKeyPrecision = 3

// RoundCoordinate rounds a coordinate to the given number of decimal digits.
// Precision below zero is treated as zero.
func RoundCoordinate(value float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	factor := math.Pow(10, float64(precision))
	return math.Round(value*factor) / factor
}

// CacheKey derives a stable cache key from a query center and radius.
// Coordinates are rounded to precision digits first, so any two semantically
// equal queries produce the same key regardless of float noise in the input.
func CacheKey(center Point, radiusMeters float64, precision int) string {
	lat := RoundCoordinate(center.Lat, precision)
	lng := RoundCoordinate(center.Lng, precision)

	var sb strings.Builder
	sb.WriteString(strconv.FormatFloat(lat, 'f', precision, 64))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatFloat(lng, 'f', precision, 64))
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatFloat(radiusMeters, 'f', -1, 64))
	return sb.String()
}
