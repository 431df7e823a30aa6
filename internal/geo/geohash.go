package geo

import "strings"

// Sharing tiers control how precisely a profile's location is exposed to
// other users. Each tier maps to a geohash precision used for display.
const (
	TierPublic      = "public"      // exact coordinates
	TierApproximate = "approximate" // ~±0.61 km cell
	TierAreaOnly    = "area_only"   // ~±20 km cell
)

// Geohash precisions per sharing tier.
const (
	PrecisionPublic      = 9
	PrecisionApproximate = 6
	PrecisionAreaOnly    = 4
)

// TierPrecision returns the geohash precision for a sharing tier.
// Unknown tiers fall back to the coarsest precision: over-hiding a location
// is always safe, over-exposing it never is.
func TierPrecision(tier string) int {
	switch tier {
	case TierPublic:
		return PrecisionPublic
	case TierApproximate:
		return PrecisionApproximate
	default:
		return PrecisionAreaOnly
	}
}

// geohashBase32 is the geohash base32 alphabet (excludes 'a', 'i', 'l', 'o').
const geohashBase32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// validGeohashChars is a lookup set for valid geohash characters.
var validGeohashChars = func() map[rune]bool {
	m := make(map[rune]bool, len(geohashBase32))
	for _, c := range geohashBase32 {
		m[c] = true
	}
	return m
}()

// EncodeGeohash encodes latitude and longitude into a geohash of the given
// precision using the standard interleaved bisection algorithm. A precision
// below 1 falls back to the approximate-tier precision.
func EncodeGeohash(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = PrecisionApproximate
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var sb strings.Builder
	sb.Grow(precision)

	bits := 0
	var ch uint
	even := true

	for sb.Len() < precision {
		if even {
			mid := (lngRange[0] + lngRange[1]) / 2
			if lng > mid {
				ch |= 1 << (4 - bits)
				lngRange[0] = mid
			} else {
				lngRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat > mid {
				ch |= 1 << (4 - bits)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		even = !even
		bits++

		if bits == 5 {
			sb.WriteByte(geohashBase32[ch])
			bits = 0
			ch = 0
		}
	}

	return sb.String()
}

// TruncateGeohash truncates a geohash to the given precision for coarse
// display. Returns the empty string for empty input, invalid characters, or
// precision below 1. Input shorter than precision is returned as-is,
// normalized to lowercase.
func TruncateGeohash(input string, precision int) string {
	if input == "" || precision < 1 {
		return ""
	}

	lower := strings.ToLower(input)
	for _, c := range lower {
		if !validGeohashChars[c] {
			return ""
		}
	}

	if len(lower) <= precision {
		return lower
	}
	return lower[:precision]
}
