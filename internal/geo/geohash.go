// Package geo provides the geographic helpers shared by presence, tracking and matching:
// great-circle distance, path length and coarse geohash cells.
package geo

import "strings"

// DefaultPrecision is the geohash length shown to peers who are not connected.
// Six characters is roughly a 1.2 km x 0.6 km cell: enough to say "nearby"
// without pinpointing where someone is standing.
const DefaultPrecision = 6

// StoragePrecision is the geohash length written alongside each presence record.
const StoragePrecision = 8

// base32 is the geohash alphabet. It omits 'a', 'i', 'l' and 'o'.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode encodes a coordinate into a geohash of the given length.
// A precision below 1 falls back to DefaultPrecision.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = DefaultPrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var hash strings.Builder
	hash.Grow(precision)

	bits := 0
	var ch uint

	even := true
	for hash.Len() < precision {
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
			hash.WriteByte(base32[ch])
			bits = 0
			ch = 0
		}
	}

	return hash.String()
}

// Coarsen truncates a stored geohash to precision characters.
// It returns "" for empty or malformed input and lowercases everything else.
func Coarsen(hash string, precision int) string {
	if hash == "" || precision < 1 {
		return ""
	}

	lower := strings.ToLower(hash)
	for _, c := range lower {
		if !strings.ContainsRune(base32, c) {
			return ""
		}
	}

	if len(lower) <= precision {
		return lower
	}
	return lower[:precision]
}
