// Package geo provides geographic utility functions for job dispatch.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
// Travel time is estimated using a constant average speed — suitable for
// offer enrichment. In production, swap with OSRM or Google Maps API.
package geo

import (
	"math"

	"github.com/fixly/dispatch/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// AverageSpeedKmph is the assumed average city driving speed.
	// Used for time estimation when a routing engine is not available.
	AverageSpeedKmph = 30.0
)

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in kilometers.
//
// Complexity: O(1)
func HaversineKm(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// EstimateTravelMinutes returns the estimated direct travel time between two
// points in minutes, assuming AverageSpeedKmph.
//
// Complexity: O(1)
func EstimateTravelMinutes(a, b model.Location) float64 {
	return (HaversineKm(a, b) / AverageSpeedKmph) * 60.0
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
