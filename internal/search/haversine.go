// Package search ranks providers by great-circle distance from an
// origin postal code, joined with pricing and rating data.
package search

import (
	"math"

	"github.com/sells-group/careprice-cli/pkg/geocode"
)

// Mean Earth radius in kilometers (spherical approximation).
const earthRadiusKM = 6371.0

// Haversine returns the great-circle distance between two coordinates
// in kilometers.
func Haversine(a, b geocode.Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}
