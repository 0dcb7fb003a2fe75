// Package geocode resolves postal codes to coordinates through an
// external lookup, with process-scoped caching and in-flight
// request deduplication.
package geocode

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnresolvable is returned when no coordinate exists for a postal
// code. Ingestion treats it as a skipped enrichment; search treats it
// as a request-level failure.
var ErrUnresolvable = eris.New("geocode: unresolvable location")

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Lookup is the external postal-code lookup collaborator. It returns
// ErrUnresolvable when the code has no known coordinate; any other
// error is a lookup-infrastructure failure.
type Lookup interface {
	Lookup(ctx context.Context, zip string) (Coordinate, error)
}

// NormalizeZip trims the input and reduces it to its five-digit form.
// An empty result means the input carried no digits at all.
func NormalizeZip(zip string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(zip) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if len(digits) > 5 {
		return digits[:5]
	}
	for len(digits) < 5 {
		digits = "0" + digits
	}
	return digits
}
