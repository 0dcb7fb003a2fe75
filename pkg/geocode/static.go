package geocode

import (
	"context"

	"github.com/rotisserie/eris"
)

// StaticLookup serves coordinates from a fixed in-memory table. Useful
// for local development and tests where no network lookup is wanted.
type StaticLookup struct {
	coords map[string]Coordinate
}

// NewStaticLookup creates a lookup over the given zip → coordinate
// table. Keys are normalized on construction.
func NewStaticLookup(coords map[string]Coordinate) *StaticLookup {
	normalized := make(map[string]Coordinate, len(coords))
	for zip, c := range coords {
		if key := NormalizeZip(zip); key != "" {
			normalized[key] = c
		}
	}
	return &StaticLookup{coords: normalized}
}

// Lookup implements Lookup.
func (s *StaticLookup) Lookup(_ context.Context, zip string) (Coordinate, error) {
	c, ok := s.coords[NormalizeZip(zip)]
	if !ok {
		return Coordinate{}, eris.Wrapf(ErrUnresolvable, "postal code %s", zip)
	}
	return c, nil
}
