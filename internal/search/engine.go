package search

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/careprice-cli/internal/model"
	"github.com/sells-group/careprice-cli/internal/store"
	"github.com/sells-group/careprice-cli/pkg/geocode"
)

// DefaultRadiusKM is used when a query leaves the radius unset.
const DefaultRadiusKM = 10.0

// FactReader is the storage read path the engine consumes.
type FactReader interface {
	Facts(ctx context.Context, filter store.FactFilter) ([]model.Fact, error)
}

// Resolver maps postal codes to coordinates.
type Resolver interface {
	Resolve(ctx context.Context, zip string) (geocode.Coordinate, error)
}

// Query is one radius search request.
type Query struct {
	// Zip is the origin postal code. Required.
	Zip string
	// DRG optionally restricts results to procedures matching an exact
	// DRG code or a case-insensitive substring of the description.
	DRG string
	// RadiusKM bounds the search. Zero means DefaultRadiusKM; negative
	// values are rejected.
	RadiusKM float64
}

// Result is one ranked provider-procedure entry.
type Result struct {
	model.Fact
	DistanceKM float64 `json:"distance_km"`
}

// Response is a fully ranked result set. Providers whose postal code
// could not be resolved are excluded from Results but counted in
// UnresolvedProviders so they are never silently dropped.
type Response struct {
	Origin              geocode.Coordinate `json:"origin"`
	RadiusKM            float64            `json:"radius_km"`
	Results             []Result           `json:"results"`
	UnresolvedProviders int                `json:"unresolved_providers"`
}

// Engine executes radius searches. It is read-only and safe for
// concurrent use.
type Engine struct {
	reader   FactReader
	resolver Resolver
	log      *zap.Logger
}

// New builds an Engine over the given storage read path and resolver.
func New(reader FactReader, resolver Resolver, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.L()
	}
	return &Engine{reader: reader, resolver: resolver, log: log}
}

// Search resolves the origin, ranks all candidate facts by distance,
// and returns a deterministically ordered list. The order is total:
// distance ascending, then average total payments ascending, then
// provider ID ascending.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	zip := geocode.NormalizeZip(q.Zip)
	if zip == "" {
		return nil, eris.New("search: origin postal code is required")
	}

	radius := q.RadiusKM
	if radius == 0 {
		radius = DefaultRadiusKM
	}
	if radius < 0 {
		return nil, eris.Errorf("search: radius must be positive, got %v", q.RadiusKM)
	}

	origin, err := e.resolver.Resolve(ctx, zip)
	if err != nil {
		if errors.Is(err, geocode.ErrUnresolvable) {
			return nil, eris.Wrapf(err, "search: origin %s", zip)
		}
		return nil, eris.Wrap(err, "search: resolve origin")
	}

	facts, err := e.reader.Facts(ctx, store.FactFilter{DRG: q.DRG})
	if err != nil {
		return nil, eris.Wrap(err, "search: load facts")
	}

	resp := &Response{Origin: origin, RadiusKM: radius, Results: []Result{}}
	for i := range facts {
		fact := facts[i]
		coord, err := e.resolver.Resolve(ctx, fact.Provider.ZipCode)
		if err != nil {
			if errors.Is(err, geocode.ErrUnresolvable) {
				resp.UnresolvedProviders++
				continue
			}
			return nil, eris.Wrapf(err, "search: resolve provider %s", fact.Provider.ProviderID)
		}

		distance := Haversine(origin, coord)
		if distance > radius {
			continue
		}
		resp.Results = append(resp.Results, Result{Fact: fact, DistanceKM: distance})
	}

	sort.Slice(resp.Results, func(i, j int) bool {
		a, b := &resp.Results[i], &resp.Results[j]
		if a.DistanceKM != b.DistanceKM {
			return a.DistanceKM < b.DistanceKM
		}
		if cmp := a.AvgTotalPayments.Cmp(b.AvgTotalPayments); cmp != 0 {
			return cmp < 0
		}
		return a.Provider.ProviderID < b.Provider.ProviderID
	})

	e.log.Debug("radius search completed",
		zap.String("zip", zip),
		zap.String("drg", q.DRG),
		zap.Float64("radius_km", radius),
		zap.Int("results", len(resp.Results)),
		zap.Int("unresolved", resp.UnresolvedProviders),
	)
	return resp, nil
}
