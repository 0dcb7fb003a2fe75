package geocode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultNegativeTTL is how long a failed resolution is remembered
// before the lookup is tried again.
const DefaultNegativeTTL = 5 * time.Minute

type cacheEntry struct {
	coord    Coordinate
	resolved bool
	at       time.Time
}

// Resolver maps postal codes to coordinates through a Lookup, caching
// results in process memory. Positive entries are immutable; negative
// entries expire after the configured TTL. Concurrent callers asking
// for the same uncached code share a single in-flight lookup.
type Resolver struct {
	lookup      Lookup
	negativeTTL time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group singleflight.Group
	now   func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithNegativeTTL sets the retention for cached resolution failures.
func WithNegativeTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.negativeTTL = ttl
		}
	}
}

// WithClock overrides the resolver's time source.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver backed by the given lookup.
func NewResolver(lookup Lookup, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		lookup:      lookup,
		negativeTTL: DefaultNegativeTTL,
		entries:     make(map[string]cacheEntry),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the coordinate for a postal code. A miss from the
// lookup is cached as a negative result and returned as
// ErrUnresolvable until the negative TTL elapses.
func (r *Resolver) Resolve(ctx context.Context, zip string) (Coordinate, error) {
	key := NormalizeZip(zip)
	if key == "" {
		return Coordinate{}, eris.Wrapf(ErrUnresolvable, "empty postal code %q", zip)
	}

	if coord, ok, err := r.cached(key); ok {
		return coord, err
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the cache while this one queued.
		if coord, ok, cachedErr := r.cached(key); ok {
			return coord, cachedErr
		}

		coord, lookupErr := r.lookup.Lookup(ctx, key)
		if lookupErr != nil {
			if errors.Is(lookupErr, ErrUnresolvable) {
				r.store(key, Coordinate{}, false)
				zap.L().Debug("geocode: negative result cached", zap.String("zip", key))
				return Coordinate{}, eris.Wrapf(ErrUnresolvable, "postal code %s", key)
			}
			// Infrastructure failures are not cached.
			return Coordinate{}, lookupErr
		}

		r.store(key, coord, true)
		return coord, nil
	})
	if err != nil {
		return Coordinate{}, err
	}
	return v.(Coordinate), nil
}

// cached returns the entry for key if present and not expired.
func (r *Resolver) cached(key string) (Coordinate, bool, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return Coordinate{}, false, nil
	}
	if e.resolved {
		return e.coord, true, nil
	}
	if r.now().Sub(e.at) < r.negativeTTL {
		return Coordinate{}, true, eris.Wrapf(ErrUnresolvable, "postal code %s", key)
	}
	return Coordinate{}, false, nil
}

func (r *Resolver) store(key string, coord Coordinate, resolved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok && existing.resolved {
		return // positive entries are immutable
	}
	r.entries[key] = cacheEntry{coord: coord, resolved: resolved, at: r.now()}
}

// Len reports the number of cached entries. Intended for diagnostics.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
