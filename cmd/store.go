package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/careprice-cli/internal/resilience"
	"github.com/sells-group/careprice-cli/internal/store"
	"github.com/sells-group/careprice-cli/pkg/geocode"
)

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "careprice.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("database URL is required (CAREPRICE_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func newResolver() *geocode.Resolver {
	lookup := geocode.NewZippopotamLookup(
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithRateLimit(cfg.Geocode.RequestsPerSec),
		geocode.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Geocode.TimeoutSecs) * time.Second,
		}),
		geocode.WithCircuitBreaker(resilience.NewCircuitBreaker(
			resilience.FromCircuitConfig(cfg.Geocode.FailureThreshold, cfg.Geocode.ResetTimeoutSecs),
		)),
	)
	return geocode.NewResolver(lookup,
		geocode.WithNegativeTTL(time.Duration(cfg.Geocode.NegativeTTLSecs)*time.Second),
	)
}
