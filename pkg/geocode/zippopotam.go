package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/careprice-cli/internal/resilience"
)

const zippopotamBaseURL = "https://api.zippopotam.us/us"

// zippopotamResponse is the JSON response for one US postal code.
type zippopotamResponse struct {
	Places []struct {
		Latitude  string `json:"latitude"`
		Longitude string `json:"longitude"`
	} `json:"places"`
}

// ZippopotamLookup resolves US postal codes via the Zippopotam API.
// Calls are rate limited and guarded by a circuit breaker so a flapping
// upstream does not stall an ingestion run.
type ZippopotamLookup struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
}

// ZippopotamOption configures a ZippopotamLookup.
type ZippopotamOption func(*ZippopotamLookup)

// WithBaseURL overrides the API base URL (used in tests).
func WithBaseURL(u string) ZippopotamOption {
	return func(z *ZippopotamLookup) {
		z.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ZippopotamOption {
	return func(z *ZippopotamLookup) {
		z.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) ZippopotamOption {
	return func(z *ZippopotamLookup) {
		z.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
}

// WithCircuitBreaker replaces the default circuit breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) ZippopotamOption {
	return func(z *ZippopotamLookup) {
		z.breaker = cb
	}
}

// NewZippopotamLookup creates a lookup client with the given options.
func NewZippopotamLookup(opts ...ZippopotamOption) *ZippopotamLookup {
	z := &ZippopotamLookup{
		baseURL:    zippopotamBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

// Lookup implements Lookup. A 404 from the API maps to ErrUnresolvable;
// 5xx and 429 become transient errors the retry layer may act on.
func (z *ZippopotamLookup) Lookup(ctx context.Context, zip string) (Coordinate, error) {
	return resilience.ExecuteVal(ctx, z.breaker, func(ctx context.Context) (Coordinate, error) {
		return z.lookupOnce(ctx, zip)
	})
}

func (z *ZippopotamLookup) lookupOnce(ctx context.Context, zip string) (Coordinate, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return Coordinate{}, eris.Wrap(err, "geocode: rate limit")
	}

	reqURL := fmt.Sprintf("%s/%s", z.baseURL, zip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Coordinate{}, eris.Wrap(err, "geocode: build request")
	}

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return Coordinate{}, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Coordinate{}, eris.Wrapf(ErrUnresolvable, "postal code %s", zip)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return Coordinate{}, resilience.NewTransientError(
			eris.Errorf("geocode: lookup returned status %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Coordinate{}, eris.Errorf("geocode: lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Coordinate{}, eris.Wrap(err, "geocode: read body")
	}

	var zr zippopotamResponse
	if err := json.Unmarshal(body, &zr); err != nil {
		return Coordinate{}, eris.Wrap(err, "geocode: parse response")
	}
	if len(zr.Places) == 0 {
		return Coordinate{}, eris.Wrapf(ErrUnresolvable, "postal code %s", zip)
	}

	lat, err := strconv.ParseFloat(zr.Places[0].Latitude, 64)
	if err != nil {
		return Coordinate{}, eris.Wrapf(err, "geocode: parse latitude for %s", zip)
	}
	lng, err := strconv.ParseFloat(zr.Places[0].Longitude, 64)
	if err != nil {
		return Coordinate{}, eris.Wrapf(err, "geocode: parse longitude for %s", zip)
	}

	return Coordinate{Latitude: lat, Longitude: lng}, nil
}
