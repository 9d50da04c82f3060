package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// RateSource reports the USD spot price of an asset (e.g. "ETH").
type RateSource interface {
	Rate(ctx context.Context, asset string) (float64, error)
}

// StaticRates is a fixed rate table. It backs tests and serves as the
// fallback of last resort when the live source is down.
type StaticRates map[string]float64

func (r StaticRates) Rate(_ context.Context, asset string) (float64, error) {
	v, ok := r[asset]
	if !ok {
		return 0, fmt.Errorf("pricing: no static rate for %q", asset)
	}
	return v, nil
}

// HTTPRateSource fetches spot prices from a price-feed endpoint returning
// {"usd": <price>}. Lookups are time-bounded; on failure it serves the
// last good value, then the static fallback. Price accuracy is best-effort
// by design: a stale rate widens or narrows the slippage band slightly but
// never blocks verification.
type HTTPRateSource struct {
	baseURL    string
	httpClient *http.Client
	fallback   StaticRates

	mu       sync.Mutex
	lastGood map[string]cachedRate
	maxAge   time.Duration
}

type cachedRate struct {
	value   float64
	fetched time.Time
}

// NewHTTPRateSource creates a live rate source with the given fallback
// table. cacheFor bounds how long a fetched rate is reused before a fresh
// lookup is attempted.
func NewHTTPRateSource(baseURL string, fallback StaticRates, cacheFor time.Duration) *HTTPRateSource {
	if cacheFor <= 0 {
		cacheFor = 30 * time.Second
	}
	return &HTTPRateSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		fallback:   fallback,
		lastGood:   make(map[string]cachedRate),
		maxAge:     cacheFor,
	}
}

// Rate returns the USD price for asset.
func (r *HTTPRateSource) Rate(ctx context.Context, asset string) (float64, error) {
	r.mu.Lock()
	if c, ok := r.lastGood[asset]; ok && time.Since(c.fetched) < r.maxAge {
		r.mu.Unlock()
		return c.value, nil
	}
	r.mu.Unlock()

	v, err := r.fetch(ctx, asset)
	if err == nil {
		r.mu.Lock()
		r.lastGood[asset] = cachedRate{value: v, fetched: time.Now()}
		r.mu.Unlock()
		return v, nil
	}

	// Live lookup failed: stale cache beats the static table.
	r.mu.Lock()
	c, ok := r.lastGood[asset]
	r.mu.Unlock()
	if ok {
		return c.value, nil
	}
	return r.fallback.Rate(ctx, asset)
}

func (r *HTTPRateSource) fetch(ctx context.Context, asset string) (float64, error) {
	u := fmt.Sprintf("%s/v1/spot?asset=%s", r.baseURL, url.QueryEscape(asset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("pricing: build rate request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pricing: rate lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("pricing: rate lookup returned %d", resp.StatusCode)
	}

	var body struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("pricing: decode rate response: %w", err)
	}
	if body.USD <= 0 {
		return 0, fmt.Errorf("pricing: non-positive rate for %q", asset)
	}
	return body.USD, nil
}
