package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payTo = "0x1111111111111111111111111111111111111111"

func TestPrice_UsageSurcharge(t *testing.T) {
	calc := NewCalculator(map[Class]PriceConfig{
		"summary": {Base: 0.02, PerUsage: 0.00001, Ceiling: 0.10},
	}, payTo, time.Minute)

	// base 0.02 + 5 * 0.00001 = 0.02005
	price, err := calc.Price("summary", 5000)
	require.NoError(t, err)
	assert.InDelta(t, 0.02005, price, 1e-9)
}

func TestPrice_CeilingAndFloor(t *testing.T) {
	calc := NewCalculator(map[Class]PriceConfig{
		"summary": {Base: 0.02, PerUsage: 0.00001, Ceiling: 0.10},
		"cheap":   {Base: 0.0001, PerUsage: 0, Ceiling: 0.10},
	}, payTo, time.Minute)

	price, err := calc.Price("summary", 50_000_000)
	require.NoError(t, err)
	assert.Equal(t, 0.10, price, "ceiling caps the surcharge")

	price, err = calc.Price("cheap", 0)
	require.NoError(t, err)
	assert.Equal(t, Floor, price, "floor applies below minimum")
}

func TestPrice_UnknownClass(t *testing.T) {
	calc := NewCalculator(DefaultClasses(), payTo, time.Minute)

	_, err := calc.Price("nonsense", 0)
	assert.Error(t, err)
}

func TestQuote_CarriesAddressAndExpiry(t *testing.T) {
	calc := NewCalculator(DefaultClasses(), payTo, time.Minute)

	q, err := calc.Quote(ClassRisk, 0)
	require.NoError(t, err)

	assert.Equal(t, 0.05, q.USD)
	assert.Equal(t, int64(50_000), q.ChainUnits.Int64())
	assert.Equal(t, payTo, q.PayTo)
	assert.Equal(t, "USDC", q.Currency)
	assert.WithinDuration(t, time.Now().Add(time.Minute), q.ExpiresAt, 2*time.Second)
}

func TestQuote_Idempotent(t *testing.T) {
	calc := NewCalculator(DefaultClasses(), payTo, time.Minute)

	a, err := calc.Quote(ClassSummary, 1000)
	require.NoError(t, err)
	b, err := calc.Quote(ClassSummary, 1000)
	require.NoError(t, err)

	assert.Equal(t, a.USD, b.USD)
	assert.Equal(t, a.ChainUnits, b.ChainUnits)
}

func TestStaticRates(t *testing.T) {
	r := StaticRates{"ETH": 3000}

	v, err := r.Rate(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, v)

	_, err = r.Rate(context.Background(), "DOGE")
	assert.Error(t, err)
}

func TestHTTPRateSource_FetchAndCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "ETH", r.URL.Query().Get("asset"))
		w.Write([]byte(`{"usd": 3250.5}`))
	}))
	defer srv.Close()

	src := NewHTTPRateSource(srv.URL, StaticRates{"ETH": 3000}, time.Minute)

	for i := 0; i < 3; i++ {
		v, err := src.Rate(context.Background(), "ETH")
		require.NoError(t, err)
		assert.Equal(t, 3250.5, v)
	}
	assert.Equal(t, 1, calls, "second lookup served from cache")
}

func TestHTTPRateSource_FallsBackOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewHTTPRateSource(srv.URL, StaticRates{"ETH": 3000}, time.Minute)

	v, err := src.Rate(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, v, "static fallback when live source fails")
}

func TestHTTPRateSource_ServesStaleCacheBeforeFallback(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"usd": 3100}`))
	}))
	defer srv.Close()

	src := NewHTTPRateSource(srv.URL, StaticRates{"ETH": 3000}, time.Nanosecond)

	v, err := src.Rate(context.Background(), "ETH")
	require.NoError(t, err)
	require.Equal(t, 3100.0, v)

	healthy = false
	time.Sleep(time.Millisecond) // let the cache entry age out

	v, err = src.Rate(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3100.0, v, "stale cache beats static table")
}
