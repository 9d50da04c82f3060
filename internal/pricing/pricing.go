// Package pricing computes per-request USD prices for insight query classes
// and converts them to on-chain USDC units.
package pricing

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/marketbrief/insightgate/internal/usdc"
)

// Class identifies a category of insight query with its own price curve.
type Class string

const (
	ClassSummary   Class = "summary"
	ClassSentiment Class = "sentiment"
	ClassRisk      Class = "risk"
	ClassForecast  Class = "forecast"
)

// PriceConfig is the price curve for one query class.
type PriceConfig struct {
	Base      float64 // USD charged for any request
	PerUsage  float64 // USD surcharge per 1000 estimated usage units
	Ceiling   float64 // hard cap in USD
}

// Quote is a priced, time-bounded invitation to pay. Quotes are recomputed
// per request and never consume replay state.
type Quote struct {
	Class      Class
	USD        float64
	ChainUnits *big.Int
	PayTo      string
	Currency   string
	ExpiresAt  time.Time
}

// Floor is the minimum USD price for any request. Price curves never quote
// below this.
const Floor = 0.001

// DefaultValidFor is how long a quote remains usable.
const DefaultValidFor = 5 * time.Minute

// DefaultClasses returns the built-in query class price table.
func DefaultClasses() map[Class]PriceConfig {
	return map[Class]PriceConfig{
		ClassSummary:   {Base: 0.02, PerUsage: 0.00001, Ceiling: 0.10},
		ClassSentiment: {Base: 0.01, PerUsage: 0.000005, Ceiling: 0.05},
		ClassRisk:      {Base: 0.05, PerUsage: 0.00002, Ceiling: 0.25},
		ClassForecast:  {Base: 0.08, PerUsage: 0.00005, Ceiling: 0.40},
	}
}

// Calculator quotes prices for query classes.
type Calculator struct {
	classes  map[Class]PriceConfig
	payTo    string
	validFor time.Duration
}

// NewCalculator creates a price calculator. payTo is the configured
// receiving address stamped into every quote.
func NewCalculator(classes map[Class]PriceConfig, payTo string, validFor time.Duration) *Calculator {
	if validFor <= 0 {
		validFor = DefaultValidFor
	}
	return &Calculator{classes: classes, payTo: payTo, validFor: validFor}
}

// Price computes the USD price for a class at the given estimated usage:
// min(ceiling, base + usage/1000 * perUsage), never below Floor.
func (c *Calculator) Price(class Class, estimatedUsage int64) (float64, error) {
	cfg, ok := c.classes[class]
	if !ok {
		return 0, fmt.Errorf("pricing: unknown query class %q", class)
	}
	if estimatedUsage < 0 {
		estimatedUsage = 0
	}

	price := cfg.Base + float64(estimatedUsage)/1000.0*cfg.PerUsage
	price = math.Min(price, cfg.Ceiling)
	return math.Max(price, Floor), nil
}

// Quote produces a fresh quote for a class. Quoting is idempotent and has
// no side effects.
func (c *Calculator) Quote(class Class, estimatedUsage int64) (*Quote, error) {
	price, err := c.Price(class, estimatedUsage)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Class:      class,
		USD:        price,
		ChainUnits: usdc.FromUSD(price),
		PayTo:      c.payTo,
		Currency:   "USDC",
		ExpiresAt:  time.Now().Add(c.validFor),
	}, nil
}

// Classes returns the known classes in stable order, for the pricing
// listing endpoint.
func (c *Calculator) Classes() []Class {
	out := make([]Class, 0, len(c.classes))
	for class := range c.classes {
		out = append(out, class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config returns the price curve for a class, for display purposes.
func (c *Calculator) Config(class Class) (PriceConfig, bool) {
	cfg, ok := c.classes[class]
	return cfg, ok
}
