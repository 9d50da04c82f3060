// Package insight generates the paid market-data insights sold behind the
// payment gate.
//
// Generation is pluggable through the Generator interface; the built-in
// MarketGenerator is deterministic so the same query always produces the
// same insight, which keeps paid responses reproducible and testable.
package insight

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/marketbrief/insightgate/internal/pricing"
)

var ErrEmptyQuery = errors.New("insight: query cannot be empty")

// Request is one paid insight query.
type Request struct {
	Class pricing.Class
	Query string
}

// Insight is the generated result. Usage is the number of generation units
// consumed; callers feed it back as estimatedUsage on their next quote.
type Insight struct {
	Class       pricing.Class `json:"class"`
	Query       string        `json:"query"`
	Headline    string        `json:"headline"`
	Body        string        `json:"body"`
	Confidence  float64       `json:"confidence"`
	Usage       int64         `json:"usage"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Generator produces insights. Implementations must be safe for concurrent
// use.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Insight, error)
}

// MarketGenerator is the built-in deterministic generator. It derives
// structured commentary from a hash of the query so output is stable across
// runs without any model dependency.
type MarketGenerator struct {
	now func() time.Time
}

func NewMarketGenerator() *MarketGenerator {
	return &MarketGenerator{now: time.Now}
}

var classVerdicts = map[pricing.Class][]string{
	pricing.ClassSummary: {
		"consolidating within its recent range",
		"extending the prior session's move",
		"showing rotation into defensive names",
		"tracking broader index momentum",
	},
	pricing.ClassSentiment: {
		"skewing cautiously optimistic",
		"net bearish on positioning data",
		"neutral with widening dispersion",
		"risk-on across retail flow",
	},
	pricing.ClassRisk: {
		"elevated tail risk from concentrated exposure",
		"moderate drawdown risk within tolerance",
		"low correlation risk at current weights",
		"rising liquidity risk in smaller names",
	},
	pricing.ClassForecast: {
		"likely to retest the prior high over the next sessions",
		"expected to mean-revert toward the 20-day average",
		"projected to trade sideways pending catalysts",
		"positioned for a volatility expansion",
	},
}

var classUsageBase = map[pricing.Class]int64{
	pricing.ClassSummary:   400,
	pricing.ClassSentiment: 250,
	pricing.ClassRisk:      900,
	pricing.ClassForecast:  1600,
}

// Generate derives the insight deterministically from (class, query).
func (g *MarketGenerator) Generate(_ context.Context, req Request) (*Insight, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	verdicts, ok := classVerdicts[req.Class]
	if !ok {
		return nil, fmt.Errorf("insight: unknown query class %q", req.Class)
	}

	h := fnv.New64a()
	h.Write([]byte(string(req.Class) + "|" + strings.ToLower(query)))
	seed := h.Sum64()

	verdict := verdicts[seed%uint64(len(verdicts))]
	confidence := 0.55 + float64(seed%36)/100.0 // 0.55 .. 0.90
	usage := classUsageBase[req.Class] + int64(len(query))*3

	return &Insight{
		Class:    req.Class,
		Query:    query,
		Headline: fmt.Sprintf("%s: %s", capitalize(string(req.Class)), verdict),
		Body: fmt.Sprintf(
			"Analysis of %q indicates the subject is %s. Confidence %.0f%% based on available signal coverage.",
			query, verdict, confidence*100,
		),
		Confidence:  confidence,
		Usage:       usage,
		GeneratedAt: g.now(),
	}, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
