package insight

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketbrief/insightgate/internal/ledger"
	"github.com/marketbrief/insightgate/internal/metrics"
	"github.com/marketbrief/insightgate/internal/paywall"
	"github.com/marketbrief/insightgate/internal/pricing"
	"github.com/marketbrief/insightgate/internal/traces"
	"github.com/marketbrief/insightgate/internal/usdc"
)

// Handler serves paid insight queries and the free pricing listing.
type Handler struct {
	gen      Generator
	calc     *pricing.Calculator
	recorder *ledger.Recorder
}

func NewHandler(gen Generator, calc *pricing.Calculator, recorder *ledger.Recorder) *Handler {
	return &Handler{gen: gen, calc: calc, recorder: recorder}
}

// QueryRequest is the body of a paid insight query.
type QueryRequest struct {
	Query string `json:"query" binding:"required"`
}

// Query returns the handler for one query class. The route sits behind the
// payment gate, so a request reaching it always carries a VerifiedPayment.
func (h *Handler) Query(class pricing.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		vp := paywall.Payment(c)
		if vp == nil {
			// The gate attaches the payment before c.Next(); reaching this
			// point without one means the route was wired unguarded.
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "payment context missing",
			})
			return
		}

		var req QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "request body must carry a non-empty query",
			})
			return
		}

		ctx, span := traces.StartSpan(c.Request.Context(), "insight.generate", traces.QueryClass(string(class)))
		result, err := h.gen.Generate(ctx, Request{Class: class, Query: req.Query})
		span.End()
		if err != nil {
			if errors.Is(err, ErrEmptyQuery) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "query cannot be empty",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "generation_failed",
				"message": "insight generation failed",
			})
			return
		}

		metrics.InsightsServedTotal.WithLabelValues(string(class)).Inc()

		sum := sha256.Sum256([]byte(result.Body))
		h.recorder.Record(c.Request.Context(), &ledger.Entry{
			Payer:         vp.Payer,
			QueryClass:    string(class),
			AmountUSD:     usdc.Format(usdc.FromUSD(vp.AmountUSD)),
			Scheme:        string(vp.Scheme),
			SettlementRef: vp.SettlementRef,
			ResultHash:    hex.EncodeToString(sum[:]),
		})

		c.JSON(http.StatusOK, gin.H{
			"insight": result,
			"payment": gin.H{
				"payer":     vp.Payer,
				"amountUsd": vp.AmountUSD,
				"scheme":    vp.Scheme,
				"reference": vp.SettlementRef,
			},
		})
	}
}

// Pricing handles GET /v1/pricing: the free listing of query classes and
// their current quotes.
func (h *Handler) Pricing(c *gin.Context) {
	classes := make([]gin.H, 0, 4)
	for _, class := range h.calc.Classes() {
		cfg, _ := h.calc.Config(class)
		quote, err := h.calc.Quote(class, 0)
		if err != nil {
			continue
		}
		classes = append(classes, gin.H{
			"class":        string(class),
			"basePrice":    usdc.Format(usdc.FromUSD(cfg.Base)),
			"ceilingPrice": usdc.Format(usdc.FromUSD(cfg.Ceiling)),
			"quote": gin.H{
				"price":           usdc.Format(quote.ChainUnits),
				"priceChainUnits": quote.ChainUnits.String(),
				"currency":        quote.Currency,
				"payToAddress":    quote.PayTo,
				"expiresAt":       quote.ExpiresAt,
			},
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"classes":  classes,
		"currency": "USDC",
	})
}
