// Package paywall implements the HTTP 402 payment gate in front of paid
// endpoints.
//
// A request with no payment header receives a fresh price quote and a 402.
// A request with a proof header is decoded, dispatched to the verifier for
// its scheme, and either admitted exactly once with a VerifiedPayment in
// its context or rejected with a stable error code.
//
// When both payment headers are present the facilitator scheme wins; within
// X-Payment-Proof the proof's own tag picks transaction over signature.
// The precedence is fixed (facilitator → transaction → signature), never
// arbitrary.
package paywall

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketbrief/insightgate/internal/facilitator"
	"github.com/marketbrief/insightgate/internal/logging"
	"github.com/marketbrief/insightgate/internal/pricing"
	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/traces"
	"github.com/marketbrief/insightgate/internal/usdc"
	"github.com/marketbrief/insightgate/internal/verify"
)

// Header names. X-Payment carries the opaque facilitator payload (the x402
// convention); X-Payment-Proof carries the signature and transaction
// schemes.
const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentProof    = "X-Payment-Proof"
	HeaderPaymentResponse = "X-Payment-Response"
)

const contextKey = "verified_payment"

// SignatureVerifier validates signed off-chain payment messages.
type SignatureVerifier interface {
	Verify(p *proof.SignatureProof, expectedPriceUSD float64) (*verify.VerifiedPayment, error)
}

// TransactionVerifier validates on-chain payment transactions.
type TransactionVerifier interface {
	Verify(ctx context.Context, p *proof.TransactionProof, expectedPriceUSD float64) (*verify.VerifiedPayment, error)
}

// Config wires the gate. All fields are resolved once at startup; the gate
// reads no configuration per request.
type Config struct {
	Pricing      *pricing.Calculator
	Signatures   SignatureVerifier
	Transactions TransactionVerifier
	Settler      facilitator.Settler // nil disables the facilitator scheme
	Logger       *slog.Logger
}

// quoteBody is the 402 response.
type quoteBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Quote   quoteJSON         `json:"quote"`
	Accepts map[string]scheme `json:"instructions"`
}

type quoteJSON struct {
	Class           string    `json:"class"`
	Price           string    `json:"price"`            // USD, decimal string
	PriceChainUnits string    `json:"priceChainUnits"`  // smallest-unit USDC
	Currency        string    `json:"currency"`
	PayTo           string    `json:"payToAddress"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type scheme struct {
	Header string `json:"header"`
	Detail string `json:"detail"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Middleware gates one route class. estimatedUsage is read from the
// estimatedUsage query parameter so agents can pre-size their quote.
func Middleware(cfg Config, class pricing.Class) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		quote, err := cfg.Pricing.Quote(class, estimatedUsage(c))
		if err != nil {
			// Routes are bound to known classes at startup; this is a
			// wiring bug, not client error.
			logger.Error("quote failed", "class", class, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
				Error: "internal_error", Message: "pricing unavailable",
			})
			return
		}

		facBlob := c.GetHeader(HeaderPayment)
		proofHeader := c.GetHeader(HeaderPaymentProof)

		if facBlob == "" && proofHeader == "" {
			pwRequests.WithLabelValues("quoted").Inc()
			renderQuote(c, quote)
			return
		}

		// Verification must run to completion even if the client goes
		// away: consuming a nonce or hash half-way would leave the replay
		// state inconsistent with what the client observed.
		ctx := context.WithoutCancel(c.Request.Context())
		ctx, span := traces.StartSpan(ctx, "paywall.verify", traces.QueryClass(string(class)))
		defer span.End()

		var vp *verify.VerifiedPayment
		var receipt *facilitator.Receipt
		var verr error

		switch {
		case facBlob != "" && cfg.Settler != nil:
			start := time.Now()
			vp, receipt, verr = cfg.Settler.Settle(ctx, facilitator.SettleRequest{
				Resource: c.FullPath(),
				Method:   c.Request.Method,
				Blob:     facBlob,
				PriceUSD: quote.USD,
			})
			pwVerifyLatency.WithLabelValues(string(proof.SchemeFacilitator)).Observe(time.Since(start).Seconds())

		case facBlob != "":
			verr = verify.Fail(verify.CodeUnknownScheme, "facilitator scheme is not enabled")

		default:
			vp, verr = dispatchProof(ctx, cfg, proofHeader, quote.USD)
		}

		if verr != nil {
			reject(c, logger, verr)
			return
		}

		span.SetAttributes(
			traces.Payer(vp.Payer),
			traces.Scheme(string(vp.Scheme)),
			traces.AmountUSD(vp.AmountUSD),
		)
		pwRequests.WithLabelValues("admitted").Inc()
		pwAdmittedUSD.Observe(vp.AmountUSD)
		logger.Info("payment admitted",
			"scheme", vp.Scheme,
			"payer", vp.Payer,
			"amount_usd", vp.AmountUSD,
			"settlement_ref", vp.SettlementRef,
		)

		if receipt != nil {
			c.Header(HeaderPaymentResponse, receipt.Header())
		}
		Attach(c, vp)
		// Downstream handlers log under the admitted payer.
		c.Request = c.Request.WithContext(logging.WithPayer(c.Request.Context(), vp.Payer))
		c.Next()
	}
}

// dispatchProof decodes X-Payment-Proof and routes to the verifier named
// by its scheme tag.
func dispatchProof(ctx context.Context, cfg Config, header string, priceUSD float64) (*verify.VerifiedPayment, error) {
	p, err := proof.Decode(header)
	if err != nil {
		if errors.Is(err, proof.ErrUnknownScheme) {
			return nil, verify.FailCause(verify.CodeUnknownScheme, err, "unsupported payment scheme")
		}
		return nil, verify.FailCause(verify.CodeMalformedProof, err, "payment proof did not decode")
	}

	start := time.Now()
	defer func() {
		pwVerifyLatency.WithLabelValues(string(p.Scheme)).Observe(time.Since(start).Seconds())
	}()

	switch p.Scheme {
	case proof.SchemeTransaction:
		return cfg.Transactions.Verify(ctx, p.Transaction, priceUSD)
	case proof.SchemeSignature:
		return cfg.Signatures.Verify(p.Signature, priceUSD)
	case proof.SchemeFacilitator:
		// Facilitator payloads belong in X-Payment.
		return nil, verify.Fail(verify.CodeMalformedProof, "facilitator payload sent in %s", HeaderPaymentProof)
	default:
		return nil, verify.Fail(verify.CodeUnknownScheme, "unsupported payment scheme %q", p.Scheme)
	}
}

func renderQuote(c *gin.Context, q *pricing.Quote) {
	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Amount", usdc.Format(q.ChainUnits))
	c.Header("X-Payment-Recipient", q.PayTo)

	c.AbortWithStatusJSON(http.StatusPaymentRequired, quoteBody{
		Error:   string(verify.CodeQuoteRequired),
		Message: "payment is required before this query is served",
		Quote: quoteJSON{
			Class:           string(q.Class),
			Price:           usdc.Format(q.ChainUnits),
			PriceChainUnits: q.ChainUnits.String(),
			Currency:        q.Currency,
			PayTo:           q.PayTo,
			ExpiresAt:       q.ExpiresAt,
		},
		Accepts: map[string]scheme{
			string(proof.SchemeSignature): {
				Header: HeaderPaymentProof,
				Detail: "sign insightgate|{payToLowercase}|{amount}|{nonce}|{unixTimestamp} with EIP-191 personal_sign",
			},
			string(proof.SchemeTransaction): {
				Header: HeaderPaymentProof,
				Detail: "send the quoted value to payToAddress and present the transaction hash",
			},
			string(proof.SchemeFacilitator): {
				Header: HeaderPayment,
				Detail: "present an x402 exact-scheme payment payload",
			},
		},
	})
}

// reject maps a verification failure onto its HTTP status and stable code.
func reject(c *gin.Context, logger *slog.Logger, err error) {
	f, ok := verify.AsFailure(err)
	if !ok {
		f = verify.FailCause(verify.CodeUnavailable, err, "verification failed")
	}

	pwRequests.WithLabelValues(string(f.Code)).Inc()
	logger.Warn("payment rejected", "code", f.Code, "message", f.Message)

	c.AbortWithStatusJSON(statusFor(f.Code), errorBody{
		Error:   string(f.Code),
		Message: f.Message,
	})
}

func statusFor(code verify.Code) int {
	switch code {
	case verify.CodeProofExpired, verify.CodeBadSignature,
		verify.CodeWrongRecipient, verify.CodeWrongSender:
		return http.StatusUnauthorized
	case verify.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		// malformed_proof, unknown_scheme, insufficient_amount,
		// proof_already_used, transaction_not_found, transaction_failed
		return http.StatusBadRequest
	}
}

func estimatedUsage(c *gin.Context) int64 {
	raw := c.Query("estimatedUsage")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Attach sets the request's VerifiedPayment. The gate calls this on
// admission; handler tests use it to simulate a gated request.
func Attach(c *gin.Context, vp *verify.VerifiedPayment) {
	c.Set(contextKey, vp)
}

// Payment returns the VerifiedPayment attached by the gate, or nil when
// the request was not gated.
func Payment(c *gin.Context) *verify.VerifiedPayment {
	if v, ok := c.Get(contextKey); ok {
		if vp, ok := v.(*verify.VerifiedPayment); ok {
			return vp
		}
	}
	return nil
}
