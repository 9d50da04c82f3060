package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/replay"
	"github.com/marketbrief/insightgate/internal/verify"
	"github.com/marketbrief/insightgate/pkg/x402"
)

// Well-known throwaway key; never funded anywhere.
const (
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testPayTo = "0x9aF1b6F3F9a8D2CE1139Cb53E89a1040b94773B5"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) (*Handlers, func()) {
	t.Helper()
	ts := httptest.NewServer(handler)
	client, err := NewInsightClient(Config{
		APIURL:     ts.URL,
		PrivateKey: testKey,
	})
	require.NoError(t, err)
	return NewHandlers(client), ts.Close
}

// gateHandler fakes the payment gate for one insight class: unpaid
// requests get a 402 quote, paid requests are checked with the real
// signature verifier and answered with an insight body.
func gateHandler(t *testing.T, price string, priceUSD float64) http.Handler {
	t.Helper()
	verifier := verify.NewSignatureVerifier(testPayTo, replay.NewStore())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("X-Payment-Proof")
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   "quote_required",
				"message": "payment required",
				"quote": map[string]any{
					"class":        "risk",
					"price":        price,
					"currency":     "USDC",
					"payToAddress": testPayTo,
					"expiresAt":    time.Now().Add(5 * time.Minute),
				},
			})
			return
		}

		p, err := proof.Decode(header)
		if err != nil || p.Scheme != proof.SchemeSignature {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "malformed_proof", "message": "bad proof",
			})
			return
		}
		vp, err := verifier.Verify(p.Signature, priceUSD)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "bad_signature", "message": err.Error(),
			})
			return
		}

		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"insight": map[string]any{
				"class":       "risk",
				"query":       req.Query,
				"headline":    "Risk check: elevated volatility",
				"body":        "Exposure to btc carries elevated drawdown risk this cycle.",
				"confidence":  0.72,
				"usage":       912,
				"generatedAt": time.Now(),
			},
			"payment": map[string]any{
				"payer":     vp.Payer,
				"amountUsd": vp.AmountUSD,
				"scheme":    vp.Scheme,
				"reference": vp.SettlementRef,
			},
		})
	})
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// query_insight
// ============================================================

func TestHandleQueryInsight_PaysAndFormats(t *testing.T) {
	h, done := newTestSetup(t, gateHandler(t, "0.080000", 0.08))
	defer done()

	result, err := h.HandleQueryInsight(context.Background(), makeRequest(map[string]any{
		"class": "risk",
		"query": "btc drawdown risk",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Risk check: elevated volatility")
	assert.Contains(t, text, "Confidence: 72%")
	assert.Contains(t, text, "Usage: 912 tokens")
	assert.Contains(t, text, "Paid: 0.080000 USDC via signature")
}

func TestHandleQueryInsight_RequiresArguments(t *testing.T) {
	h, done := newTestSetup(t, gateHandler(t, "0.080000", 0.08))
	defer done()

	result, err := h.HandleQueryInsight(context.Background(), makeRequest(map[string]any{
		"query": "btc",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "class is required")

	result, err = h.HandleQueryInsight(context.Background(), makeRequest(map[string]any{
		"class": "risk",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "query is required")
}

func TestHandleQueryInsight_SpendCapSurfaces(t *testing.T) {
	ts := httptest.NewServer(gateHandler(t, "0.500000", 0.5))
	defer ts.Close()

	client, err := NewInsightClient(Config{
		APIURL:     ts.URL,
		PrivateKey: testKey,
		MaxPayment: "0.10",
	})
	require.NoError(t, err)
	h := NewHandlers(client)

	result, err := h.HandleQueryInsight(context.Background(), makeRequest(map[string]any{
		"class": "risk",
		"query": "btc",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "exceeds max payment")
}

func TestHandleQueryInsight_ServerRejectionSurfaces(t *testing.T) {
	h, done := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "invalid_request", "message": "query must not be empty",
		})
	}))
	defer done()

	result, err := h.HandleQueryInsight(context.Background(), makeRequest(map[string]any{
		"class": "summary",
		"query": "   ",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "query must not be empty")
}

// ============================================================
// get_quote
// ============================================================

func TestHandleGetQuote_DoesNotPay(t *testing.T) {
	var sawProof bool
	h, done := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Payment-Proof") != "" {
			sawProof = true
		}
		assert.Equal(t, "500", r.URL.Query().Get("estimatedUsage"))
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]any{
				"class":        "sentiment",
				"price":        "0.051500",
				"currency":     "USDC",
				"payToAddress": testPayTo,
				"expiresAt":    time.Now().Add(5 * time.Minute),
			},
		})
	}))
	defer done()

	result, err := h.HandleGetQuote(context.Background(), makeRequest(map[string]any{
		"class":           "sentiment",
		"estimated_usage": 500,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.False(t, sawProof, "quote fetch must not attach a payment proof")

	text := resultText(t, result)
	assert.Contains(t, text, "0.051500 USDC")
	assert.Contains(t, text, testPayTo)
}

func TestHandleGetQuote_RequiresClass(t *testing.T) {
	h, done := newTestSetup(t, http.NotFoundHandler())
	defer done()

	result, err := h.HandleGetQuote(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "class is required")
}

// ============================================================
// get_pricing / check_gateway
// ============================================================

func TestHandleGetPricing_FormatsAllClasses(t *testing.T) {
	h, done := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pricing", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"currency": "USDC",
			"classes": []map[string]any{
				{"class": "summary", "basePrice": "0.020000", "ceilingPrice": "0.060000",
					"quote": map[string]any{"price": "0.020000"}},
				{"class": "risk", "basePrice": "0.050000", "ceilingPrice": "0.150000",
					"quote": map[string]any{"price": "0.050000"}},
			},
		})
	}))
	defer done()

	result, err := h.HandleGetPricing(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "summary")
	assert.Contains(t, text, "base 0.020000, ceiling 0.060000")
	assert.Contains(t, text, "risk")
}

func TestHandleCheckGateway_ReportsStatusAndAddress(t *testing.T) {
	h, done := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}))
	defer done()

	result, err := h.HandleCheckGateway(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Gateway status: healthy")
	assert.Contains(t, text, "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23")
}

func TestHandleCheckGateway_DegradedStillReports(t *testing.T) {
	h, done := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
	}))
	defer done()

	result, err := h.HandleCheckGateway(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Gateway status: degraded")
}

// ============================================================
// Client construction / formatters
// ============================================================

func TestNewInsightClient_RejectsBadKey(t *testing.T) {
	_, err := NewInsightClient(Config{APIURL: "http://localhost:8080", PrivateKey: "not-hex"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment key")
}

func TestFormatInsight_IncludesSettlementTx(t *testing.T) {
	raw := json.RawMessage(`{
		"insight": {"class":"summary","headline":"H","body":"B","confidence":0.6,"usage":400},
		"payment": {"payer":"0xabc","amountUsd":0.02,"scheme":"facilitator","reference":"pi_123"}
	}`)
	text, err := formatInsight(raw, &x402.Receipt{Success: true, Transaction: "0xdeadbeef"})
	require.NoError(t, err)
	assert.Contains(t, text, "Settlement tx: 0xdeadbeef")
	assert.Contains(t, text, "via facilitator (ref pi_123)")
}

func TestFormatInsight_RejectsUnexpectedShape(t *testing.T) {
	_, err := formatInsight(json.RawMessage(`{"ok":true}`), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unexpected insight response format"))
}
