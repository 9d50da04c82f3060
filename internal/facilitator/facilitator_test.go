package facilitator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/verify"
)

const payTo = "0x9aF1b6F3F9a8D2CE1139Cb53E89a1040b94773B5"

func blob(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

// fakeFacilitator is an httptest x402 facilitator with scripted responses.
type fakeFacilitator struct {
	verifyResp  verifyResponse
	settleResp  settleResponse
	verifyCalls int
	settleCalls int
	failWith5xx int // serve this many 500s before responding
}

func (f *fakeFacilitator) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.failWith5xx > 0 {
			f.failWith5xx--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var body struct {
			X402Version         int             `json:"x402Version"`
			PaymentPayload      json.RawMessage `json:"paymentPayload"`
			PaymentRequirements requirements    `json:"paymentRequirements"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 1, body.X402Version)
		assert.Equal(t, payTo, body.PaymentRequirements.PayTo)
		assert.Equal(t, "exact", body.PaymentRequirements.Scheme)

		switch r.URL.Path {
		case "/verify":
			f.verifyCalls++
			json.NewEncoder(w).Encode(f.verifyResp)
		case "/settle":
			f.settleCalls++
			json.NewEncoder(w).Encode(f.settleResp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newAdapter(url string) *Adapter {
	return New(Config{
		URL:         url,
		PayTo:       payTo,
		Network:     "base-sepolia",
		Asset:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	})
}

func TestAdapterSettle_Success(t *testing.T) {
	fake := &fakeFacilitator{
		verifyResp: verifyResponse{IsValid: true, Payer: "0xPayer"},
		settleResp: settleResponse{Success: true, Transaction: "0xtx", Network: "base-sepolia", Payer: "0xPayer"},
	}
	srv := fake.server(t)
	defer srv.Close()

	vp, receipt, err := newAdapter(srv.URL).Settle(context.Background(), SettleRequest{
		Resource: "/v1/insights/risk",
		Method:   "POST",
		Blob:     blob(t, map[string]any{"x402Version": 1, "scheme": "exact"}),
		PriceUSD: 0.05,
	})
	require.NoError(t, err)

	assert.Equal(t, "0xpayer", vp.Payer)
	assert.Equal(t, proof.SchemeFacilitator, vp.Scheme)
	assert.Equal(t, "0xtx", vp.SettlementRef)
	assert.Equal(t, 0.05, vp.AmountUSD)

	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, "0xtx", receipt.Transaction)
	assert.Equal(t, 1, fake.verifyCalls)
	assert.Equal(t, 1, fake.settleCalls)
}

func TestAdapterSettle_InvalidReasonMapping(t *testing.T) {
	tests := []struct {
		reason string
		want   verify.Code
	}{
		{"insufficient_funds", verify.CodeInsufficientAmount},
		{"authorization_expired", verify.CodeProofExpired},
		{"invalid_signature", verify.CodeBadSignature},
		{"pay_to_mismatch", verify.CodeWrongRecipient},
		{"nonce_already_used", verify.CodeProofAlreadyUsed},
		{"some_novel_reason", verify.CodeBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			fake := &fakeFacilitator{verifyResp: verifyResponse{IsValid: false, InvalidReason: tt.reason}}
			srv := fake.server(t)
			defer srv.Close()

			_, _, err := newAdapter(srv.URL).Settle(context.Background(), SettleRequest{
				Resource: "/v1/insights/risk", Method: "POST",
				Blob: blob(t, map[string]any{"scheme": "exact"}), PriceUSD: 0.05,
			})
			f, ok := verify.AsFailure(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, f.Code)
			assert.Equal(t, 0, fake.settleCalls, "invalid payments are never settled")
		})
	}
}

func TestAdapterSettle_SettlementFailure(t *testing.T) {
	fake := &fakeFacilitator{
		verifyResp: verifyResponse{IsValid: true},
		settleResp: settleResponse{Success: false, ErrorReason: "insufficient_funds"},
	}
	srv := fake.server(t)
	defer srv.Close()

	_, _, err := newAdapter(srv.URL).Settle(context.Background(), SettleRequest{
		Resource: "/v1/insights/risk", Method: "POST",
		Blob: blob(t, map[string]any{"scheme": "exact"}), PriceUSD: 0.05,
	})
	f, ok := verify.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, verify.CodeInsufficientAmount, f.Code)
}

func TestAdapterSettle_MalformedBlob(t *testing.T) {
	_, _, err := newAdapter("http://127.0.0.1:0").Settle(context.Background(), SettleRequest{
		Resource: "/v1/insights/risk", Method: "POST",
		Blob: "%%%not a payload%%%", PriceUSD: 0.05,
	})
	f, ok := verify.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, verify.CodeMalformedProof, f.Code, "malformed payloads never hit the network")
}

func TestAdapterSettle_RetriesThenSucceeds(t *testing.T) {
	fake := &fakeFacilitator{
		verifyResp:  verifyResponse{IsValid: true, Payer: "0xp"},
		settleResp:  settleResponse{Success: true, Transaction: "0xtx"},
		failWith5xx: 2,
	}
	srv := fake.server(t)
	defer srv.Close()

	_, _, err := newAdapter(srv.URL).Settle(context.Background(), SettleRequest{
		Resource: "/v1/insights/risk", Method: "POST",
		Blob: blob(t, map[string]any{"scheme": "exact"}), PriceUSD: 0.05,
	})
	assert.NoError(t, err)
}

func TestAdapterSettle_DownstreamDownDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := newAdapter(srv.URL).Settle(context.Background(), SettleRequest{
		Resource: "/v1/insights/risk", Method: "POST",
		Blob: blob(t, map[string]any{"scheme": "exact"}), PriceUSD: 0.05,
	})
	f, ok := verify.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, verify.CodeUnavailable, f.Code)
}

func TestAdapterSettle_CircuitOpensAfterRepeatedOutage(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Config{
		URL:              srv.URL,
		PayTo:            payTo,
		Network:          "base-sepolia",
		Asset:            "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Timeout:          2 * time.Second,
		MaxAttempts:      1,
		BaseDelay:        time.Millisecond,
		BreakerThreshold: 2,
		BreakerOpenFor:   time.Minute,
	})
	req := SettleRequest{
		Resource: "/v1/insights/risk", Method: "POST",
		Blob: blob(t, map[string]any{"scheme": "exact"}), PriceUSD: 0.05,
	}

	for i := 0; i < 2; i++ {
		_, _, err := a.Settle(context.Background(), req)
		require.Error(t, err)
	}
	hitsBeforeOpen := hits

	// Circuit is open now: no further upstream calls.
	_, _, err := a.Settle(context.Background(), req)
	f, ok := verify.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, verify.CodeUnavailable, f.Code)
	assert.Equal(t, hitsBeforeOpen, hits)
}

func TestReceipt_Header(t *testing.T) {
	r := &Receipt{Success: true, Transaction: "0xtx", Network: "base-sepolia", Payer: "0xp"}

	decoded, err := base64.StdEncoding.DecodeString(r.Header())
	require.NoError(t, err)

	var got Receipt
	require.NoError(t, json.Unmarshal(decoded, &got))
	assert.Equal(t, *r, got)
}
