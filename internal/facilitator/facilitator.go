// Package facilitator delegates payment verification and settlement for
// the facilitator scheme to an external x402 settlement service, and
// translates its responses into the common verification vocabulary.
package facilitator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marketbrief/insightgate/internal/circuitbreaker"
	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/retry"
	"github.com/marketbrief/insightgate/internal/usdc"
	"github.com/marketbrief/insightgate/internal/verify"
)

// SettleRequest describes one resource access to be paid for.
type SettleRequest struct {
	Resource string  // resource identity, e.g. "/v1/insights/risk"
	Method   string  // HTTP method
	Blob     string  // opaque payment payload from the X-Payment header
	PriceUSD float64 // quoted price to enforce
}

// Receipt echoes facilitator settlement fields back to the client.
type Receipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Header encodes the receipt for the X-Payment-Response header.
func (r *Receipt) Header() string {
	data, _ := json.Marshal(r)
	return base64.StdEncoding.EncodeToString(data)
}

// Settler settles a facilitator-scheme payment. Implementations return a
// VerifiedPayment on success or a tagged verify.Failure.
type Settler interface {
	Settle(ctx context.Context, req SettleRequest) (*verify.VerifiedPayment, *Receipt, error)
}

// requirements mirrors the x402 paymentRequirements body.
type requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Config configures the x402 HTTP adapter.
type Config struct {
	URL     string // facilitator base URL
	PayTo   string // receiving address
	Network string // e.g. "base-sepolia"
	Asset   string // settlement asset contract address

	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration

	// BreakerThreshold consecutive upstream failures open the circuit for
	// BreakerOpenFor before a probe is allowed through.
	BreakerThreshold int
	BreakerOpenFor   time.Duration
}

// Adapter settles payments through a remote x402 facilitator over HTTP.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

var _ Settler = (*Adapter)(nil)

// New creates an HTTP facilitator adapter.
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor),
	}
}

// Settle verifies and settles the payment with the remote facilitator.
func (a *Adapter) Settle(ctx context.Context, req SettleRequest) (*verify.VerifiedPayment, *Receipt, error) {
	payload, err := decodeBlob(req.Blob)
	if err != nil {
		return nil, nil, verify.FailCause(verify.CodeMalformedProof, err, "unreadable facilitator payload")
	}

	reqs := requirements{
		Scheme:            "exact",
		Network:           a.cfg.Network,
		MaxAmountRequired: usdc.FromUSD(req.PriceUSD).String(),
		Resource:          req.Resource,
		Description:       fmt.Sprintf("%s %s", req.Method, req.Resource),
		PayTo:             a.cfg.PayTo,
		MaxTimeoutSeconds: 60,
		Asset:             a.cfg.Asset,
	}

	var vr verifyResponse
	if err := a.post(ctx, "/verify", payload, reqs, &vr); err != nil {
		return nil, nil, verify.FailCause(verify.CodeUnavailable, err, "facilitator verify failed")
	}
	if !vr.IsValid {
		return nil, nil, failureFromReason(vr.InvalidReason)
	}

	var sr settleResponse
	if err := a.post(ctx, "/settle", payload, reqs, &sr); err != nil {
		return nil, nil, verify.FailCause(verify.CodeUnavailable, err, "facilitator settle failed")
	}
	if !sr.Success {
		return nil, nil, failureFromReason(sr.ErrorReason)
	}

	payer := sr.Payer
	if payer == "" {
		payer = vr.Payer
	}
	receipt := &Receipt{
		Success:     true,
		Transaction: sr.Transaction,
		Network:     sr.Network,
		Payer:       payer,
	}
	return &verify.VerifiedPayment{
		Payer:         strings.ToLower(payer),
		AmountUSD:     req.PriceUSD,
		Scheme:        proof.SchemeFacilitator,
		SettlementRef: sr.Transaction,
		VerifiedAt:    time.Now(),
	}, receipt, nil
}

// post sends one facilitator RPC, retrying transient transport failures.
// HTTP 4xx responses are permanent; they mean the payload, not the network.
// Each path has its own circuit: repeated failures short-circuit further
// calls until the open window lapses.
func (a *Adapter) post(ctx context.Context, path string, payload json.RawMessage, reqs requirements, out any) error {
	if !a.breaker.Allow(path) {
		return fmt.Errorf("facilitator: circuit open for %s", path)
	}

	body, err := json.Marshal(map[string]any{
		"x402Version":         1,
		"paymentPayload":      payload,
		"paymentRequirements": reqs,
	})
	if err != nil {
		return fmt.Errorf("facilitator: marshal request: %w", err)
	}

	// Transport errors and 5xx mean the upstream is unhealthy and count
	// against the circuit. A 4xx still proves the service is up.
	var upstreamDown bool
	err = retry.Do(ctx, a.cfg.MaxAttempts, a.cfg.BaseDelay, func() error {
		upstreamDown = false

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			upstreamDown = true
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			upstreamDown = true
			return err
		}
		if resp.StatusCode >= 500 {
			upstreamDown = true
			return fmt.Errorf("facilitator: %s returned %d", path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Permanent(fmt.Errorf("facilitator: %s returned %d: %s", path, resp.StatusCode, respBody))
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return retry.Permanent(fmt.Errorf("facilitator: decode %s response: %w", path, err))
		}
		return nil
	})

	if err != nil && upstreamDown {
		a.breaker.RecordFailure(path)
	} else {
		a.breaker.RecordSuccess(path)
	}
	return err
}

// decodeBlob unwraps the base64 X-Payment header into the JSON payload the
// facilitator expects. A raw-JSON blob is passed through unchanged.
func decodeBlob(blob string) (json.RawMessage, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, fmt.Errorf("empty payment payload")
	}
	if data, err := base64.StdEncoding.DecodeString(blob); err == nil && json.Valid(data) {
		return json.RawMessage(data), nil
	}
	if json.Valid([]byte(blob)) {
		return json.RawMessage(blob), nil
	}
	return nil, fmt.Errorf("payload is neither base64 JSON nor JSON")
}

// failureFromReason maps facilitator reason strings onto the common codes.
// The x402 reason vocabulary is open-ended, so this matches on substrings
// and falls back to a generic rejection.
func failureFromReason(reason string) *verify.Failure {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "insufficient"):
		return verify.Fail(verify.CodeInsufficientAmount, "facilitator rejected payment: %s", reason)
	case strings.Contains(r, "expired"), strings.Contains(r, "valid_before"), strings.Contains(r, "valid_after"):
		return verify.Fail(verify.CodeProofExpired, "facilitator rejected payment: %s", reason)
	case strings.Contains(r, "signature"):
		return verify.Fail(verify.CodeBadSignature, "facilitator rejected payment: %s", reason)
	case strings.Contains(r, "recipient"), strings.Contains(r, "pay_to"), strings.Contains(r, "payto"):
		return verify.Fail(verify.CodeWrongRecipient, "facilitator rejected payment: %s", reason)
	case strings.Contains(r, "replay"), strings.Contains(r, "already"), strings.Contains(r, "nonce"):
		return verify.Fail(verify.CodeProofAlreadyUsed, "facilitator rejected payment: %s", reason)
	case reason == "":
		return verify.Fail(verify.CodeBadSignature, "facilitator rejected payment")
	default:
		return verify.Fail(verify.CodeBadSignature, "facilitator rejected payment: %s", reason)
	}
}
